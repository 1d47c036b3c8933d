package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sergev/fluxdecode/detect"
	"github.com/sergev/fluxdecode/pll"
	"github.com/sergev/fluxdecode/sector"
	"github.com/sergev/fluxdecode/track"
	"github.com/sergev/fluxdecode/viterbi"
)

//go:embed fluxdecode.toml
var defaultConfigData []byte

// Config represents the entire TOML configuration structure
type Config struct {
	Capture  Capture       `toml:"capture" yaml:"capture"`
	PLL      PLL           `toml:"pll" yaml:"pll"`
	Detector detect.Config `toml:"detector" yaml:"detector"`
	Weak     Weak          `toml:"weak" yaml:"weak"`
	Viterbi  Viterbi       `toml:"viterbi" yaml:"viterbi"`
	Decode   Decode        `toml:"decode" yaml:"decode"`
}

// Capture describes the flux source
type Capture struct {
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
	BitRate    float64 `toml:"bit_rate" yaml:"bit_rate"`
}

// PLL holds the loop tuning
type PLL struct {
	Mode            string  `toml:"mode" yaml:"mode"`
	Tolerance       float64 `toml:"tolerance" yaml:"tolerance"`
	SyncGain        float64 `toml:"sync_gain" yaml:"sync_gain"`
	DataGain        float64 `toml:"data_gain" yaml:"data_gain"`
	Kp              float64 `toml:"kp" yaml:"kp"`
	Ki              float64 `toml:"ki" yaml:"ki"`
	Kd              float64 `toml:"kd" yaml:"kd"`
	IntegralLimit   float64 `toml:"integral_limit" yaml:"integral_limit"`
	JitterThreshold float64 `toml:"jitter_threshold" yaml:"jitter_threshold"`
	MaxGainSlew     float64 `toml:"max_gain_slew" yaml:"max_gain_slew"`
	LockThreshold   int     `toml:"lock_threshold" yaml:"lock_threshold"`
	UnlockThreshold int     `toml:"unlock_threshold" yaml:"unlock_threshold"`
}

// Weak holds the weak-bit reporting settings
type Weak struct {
	MinRegion int `toml:"min_region" yaml:"min_region"`
}

// Viterbi enables and tunes GCR recovery
type Viterbi struct {
	Enabled        bool `toml:"enabled" yaml:"enabled"`
	viterbi.Config `yaml:",inline"`
}

// Decode selects the decoders
type Decode struct {
	Encodings   []string `toml:"encodings" yaml:"encodings"`
	Window      int      `toml:"window" yaml:"window"`
	Concurrency int      `toml:"concurrency" yaml:"concurrency"`
}

// Path returns the user config file path for the operating system
func Path() (string, error) {
	var configDir string
	var err error

	switch runtime.GOOS {
	case "windows":
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "fluxdecode")
	default:
		configDir, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home directory: %w", err)
		}
	}

	return filepath.Join(configDir, ".fluxdecode"), nil
}

// Initialize creates the user config file from the embedded default if
// it doesn't exist yet, and returns its path.
func Initialize() (string, error) {
	path, err := Path()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		configDir := filepath.Dir(path)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		if err := os.WriteFile(path, defaultConfigData, 0644); err != nil {
			return "", fmt.Errorf("failed to create default config file at %s: %w", path, err)
		}
	} else if err != nil {
		return "", err
	}
	return path, nil
}

// Default returns the embedded configuration.
func Default() *Config {
	var conf Config
	if _, err := toml.Decode(string(defaultConfigData), &conf); err != nil {
		panic(fmt.Sprintf("embedded config: %v", err))
	}
	return &conf
}

// Load returns the embedded defaults overlaid with the file at path.
// An empty path gives the defaults alone. Unknown keys are errors.
func Load(path string) (*Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}

	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML config at %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return conf, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture has invalid sample_rate: %g (must be positive)", c.Capture.SampleRate)
	}
	if c.Capture.BitRate <= 0 {
		return fmt.Errorf("capture has invalid bit_rate: %g (must be positive)", c.Capture.BitRate)
	}
	if c.Capture.BitRate >= c.Capture.SampleRate {
		return fmt.Errorf("capture bit_rate %g must be below sample_rate %g", c.Capture.BitRate, c.Capture.SampleRate)
	}

	if _, ok := pll.ParseMode(c.PLL.Mode); !ok {
		return fmt.Errorf("pll has invalid mode %q (sync, data or adaptive)", c.PLL.Mode)
	}
	if c.PLL.Tolerance <= 0 || c.PLL.Tolerance >= 1 {
		return fmt.Errorf("pll has invalid tolerance: %g (must be between 0 and 1)", c.PLL.Tolerance)
	}
	if c.PLL.LockThreshold <= 0 {
		return fmt.Errorf("pll has invalid lock_threshold: %d (must be positive)", c.PLL.LockThreshold)
	}
	if c.PLL.UnlockThreshold < 0 || c.PLL.UnlockThreshold >= c.PLL.LockThreshold {
		return fmt.Errorf("pll unlock_threshold %d must be below lock_threshold %d", c.PLL.UnlockThreshold, c.PLL.LockThreshold)
	}

	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if c.Weak.MinRegion <= 0 {
		return fmt.Errorf("weak has invalid min_region: %d (must be positive)", c.Weak.MinRegion)
	}
	if c.Viterbi.Enabled {
		if err := c.Viterbi.Config.Validate(); err != nil {
			return err
		}
	}

	if _, err := c.encodings(); err != nil {
		return err
	}
	if c.Decode.Window < 0 {
		return fmt.Errorf("decode has invalid window: %d", c.Decode.Window)
	}
	if c.Decode.Concurrency < 0 {
		return fmt.Errorf("decode has invalid concurrency: %d", c.Decode.Concurrency)
	}
	return nil
}

func (c *Config) encodings() ([]sector.Encoding, error) {
	var out []sector.Encoding
	for _, name := range c.Decode.Encodings {
		e, err := sector.ParseEncoding(name)
		if err != nil {
			return nil, err
		}
		supported := false
		for _, s := range track.DefaultEncodings {
			supported = supported || s == e
		}
		if !supported {
			return nil, fmt.Errorf("no decoder for encoding %s: %w", e, sector.ErrInvalidArgument)
		}
		out = append(out, e)
	}
	return out, nil
}

// PLLConfig converts the [pll] section.
func (c *Config) PLLConfig() pll.Config {
	mode, _ := pll.ParseMode(c.PLL.Mode)
	return pll.Config{
		Tolerance:       c.PLL.Tolerance,
		SyncGain:        c.PLL.SyncGain,
		DataGain:        c.PLL.DataGain,
		Kp:              c.PLL.Kp,
		Ki:              c.PLL.Ki,
		Kd:              c.PLL.Kd,
		IntegralLimit:   c.PLL.IntegralLimit,
		JitterThreshold: c.PLL.JitterThreshold,
		MaxGainSlew:     c.PLL.MaxGainSlew,
		LockThreshold:   c.PLL.LockThreshold,
		UnlockThreshold: c.PLL.UnlockThreshold,
		Mode:            mode,
	}
}

// Options builds the track decode options.
func (c *Config) Options() (track.Options, error) {
	if err := c.Validate(); err != nil {
		return track.Options{}, err
	}
	encs, _ := c.encodings()
	opts := track.Options{
		SampleRate:  c.Capture.SampleRate,
		BitRate:     c.Capture.BitRate,
		PLL:         c.PLLConfig(),
		Detector:    c.Detector,
		Encodings:   encs,
		Window:      c.Decode.Window,
		MinRegion:   c.Weak.MinRegion,
		Concurrency: c.Decode.Concurrency,
	}
	if c.Viterbi.Enabled {
		v := c.Viterbi.Config
		opts.Recovery = &v
	}
	return opts, nil
}

// Write renders the configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
