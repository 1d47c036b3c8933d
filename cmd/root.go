package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sergev/fluxdecode/config"
)

var (
	configFile string
	verbose    bool
	conf       *config.Config
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fluxdecode",
		Short: "Recover sectors from floppy flux captures",
		Long: "The fluxdecode tool recovers the bit-cell clock from flux interval captures, " +
			"detects the track encoding (MFM, FM, Apple GCR, Commodore GCR) and decodes the sectors, " +
			"fusing several revolutions into one track.",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logrus.SetOutput(cmd.ErrOrStderr())
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}

			var err error
			conf, err = loadConfig(configFile)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.fluxdecode when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every revolution")

	rootCmd.AddCommand(newDecodeCommand(), newSynthCommand(), newConfigCommand())
	return rootCmd
}

// loadConfig reads the named file, or the user config file when it
// exists, over the built-in defaults.
func loadConfig(name string) (*config.Config, error) {
	if name != "" {
		return config.Load(name)
	}
	path, err := config.Path()
	if err != nil {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("user config: %w", err)
	}
	return c, nil
}

// Execute runs the root command until it finishes or is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cobra.CheckErr(NewRootCommand().ExecuteContext(ctx))
}
