package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sergev/fluxdecode/config"
)

func newConfigCommand() *cobra.Command {
	var initialize bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: "Print the effective configuration as TOML: the built-in defaults overlaid with " +
			"the user config file or --config. With --init, create ~/.fluxdecode from the defaults first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if initialize {
				path, err := config.Initialize()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Config file: %s\n", path)
				if configFile == "" {
					if conf, err = config.Load(path); err != nil {
						return err
					}
				}
			}
			return conf.Write(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&initialize, "init", false, "create the user config file if missing")
	return cmd
}
