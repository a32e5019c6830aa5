package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"specbridge/internal/config"
)

var checkOffline bool

func init() {
	configCheckCmd.Flags().BoolVar(&checkOffline, "offline", false, "validate the settings without contacting the endpoint")
	configCmd.AddCommand(configCheckCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the settings file",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate settings and ping the analysis service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, path, err := loadSettings()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if path == "" {
			fmt.Fprintf(out, "no %s found, using local mode\n", config.FileName)
		} else {
			fmt.Fprintf(out, "settings: %s\n", path)
		}
		if settings.Local() {
			fmt.Fprintln(out, "endpoint: none (documents are not analysed remotely)")
			return nil
		}
		fmt.Fprintf(out, "endpoint: %s\nauth:     %s\n", settings.Endpoint, settings.Auth.Type)

		var ping config.Pinger
		if !checkOffline {
			ping = newAPIClient(cmd.Context(), func() config.Settings { return settings }).Ping
		}
		if err := config.Check(cmd.Context(), settings, ping); err != nil {
			var ce *config.CheckError
			if errors.As(err, &ce) && ce.OAuth {
				return fmt.Errorf("%s (see the [auth] table of %s)", ce.Message, config.FileName)
			}
			return err
		}
		fmt.Fprintln(out, color.GreenString("ok"))
		return nil
	},
}
