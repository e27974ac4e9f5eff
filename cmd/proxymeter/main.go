package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/proxymeter/proxymeter/internal/config"
	"github.com/proxymeter/proxymeter/internal/daemon"
	"github.com/proxymeter/proxymeter/internal/version"
)

func main() {
	root := cobra.Command{
		Use:   "proxymeter",
		Short: "Proxymeter meters LLM proxy usage and reconciles rate-limit budgets.",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger()
			return daemon.Run(cfg, logger)
		},
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.String())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("PROXYMETER_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
