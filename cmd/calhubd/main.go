package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/internal/server"
)

var version = "dev"

func main() {
	var (
		cfgFile string
		debug   bool
	)

	rootCmd := &cobra.Command{
		Use:     "calhubd",
		Short:   "calhub daemon: calendar sync and copy rules",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if debug {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(
				zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			).Level(level).With().Timestamp().Logger()

			cfg, err := server.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			d := server.NewDaemon(cfg, logger)
			return d.Run()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newAuthorizeCmd(&cfgFile))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
