package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"eric_assistant/internal/config"
	"eric_assistant/internal/logger"
)

var version = "0.1.0"

var (
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Eric - a personal assistant with memory, reminders and mood tracking",
	Long: `assistant runs Eric, a personal assistant that remembers facts,
schedules reminders and keeps track of how you have been feeling.

Configuration is read from the environment (and .env when present).

Examples:
  assistant chat                 # Talk to Eric on the terminal
  assistant serve                # Serve the HTTP API and reminder stream
  assistant events               # List events in the next week
  assistant export               # Write a JSON snapshot of your memories`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			loaded.Log.Level = level
		}
		if user, _ := cmd.Flags().GetString("user"); user != "" {
			loaded.UserID = user
		}

		l, closer, err := logger.Init(loaded.Log)
		if err != nil {
			return err
		}
		cfg, log, logCloser = loaded, l, closer
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(emotionsCmd)
	rootCmd.AddCommand(exportCmd)

	serveCmd.Flags().Bool("listen-stdin", false, "Offer stdin as the command source behind /api/listening")

	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL")
	rootCmd.PersistentFlags().String("user", "", "Override USER_ID")
}
