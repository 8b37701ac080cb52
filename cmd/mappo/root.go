package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"marl-mappo/internal/logging"
)

const (
	defaultListen   = ""
	defaultLogLevel = "info"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mappo",
		Short:         "Train cooperative agents with multi-agent PPO",
		Long:          `mappo trains a recurrent actor with a centralized critic on the team cart-pole environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", getenv("MAPPO_LOG_LEVEL", defaultLogLevel), "debug, info, warn or error")
	root.PersistentFlags().String("log-format", getenv("MAPPO_LOG_FORMAT", "text"), "text or json")

	root.AddCommand(newTrainCmd(), newValidateCmd(), newServeCmd())
	return root
}

func loggerFrom(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format), nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
