package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ecsURL  string
	timeout time.Duration
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "kvctl",
		Short:        "kvctl - ringkv cluster administration and key-value client",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&ecsURL, "ecs", envOr("ECS_URL", "http://localhost:8080"), "Coordinator admin API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log requests to stderr")

	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(kvCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
