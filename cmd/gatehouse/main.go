package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse — LLM agent admission gateway",
	Long:  "Gatehouse is the admission and coordination layer for an LLM-agent serving platform: sliding-window rate limiting with per-principal quotas, a priority queue for displaced requests, and an interactive permission broker gating agent tool use.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/gatehouse.yaml)")
}

func main() {
	// Best-effort .env loading for local development.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
