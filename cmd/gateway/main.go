package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "admission-gateway",
	Short: "Tiered admission control for inbound requests",
	Long: `admission-gateway decides, per inbound request, whether it may proceed.

Callers either mount the gate in-process or ask POST /v1/check and enforce
the verdict themselves. Counters live in Redis so every instance shares them.

Configuration:
  Config is loaded from admission.yaml in the current directory or
  /etc/admission/. Environment variables with the ADMISSION_ prefix override
  scalar values, e.g. ADMISSION_RATE_LIMIT_BACKEND=memory.`,
	SilenceUsage: true,
}

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./admission.yaml)")
	rootCmd.AddCommand(serveCmd, validateConfigCmd)
}
