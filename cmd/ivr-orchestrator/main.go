package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/ivr-orchestrator/ivr-orchestrator.yaml"

var (
	configPath string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "ivr-orchestrator",
	Short: "Inbound IVR call-control orchestrator",
	Long: `ivr-orchestrator answers inbound calls through a Call Control provider,
collects a case number, reads case details back to the caller and hands
the call to a human agent when the caller asks for one.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(replayCmd)
}
