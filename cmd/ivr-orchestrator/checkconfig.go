package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Fechomap/telnyx-sip-server/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		printSummary(cmd.OutOrStdout(), configPath, cfg)
		return nil
	},
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	attempts := "unbounded"
	if cfg.Transfer.MaxAttempts > 0 {
		attempts = fmt.Sprintf("%d", cfg.Transfer.MaxAttempts)
	}
	mqtt := "disabled"
	if cfg.MQTT.Enabled {
		mqtt = fmt.Sprintf("%s (prefix %q)", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}

	fmt.Fprintf(w, "Config %s OK\n\n", path)
	fmt.Fprintf(w, "  Listen:            %s\n", cfg.HTTP.Listen)
	fmt.Fprintf(w, "  Provider API:      %s (timeout %s, %d retries)\n", cfg.Telnyx.BaseURL, cfg.Telnyx.Timeout, cfg.Telnyx.MaxRetries)
	fmt.Fprintf(w, "  Case directory:    %s\n", cfg.CaseDirectory.BaseURL)
	fmt.Fprintf(w, "  Agent line:        %s\n", cfg.Transfer.Destination)
	fmt.Fprintf(w, "  Transfer attempts: %s\n", attempts)
	fmt.Fprintf(w, "  Attempt timeouts:  %s", cfg.Transfer.AttemptTimeoutFor(1))
	if cfg.Transfer.ProgressiveRetry {
		fmt.Fprintf(w, ", %s, %s ...", cfg.Transfer.AttemptTimeoutFor(2), cfg.Transfer.AttemptTimeoutFor(3))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Inactivity:        %s\n", cfg.Timers.Inactivity)
	fmt.Fprintf(w, "  Max duration:      %s\n", cfg.Timers.MaxDuration)
	fmt.Fprintf(w, "  Cases per call:    %d\n", cfg.Limits.MaxCasesPerCall)
	fmt.Fprintf(w, "  Queries per case:  %d\n", cfg.Limits.MaxQueriesPerCase)
	fmt.Fprintf(w, "  Voice:             %s/%s\n", cfg.Voice.Voice, cfg.Voice.Language)
	fmt.Fprintf(w, "  Noise suppression: %t\n", cfg.Features.NoiseSuppression)
	fmt.Fprintf(w, "  Lifecycle events:  %s\n", mqtt)
}
