package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/clock"
	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/orchestrator"
	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
)

var (
	replayFile        string
	replayURL         string
	replayCases       string
	replayDestination string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a JSONL capture of provider notifications",
	Long: `Replay reads a capture with one webhook body per line.

With --url every line is POSTed to a running webhook endpoint and the
response status is printed. Without --url the capture runs through an
in-process orchestrator on a simulated clock and the commands it would
have sent are printed along with the lifecycle events.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "Capture file (JSONL)")
	replayCmd.Flags().StringVar(&replayURL, "url", "", "Webhook URL to POST to")
	replayCmd.Flags().StringVar(&replayCases, "cases", "", "JSON file of case entries for offline replay")
	replayCmd.Flags().StringVar(&replayDestination, "destination", "+10000000000", "Agent line for offline replay")
	_ = replayCmd.MarkFlagRequired("file")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	f, err := os.Open(replayFile)
	if err != nil {
		return fmt.Errorf("opening capture: %w", err)
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	if replayURL != "" {
		return postCapture(cmd.Context(), http.DefaultClient, replayURL, f, out)
	}

	dir := casedir.NewStatic()
	if replayCases != "" {
		if dir, err = loadCases(replayCases); err != nil {
			return err
		}
	}
	settings := orchestrator.DefaultSettings()
	settings.Transfer.Destination = replayDestination

	run, err := replayOffline(f, dir, settings)
	if err != nil {
		return err
	}
	run.print(out)
	return nil
}

// postCapture POSTs every notification in r to url, printing one line per
// response.
func postCapture(ctx context.Context, client *http.Client, url string, r io.Reader, w io.Writer) error {
	capture := provider.NewCaptureReader(r)
	sent := 0
	for {
		line, ok := capture.Next()
		if !ok {
			break
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(line))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("posting notification %d: %w", sent+1, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		sent++

		fmt.Fprintf(w, "%3d %s %s\n", sent, resp.Status, eventType(line))
	}
	if err := capture.Err(); err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}
	fmt.Fprintf(w, "sent %d notifications\n", sent)
	return nil
}

func eventType(line []byte) string {
	var env struct {
		Data struct {
			EventType string `json:"event_type"`
		} `json:"data"`
	}
	if json.Unmarshal(line, &env) != nil || env.Data.EventType == "" {
		return "(unparseable)"
	}
	return env.Data.EventType
}

func loadCases(path string) (*casedir.Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cases: %w", err)
	}
	var entries []casedir.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing cases: %w", err)
	}
	return casedir.NewStatic(entries...), nil
}

// offlineRun is the outcome of replaying a capture in process.
type offlineRun struct {
	gw        *gateway.Recorder
	pub       *publisher.MockPublisher
	delivered int
	rejected  int
}

// replayOffline feeds a capture through an orchestrator wired to
// recording doubles. The clock starts at the first notification's
// occurred_at and is advanced to each later one, so timers expire as they
// would have in the recorded call.
func replayOffline(r io.Reader, dir casedir.Directory, settings orchestrator.Settings) (*offlineRun, error) {
	run := &offlineRun{
		gw:  gateway.NewRecorder(),
		pub: publisher.NewMockPublisher(),
	}

	lifecycle := publisher.NewLifecycle(run.pub, "ivr", nil)
	defer lifecycle.Close()

	var (
		clk  *clock.Fake
		orch *orchestrator.Orchestrator
	)
	capture := provider.NewCaptureReader(r)
	for {
		line, ok := capture.Next()
		if !ok {
			break
		}
		n, err := provider.Parse(line)
		if err != nil {
			run.rejected++
			continue
		}
		run.delivered++

		if orch == nil {
			start := n.OccurredAt
			if start.IsZero() {
				start = time.Now()
			}
			clk = clock.NewFake(start)
			orch = orchestrator.New(run.gw, dir,
				orchestrator.WithClock(clk),
				orchestrator.WithSettings(settings),
				orchestrator.WithNotifier(lifecycle),
			)
		}
		if d := n.OccurredAt.Sub(clk.Now()); !n.OccurredAt.IsZero() && d > 0 {
			clk.Advance(d)
		}
		orch.Dispatch(context.Background(), n)
	}
	if err := capture.Err(); err != nil {
		return nil, fmt.Errorf("reading capture: %w", err)
	}
	if orch != nil {
		orch.Shutdown()
	}
	lifecycle.Flush()
	return run, nil
}

func (r *offlineRun) print(w io.Writer) {
	fmt.Fprintf(w, "%d notifications, %d rejected\n\ncommands:\n", r.delivered, r.rejected)
	for _, c := range r.gw.Commands() {
		fmt.Fprintf(w, "  %-17s %-14s", c.Action, c.Handle)
		switch {
		case c.Action == "transfer":
			fmt.Fprintf(w, " to=%s timeout=%s", c.Transfer.To, c.Transfer.Timeout)
		case c.Text != "":
			fmt.Fprintf(w, " %q", c.Text)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "\nevents:")
	for _, m := range r.pub.Messages() {
		fmt.Fprintf(w, "  %s\n", m.Topic)
	}
}
