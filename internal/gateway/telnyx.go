package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/provider"
)

// TelnyxOptions configures the Call Control v2 client.
type TelnyxOptions struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// TelnyxClient implements Gateway against the Call Control v2 REST API.
type TelnyxClient struct {
	baseURL    string
	apiKey     string
	maxRetries int
	backoff    time.Duration
	http       *http.Client
	log        *zap.Logger
	newID      func() string
}

// NewTelnyxClient creates a TelnyxClient.
func NewTelnyxClient(opts TelnyxOptions) *TelnyxClient {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &TelnyxClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		http:       hc,
		log:        log,
		newID:      uuid.NewString,
	}
}

func (c *TelnyxClient) Answer(ctx context.Context, handle string) error {
	return c.do(ctx, handle, "answer", map[string]any{})
}

func (c *TelnyxClient) Speak(ctx context.Context, handle string, sp Speech) error {
	body := map[string]any{
		"payload":  sp.Text,
		"voice":    sp.Voice.Voice,
		"language": sp.Voice.Language,
	}
	if sp.ClientState != "" {
		body["client_state"] = provider.EncodeClientState(sp.ClientState)
	}
	return c.do(ctx, handle, "speak", body)
}

func (c *TelnyxClient) CollectDigits(ctx context.Context, handle string, g Collect) error {
	body := map[string]any{
		"valid_digits":   g.ValidDigits,
		"maximum_digits": g.MaxDigits,
	}
	if g.MinDigits > 0 {
		body["minimum_digits"] = g.MinDigits
	}
	if g.Terminator != "" {
		body["terminating_digit"] = g.Terminator
	}
	if g.Timeout > 0 {
		body["timeout_millis"] = g.Timeout.Milliseconds()
	}
	if g.ClientState != "" {
		body["client_state"] = provider.EncodeClientState(g.ClientState)
	}
	if g.Prompt == "" {
		return c.do(ctx, handle, "gather", body)
	}
	body["payload"] = g.Prompt
	body["voice"] = g.Voice.Voice
	body["language"] = g.Voice.Language
	return c.do(ctx, handle, "gather_using_speak", body)
}

func (c *TelnyxClient) StopSpeaking(ctx context.Context, handle string) error {
	return c.do(ctx, handle, "playback_stop", map[string]any{"stop": "current"})
}

func (c *TelnyxClient) StopCollecting(ctx context.Context, handle string) error {
	return c.do(ctx, handle, "gather_stop", map[string]any{})
}

func (c *TelnyxClient) Transfer(ctx context.Context, handle string, t Transfer) error {
	body := map[string]any{"to": t.To}
	if t.ClientState != "" {
		body["client_state"] = provider.EncodeClientState(t.ClientState)
	}
	if t.Timeout > 0 {
		body["timeout_secs"] = int(t.Timeout.Seconds())
	}
	return c.do(ctx, handle, "transfer", body)
}

func (c *TelnyxClient) Hangup(ctx context.Context, handle string) error {
	return c.do(ctx, handle, "hangup", map[string]any{})
}

func (c *TelnyxClient) SetNoiseSuppression(ctx context.Context, handle string, on bool) error {
	if on {
		return c.do(ctx, handle, "suppression_start", map[string]any{"direction": "both"})
	}
	return c.do(ctx, handle, "suppression_stop", map[string]any{})
}

// do posts one logical command. Transient failures are retried with the
// same command id so the provider deduplicates them.
func (c *TelnyxClient) do(ctx context.Context, handle, action string, body map[string]any) error {
	commandID := c.newID()
	body["command_id"] = commandID
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", action, err)
	}

	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, url.PathEscape(handle), action)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			c.log.Debug("retrying command",
				zap.String("command", action),
				zap.String("command_id", commandID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", action, ctx.Err())
			case <-time.After(wait):
			}
		}

		lastErr = c.post(ctx, endpoint, action, data)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *TelnyxClient) post(ctx context.Context, endpoint, action string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &CommandError{Action: action, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
