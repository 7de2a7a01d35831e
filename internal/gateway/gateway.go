// Package gateway issues call-control commands to the provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent matches command failures that retrying will not fix, such as
// a command issued against a call that has already ended.
var ErrPermanent = errors.New("permanent command failure")

// Voice selects the synthesized voice for spoken text.
type Voice struct {
	Voice    string
	Language string
}

// Speech is text to synthesize on the call. ClientState is echoed back on
// the matching speech-completed event.
type Speech struct {
	Text        string
	Voice       Voice
	ClientState string
}

// Collect describes a digit-collection command. With an empty Prompt the
// gateway listens silently.
type Collect struct {
	Prompt      string
	ValidDigits string
	MinDigits   int
	MaxDigits   int
	Terminator  string
	Timeout     time.Duration
	Voice       Voice
	ClientState string
}

// Transfer describes a hand-off dial. ClientState is echoed back on every
// event of the dialed leg.
type Transfer struct {
	To          string
	ClientState string
	Timeout     time.Duration
}

// Gateway is the narrow command surface the orchestrator needs. Every method
// issues one logical command carrying its own command id.
type Gateway interface {
	Answer(ctx context.Context, handle string) error
	Speak(ctx context.Context, handle string, sp Speech) error
	CollectDigits(ctx context.Context, handle string, c Collect) error
	StopSpeaking(ctx context.Context, handle string) error
	StopCollecting(ctx context.Context, handle string) error
	Transfer(ctx context.Context, handle string, t Transfer) error
	Hangup(ctx context.Context, handle string) error
	SetNoiseSuppression(ctx context.Context, handle string, on bool) error
}

// CommandError is a non-2xx provider response.
type CommandError struct {
	Action string
	Status int
	Body   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed with status %d: %s", e.Action, e.Status, e.Body)
}

// Permanent reports whether the failure is a client error other than a
// timeout or rate limit.
func (e *CommandError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != 408 && e.Status != 429
}

func (e *CommandError) Is(target error) bool {
	return target == ErrPermanent && e.Permanent()
}

// IsPermanent reports whether err is a permanent command failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
