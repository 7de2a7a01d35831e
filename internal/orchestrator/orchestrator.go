// Package orchestrator drives each call through the IVR dialogue: case
// entry, the case menu, hand-off to a human agent and orderly termination.
//
// Provider notifications enter through Dispatch; timers enter through the
// session's clock. Every decision is taken inside session.Store.Mutate and
// every provider command is issued outside it, after which the session is
// re-validated before any further change.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/clock"
	"github.com/Fechomap/telnyx-sip-server/internal/config"
	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

// Notifier receives lifecycle events. publisher.Lifecycle satisfies it.
type Notifier interface {
	Emit(ctx context.Context, ev publisher.CallEvent)
}

type nopNotifier struct{}

func (nopNotifier) Emit(context.Context, publisher.CallEvent) {}

// Settings are the dialogue tunables.
type Settings struct {
	Transfer         config.TransferConfig
	Timers           config.TimersConfig
	Limits           config.LimitsConfig
	Voice            gateway.Voice
	NoiseSuppression bool
	// CommandTimeout bounds provider commands issued from timer callbacks.
	CommandTimeout time.Duration
}

// SettingsFrom extracts Settings from a loaded configuration.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Transfer:         cfg.Transfer,
		Timers:           cfg.Timers,
		Limits:           cfg.Limits,
		Voice:            gateway.Voice{Voice: cfg.Voice.Voice, Language: cfg.Voice.Language},
		NoiseSuppression: cfg.Features.NoiseSuppression,
		CommandTimeout:   cfg.Telnyx.Timeout * time.Duration(cfg.Telnyx.MaxRetries+1),
	}
}

// DefaultSettings mirrors config.Default.
func DefaultSettings() Settings {
	return SettingsFrom(config.Default())
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source for session timers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.events = n }
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.set = s }
}

// Orchestrator owns the session store and reacts to notifications and
// timer expiries.
type Orchestrator struct {
	gw     gateway.Gateway
	dir    casedir.Directory
	store  *session.Store
	clock  clock.Clock
	events Notifier
	log    *zap.Logger
	set    Settings
}

// New creates an Orchestrator issuing commands through gw and resolving
// cases through dir.
func New(gw gateway.Gateway, dir casedir.Directory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw:     gw,
		dir:    dir,
		clock:  clock.Real{},
		events: nopNotifier{},
		log:    zap.NewNop(),
		set:    DefaultSettings(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.set.CommandTimeout <= 0 {
		o.set.CommandTimeout = 30 * time.Second
	}
	o.store = session.NewStore(o.clock)
	return o
}

// Store exposes the session store for inspection and shutdown.
func (o *Orchestrator) Store() *session.Store {
	return o.store
}

// Shutdown ends every live session, cancelling its timers, and returns how
// many were dropped. No provider commands are issued.
func (o *Orchestrator) Shutdown() int {
	n := o.store.RemoveAll()
	if n > 0 {
		o.log.Info("dropped live sessions on shutdown", zap.Int("sessions", n))
	}
	return n
}

// background returns a context for work started by a timer.
func (o *Orchestrator) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.set.CommandTimeout)
}

func (o *Orchestrator) callLog(id string) *zap.Logger {
	return o.log.With(zap.String("call_id", id))
}

// event builds a CallEvent from the session as it is now. It must be
// called inside Mutate.
func (o *Orchestrator) event(s *session.CallSession, typ publisher.EventType) publisher.CallEvent {
	ev := publisher.CallEvent{
		Type:         typ,
		CallID:       s.ID,
		Stage:        s.Stage.String(),
		CasesQueried: s.CasesQueried,
		Timestamp:    o.clock.Now(),
	}
	if s.CurrentCase != nil {
		ev.Case = s.CurrentCase.Number
	}
	if s.Transfer != nil {
		ev.Attempt = s.Transfer.Attempt
	}
	return ev
}

func (o *Orchestrator) emit(ctx context.Context, ev publisher.CallEvent) {
	o.events.Emit(ctx, ev)
}

// beginSpeech records purpose as the outstanding speech and returns the
// command to issue. It must be called inside Mutate.
func (o *Orchestrator) beginSpeech(s *session.CallSession, purpose session.Speech, text string) gateway.Speech {
	s.SpeechSeq++
	s.PendingSpeech = purpose
	return gateway.Speech{
		Text:        text,
		Voice:       o.set.Voice,
		ClientState: speechTag(s.SpeechSeq),
	}
}

// beginCollect marks a collection outstanding for stage and returns the
// command to issue. It must be called inside Mutate.
func (o *Orchestrator) beginCollect(s *session.CallSession, stage session.Stage, prompt string) gateway.Collect {
	s.CollectSeq++
	s.IsCollectingDigits = true
	s.CollectStage = stage

	c := gateway.Collect{
		Prompt:      prompt,
		Voice:       o.set.Voice,
		ClientState: collectTag(s.CollectSeq),
		MinDigits:   1,
	}
	if stage == session.StageMenuActive {
		c.ValidDigits = menuDigits(s.CurrentCase)
		c.MaxDigits = 1
		c.Timeout = menuCollectTimeout
	} else {
		c.ValidDigits = "0123456789#"
		c.MaxDigits = maxCaseDigits
		c.Terminator = "#"
		c.Timeout = caseCollectTimeout
	}
	return c
}

// speak issues sp and handles a failure.
func (o *Orchestrator) speak(ctx context.Context, id, handle string, sp gateway.Speech) {
	if err := o.gw.Speak(ctx, handle, sp); err != nil {
		o.fail(ctx, id, "speak", err)
	}
}

// collect issues c and handles a failure.
func (o *Orchestrator) collect(ctx context.Context, id, handle string, c gateway.Collect) {
	if err := o.gw.CollectDigits(ctx, handle, c); err != nil {
		_ = o.store.Mutate(id, func(s *session.CallSession) {
			if s.CollectSeq == collectSeq(c.ClientState) {
				s.IsCollectingDigits = false
			}
		})
		o.fail(ctx, id, "collect", err)
	}
}

// fail handles a command failure. A permanent rejection means the call
// is no longer controllable and the session is dropped; anything else
// closes the call with an apology.
func (o *Orchestrator) fail(ctx context.Context, id, op string, err error) {
	log := o.callLog(id).With(zap.String("command", op), zap.Error(err))
	if gateway.IsPermanent(err) {
		log.Warn("command rejected, dropping session")
		o.drop(ctx, id, "command_rejected")
		return
	}
	log.Error("command failed, closing call")
	o.terminate(ctx, id, apologyNotice(), "command_failed")
}

// drop removes the session without issuing any command.
func (o *Orchestrator) drop(ctx context.Context, id, reason string) {
	var ev publisher.CallEvent
	err := o.store.Mutate(id, func(s *session.CallSession) {
		ev = o.event(s, publisher.EventEnded)
		ev.Reason = reason
		s.Stage = session.StageEnded
	})
	if err != nil {
		return
	}
	o.emit(ctx, ev)
}
