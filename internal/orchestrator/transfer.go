package orchestrator

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

// claimDial moves the current attempt to Dialing and returns the dial to
// run outside Mutate. It returns nil when the attempt was already dialed.
// It must be called inside Mutate.
func (o *Orchestrator) claimDial(ctx context.Context, s *session.CallSession) func() {
	t := s.Transfer
	if t.DialedAttempt >= t.Attempt {
		return nil
	}
	t.DialedAttempt = t.Attempt
	t.Phase = session.PhaseDialing
	t.StartedAt = s.Now()
	t.LegHandle = ""

	id, handle, attempt := s.ID, s.ControlHandle, t.Attempt
	req := gateway.Transfer{
		To:          o.set.Transfer.Destination,
		ClientState: transferTag(id, attempt),
		Timeout:     o.set.Transfer.AttemptTimeoutFor(attempt),
	}
	ev := o.event(s, publisher.EventTransferDialing)
	return func() {
		o.emit(ctx, ev)
		o.dial(ctx, id, handle, attempt, req)
	}
}

func (o *Orchestrator) dial(ctx context.Context, id, handle string, attempt int, req gateway.Transfer) {
	log := o.callLog(id).With(zap.Int("attempt", attempt), zap.String("destination", req.To))
	log.Info("dialing agent line", zap.Duration("timeout", req.Timeout))

	if err := o.gw.Transfer(ctx, handle, req); err != nil {
		if gateway.IsPermanent(err) {
			log.Warn("transfer rejected, dropping session", zap.Error(err))
			o.drop(ctx, id, "transfer_rejected")
			return
		}
		log.Warn("transfer command failed", zap.Error(err))
		o.attemptFailed(ctx, id, attempt, "dial_error")
		return
	}

	_ = o.store.Mutate(id, func(s *session.CallSession) {
		t := s.Transfer
		if s.Closing || s.Stage != session.StageTransferring || t == nil ||
			t.Attempt != attempt || t.Phase != session.PhaseDialing {
			return
		}
		t.Phase = session.PhaseAwaitingAnswer
		s.Arm(session.TimerTransfer, req.Timeout, func(gen uint64) {
			o.onTransferTimeout(id, attempt, gen)
		})
	})
}

// noteDialedLeg records the handle of the agent leg once it appears.
func (o *Orchestrator) noteDialedLeg(ref transferRef, handle string) {
	_ = o.store.Mutate(ref.session, func(s *session.CallSession) {
		t := s.Transfer
		if t == nil || t.Attempt != ref.attempt || !t.Phase.Pending() {
			return
		}
		t.LegHandle = handle
	})
}

func (o *Orchestrator) handleFarEndAnswered(ctx context.Context, tgt target, n provider.Notification) {
	log := o.callLog(tgt.id)
	if !sameNumber(n.To, o.set.Transfer.Destination) {
		log.Debug("answer is not from the agent line", zap.String("to", n.To))
		return
	}

	var (
		ev       publisher.CallEvent
		answered bool
	)
	_ = o.store.Mutate(tgt.id, func(s *session.CallSession) {
		t := s.Transfer
		if s.Closing || s.Stage != session.StageTransferring || t == nil {
			return
		}
		if tgt.dialed && tgt.attempt != t.Attempt {
			return
		}
		if t.Phase != session.PhaseDialing && t.Phase != session.PhaseAwaitingAnswer {
			return
		}
		t.Phase = session.PhaseSucceeded
		if n.ControlHandle != s.ControlHandle {
			t.LegHandle = n.ControlHandle
		}
		s.Cancel(session.TimerTransfer)
		s.Cancel(session.TimerInactivity)
		s.Cancel(session.TimerMaxDuration)
		ev = o.event(s, publisher.EventTransferSucceeded)
		answered = true
	})
	if !answered {
		return
	}
	log.Info("agent answered", zap.Int("attempt", ev.Attempt))
	o.emit(ctx, ev)
}

// handleFarEndBridged is informational. The answer event decides success.
func (o *Orchestrator) handleFarEndBridged(ctx context.Context, tgt target, n provider.Notification) {
	var (
		ev    publisher.CallEvent
		phase string
	)
	_ = o.store.Mutate(tgt.id, func(s *session.CallSession) {
		if s.Transfer == nil {
			return
		}
		ev = o.event(s, publisher.EventTransferBridged)
		phase = s.Transfer.Phase.String()
	})
	if phase == "" {
		return
	}
	o.callLog(tgt.id).Info("legs bridged",
		zap.String("to", n.To),
		zap.String("phase", phase))
	o.emit(ctx, ev)
}

func (o *Orchestrator) handleDialedLegEnded(ctx context.Context, tgt target, n provider.Notification) {
	cause := n.HangupCause
	var next func()
	_ = o.store.Mutate(tgt.id, func(s *session.CallSession) {
		t := s.Transfer
		if s.Closing || t == nil || t.Attempt != tgt.attempt {
			return
		}
		if t.Phase != session.PhaseDialing && t.Phase != session.PhaseAwaitingAnswer {
			return
		}
		if t.LegHandle != "" && n.ControlHandle != "" && n.ControlHandle != t.LegHandle {
			return
		}
		next = o.failAttempt(ctx, s, failureReason(cause))
	})
	if next != nil {
		o.callLog(tgt.id).Info("agent leg ended before answer",
			zap.Int("attempt", tgt.attempt),
			zap.String("cause", cause),
			zap.String("description", describeCause(cause)))
		next()
	}
}

func (o *Orchestrator) onTransferTimeout(id string, attempt int, gen uint64) {
	ctx, cancel := o.background()
	defer cancel()

	var (
		leg  string
		next func()
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if !s.Fired(session.TimerTransfer, gen) {
			return
		}
		t := s.Transfer
		if s.Closing || t == nil || t.Attempt != attempt || t.Phase != session.PhaseAwaitingAnswer {
			return
		}
		leg = t.LegHandle
		next = o.failAttempt(ctx, s, "timeout")
	})
	if next == nil {
		return
	}
	o.callLog(id).Info("agent line did not answer", zap.Int("attempt", attempt))
	if leg != "" {
		if err := o.gw.Hangup(ctx, leg); err != nil {
			o.callLog(id).Warn("hanging up unanswered agent leg", zap.Error(err))
		}
	}
	next()
}

// attemptFailed fails attempt if it is still the one in flight.
func (o *Orchestrator) attemptFailed(ctx context.Context, id string, attempt int, reason string) {
	var next func()
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		t := s.Transfer
		if s.Closing || s.Stage != session.StageTransferring || t == nil || t.Attempt != attempt {
			return
		}
		if t.Phase != session.PhaseDialing && t.Phase != session.PhaseAwaitingAnswer {
			return
		}
		next = o.failAttempt(ctx, s, reason)
	})
	if next != nil {
		next()
	}
}

// failAttempt records the failure of the in-flight attempt and returns the
// follow-up: a retry announcement, or abandonment once the ceiling is
// reached. It must be called inside Mutate.
func (o *Orchestrator) failAttempt(ctx context.Context, s *session.CallSession, reason string) func() {
	t := s.Transfer
	s.Cancel(session.TimerTransfer)
	t.LegHandle = ""

	id, handle := s.ID, s.ControlHandle
	failed := o.event(s, publisher.EventTransferFailed)
	failed.Reason = reason

	if ceiling := o.set.Transfer.MaxAttempts; ceiling > 0 && t.Attempt >= ceiling {
		t.Phase = session.PhaseAbandoned
		abandoned := o.event(s, publisher.EventTransferAbandoned)
		abandoned.Reason = reason
		return func() {
			o.emit(ctx, failed)
			o.emit(ctx, abandoned)
			o.callLog(id).Warn("transfer abandoned", zap.Int("attempts", abandoned.Attempt))
			o.terminate(ctx, id, abandonNotice(), "transfer_abandoned")
		}
	}

	t.Attempt++
	t.Phase = session.PhaseAnnouncementPending
	sp := o.beginSpeech(s, session.SpeechTransferRetry, retryNotice(t.Attempt))
	return func() {
		o.emit(ctx, failed)
		o.speak(ctx, id, handle, sp)
	}
}

// sameNumber compares dial strings by their digits only, so "+52 55 1234"
// and "525512 34" are the same number.
func sameNumber(a, b string) bool {
	da, db := digitsOnly(a), digitsOnly(b)
	return da != "" && da == db
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
