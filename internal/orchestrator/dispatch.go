package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

// target is the session a notification applies to. Events from a dialed
// agent leg carry its attempt and resolve to the caller's session.
type target struct {
	id      string
	dialed  bool
	attempt int
}

// Dispatch applies one provider notification. Notifications for unknown
// sessions and unrecognized event types are dropped. Dispatch does not
// return errors: command failures are handled per call.
func (o *Orchestrator) Dispatch(ctx context.Context, n provider.Notification) {
	log := o.log.With(
		zap.String("event_type", n.Type),
		zap.String("call_id", n.CallLegID))

	switch n.Kind {
	case provider.KindUnknown:
		log.Debug("ignoring unrecognized event")
		return
	case provider.KindCallStarted:
		o.handleCallStarted(ctx, n)
		return
	}

	t, ok := o.resolve(n)
	if !ok {
		log.Debug("no session for event")
		return
	}

	switch n.Kind {
	case provider.KindSpeechCompleted:
		if !t.dialed {
			o.handleSpeechCompleted(ctx, t.id, n)
		}
	case provider.KindDigitsCollected:
		if !t.dialed {
			o.handleDigitsCollected(ctx, t.id, n)
		}
	case provider.KindDigitReceived:
		if !t.dialed {
			o.handleDigitReceived(ctx, t.id, n.Digit)
		}
	case provider.KindCallEnded:
		if t.dialed {
			o.handleDialedLegEnded(ctx, t, n)
		} else {
			o.handleCallEnded(ctx, t.id, n)
		}
	case provider.KindFarEndAnswered:
		o.handleFarEndAnswered(ctx, t, n)
	case provider.KindFarEndBridged:
		o.handleFarEndBridged(ctx, t, n)
	}
}

func (o *Orchestrator) resolve(n provider.Notification) (target, bool) {
	if _, ok := o.store.Get(n.CallLegID); ok {
		return target{id: n.CallLegID}, true
	}
	if ref, ok := parseTransferTag(n.ClientState); ok {
		if _, ok := o.store.Get(ref.session); ok {
			return target{id: ref.session, dialed: true, attempt: ref.attempt}, true
		}
	}
	return target{}, false
}

func (o *Orchestrator) handleCallEnded(ctx context.Context, id string, n provider.Notification) {
	reason := n.HangupCause
	if reason == "" {
		reason = "hangup"
	}
	var ev publisher.CallEvent
	err := o.store.Mutate(id, func(s *session.CallSession) {
		ev = o.event(s, publisher.EventEnded)
		ev.Reason = reason
		s.Stage = session.StageEnded
	})
	if err != nil {
		return
	}
	o.callLog(id).Info("call ended",
		zap.String("cause", reason),
		zap.String("stage", ev.Stage))
	o.emit(ctx, ev)
}
