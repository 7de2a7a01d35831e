package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

func inTransfer(s *session.CallSession) bool {
	return s.Stage == session.StageTransferAnnounced || s.Stage == session.StageTransferring
}

// touch records caller activity and restarts the inactivity watchdog.
// It must be called inside Mutate.
func (o *Orchestrator) touch(s *session.CallSession) {
	s.Touch()
	o.armInactivity(s)
}

// armInactivity restarts the inactivity watchdog. During hand-off it is
// stopped instead. It must be called inside Mutate.
func (o *Orchestrator) armInactivity(s *session.CallSession) {
	if inTransfer(s) {
		s.Cancel(session.TimerInactivity)
		return
	}
	id := s.ID
	s.Arm(session.TimerInactivity, o.set.Timers.Inactivity, func(gen uint64) {
		o.onInactivity(id, gen)
	})
}

// armMaxDuration arms the hard call ceiling, measured from call start.
// It must be called inside Mutate.
func (o *Orchestrator) armMaxDuration(s *session.CallSession) {
	id := s.ID
	left := o.set.Timers.MaxDuration - s.Now().Sub(s.StartedAt)
	s.Arm(session.TimerMaxDuration, left, func(gen uint64) {
		o.onMaxDuration(id, gen)
	})
}

func (o *Orchestrator) onInactivity(id string, gen uint64) {
	ctx, cancel := o.background()
	defer cancel()

	var idle bool
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if !s.Fired(session.TimerInactivity, gen) || s.Closing || inTransfer(s) {
			return
		}
		idle = true
	})
	if !idle {
		return
	}
	o.callLog(id).Info("caller inactive, closing call")
	o.terminate(ctx, id, inactivityNotice(), "inactivity")
}

func (o *Orchestrator) onMaxDuration(id string, gen uint64) {
	ctx, cancel := o.background()
	defer cancel()

	var expired bool
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if !s.Fired(session.TimerMaxDuration, gen) || s.Closing {
			return
		}
		expired = true
	})
	if !expired {
		return
	}
	o.callLog(id).Info("maximum call duration reached", zap.Duration("max_duration", o.set.Timers.MaxDuration))
	o.terminate(ctx, id, maxDurationNotice(), "max_duration")
}

// terminate speaks a closing notice and hangs up once it completes or the
// hangup grace period passes, whichever comes first. Only the first call
// for a session has any effect.
func (o *Orchestrator) terminate(ctx context.Context, id, text, reason string) {
	var (
		handle      string
		sp          gateway.Speech
		stopCollect bool
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing {
			return
		}
		s.Closing = true
		s.CloseReason = reason
		for _, k := range []session.TimerKind{
			session.TimerInactivity,
			session.TimerTransfer,
			session.TimerBargeIn,
			session.TimerMenu,
		} {
			s.Cancel(k)
		}
		s.BargeIn = nil
		stopCollect = s.IsCollectingDigits
		s.IsCollectingDigits = false
		handle = s.ControlHandle
		sp = o.beginSpeech(s, session.SpeechTerminal, text)
		s.Arm(session.TimerHangup, o.set.Timers.HangupGrace, func(gen uint64) {
			o.onHangupGrace(id, gen)
		})
	})
	if handle == "" {
		return
	}

	log := o.callLog(id).With(zap.String("reason", reason))
	if stopCollect {
		if err := o.gw.StopCollecting(ctx, handle); err != nil {
			log.Debug("stopping digit collection", zap.Error(err))
		}
	}
	if err := o.gw.Speak(ctx, handle, sp); err != nil {
		log.Warn("closing notice failed, hanging up", zap.Error(err))
		o.finalize(ctx, id)
	}
}

func (o *Orchestrator) onHangupGrace(id string, gen uint64) {
	ctx, cancel := o.background()
	defer cancel()

	var due bool
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		due = s.Fired(session.TimerHangup, gen)
	})
	if due {
		o.finalize(ctx, id)
	}
}

// finalize ends the session and hangs up the caller.
func (o *Orchestrator) finalize(ctx context.Context, id string) {
	var (
		handle string
		ev     publisher.CallEvent
	)
	err := o.store.Mutate(id, func(s *session.CallSession) {
		handle = s.ControlHandle
		ev = o.event(s, publisher.EventEnded)
		ev.Reason = s.CloseReason
		s.Stage = session.StageEnded
	})
	if err != nil {
		return
	}

	log := o.callLog(id).With(zap.String("reason", ev.Reason))
	if o.set.NoiseSuppression {
		if err := o.gw.SetNoiseSuppression(ctx, handle, false); err != nil {
			log.Debug("stopping noise suppression", zap.Error(err))
		}
	}
	if err := o.gw.Hangup(ctx, handle); err != nil {
		log.Warn("hangup failed", zap.Error(err))
	}
	log.Info("call closed")
	o.emit(ctx, ev)
}
