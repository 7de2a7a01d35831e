package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

const terminator = "#"

// handleDigitReceived buffers digits typed over a case prompt. The first
// digit cuts the prompt short; the buffer is submitted on the terminator
// or after a quiet period.
func (o *Orchestrator) handleDigitReceived(ctx context.Context, id, digit string) {
	if digit == "" {
		return
	}

	var (
		handle    string
		flushed   string
		interrupt bool
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing {
			return
		}
		o.touch(s)
		if s.Stage != session.StageAwaitingCase || s.IsCollectingDigits || s.LookupPending {
			return
		}

		if s.BargeIn == nil {
			if digit == terminator {
				return
			}
			s.BargeIn = &session.BargeIn{Digits: digit, LastDigitAt: s.Now()}
			s.PendingSpeech = session.SpeechNone
			o.armQuiet(s)
			handle = s.ControlHandle
			interrupt = true
			return
		}

		if digit == terminator {
			flushed = s.BargeIn.Digits + digit
			s.BargeIn = nil
			s.Cancel(session.TimerBargeIn)
			return
		}
		s.BargeIn.Digits += digit
		s.BargeIn.LastDigitAt = s.Now()
		o.armQuiet(s)
	})

	if interrupt {
		if err := o.gw.StopSpeaking(ctx, handle); err != nil {
			o.callLog(id).Debug("stopping prompt for barge-in", zap.Error(err))
		}
	}
	if flushed != "" {
		o.submitCase(ctx, id, flushed)
	}
}

// armQuiet restarts the barge-in quiet timer. It must be called inside
// Mutate.
func (o *Orchestrator) armQuiet(s *session.CallSession) {
	id := s.ID
	s.Arm(session.TimerBargeIn, o.set.Timers.BargeInQuiet, func(gen uint64) {
		o.onBargeInQuiet(id, gen)
	})
}

func (o *Orchestrator) onBargeInQuiet(id string, gen uint64) {
	ctx, cancel := o.background()
	defer cancel()

	var digits string
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if !s.Fired(session.TimerBargeIn, gen) || s.BargeIn == nil {
			return
		}
		if !s.Closing && s.Stage == session.StageAwaitingCase {
			digits = s.BargeIn.Digits
		}
		s.BargeIn = nil
	})
	if digits != "" {
		o.submitCase(ctx, id, digits)
	}
}
