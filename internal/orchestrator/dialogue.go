package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

// Gather completion statuses that carry no caller input.
const (
	gatherHangup    = "call_hangup"
	gatherCancelled = "cancelled"
)

func (o *Orchestrator) handleCallStarted(ctx context.Context, n provider.Notification) {
	if ref, ok := parseTransferTag(n.ClientState); ok {
		o.noteDialedLeg(ref, n.ControlHandle)
		return
	}

	id := n.CallLegID
	log := o.callLog(id)
	if _, created := o.store.Create(id, n.ControlHandle); !created {
		if o.store.Ended(id) {
			log.Info("call start for an ended call ignored")
		} else {
			log.Debug("duplicate call start")
		}
		return
	}

	var ev publisher.CallEvent
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		o.armInactivity(s)
		o.armMaxDuration(s)
		ev = o.event(s, publisher.EventStarted)
	})
	log.Info("call started", zap.String("from", n.From), zap.String("to", n.To))
	o.emit(ctx, ev)

	if err := o.gw.Answer(ctx, n.ControlHandle); err != nil {
		log.Error("answer failed, dropping session", zap.Error(err))
		o.drop(ctx, id, "answer_failed")
		return
	}
	if o.set.NoiseSuppression {
		if err := o.gw.SetNoiseSuppression(ctx, n.ControlHandle, true); err != nil {
			log.Warn("noise suppression not started", zap.Error(err))
		}
	}
	o.promptForCase(ctx, id, welcomePrompt())
}

// promptForCase speaks text; its completion opens case-number collection.
func (o *Orchestrator) promptForCase(ctx context.Context, id, text string) {
	var (
		handle string
		sp     gateway.Speech
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing || s.Stage != session.StageAwaitingCase {
			return
		}
		handle = s.ControlHandle
		sp = o.beginSpeech(s, session.SpeechCasePrompt, text)
	})
	if handle != "" {
		o.speak(ctx, id, handle, sp)
	}
}

func (o *Orchestrator) handleSpeechCompleted(ctx context.Context, id string, n provider.Notification) {
	var next func()
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if stale(n.ClientState, speechPrefix, s.SpeechSeq) {
			return
		}
		purpose := s.PendingSpeech
		s.PendingSpeech = session.SpeechNone

		switch purpose {
		case session.SpeechCasePrompt:
			if s.Closing || s.Stage != session.StageAwaitingCase ||
				s.IsCollectingDigits || s.LookupPending || s.BargeIn != nil {
				return
			}
			c := o.beginCollect(s, session.StageAwaitingCase, "")
			handle := s.ControlHandle
			next = func() { o.collect(ctx, id, handle, c) }

		case session.SpeechMenuAnswer:
			if s.Closing || s.Stage != session.StageMenuActive {
				return
			}
			s.Arm(session.TimerMenu, o.set.Timers.MenuDelay, func(gen uint64) {
				o.onMenuDelay(id, gen)
			})

		case session.SpeechHandoff:
			if s.Closing || s.Stage != session.StageTransferAnnounced || s.HandoffFired {
				return
			}
			s.HandoffFired = true
			s.Stage = session.StageTransferring
			s.Transfer = &session.TransferState{Attempt: 1, Phase: session.PhaseAnnouncementPending}
			next = o.claimDial(ctx, s)

		case session.SpeechTransferRetry:
			if s.Closing || s.Stage != session.StageTransferring ||
				s.Transfer == nil || s.Transfer.Phase != session.PhaseAnnouncementPending {
				return
			}
			next = o.claimDial(ctx, s)

		case session.SpeechTerminal:
			if s.Closing {
				next = func() { o.finalize(ctx, id) }
			}
		}
	})
	if next != nil {
		next()
	}
}

func (o *Orchestrator) handleDigitsCollected(ctx context.Context, id string, n provider.Notification) {
	log := o.callLog(id)
	var next func()
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing || !s.IsCollectingDigits || s.CollectStage != s.Stage ||
			stale(n.ClientState, collectPrefix, s.CollectSeq) {
			log.Debug("ignoring stale digit collection", zap.String("stage", s.Stage.String()))
			return
		}
		s.IsCollectingDigits = false
		if n.Status == gatherHangup || n.Status == gatherCancelled {
			return
		}

		digits := strings.TrimSpace(n.Digits)
		if digits != "" {
			o.touch(s)
		}

		switch s.Stage {
		case session.StageAwaitingCase:
			if strings.TrimSuffix(digits, "#") == "" {
				next = func() { o.promptForCase(ctx, id, casePrompt()) }
				return
			}
			next = func() { o.submitCase(ctx, id, digits) }

		case session.StageMenuActive:
			if digits == "" {
				c := o.beginCollect(s, session.StageMenuActive, menuPrompt(s.CurrentCase))
				handle := s.ControlHandle
				next = func() { o.collect(ctx, id, handle, c) }
				return
			}
			next = func() { o.selectOption(ctx, id, digits[:1]) }
		}
	})
	if next != nil {
		next()
	}
}

type submitVerdict int

const (
	verdictStale submitVerdict = iota
	verdictEmpty
	verdictLookup
	verdictCaseLimit
	verdictAlreadyQueried
)

// submitCase resolves a typed case number. Collected and barge-in digits
// both end up here.
func (o *Orchestrator) submitCase(ctx context.Context, id, raw string) {
	number := strings.TrimSuffix(strings.TrimSpace(raw), "#")
	log := o.callLog(id).With(zap.String("case", number))
	lim := o.set.Limits

	verdict := verdictStale
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing || s.Stage != session.StageAwaitingCase || s.LookupPending || s.IsCollectingDigits {
			return
		}
		switch {
		case number == "":
			verdict = verdictEmpty
		case s.CasesQueried >= lim.MaxCasesPerCall:
			verdict = verdictCaseLimit
		case s.QueryCountByCase[number] >= lim.MaxQueriesPerCase:
			verdict = verdictAlreadyQueried
		default:
			verdict = verdictLookup
			s.LookupPending = true
		}
	})

	switch verdict {
	case verdictStale:
		return
	case verdictEmpty:
		o.promptForCase(ctx, id, casePrompt())
		return
	case verdictCaseLimit:
		log.Info("case ceiling reached", zap.Int("limit", lim.MaxCasesPerCall))
		o.terminate(ctx, id, limitNotice(lim.MaxCasesPerCall), "case_limit")
		return
	case verdictAlreadyQueried:
		log.Info("case already consulted")
		o.terminate(ctx, id, alreadyQueriedNotice(number), "case_already_queried")
		return
	}

	c, err := o.dir.LookupCase(ctx, number)
	if err != nil {
		log.Warn("case lookup failed, treating as not found", zap.Error(err))
		c = nil
	}

	var next func()
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		s.LookupPending = false
		if s.Closing || s.Stage != session.StageAwaitingCase {
			return
		}
		handle := s.ControlHandle

		if c != nil {
			s.CaseAttempts = 0
			if s.QueryCountByCase[number] == 0 {
				s.CasesQueried++
			}
			s.QueryCountByCase[number]++
			s.CurrentCase = c
			s.Stage = session.StageMenuActive
			o.touch(s)
			cmd := o.beginCollect(s, session.StageMenuActive, caseSummary(c)+" "+menuPrompt(c))
			ev := o.event(s, publisher.EventCaseResolved)
			next = func() {
				log.Info("case resolved", zap.String("status", c.Status))
				o.emit(ctx, ev)
				o.collect(ctx, id, handle, cmd)
			}
			return
		}

		s.CaseAttempts++
		if s.CaseAttempts < lim.MaxCaseAttempts {
			attempts := s.CaseAttempts
			next = func() {
				log.Info("case not found", zap.Int("attempt", attempts))
				o.promptForCase(ctx, id, reentryPrompt())
			}
			return
		}

		s.Stage = session.StageTransferAnnounced
		o.touch(s)
		sp := o.beginSpeech(s, session.SpeechHandoff, handoffNotice())
		ev := o.event(s, publisher.EventHandoffAnnounced)
		ev.Case = number
		next = func() {
			log.Info("case attempts exhausted, handing off")
			o.emit(ctx, ev)
			o.speak(ctx, id, handle, sp)
		}
	})
	if next != nil {
		next()
	}
}

func (o *Orchestrator) onMenuDelay(id string, gen uint64) {
	ctx, cancel := o.background()
	defer cancel()

	var (
		handle string
		cmd    gateway.Collect
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if !s.Fired(session.TimerMenu, gen) || s.Closing ||
			s.Stage != session.StageMenuActive || s.IsCollectingDigits {
			return
		}
		handle = s.ControlHandle
		cmd = o.beginCollect(s, session.StageMenuActive, menuPrompt(s.CurrentCase))
	})
	if handle != "" {
		o.collect(ctx, id, handle, cmd)
	}
}

// selectOption answers one menu digit.
func (o *Orchestrator) selectOption(ctx context.Context, id, digit string) {
	var c *casedir.Case
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing || s.Stage != session.StageMenuActive || s.CurrentCase == nil {
			return
		}
		cp := *s.CurrentCase
		c = &cp
	})
	if c == nil {
		return
	}
	if digit == "5" {
		o.anotherCase(ctx, id)
		return
	}

	text := o.answer(ctx, id, c, digit)

	var (
		handle string
		sp     gateway.Speech
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing || s.Stage != session.StageMenuActive {
			return
		}
		o.touch(s)
		handle = s.ControlHandle
		sp = o.beginSpeech(s, session.SpeechMenuAnswer, text)
	})
	if handle != "" {
		o.speak(ctx, id, handle, sp)
	}
}

// answer looks up the detail behind a menu option. Lookup failures are
// spoken as missing data.
func (o *Orchestrator) answer(ctx context.Context, id string, c *casedir.Case, digit string) string {
	log := o.callLog(id).With(zap.String("case", c.Number), zap.String("option", digit))
	switch digit {
	case "1":
		cost, err := o.dir.LookupCost(ctx, c.Number)
		if err != nil {
			log.Warn("cost lookup failed", zap.Error(err))
		}
		return costAnswer(cost)
	case "2":
		unit, err := o.dir.LookupUnit(ctx, c.Number)
		if err != nil {
			log.Warn("unit lookup failed", zap.Error(err))
		}
		return unitAnswer(unit)
	case "3":
		if c.Concluded() {
			return invalidOption()
		}
		loc, err := o.dir.LookupLocation(ctx, c.Number)
		if err != nil {
			log.Warn("location lookup failed", zap.Error(err))
		}
		return locationAnswer(loc)
	case "4":
		t, err := o.dir.LookupTimings(ctx, c.Number)
		if err != nil {
			log.Warn("timings lookup failed", zap.Error(err))
		}
		return timingsAnswer(t, o.clock.Now())
	default:
		return invalidOption()
	}
}

func (o *Orchestrator) anotherCase(ctx context.Context, id string) {
	var (
		handle  string
		sp      gateway.Speech
		limited bool
	)
	_ = o.store.Mutate(id, func(s *session.CallSession) {
		if s.Closing || s.Stage != session.StageMenuActive {
			return
		}
		if s.CasesQueried >= o.set.Limits.MaxCasesPerCall {
			limited = true
			return
		}
		s.Stage = session.StageAwaitingCase
		s.CaseAttempts = 0
		s.CurrentCase = nil
		o.touch(s)
		handle = s.ControlHandle
		sp = o.beginSpeech(s, session.SpeechCasePrompt, anotherCasePrompt())
	})
	if limited {
		o.terminate(ctx, id, limitNotice(o.set.Limits.MaxCasesPerCall), "case_limit")
		return
	}
	if handle != "" {
		o.speak(ctx, id, handle, sp)
	}
}
