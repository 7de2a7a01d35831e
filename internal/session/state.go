package session

import (
	"fmt"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/clock"
)

// Stage is the dialogue position of a call.
type Stage int

const (
	StageAwaitingCase Stage = iota
	StageMenuActive
	StageTransferAnnounced
	StageTransferring
	StageEnded
)

func (s Stage) String() string {
	switch s {
	case StageAwaitingCase:
		return "awaiting_case"
	case StageMenuActive:
		return "menu_active"
	case StageTransferAnnounced:
		return "transfer_announced"
	case StageTransferring:
		return "transferring"
	case StageEnded:
		return "ended"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// TransferPhase is the progress of the current hand-off attempt.
type TransferPhase int

const (
	PhaseAnnouncementPending TransferPhase = iota
	PhaseDialing
	PhaseAwaitingAnswer
	PhaseSucceeded
	PhaseAbandoned
)

func (p TransferPhase) String() string {
	switch p {
	case PhaseAnnouncementPending:
		return "announcement_pending"
	case PhaseDialing:
		return "dialing"
	case PhaseAwaitingAnswer:
		return "awaiting_answer"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Pending reports whether the hand-off is still negotiating.
func (p TransferPhase) Pending() bool {
	return p == PhaseAnnouncementPending || p == PhaseDialing || p == PhaseAwaitingAnswer
}

type TransferState struct {
	Attempt   int // 1-based
	Phase     TransferPhase
	StartedAt time.Time

	// DialedAttempt is the last attempt a dial was issued for.
	DialedAttempt int
	// LegHandle addresses the dialed leg once the provider reports it.
	LegHandle string
}

// BargeIn buffers digits typed over a prompt.
type BargeIn struct {
	Digits      string
	LastDigitAt time.Time
}

// Speech identifies what the outstanding speak command is for, so its
// completion event can be routed.
type Speech int

const (
	SpeechNone Speech = iota
	SpeechCasePrompt
	SpeechMenuAnswer
	SpeechHandoff
	SpeechTransferRetry
	SpeechTerminal
)

func (s Speech) String() string {
	switch s {
	case SpeechNone:
		return "none"
	case SpeechCasePrompt:
		return "case_prompt"
	case SpeechMenuAnswer:
		return "menu_answer"
	case SpeechHandoff:
		return "handoff"
	case SpeechTransferRetry:
		return "transfer_retry"
	case SpeechTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("speech(%d)", int(s))
	}
}

// TimerKind names the per-session alarms. A session holds at most one live
// timer per kind.
type TimerKind int

const (
	TimerInactivity TimerKind = iota
	TimerMaxDuration
	TimerTransfer
	TimerBargeIn
	TimerMenu
	TimerHangup
)

func (k TimerKind) String() string {
	switch k {
	case TimerInactivity:
		return "inactivity"
	case TimerMaxDuration:
		return "max_duration"
	case TimerTransfer:
		return "transfer"
	case TimerBargeIn:
		return "barge_in"
	case TimerMenu:
		return "menu"
	case TimerHangup:
		return "hangup"
	default:
		return fmt.Sprintf("timer(%d)", int(k))
	}
}

type timerSlot struct {
	t   clock.Timer
	gen uint64
}

// CallSession is the mutable record of one in-progress call. Only code
// running inside Store.Mutate may modify it.
//
// Copies returned by Get, List and Create carry no timers: Arm on a copy
// schedules nothing, and Now and Touch read the wall clock.
type CallSession struct {
	ID            string
	ControlHandle string
	Stage         Stage

	CaseAttempts     int
	CasesQueried     int
	QueryCountByCase map[string]int
	CurrentCase      *casedir.Case
	LookupPending    bool

	IsCollectingDigits bool
	// CollectStage is the stage the outstanding collection resumes into.
	CollectStage Stage
	// CollectSeq and SpeechSeq number the collect and speak commands issued
	// so late completions of superseded commands can be told apart.
	CollectSeq int
	SpeechSeq  int

	BargeIn       *BargeIn
	Transfer      *TransferState
	HandoffFired  bool
	PendingSpeech Speech
	// Closing is set once a terminal notice is playing; the next step is hangup.
	Closing     bool
	CloseReason string

	StartedAt      time.Time
	LastActivityAt time.Time

	// ActiveTimers is filled in on snapshots only.
	ActiveTimers int

	clock  clock.Clock
	gen    uint64
	timers map[TimerKind]timerSlot
}

// Arm schedules fire after d, replacing any live timer of the same kind.
// fire receives the generation it was armed with; pass it to Fired before
// acting.
func (s *CallSession) Arm(kind TimerKind, d time.Duration, fire func(gen uint64)) uint64 {
	if s.timers == nil || s.clock == nil {
		return 0
	}
	s.Cancel(kind)
	s.gen++
	gen := s.gen
	t := s.clock.AfterFunc(d, func() { fire(gen) })
	s.timers[kind] = timerSlot{t: t, gen: gen}
	return gen
}

// Cancel stops the live timer of the given kind, if any.
func (s *CallSession) Cancel(kind TimerKind) bool {
	slot, ok := s.timers[kind]
	if !ok {
		return false
	}
	slot.t.Stop()
	delete(s.timers, kind)
	return true
}

// CancelAll stops every live timer.
func (s *CallSession) CancelAll() {
	for kind := range s.timers {
		s.Cancel(kind)
	}
}

// Fired reports whether gen is still the live timer of kind and, if so,
// retires it. A false result means the timer was superseded or cancelled
// after it fired and the callback must do nothing.
func (s *CallSession) Fired(kind TimerKind, gen uint64) bool {
	slot, ok := s.timers[kind]
	if !ok || slot.gen != gen {
		return false
	}
	delete(s.timers, kind)
	return true
}

// HasTimer reports whether a timer of kind is live.
func (s *CallSession) HasTimer(kind TimerKind) bool {
	_, ok := s.timers[kind]
	return ok
}

// Touch records user activity.
func (s *CallSession) Touch() {
	s.LastActivityAt = s.Now()
}

// Now returns the store clock's current time.
func (s *CallSession) Now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

// snapshot copies the session for readers outside Mutate. The copy holds
// no timers.
func (s *CallSession) snapshot() CallSession {
	cp := *s
	cp.QueryCountByCase = make(map[string]int, len(s.QueryCountByCase))
	for k, v := range s.QueryCountByCase {
		cp.QueryCountByCase[k] = v
	}
	if s.CurrentCase != nil {
		c := *s.CurrentCase
		cp.CurrentCase = &c
	}
	if s.BargeIn != nil {
		b := *s.BargeIn
		cp.BargeIn = &b
	}
	if s.Transfer != nil {
		t := *s.Transfer
		cp.Transfer = &t
	}
	cp.timers = nil
	cp.clock = nil
	cp.ActiveTimers = len(s.timers)
	return cp
}
