package orchestrator

import (
	"testing"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
)

func TestInactivityClosesCall(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.clk.Advance(30 * time.Second)

	if got := h.last("speak", "a").Text; got != inactivityNotice() {
		t.Fatalf("expected inactivity notice, got %q", got)
	}
	if !h.session("a").Closing {
		t.Fatal("expected call to be closing")
	}

	// No completion arrives; the grace period hangs up.
	h.clk.Advance(6 * time.Second)
	if n := h.count("hangup", "a"); n != 1 {
		t.Errorf("expected hangup, got %d", n)
	}
	h.gone("a")
	if got := h.events(publisher.EventEnded); len(got) != 1 || got[0].Reason != "inactivity" {
		t.Errorf("unexpected ended events %+v", got)
	}
}

func TestActivityResetsInactivity(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.clk.Advance(20 * time.Second)
	h.enterCase("a", "12")
	h.clk.Advance(20 * time.Second)

	if h.session("a").Closing {
		t.Fatal("inactivity fired despite caller input")
	}
	h.clk.Advance(10 * time.Second)
	if got := h.last("speak", "a").Text; got != inactivityNotice() {
		t.Errorf("expected inactivity notice, got %q", got)
	}
}

func TestMaxDurationStopsCollection(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Timers.Inactivity = time.Hour
		s.Timers.MaxDuration = time.Minute
	})
	h.start("a")
	h.speechEnded("a")
	h.clk.Advance(time.Minute)

	if n := h.count("stop_collecting", "a"); n != 1 {
		t.Errorf("expected the outstanding collection to be stopped, got %d", n)
	}
	if got := h.last("speak", "a").Text; got != maxDurationNotice() {
		t.Fatalf("expected max duration notice, got %q", got)
	}
	h.speechEnded("a")
	if n := h.count("hangup", "a"); n != 1 {
		t.Errorf("expected hangup, got %d", n)
	}
	if got := h.events(publisher.EventEnded); len(got) != 1 || got[0].Reason != "max_duration" {
		t.Errorf("unexpected ended events %+v", got)
	}
}

func TestTerminateIsOneShot(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Timers.MaxDuration = 40 * time.Second
		s.Timers.HangupGrace = 20 * time.Second
	})
	h.start("a")
	h.clk.Advance(30 * time.Second)
	h.clk.Advance(10 * time.Second)

	if n := h.count("speak", "a"); n != 2 {
		t.Errorf("expected welcome and one closing notice, got %d speaks", n)
	}
	if got := h.last("speak", "a").Text; got != inactivityNotice() {
		t.Errorf("unexpected closing notice %q", got)
	}
}

func TestStaleSpeechCompletionDoesNotHangUp(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	welcome := h.last("speak", "a")
	h.clk.Advance(30 * time.Second)

	h.dispatch(provider.Notification{
		Type:        "call.speak.ended",
		Kind:        provider.KindSpeechCompleted,
		CallLegID:   "a",
		ClientState: welcome.ClientState,
		Status:      "completed",
	})
	if n := h.count("hangup", "a"); n != 0 {
		t.Fatalf("welcome completion closed the call")
	}

	h.speechEnded("a")
	if n := h.count("hangup", "a"); n != 1 {
		t.Errorf("expected hangup after the closing notice, got %d", n)
	}
}

func TestShutdownDropsSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.start("b")

	if n := h.orch.Shutdown(); n != 2 {
		t.Errorf("expected 2 sessions dropped, got %d", n)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("expected no live timers, %d pending", n)
	}
	if n := h.orch.Store().Len(); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
}

func TestInactivityInMenuLeavesNoMaxDuration(t *testing.T) {
	h := newHarness(t, nil, openCase("100"))
	h.start("a")
	h.enterCase("a", "100")
	if s := h.session("a"); s.Stage.String() != "menu_active" {
		t.Fatalf("expected menu_active, got %s", s.Stage)
	}

	h.clk.Advance(30 * time.Second)
	if got := h.last("speak", "a").Text; got != inactivityNotice() {
		t.Fatalf("expected inactivity notice, got %q", got)
	}
	h.speechEnded("a")
	if n := h.count("hangup", "a"); n != 1 {
		t.Fatalf("expected hangup, got %d", n)
	}
	h.gone("a")
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("expected no timers after hangup, %d pending", n)
	}

	before := len(h.gw.Commands())
	h.clk.Advance(10 * time.Minute)
	if after := len(h.gw.Commands()); after != before {
		t.Errorf("expected no commands after the call ended, got %d more", after-before)
	}
	if got := h.events(publisher.EventEnded); len(got) != 1 || got[0].Reason != "inactivity" {
		t.Errorf("unexpected ended events %+v", got)
	}
}
