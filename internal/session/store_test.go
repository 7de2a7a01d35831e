package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/clock"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

func newStore() (*session.Store, *clock.Fake) {
	c := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return session.NewStore(c), c
}

func TestCreateIsIdempotent(t *testing.T) {
	st, _ := newStore()

	s, created := st.Create("leg-1", "h1")
	if !created {
		t.Fatal("expected first create to report created")
	}
	if s.Stage != session.StageAwaitingCase {
		t.Errorf("expected awaiting_case, got %s", s.Stage)
	}

	_ = st.Mutate("leg-1", func(s *session.CallSession) { s.CasesQueried = 3 })

	again, created := st.Create("leg-1", "h2")
	if created {
		t.Fatal("expected duplicate create to report existing")
	}
	if again.CasesQueried != 3 || again.ControlHandle != "h1" {
		t.Errorf("duplicate create must not reset the session: %+v", again)
	}
	if st.Len() != 1 {
		t.Errorf("expected 1 session, got %d", st.Len())
	}
}

func TestGetUnknownIsAbsent(t *testing.T) {
	st, _ := newStore()
	if _, ok := st.Get("nope"); ok {
		t.Fatal("expected absent session")
	}
	err := st.Mutate("nope", func(*session.CallSession) { t.Fatal("fn must not run") })
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	st, _ := newStore()
	st.Create("leg-1", "h1")
	_ = st.Mutate("leg-1", func(s *session.CallSession) { s.QueryCountByCase["100"] = 1 })

	snap, _ := st.Get("leg-1")
	snap.QueryCountByCase["100"] = 99

	again, _ := st.Get("leg-1")
	if again.QueryCountByCase["100"] != 1 {
		t.Errorf("snapshot mutation leaked into store: %d", again.QueryCountByCase["100"])
	}
}

func TestRemoveCancelsTimers(t *testing.T) {
	st, c := newStore()
	st.Create("leg-1", "h1")

	fired := 0
	_ = st.Mutate("leg-1", func(s *session.CallSession) {
		s.Arm(session.TimerInactivity, 30*time.Second, func(uint64) { fired++ })
		s.Arm(session.TimerMaxDuration, 10*time.Minute, func(uint64) { fired++ })
	})
	if c.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", c.Pending())
	}

	if !st.Remove("leg-1") {
		t.Fatal("expected remove to succeed")
	}
	if st.Remove("leg-1") {
		t.Error("second remove must be a no-op")
	}
	if c.Pending() != 0 {
		t.Errorf("expected timers cancelled, %d pending", c.Pending())
	}
	c.Advance(time.Hour)
	if fired != 0 {
		t.Errorf("cancelled timers fired %d times", fired)
	}
	if _, ok := st.Get("leg-1"); ok {
		t.Error("expected session to be gone")
	}
}

func TestMutateToEndedRemoves(t *testing.T) {
	st, _ := newStore()
	st.Create("leg-1", "h1")

	_ = st.Mutate("leg-1", func(s *session.CallSession) { s.Stage = session.StageEnded })
	if st.Len() != 0 {
		t.Fatalf("expected ended session to be removed, %d left", st.Len())
	}
}

func TestCreateRefusesRecentlyEndedID(t *testing.T) {
	st, c := newStore()
	st.Create("leg-1", "h1")
	st.Remove("leg-1")

	if s, created := st.Create("leg-1", "h1"); created || s.ID != "" {
		t.Fatalf("expected ended id to be refused, got created=%v %+v", created, s)
	}
	if !st.Ended("leg-1") || st.Len() != 0 {
		t.Fatalf("expected leg-1 ended and absent, ended=%v len=%d", st.Ended("leg-1"), st.Len())
	}

	c.Advance(session.EndedRetention)
	if st.Ended("leg-1") {
		t.Error("expected ended record to expire")
	}
	if _, created := st.Create("leg-1", "h1"); !created {
		t.Error("expected id to be reusable after retention")
	}
}

func TestCopiesAreSafeOutsideMutate(t *testing.T) {
	st, c := newStore()
	st.Create("leg-1", "h1")
	cp, _ := st.Get("leg-1")

	fired := false
	if gen := cp.Arm(session.TimerInactivity, time.Second, func(uint64) { fired = true }); gen != 0 {
		t.Errorf("expected Arm on a copy to schedule nothing, got gen %d", gen)
	}
	cp.Touch()
	if cp.Now().IsZero() || cp.LastActivityAt.IsZero() {
		t.Error("expected wall clock time on a copy")
	}
	if cp.Cancel(session.TimerInactivity) || cp.HasTimer(session.TimerInactivity) || cp.Fired(session.TimerInactivity, 1) {
		t.Error("expected a copy to hold no timers")
	}
	cp.CancelAll()

	c.Advance(time.Minute)
	if fired || c.Pending() != 0 {
		t.Errorf("expected no timer from a copy, fired=%v pending=%d", fired, c.Pending())
	}
}

func TestArmReplacesTimerOfSameKind(t *testing.T) {
	st, c := newStore()
	st.Create("leg-1", "h1")

	var fired []uint64
	fire := func(gen uint64) {
		_ = st.Mutate("leg-1", func(s *session.CallSession) {
			if s.Fired(session.TimerInactivity, gen) {
				fired = append(fired, gen)
			}
		})
	}

	var second uint64
	_ = st.Mutate("leg-1", func(s *session.CallSession) {
		s.Arm(session.TimerInactivity, 10*time.Second, fire)
		second = s.Arm(session.TimerInactivity, 20*time.Second, fire)
	})
	if c.Pending() != 1 {
		t.Fatalf("expected one live inactivity timer, got %d", c.Pending())
	}

	c.Advance(30 * time.Second)
	if len(fired) != 1 || fired[0] != second {
		t.Errorf("expected only the replacement to fire, got %v", fired)
	}
}

func TestFiredRejectsStaleGeneration(t *testing.T) {
	st, _ := newStore()
	st.Create("leg-1", "h1")

	_ = st.Mutate("leg-1", func(s *session.CallSession) {
		old := s.Arm(session.TimerTransfer, time.Second, func(uint64) {})
		s.Arm(session.TimerTransfer, time.Second, func(uint64) {})
		if s.Fired(session.TimerTransfer, old) {
			t.Error("stale generation must not be honored")
		}
		if !s.HasTimer(session.TimerTransfer) {
			t.Error("live timer must survive a stale Fired check")
		}
	})
}

func TestConcurrentMutateNoLostUpdates(t *testing.T) {
	st, _ := newStore()
	st.Create("leg-1", "h1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Mutate("leg-1", func(s *session.CallSession) { s.CasesQueried++ })
		}()
	}
	wg.Wait()

	s, _ := st.Get("leg-1")
	if s.CasesQueried != 50 {
		t.Errorf("expected 50 increments, got %d", s.CasesQueried)
	}
}

func TestListAndRemoveAll(t *testing.T) {
	st, c := newStore()
	st.Create("b", "hb")
	c.Advance(time.Second)
	st.Create("a", "ha")

	list := st.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("expected sessions ordered by start, got %+v", list)
	}
	if n := st.RemoveAll(); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if st.Len() != 0 {
		t.Error("expected empty store")
	}
}

func TestStageStrings(t *testing.T) {
	if session.StageTransferAnnounced.String() != "transfer_announced" {
		t.Errorf("unexpected %s", session.StageTransferAnnounced)
	}
	if session.PhaseAwaitingAnswer.String() != "awaiting_answer" {
		t.Errorf("unexpected %s", session.PhaseAwaitingAnswer)
	}
	if !session.PhaseDialing.Pending() || session.PhaseSucceeded.Pending() {
		t.Error("unexpected Pending classification")
	}
}
