package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/clock"
	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

func TestCallStartAnswersAndWelcomes(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")

	cmds := h.gw.Commands()
	if len(cmds) != 2 || cmds[0].Action != "answer" || cmds[1].Action != "speak" {
		t.Fatalf("expected answer then speak, got %+v", cmds)
	}
	if cmds[1].Text != welcomePrompt() {
		t.Errorf("unexpected welcome %q", cmds[1].Text)
	}
	s := h.session("a")
	if s.Stage != session.StageAwaitingCase || s.PendingSpeech != session.SpeechCasePrompt {
		t.Errorf("unexpected session %v / %v", s.Stage, s.PendingSpeech)
	}
	if got := h.events(publisher.EventStarted); len(got) != 1 || got[0].CallID != "a" {
		t.Errorf("expected one started event, got %+v", got)
	}
}

func TestDuplicateCallStartIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.start("a")

	if n := h.count("answer", "a"); n != 1 {
		t.Errorf("expected 1 answer, got %d", n)
	}
	if n := len(h.events(publisher.EventStarted)); n != 1 {
		t.Errorf("expected 1 started event, got %d", n)
	}
}

func TestWelcomeCompletionOpensSilentCollection(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.speechEnded("a")

	c := h.last("collect", "a")
	if c.Text != "" {
		t.Errorf("expected a silent collection, got prompt %q", c.Text)
	}
	if c.Collect.Terminator != "#" || !strings.Contains(c.Collect.ValidDigits, "#") {
		t.Errorf("unexpected collect %+v", c.Collect)
	}
	if s := h.session("a"); !s.IsCollectingDigits || s.CollectStage != session.StageAwaitingCase {
		t.Errorf("expected collection outstanding for awaiting_case, got %+v", s)
	}
}

func TestCaseLookupAndMenu(t *testing.T) {
	h := newHarness(t, nil, openCase("12345"))
	h.start("a")
	h.enterCase("a", "12345")

	s := h.session("a")
	if s.Stage != session.StageMenuActive || s.CurrentCase == nil || s.CurrentCase.Number != "12345" {
		t.Fatalf("expected menu for case 12345, got %v %+v", s.Stage, s.CurrentCase)
	}
	if s.CasesQueried != 1 || s.QueryCountByCase["12345"] != 1 {
		t.Errorf("unexpected counters %d %v", s.CasesQueried, s.QueryCountByCase)
	}
	menu := h.last("collect", "a")
	if !strings.HasPrefix(menu.Text, "Case 1 2 3 4 5, towing service") {
		t.Errorf("expected case summary before the menu, got %q", menu.Text)
	}
	if menu.Collect.ValidDigits != "12345" || menu.Collect.MaxDigits != 1 {
		t.Errorf("unexpected menu collect %+v", menu.Collect)
	}
	if got := h.events(publisher.EventCaseResolved); len(got) != 1 || got[0].Case != "12345" {
		t.Errorf("expected case_resolved for 12345, got %+v", got)
	}

	h.press("a", "1")
	if got := h.last("speak", "a").Text; got != "The service cost is 1500.00 MXN for towing." {
		t.Errorf("unexpected cost answer %q", got)
	}

	// The menu comes back after the answer plus the menu delay.
	collects := h.count("collect", "a")
	h.speechEnded("a")
	if h.count("collect", "a") != collects {
		t.Fatal("menu presented before the delay")
	}
	h.clk.Advance(time.Second)
	if h.count("collect", "a") != collects+1 {
		t.Fatal("menu not presented after the delay")
	}
	if got := h.last("collect", "a").Text; got != menuPrompt(s.CurrentCase) {
		t.Errorf("unexpected menu prompt %q", got)
	}

	h.press("a", "3")
	if got := h.last("speak", "a").Text; !strings.Contains(got, "arriving in about 12 minutes") {
		t.Errorf("unexpected location answer %q", got)
	}
	h.speechEnded("a")
	h.clk.Advance(time.Second)

	h.press("a", "4")
	want := "The service was requested 40 minutes ago, and a unit was assigned 5 minutes after the request."
	if got := h.last("speak", "a").Text; got != want {
		t.Errorf("timings answer = %q, want %q", got, want)
	}
	h.speechEnded("a")
	h.clk.Advance(time.Second)

	h.press("a", "2")
	if got := h.last("speak", "a").Text; !strings.HasPrefix(got, "The assigned unit is G 1 2") {
		t.Errorf("unexpected unit answer %q", got)
	}
	h.speechEnded("a")
	h.clk.Advance(time.Second)

	h.press("a", "9")
	if got := h.last("speak", "a").Text; got != invalidOption() {
		t.Errorf("expected invalid option, got %q", got)
	}
}

func TestConcludedCaseHidesLocation(t *testing.T) {
	e := openCase("777")
	e.Case.Status = "Concluded"
	h := newHarness(t, nil, e)
	h.start("a")
	h.enterCase("a", "777")

	menu := h.last("collect", "a")
	if menu.Collect.ValidDigits != "1245" {
		t.Errorf("expected digits 1245, got %q", menu.Collect.ValidDigits)
	}
	if strings.Contains(menu.Text, "press 3") {
		t.Errorf("concluded case should not offer location: %q", menu.Text)
	}

	h.press("a", "3")
	if got := h.last("speak", "a").Text; got != invalidOption() {
		t.Errorf("expected invalid option, got %q", got)
	}
}

func TestMissingDetailIsSpokenAsNoData(t *testing.T) {
	e := openCase("321")
	e.Cost = nil
	h := newHarness(t, nil, e)
	h.start("a")
	h.enterCase("a", "321")
	h.press("a", "1")

	if got := h.last("speak", "a").Text; got != noData("cost") {
		t.Errorf("expected no-data answer, got %q", got)
	}
}

func TestEmptyCollectionReprompts(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.speechEnded("a")
	h.gatherEnded("a", "", "timeout")

	if got := h.last("speak", "a").Text; got != casePrompt() {
		t.Errorf("expected case prompt, got %q", got)
	}
	if n := h.dir.TotalCaseLookups(); n != 0 {
		t.Errorf("expected no lookups, got %d", n)
	}
	if s := h.session("a"); s.CaseAttempts != 0 {
		t.Errorf("timeouts must not count as attempts, got %d", s.CaseAttempts)
	}
}

func TestMenuTimeoutRepresentsMenu(t *testing.T) {
	h := newHarness(t, nil, openCase("12345"))
	h.start("a")
	h.enterCase("a", "12345")
	h.gatherEnded("a", "", "timeout")

	if n := h.count("collect", "a"); n != 3 {
		t.Fatalf("expected menu to be presented again, %d collects", n)
	}
	if got := h.last("collect", "a").Text; got != menuPrompt(h.session("a").CurrentCase) {
		t.Errorf("unexpected prompt %q", got)
	}
}

func TestStaleCollectionIgnored(t *testing.T) {
	h := newHarness(t, nil, openCase("12345"))
	h.start("a")
	h.speechEnded("a")
	stale := h.last("collect", "a")
	h.gatherEnded("a", "12345#", "valid")

	// A second completion of the already answered collection.
	h.dispatch(h.gatherFor("a", stale.ClientState, "99999#"))

	if n := h.dir.TotalCaseLookups(); n != 1 {
		t.Errorf("expected 1 lookup, got %d", n)
	}
	if s := h.session("a"); s.Stage != session.StageMenuActive {
		t.Errorf("expected menu_active, got %v", s.Stage)
	}
}

func TestCancelledCollectionIsNotInput(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.speechEnded("a")
	h.gatherEnded("a", "", gatherCancelled)

	if n := h.count("speak", "a"); n != 1 {
		t.Errorf("expected no re-prompt, got %d speaks", n)
	}
	if h.session("a").IsCollectingDigits {
		t.Error("collection should no longer be outstanding")
	}
}

func TestLookupErrorCountsAsNotFound(t *testing.T) {
	h := newHarness(t, nil, openCase("12345"))
	h.dir.SetError(errors.New("directory down"))
	h.start("a")
	h.enterCase("a", "12345")

	if got := h.last("speak", "a").Text; got != reentryPrompt() {
		t.Errorf("expected re-entry prompt, got %q", got)
	}
	if s := h.session("a"); s.CaseAttempts != 1 || s.Stage != session.StageAwaitingCase {
		t.Errorf("unexpected session %d %v", s.CaseAttempts, s.Stage)
	}
}

func TestThirdQueryOfCaseRejectedWithoutLookup(t *testing.T) {
	h := newHarness(t, nil, openCase("100"))
	h.start("a")

	h.enterCase("a", "100")
	h.press("a", "5")
	h.enterCase("a", "100")
	h.press("a", "5")
	h.enterCase("a", "100")

	if n := h.dir.CaseLookups("100"); n != 2 {
		t.Errorf("expected 2 lookups, got %d", n)
	}
	if got := h.last("speak", "a").Text; got != alreadyQueriedNotice("100") {
		t.Errorf("expected already-queried notice, got %q", got)
	}
	if !h.session("a").Closing {
		t.Fatal("expected call to be closing")
	}

	h.speechEnded("a")
	if n := h.count("hangup", "a"); n != 1 {
		t.Errorf("expected hangup, got %d", n)
	}
	h.gone("a")
	if got := h.events(publisher.EventEnded); len(got) != 1 || got[0].Reason != "case_already_queried" {
		t.Errorf("unexpected ended events %+v", got)
	}
}

func TestCaseCeilingPerCall(t *testing.T) {
	var numbers []string
	for i := 0; i < 10; i++ {
		numbers = append(numbers, fmt.Sprintf("%d", 500+i))
	}
	h := newHarness(t, nil, entriesFor(numbers)...)
	h.start("a")

	for _, n := range numbers {
		h.enterCase("a", n)
		h.press("a", "5")
	}

	if n := h.dir.TotalCaseLookups(); n != 10 {
		t.Errorf("expected 10 lookups, got %d", n)
	}
	if got := h.last("speak", "a").Text; got != limitNotice(10) {
		t.Errorf("expected limit notice, got %q", got)
	}
	s := h.session("a")
	if s.CasesQueried != 10 || !s.Closing {
		t.Errorf("unexpected session %d closing=%v", s.CasesQueried, s.Closing)
	}
}

func TestCallEndedReplayIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.hangup("a")
	before := len(h.gw.Commands())
	h.hangup("a")

	h.gone("a")
	if after := len(h.gw.Commands()); after != before {
		t.Errorf("replayed hangup issued %d commands", after-before)
	}
	if n := h.count("hangup", "a"); n != 0 {
		t.Errorf("caller hangup must not be answered with a hangup command, got %d", n)
	}
	if got := h.events(publisher.EventEnded); len(got) != 1 || got[0].Reason != "normal_clearing" {
		t.Errorf("unexpected ended events %+v", got)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("expected all timers cancelled, %d pending", n)
	}
}

func TestEventsForUnknownCallIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.dtmf("ghost", "1")
	h.hangup("ghost")

	if n := len(h.gw.Commands()); n != 0 {
		t.Errorf("expected no commands, got %d", n)
	}
	h.life.Flush()
	if n := len(h.pub.Messages()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestAnswerRejectedDropsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.SetError("answer", &gateway.CommandError{Action: "answer", Status: 422})
	h.start("a")

	h.gone("a")
	if n := h.count("speak", "a"); n != 0 {
		t.Errorf("expected no speech, got %d", n)
	}
	if got := h.events(publisher.EventEnded); len(got) != 1 || got[0].Reason != "answer_failed" {
		t.Errorf("unexpected ended events %+v", got)
	}
}

func TestTransientSpeakFailureApologizes(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.FailNext("speak", errors.New("connection reset"))
	h.start("a")

	if got := h.last("speak", "a").Text; got != apologyNotice() {
		t.Errorf("expected apology, got %q", got)
	}
	h.speechEnded("a")
	if n := h.count("hangup", "a"); n != 1 {
		t.Errorf("expected hangup, got %d", n)
	}
	h.gone("a")
}

func TestPermanentSpeakFailureDropsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.SetError("speak", &gateway.CommandError{Action: "speak", Status: 422})
	h.start("a")

	h.gone("a")
	if n := h.count("hangup", "a"); n != 0 {
		t.Errorf("expected no hangup for an uncontrollable call, got %d", n)
	}
}

func TestNoiseSuppressionToggled(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.NoiseSuppression = true })
	h.start("a")

	on := h.last("noise_suppression", "a")
	if !on.On {
		t.Fatal("expected noise suppression to start")
	}

	h.clk.Advance(30 * time.Second)
	h.speechEnded("a")

	cmds := h.gw.Commands()
	n := len(cmds)
	if cmds[n-2].Action != "noise_suppression" || cmds[n-2].On || cmds[n-1].Action != "hangup" {
		t.Errorf("expected noise suppression off then hangup, got %+v", cmds[n-2:])
	}
}

func (h *harness) gatherFor(id, tag, digits string) provider.Notification {
	return provider.Notification{
		Type:          "call.gather.ended",
		Kind:          provider.KindDigitsCollected,
		CallLegID:     id,
		ControlHandle: handleOf(id),
		ClientState:   tag,
		Digits:        digits,
		Status:        "valid",
	}
}

func entriesFor(numbers []string) []casedir.Entry {
	out := make([]casedir.Entry, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, openCase(n))
	}
	return out
}

func TestCallStartReplayedAfterHangupIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start("a")
	h.hangup("a")
	h.start("a")

	if n := h.count("answer", "a"); n != 1 {
		t.Errorf("expected 1 answer, got %d", n)
	}
	if n := h.count("speak", "a"); n != 1 {
		t.Errorf("expected only the first welcome, got %d speaks", n)
	}
	h.gone("a")
	if n := len(h.events(publisher.EventStarted)); n != 1 {
		t.Errorf("expected 1 started event, got %d", n)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("expected no timers for the refused start, %d pending", n)
	}
}

func TestAnotherCaseResetsAttemptsOnly(t *testing.T) {
	e := openCase("100")
	e.Case.Status = "Concluded"
	h := newHarness(t, nil, e)
	h.start("a")
	h.enterCase("a", "999")
	if n := h.session("a").CaseAttempts; n != 1 {
		t.Fatalf("expected one failed attempt, got %d", n)
	}
	h.enterCase("a", "100")
	h.press("a", "1")
	if got := h.last("speak", "a").Text; !strings.HasPrefix(got, "The service cost is") {
		t.Fatalf("expected cost answer, got %q", got)
	}
	h.speechEnded("a")
	h.clk.Advance(time.Second)
	h.press("a", "5")

	s := h.session("a")
	if s.Stage != session.StageAwaitingCase {
		t.Errorf("expected awaiting_case, got %s", s.Stage)
	}
	if s.CaseAttempts != 0 {
		t.Errorf("expected case attempts reset, got %d", s.CaseAttempts)
	}
	if s.CasesQueried != 1 || s.CurrentCase != nil {
		t.Errorf("expected 1 case queried and none current, got %d %+v", s.CasesQueried, s.CurrentCase)
	}
}

func TestRepeatedCaseCountedOnce(t *testing.T) {
	h := newHarness(t, nil, openCase("100"))
	h.start("a")
	h.enterCase("a", "100")
	h.press("a", "5")
	h.enterCase("a", "100")

	s := h.session("a")
	if s.CasesQueried != 1 {
		t.Errorf("expected 1 distinct case, got %d", s.CasesQueried)
	}
	if s.QueryCountByCase["100"] != 2 {
		t.Errorf("expected 2 queries of 100, got %d", s.QueryCountByCase["100"])
	}
	if s.Stage != session.StageMenuActive {
		t.Errorf("expected menu_active, got %s", s.Stage)
	}
}

// blockingPublisher holds every Publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	calls   chan string
}

func (p *blockingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.calls <- topic
	<-p.release
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func TestCommandsDoNotWaitForLifecycleBroker(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{}), calls: make(chan string, 16)}
	life := publisher.NewLifecycle(pub, "ivr", nil)
	gw := gateway.NewRecorder()
	orch := New(gw, casedir.NewStatic(),
		WithClock(clock.NewFake(epoch)),
		WithNotifier(life))

	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Dispatch(context.Background(), provider.Notification{
			Type:          "call.initiated",
			Kind:          provider.KindCallStarted,
			CallLegID:     "a",
			ControlHandle: handleOf("a"),
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on the lifecycle broker")
	}
	select {
	case topic := <-pub.calls:
		if topic != "ivr/call/a/started" {
			t.Errorf("unexpected topic %s", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("started event never reached the broker")
	}

	var actions []string
	for _, c := range gw.Commands() {
		actions = append(actions, c.Action)
	}
	if strings.Join(actions, ",") != "answer,speak" {
		t.Errorf("expected answer and speak while the broker stalls, got %v", actions)
	}

	close(pub.release)
	orch.Shutdown()
	if err := life.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
