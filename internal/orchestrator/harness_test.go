package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/clock"
	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

const agentLine = "+525500000000"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t    *testing.T
	gw   *gateway.Recorder
	dir  *casedir.Static
	clk  *clock.Fake
	pub  *publisher.MockPublisher
	life *publisher.Lifecycle
	orch *Orchestrator
}

func newHarness(t *testing.T, tweak func(*Settings), entries ...casedir.Entry) *harness {
	t.Helper()
	set := DefaultSettings()
	set.Transfer.Destination = agentLine
	if tweak != nil {
		tweak(&set)
	}
	h := &harness{
		t:   t,
		gw:  gateway.NewRecorder(),
		dir: casedir.NewStatic(entries...),
		clk: clock.NewFake(epoch),
		pub: publisher.NewMockPublisher(),
	}
	h.life = publisher.NewLifecycle(h.pub, "ivr", nil)
	t.Cleanup(func() { _ = h.life.Close() })
	h.orch = New(h.gw, h.dir,
		WithClock(h.clk),
		WithSettings(set),
		WithNotifier(h.life))
	return h
}

func handleOf(id string) string { return "ctl-" + id }

func (h *harness) dispatch(n provider.Notification) {
	h.orch.Dispatch(context.Background(), n)
}

func (h *harness) start(id string) {
	h.dispatch(provider.Notification{
		Type:          "call.initiated",
		Kind:          provider.KindCallStarted,
		CallLegID:     id,
		ControlHandle: handleOf(id),
		From:          "+5215511112222",
		To:            "+528000000000",
	})
}

// speechEnded completes the most recent speak command on the call.
func (h *harness) speechEnded(id string) {
	h.t.Helper()
	cmd := h.last("speak", id)
	h.dispatch(provider.Notification{
		Type:          "call.speak.ended",
		Kind:          provider.KindSpeechCompleted,
		CallLegID:     id,
		ControlHandle: handleOf(id),
		ClientState:   cmd.ClientState,
		Status:        "completed",
	})
}

// gatherEnded completes the most recent collect command on the call.
func (h *harness) gatherEnded(id, digits, status string) {
	h.t.Helper()
	cmd := h.last("collect", id)
	h.dispatch(provider.Notification{
		Type:          "call.gather.ended",
		Kind:          provider.KindDigitsCollected,
		CallLegID:     id,
		ControlHandle: handleOf(id),
		ClientState:   cmd.ClientState,
		Digits:        digits,
		Status:        status,
	})
}

func (h *harness) dtmf(id string, digits ...string) {
	for _, d := range digits {
		h.dispatch(provider.Notification{
			Type:          "call.dtmf.received",
			Kind:          provider.KindDigitReceived,
			CallLegID:     id,
			ControlHandle: handleOf(id),
			Digit:         d,
		})
	}
}

func (h *harness) hangup(id string) {
	h.dispatch(provider.Notification{
		Type:          "call.hangup",
		Kind:          provider.KindCallEnded,
		CallLegID:     id,
		ControlHandle: handleOf(id),
		HangupCause:   "normal_clearing",
	})
}

// enterCase lets the pending case prompt finish and types number.
func (h *harness) enterCase(id, number string) {
	h.t.Helper()
	h.speechEnded(id)
	h.gatherEnded(id, number+"#", "valid")
}

// press answers the outstanding menu collection.
func (h *harness) press(id, digit string) {
	h.t.Helper()
	h.gatherEnded(id, digit, "valid")
}

func (h *harness) agentTag(id string) string {
	h.t.Helper()
	return h.last("transfer", id).ClientState
}

func (h *harness) agentEvent(id string, kind provider.Kind, typ string) provider.Notification {
	h.t.Helper()
	return provider.Notification{
		Type:          typ,
		Kind:          kind,
		CallLegID:     "agent-" + id,
		ControlHandle: "ctl-agent-" + id,
		ClientState:   h.agentTag(id),
		To:            agentLine,
	}
}

func (h *harness) agentStarted(id string) {
	h.t.Helper()
	h.dispatch(h.agentEvent(id, provider.KindCallStarted, "call.initiated"))
}

func (h *harness) agentAnswered(id string) {
	h.t.Helper()
	h.dispatch(h.agentEvent(id, provider.KindFarEndAnswered, "call.answered"))
}

func (h *harness) agentHungUp(id, cause string) {
	h.t.Helper()
	n := h.agentEvent(id, provider.KindCallEnded, "call.hangup")
	n.HangupCause = cause
	h.dispatch(n)
}

func (h *harness) last(action, id string) gateway.Command {
	h.t.Helper()
	cmds := h.gw.Commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Action == action && cmds[i].Handle == handleOf(id) {
			return cmds[i]
		}
	}
	h.t.Fatalf("no %s command for call %s", action, id)
	return gateway.Command{}
}

func (h *harness) count(action, id string) int {
	n := 0
	for _, c := range h.gw.Commands() {
		if c.Action == action && c.Handle == handleOf(id) {
			n++
		}
	}
	return n
}

func (h *harness) session(id string) session.CallSession {
	h.t.Helper()
	s, ok := h.orch.Store().Get(id)
	if !ok {
		h.t.Fatalf("no session for call %s", id)
	}
	return s
}

func (h *harness) gone(id string) {
	h.t.Helper()
	if _, ok := h.orch.Store().Get(id); ok {
		h.t.Fatalf("expected session %s to be removed", id)
	}
}

type publishedEvent struct {
	Event   string `json:"event"`
	CallID  string `json:"call_id"`
	Stage   string `json:"stage"`
	Case    string `json:"case"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

func (h *harness) events(typ publisher.EventType) []publishedEvent {
	h.t.Helper()
	h.life.Flush()
	var out []publishedEvent
	for _, m := range h.pub.WithSuffix(string(typ)) {
		var ev publishedEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.t.Fatalf("decoding %s: %v", m.Topic, err)
		}
		out = append(out, ev)
	}
	return out
}

func openCase(number string) casedir.Entry {
	return casedir.Entry{
		Case:     casedir.Case{Number: number, Status: "in progress", ServiceType: "towing", Vehicle: "Nissan Versa"},
		Cost:     &casedir.Cost{Total: 1500, Currency: "MXN", Concept: "towing"},
		Unit:     &casedir.Unit{UnitID: "G12", Operator: "Luis", Vehicle: "tow truck", Plate: "ABC123"},
		Location: &casedir.Location{Address: "Av. Reforma 100", DistanceKm: 4.5, ETAMinutes: 12},
		Timings:  &casedir.Timings{RequestedAt: epoch.Add(-40 * time.Minute), AssignedAt: epoch.Add(-35 * time.Minute)},
	}
}
