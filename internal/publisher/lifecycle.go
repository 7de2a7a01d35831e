package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a call lifecycle change.
type EventType string

const (
	EventStarted           EventType = "started"
	EventCaseResolved      EventType = "case_resolved"
	EventHandoffAnnounced  EventType = "handoff_announced"
	EventTransferDialing   EventType = "transfer_dialing"
	EventTransferSucceeded EventType = "transfer_succeeded"
	EventTransferFailed    EventType = "transfer_failed"
	EventTransferBridged   EventType = "transfer_bridged"
	EventTransferAbandoned EventType = "transfer_abandoned"
	EventEnded             EventType = "ended"
)

var eventDescriptions = map[EventType]string{
	EventStarted:           "A call reached the IVR",
	EventCaseResolved:      "The caller's case number was found",
	EventHandoffAnnounced:  "The caller is being told they will be handed to an agent",
	EventTransferDialing:   "The agent line is being dialed",
	EventTransferSucceeded: "An agent answered the transferred call",
	EventTransferFailed:    "A transfer attempt failed",
	EventTransferBridged:   "The provider bridged the caller and the agent",
	EventTransferAbandoned: "The transfer was given up after the attempt ceiling",
	EventEnded:             "The call has ended",
}

// CallEvent is one lifecycle change of one call.
type CallEvent struct {
	Type         EventType
	CallID       string
	Stage        string
	Case         string
	CasesQueried int
	Attempt      int
	Reason       string
	Timestamp    time.Time
}

// payload is the JSON structure published to the broker.
type payload struct {
	Event        string `json:"event"`
	Description  string `json:"description"`
	CallID       string `json:"call_id"`
	Stage        string `json:"stage,omitempty"`
	Case         string `json:"case,omitempty"`
	CasesQueried int    `json:"cases_queried,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// DefaultQueueSize is how many events Lifecycle buffers while the broker
// is slow.
const DefaultQueueSize = 256

// Lifecycle publishes CallEvents to {prefix}/call/{call_id}/{event}.
// Emit only enqueues: a worker goroutine publishes in order, so a slow
// broker never holds up the caller. Events are dropped, and logged, when
// the queue is full. Publish failures are logged, never returned.
type Lifecycle struct {
	pub    Publisher
	prefix string
	log    *zap.Logger

	queue chan Message
	done  chan struct{}

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithQueueSize sets the queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) LifecycleOption {
	return func(l *Lifecycle) {
		if n > 0 {
			l.queue = make(chan Message, n)
		}
	}
}

// NewLifecycle creates a Lifecycle over pub and starts its worker. Close
// stops it.
func NewLifecycle(pub Publisher, prefix string, log *zap.Logger, opts ...LifecycleOption) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Lifecycle{
		pub:    pub,
		prefix: prefix,
		log:    log,
		queue:  make(chan Message, DefaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.idle = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Topic returns the topic an event is published on.
func (l *Lifecycle) Topic(ev CallEvent) string {
	return fmt.Sprintf("%s/call/%s/%s", l.prefix, ev.CallID, ev.Type)
}

// Emit queues ev for publishing and returns immediately.
func (l *Lifecycle) Emit(_ context.Context, ev CallEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(payload{
		Event:        string(ev.Type),
		Description:  eventDescriptions[ev.Type],
		CallID:       ev.CallID,
		Stage:        ev.Stage,
		Case:         ev.Case,
		CasesQueried: ev.CasesQueried,
		Attempt:      ev.Attempt,
		Reason:       ev.Reason,
		Timestamp:    ev.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		l.log.Error("marshaling lifecycle event", zap.String("call_id", ev.CallID), zap.Error(err))
		return
	}
	msg := Message{Topic: l.Topic(ev), Payload: data}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.log.Debug("lifecycle closed, dropping event", zap.String("topic", msg.Topic))
		return
	}
	select {
	case l.queue <- msg:
		l.pending++
	default:
		l.log.Warn("lifecycle queue full, dropping event",
			zap.String("topic", msg.Topic),
			zap.Int("capacity", cap(l.queue)))
	}
}

func (l *Lifecycle) run() {
	defer close(l.done)
	for msg := range l.queue {
		if err := l.pub.Publish(context.Background(), msg.Topic, msg.Payload); err != nil {
			l.log.Warn("publish error", zap.String("topic", msg.Topic), zap.Error(err))
		} else {
			l.log.Debug("published", zap.String("topic", msg.Topic))
		}

		l.mu.Lock()
		l.pending--
		if l.pending == 0 {
			l.idle.Broadcast()
		}
		l.mu.Unlock()
	}
}

// Flush blocks until every queued event has been handed to the publisher.
func (l *Lifecycle) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending > 0 {
		l.idle.Wait()
	}
}

// Close stops accepting events and waits for the queued ones to be
// published. It does not close the underlying Publisher.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}
