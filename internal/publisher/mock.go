package publisher

import (
	"context"
	"strings"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher records publishes in memory. Besides raw messages it can
// slice them by call and by lifecycle event using the topic layout of
// Lifecycle.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// Messages returns every recorded message in publish order.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// WithSuffix returns the messages whose topic ends in "/"+event.
func (m *MockPublisher) WithSuffix(event string) []Message {
	var out []Message
	for _, msg := range m.Messages() {
		if strings.HasSuffix(msg.Topic, "/"+event) {
			out = append(out, msg)
		}
	}
	return out
}

// Events returns, in order, the lifecycle event names published for one
// call.
func (m *MockPublisher) Events(callID string) []string {
	segment := "/call/" + callID + "/"
	var out []string
	for _, msg := range m.Messages() {
		i := strings.Index(msg.Topic, segment)
		if i < 0 {
			continue
		}
		out = append(out, msg.Topic[i+len(segment):])
	}
	return out
}

// SetError makes Publish fail with err until cleared with nil.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
