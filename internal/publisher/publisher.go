// Package publisher fans call lifecycle changes out to a message broker.
package publisher

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Nop discards every message. It stands in when MQTT is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }

func (Nop) Close() error { return nil }
