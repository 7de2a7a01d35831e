package publisher

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client      mqtt.Client
	qos         byte
	timeout     time.Duration
	statusTopic string
}

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// Timeout bounds how long Publish waits for the broker. Zero means 5s.
	Timeout time.Duration
	// StatusTopic, when set, carries a retained "online" while connected
	// and "offline" as the last will.
	StatusTopic string
}

// NewMQTTPublisher creates and connects an MQTT publisher.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, statusOffline, opts.QoS, true)
		clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
			c.Publish(opts.StatusTopic, opts.QoS, true, statusOnline)
		})
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{
		client:      client,
		qos:         opts.QoS,
		timeout:     timeout,
		statusTopic: opts.StatusTopic,
	}, nil
}

// Publish blocks until the broker acknowledges, ctx is done, or the
// publish timeout elapses.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publishing to %s: timed out after %s", topic, p.timeout)
	}
}

// Close marks the service offline, if a status topic is configured, and
// disconnects.
func (p *MQTTPublisher) Close() error {
	if p.statusTopic != "" {
		p.client.Publish(p.statusTopic, p.qos, true, statusOffline).WaitTimeout(p.timeout)
	}
	p.client.Disconnect(1000)
	return nil
}
