// Package transport wraps the MQTT broker connection the controller
// publishes readings to and receives configuration on. It owns
// reconnect/resubscribe policy so C6 (internal/controller) only ever
// sees a narrow Transport interface and never touches paho directly.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Handler processes one inbound message already stripped of QoS/retained
// bookkeeping.
type Handler func(topic string, payload []byte)

// Transport is the narrow view of the broker connection the rest of the
// zone control engine depends on.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, handler Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
	// Fatal reports errors the host should treat as TransportFatal per
	// spec.md §7 — a failure that reconnect cannot recover from.
	Fatal() <-chan error
}

type subscription struct {
	qos     byte
	handler Handler
}

// reconnectGiveUpAfter bounds how long paho's own SetAutoReconnect/
// SetConnectRetry loop is allowed to keep trying silently. If the broker
// connection is still down this long after a drop, the outage is treated
// as TransportFatal rather than left to retry forever.
const reconnectGiveUpAfter = 10 * time.Minute

// MQTTClient is a Transport backed by paho.mqtt.golang. Every subscribe
// call is remembered and replayed on each (re)connect, since paho does
// not resubscribe automatically — the pattern shimmeringbee-controller's
// MQTT interface uses for its own topic prefix subscription.
type MQTTClient struct {
	mu   sync.Mutex
	subs map[string]subscription

	client      pahomqtt.Client
	fatal       chan error
	giveUpTimer *time.Timer
}

// Config is the set of broker connection parameters the host config
// supplies; all fields are opaque strings per spec.md §6.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

func NewMQTTClient(cfg Config) (*MQTTClient, error) {
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, fmt.Errorf("invalid broker url %q: %w", cfg.BrokerURL, err)
	}

	m := &MQTTClient{
		subs:  map[string]subscription{},
		fatal: make(chan error, 1),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = func(c pahomqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
		m.disarmGiveUpTimer()
		m.resubscribeAll()
	}
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
		m.armGiveUpTimer(err)
	})

	m.client = pahomqtt.NewClient(opts)
	return m, nil
}

func awaitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTTClient) Connect(ctx context.Context) error {
	token := m.client.Connect()
	if err := awaitToken(ctx, token); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// armGiveUpTimer starts (or restarts) the give-up clock after a
// connection drop. If paho's auto-reconnect has not succeeded by the
// time it fires, the outage is surfaced on Fatal() rather than retried
// forever in silence.
func (m *MQTTClient) armGiveUpTimer(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.giveUpTimer != nil {
		m.giveUpTimer.Stop()
	}
	m.giveUpTimer = time.AfterFunc(reconnectGiveUpAfter, func() {
		select {
		case m.fatal <- fmt.Errorf("mqtt reconnect did not succeed within %s: %w", reconnectGiveUpAfter, cause):
		default:
		}
	})
}

// disarmGiveUpTimer cancels a pending give-up clock on successful
// (re)connect.
func (m *MQTTClient) disarmGiveUpTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.giveUpTimer != nil {
		m.giveUpTimer.Stop()
		m.giveUpTimer = nil
	}
}

func (m *MQTTClient) resubscribeAll() {
	m.mu.Lock()
	subs := make(map[string]subscription, len(m.subs))
	for topic, s := range m.subs {
		subs[topic] = s
	}
	m.mu.Unlock()

	for topic, s := range subs {
		if err := m.doSubscribe(topic, s); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("failed to resubscribe after reconnect")
		}
	}
}

func (m *MQTTClient) doSubscribe(topic string, s subscription) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token := m.client.Subscribe(topic, s.qos, func(c pahomqtt.Client, msg pahomqtt.Message) {
		s.handler(msg.Topic(), msg.Payload())
	})
	return awaitToken(ctx, token)
}

func (m *MQTTClient) Subscribe(topic string, qos byte, handler Handler) error {
	s := subscription{qos: qos, handler: handler}
	m.mu.Lock()
	m.subs[topic] = s
	m.mu.Unlock()
	return m.doSubscribe(topic, s)
}

func (m *MQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	delete(m.subs, topic)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := m.client.Unsubscribe(topic)
	return awaitToken(ctx, token)
}

func (m *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := m.client.Publish(topic, qos, retained, payload)
	return awaitToken(ctx, token)
}

func (m *MQTTClient) Disconnect() {
	m.client.Disconnect(250)
}

func (m *MQTTClient) Fatal() <-chan error {
	return m.fatal
}
