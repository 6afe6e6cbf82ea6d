// Package mqttsink republishes listening-session notifications to an MQTT
// broker.
//
// Each gateway event is published as JSON to <prefix>/<event>, e.g.
// earshot/listeningState. listeningState messages are retained so late
// subscribers see the current state. The sink also maintains a retained
// <prefix>/status topic that flips to "offline" through the broker's last
// will when the process disappears.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/earshot/internal/notify"
)

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Status payloads on <prefix>/status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Config describes the broker connection.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Publisher is the subset of [paho.Client] the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

// Sink publishes gateway events. Create it with [Connect] or, in tests,
// [NewWithPublisher].
type Sink struct {
	cfg    Config
	pub    Publisher
	client paho.Client
}

// NewWithPublisher returns a Sink that publishes through pub.
func NewWithPublisher(cfg Config, pub Publisher) *Sink {
	return &Sink{cfg: cfg, pub: pub}
}

// Connect dials the broker and announces the sink as online. The connection
// retries in the background and reconnects automatically.
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqttsink: broker url is required")
	}
	s := &Sink{cfg: cfg}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetWill(s.topic("status"), StatusOffline, 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.BrokerURL, "err", err)
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		slog.Info("mqtt connected", "broker", cfg.BrokerURL)
		c.Publish(s.topic("status"), 1, true, StatusOnline)
	})

	s.client = paho.NewClient(opts)
	s.pub = s.client
	tok := s.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return nil, fmt.Errorf("mqttsink: connect %s: %w", cfg.BrokerURL, err)
		}
	case <-ctx.Done():
		s.client.Disconnect(0)
		return nil, ctx.Err()
	}
	return s, nil
}

// Attach subscribes the sink to every event of gw.
func (s *Sink) Attach(gw *notify.Gateway) *notify.Subscription {
	return gw.AddTap(s.Publish)
}

// Publish sends ev to its topic. It never blocks the caller; failures are
// logged.
func (s *Sink) Publish(ev notify.Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		slog.Warn("mqttsink: encode event", "event", ev.Name, "err", err)
		return
	}
	topic := s.topic(string(ev.Name))
	retained := ev.Name == notify.EventListeningState
	tok := s.pub.Publish(topic, s.cfg.QoS, retained, payload)
	go func() {
		if !tok.WaitTimeout(publishTimeout) {
			slog.Warn("mqttsink: publish timed out", "topic", topic)
			return
		}
		if err := tok.Error(); err != nil {
			slog.Warn("mqttsink: publish failed", "topic", topic, "err", err)
		}
	}()
}

// Close marks the sink offline and disconnects. A sink built with
// [NewWithPublisher] has nothing to close.
func (s *Sink) Close() {
	if s.client == nil {
		return
	}
	tok := s.client.Publish(s.topic("status"), 1, true, StatusOffline)
	tok.WaitTimeout(publishTimeout)
	s.client.Disconnect(disconnectQuiesce)
}

func (s *Sink) topic(name string) string {
	if s.cfg.TopicPrefix == "" {
		return name
	}
	return s.cfg.TopicPrefix + "/" + name
}
