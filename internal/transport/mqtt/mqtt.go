// Package mqtt receives turret commands from an MQTT broker.
//
// Every message published on the command topic is one JSON command,
// handed unchanged to the dispatcher.
package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/logic/command"
)

// DefaultTopic is the command topic used by the turret camera firmware.
const DefaultTopic = "turretcam/move"

const (
	connectRetryInterval = 5 * time.Second
	disconnectQuiesceMs  = 250
)

// Handler executes a JSON command. *command.Dispatcher implements it.
type Handler interface {
	HandlePayload(payload []byte) (command.Outcome, error)
}

// Config describes the broker connection.
type Config struct {
	Broker   string // e.g. "tcp://mqtt.eclipseprojects.io:1883"
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// client is the part of paho.Client the subscriber uses.
type client interface {
	Connect() paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// Subscriber connects to the broker and forwards command messages to a
// Handler. It resubscribes after every reconnect.
type Subscriber struct {
	cfg     Config
	handler Handler

	newClient func(opts *paho.ClientOptions) client

	received atomic.Uint64
	rejected atomic.Uint64
}

// New creates a subscriber. An empty topic selects DefaultTopic.
func New(cfg Config, h Handler) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return &Subscriber{
		cfg:     cfg,
		handler: h,
		newClient: func(opts *paho.ClientOptions) client {
			return paho.NewClient(opts)
		},
	}
}

// Received returns the number of messages taken from the command topic.
func (s *Subscriber) Received() uint64 { return s.received.Load() }

// Rejected returns the number of messages that were not valid commands.
func (s *Subscriber) Rejected() uint64 { return s.rejected.Load() }

func (s *Subscriber) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetOnConnectHandler(func(c paho.Client) {
			if err := s.subscribe(c); err != nil {
				debug.Error(err)
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			debug.Warn("MQTT: connection lost: %v", err)
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

func (s *Subscriber) subscribe(c client) error {
	tok := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", s.cfg.Topic, err)
	}
	debug.Info("MQTT: subscribed to %s (QoS %d)", s.cfg.Topic, s.cfg.QoS)
	return nil
}

// Run connects and blocks until ctx is cancelled, then disconnects.
func (s *Subscriber) Run(ctx context.Context) error {
	c := s.newClient(s.options())
	debug.Info("MQTT: connecting to %s as %s", s.cfg.Broker, s.cfg.ClientID)

	tok := c.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt: connect %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
		c.Disconnect(disconnectQuiesceMs)
		return nil
	}

	<-ctx.Done()
	debug.Info("MQTT: disconnecting")
	c.Disconnect(disconnectQuiesceMs)
	return nil
}

func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	if msg.Topic() != s.cfg.Topic {
		debug.Trace("MQTT: ignoring message on %s", msg.Topic())
		return
	}
	s.received.Add(1)
	debug.Live("MQTT: message on %s: %s", msg.Topic(), msg.Payload())

	if _, err := s.handler.HandlePayload(msg.Payload()); err != nil {
		s.rejected.Add(1)
	}
}
