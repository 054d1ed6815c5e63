package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS publisher and subscriber.
type NATSConfig struct {
	URL               string
	Name              string        // Client connection name
	Subject           string        // Base subject; messages go to <Subject>.<type>
	Queue             string        // Queue group shared by subscribers
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConnectionTimeout time.Duration
	Token             string
	JetStream         bool // Publish and consume through JetStream with explicit acks
}

// Validate checks the configuration.
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return errors.New("nats: URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return errors.New("nats: URL must start with nats:// or tls://")
	}
	if c.Subject == "" {
		return errors.New("nats: subject cannot be empty")
	}
	if strings.ContainsAny(c.Subject, "*> ") {
		return fmt.Errorf("nats: subject %q must not contain wildcards or spaces", c.Subject)
	}
	return nil
}

// DefaultNATSConfig returns a configuration for a local server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		Name:              "sagad",
		Subject:           "sagas",
		Queue:             "sagad",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
}

// ConnectNATS dials the server described by cfg.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectionTimeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func natsSubject(base, msgType string) string {
	return base + "." + msgType
}

func toNATSMsg(subject string, env *Envelope) *nats.Msg {
	msg := nats.NewMsg(natsSubject(subject, env.Type))
	msg.Data = env.Payload
	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderType, env.Type)
	return msg
}

func fromNATSMsg(msg *nats.Msg) *Envelope {
	env := &Envelope{
		Payload: msg.Data,
		Headers: make(map[string]string, len(msg.Header)),
	}
	for k, vals := range msg.Header {
		if len(vals) > 0 {
			env.Headers[k] = vals[0]
		}
	}
	env.Type = env.Headers[HeaderType]
	delete(env.Headers, HeaderType)
	return env
}

// NATSPublisher sends envelopes to NATS subjects.
type NATSPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn *nats.Conn, cfg NATSConfig) (*NATSPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	p := &NATSPublisher{conn: conn, subject: cfg.Subject}
	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to open JetStream context: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// Send publishes env on <subject>.<type>.
func (p *NATSPublisher) Send(ctx context.Context, env *Envelope) error {
	msg := toNATSMsg(p.subject, env)
	if p.js != nil {
		if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// NATSSubscriber consumes envelopes from <subject>.> in a queue group.
//
// With JetStream enabled, messages are acked when the handler succeeds and
// nak'ed otherwise. Core NATS has no redelivery; handler failures are logged.
type NATSSubscriber struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	queue   string
	logger  *slog.Logger
}

// NewNATSSubscriber creates a subscriber on an established connection.
func NewNATSSubscriber(conn *nats.Conn, cfg NATSConfig) (*NATSSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	s := &NATSSubscriber{
		conn:    conn,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		logger:  slog.Default(),
	}
	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to open JetStream context: %w", err)
		}
		s.js = js
	}
	return s, nil
}

// WithLogger sets a custom logger.
func (s *NATSSubscriber) WithLogger(logger *slog.Logger) *NATSSubscriber {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Consume subscribes and blocks until ctx is done.
func (s *NATSSubscriber) Consume(ctx context.Context, handler Handler) error {
	subject := natsSubject(s.subject, ">")

	cb := func(msg *nats.Msg) {
		env := fromNATSMsg(msg)
		err := handler(ctx, env)
		if s.js != nil {
			if err == nil {
				err = msg.Ack()
			} else {
				_ = msg.Nak()
			}
		}
		if err != nil {
			s.logger.Warn("nats message not acknowledged",
				"subject", msg.Subject,
				"type", env.Type,
				"error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if s.js != nil {
		sub, err = s.js.QueueSubscribe(subject, s.queue, cb, nats.ManualAck())
	} else {
		sub, err = s.conn.QueueSubscribe(subject, s.queue, cb)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.logger.Info("nats subscription started", "subject", subject, "queue", s.queue)
	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		s.logger.Warn("nats drain failed", "subject", subject, "error", err)
	}
	return ctx.Err()
}

var (
	_ Sender   = (*NATSPublisher)(nil)
	_ Consumer = (*NATSSubscriber)(nil)
)
