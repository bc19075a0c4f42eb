package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// NATSBus publishes events on core NATS subjects namespaced per tenant
// (see Subject).
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*nats.Subscription]string
}

type natsSubscription struct {
	bus   *NATSBus
	sub   *nats.Subscription
	topic string
}

// NewNATSBus dials NATS with exponential backoff. The connection then
// reconnects on its own after a drop.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	tries := cfg.NATSMaxReconnects
	if tries <= 0 {
		tries = 10
	}
	wait := cfg.NATSReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	opts := natsOptions(cfg.NATSToken, tries, wait)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = wait / 4
	policy.MaxInterval = wait * 4

	conn, err := backoff.Retry(context.Background(), func() (*nats.Conn, error) {
		return nats.Connect(url, opts...)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("nats dial failed", "url", url, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats %s unreachable after %d tries: %w", url, tries, err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	return &NATSBus{conn: conn, subs: make(map[*nats.Subscription]string)}, nil
}

func natsOptions(token string, maxReconnects int, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("chainguard"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "closed", nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return opts
}

// Publish wraps payload in a Message envelope and sends it.
func (b *NATSBus) Publish(_ context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", topic, err)
	}
	return b.conn.Publish(Subject(tenantID, topic), data)
}

// Subscribe runs handler on the connection's delivery goroutine. Handler
// errors are logged; core NATS has no redelivery.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	ns, err := b.conn.Subscribe(Subject(tenantID, topic), func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable nats message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("event handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[ns] = topic
	b.mu.Unlock()

	return &natsSubscription{bus: b, sub: ns, topic: topic}, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if !b.conn.IsConnected() {
		return errors.New("nats reconnecting")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight deliveries before closing the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[*nats.Subscription]string)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Subject maps a tenant topic to its NATS subject.
func Subject(tenantID, topic string) string {
	return "tenant." + tenantID + "." + topic
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
