package backbone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/metrics"
)

// Bridge is the NATS-backed Bus. Reconnection is delegated to the client
// library; the bridge's own job is surfacing connectivity transitions to the
// rest of the gateway (metrics, reconnect listeners) and buffering publishes
// made while the broker is briefly away.
type Bridge struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func()
}

// Connect dials the backbone. With RetryOnFailedConnect the call succeeds
// even when the broker is down; publishes buffer until the first connect.
func Connect(cfg config.BackboneConfig, m *metrics.Metrics, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		metrics: m,
		logger:  logger.With("component", "backbone"),
	}

	opts := []nats.Option{
		nats.Name("agentwire-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(nc *nats.Conn) {
			b.logger.Info("backbone connected", "url", nc.ConnectedUrl())
			m.BackboneConnected.Set(1)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("backbone disconnected", "error", err)
			m.BackboneConnected.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("backbone reconnected", "url", nc.ConnectedUrl())
			m.BackboneConnected.Set(1)
			m.BackboneReconnect.Inc()
			b.notifyReconnect()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				b.logger.Error("backbone subscription error", "subject", sub.Subject, "error", err)
				return
			}
			b.logger.Error("backbone error", "error", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.logger.Info("backbone connection closed")
			m.BackboneConnected.Set(0)
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect backbone: %w", err)
	}
	b.conn = conn
	return b, nil
}

// OnReconnect registers a callback invoked after every broker reconnect.
// The router uses this to re-establish its subject interests.
func (b *Bridge) OnReconnect(fn func()) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Bridge) notifyReconnect() {
	b.mu.Lock()
	fns := make([]func(), len(b.listeners))
	copy(fns, b.listeners)
	b.mu.Unlock()
	for _, fn := range fns {
		// Handlers run on the client's callback goroutine; keep them short.
		fn()
	}
}

// Publish sends data on a subject. The context bounds only local queueing;
// delivery is at-most-once fire and forget.
func (b *Bridge) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers interest in a subject or pattern.
func (b *Bridge) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers interest shared across a queue group, so exactly
// one member receives each message. The presence sweep uses this to avoid
// every node reacting to the same heartbeat.
func (b *Bridge) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Request performs a request/reply exchange, used by discovery fan-in.
func (b *Bridge) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := b.conn.RequestWithContext(rctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// JetStream returns a JetStream context for components that need persisted
// streams. The core delivery path stays on plain subjects.
func (b *Bridge) JetStream() (nats.JetStreamContext, error) {
	js, err := b.conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return js, nil
}

// Connected reports live connectivity to the broker.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains in-flight messages and tears down the connection.
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("backbone drain failed, closing hard", "error", err)
		b.conn.Close()
	}
}
