// Package router keeps the node-local map from backbone subjects to the
// sockets interested in them, and owns the backbone subscriptions that feed
// it. Interest is reference counted per subject: the first local subscriber
// opens the backbone subscription, the last one leaving closes it.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/gateway/internal/backbone"
	"github.com/agentwire/gateway/internal/metrics"
)

// Sender is one local socket's delivery endpoint. Deliver must not block;
// it reports false when the frame was dropped (send buffer full).
type Sender interface {
	PrincipalID() string
	Deliver(frame []byte) bool
}

// Envelope is the frame fanned out to subscribed sockets.
type Envelope struct {
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type entry struct {
	mu      sync.RWMutex
	senders map[string]Sender
	sub     backbone.Subscription
}

// Router fans backbone traffic out to local sockets.
type Router struct {
	bus     backbone.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(bus backbone.Bus, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "router"),
		entries: make(map[string]*entry),
	}
}

// Subscribe adds a sender's interest in a subject. Idempotent per
// (subject, principal): re-subscribing replaces the sender reference, which
// matters on reconnect when the old socket object is gone. r.mu stays held
// across the sender insertion so a concurrent last-Unsubscribe cannot tear
// the entry down between the lookup and the insert.
func (r *Router) Subscribe(subject string, s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[subject]
	if !ok {
		sub, err := r.bus.Subscribe(subject, r.handlerFor(subject))
		if err != nil {
			return err
		}
		e = &entry{senders: make(map[string]Sender), sub: sub}
		r.entries[subject] = e
		r.metrics.LocalSubjects.Set(float64(len(r.entries)))
	}

	e.mu.Lock()
	e.senders[s.PrincipalID()] = s
	e.mu.Unlock()
	return nil
}

// Unsubscribe removes one sender's interest. When the subject has no local
// subscribers left the backbone subscription is torn down.
func (r *Router) Unsubscribe(subject, principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[subject]
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.senders, principalID)
	empty := len(e.senders) == 0
	e.mu.Unlock()

	if empty {
		if err := e.sub.Unsubscribe(); err != nil {
			r.logger.Warn("backbone unsubscribe failed", "subject", subject, "error", err)
		}
		delete(r.entries, subject)
		r.metrics.LocalSubjects.Set(float64(len(r.entries)))
	}
}

// DropSender removes a sender from every subject it subscribed, tearing down
// backbone subscriptions that become empty. Called on socket close.
func (r *Router) DropSender(principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, e := range r.entries {
		e.mu.Lock()
		_, had := e.senders[principalID]
		if had {
			delete(e.senders, principalID)
		}
		empty := len(e.senders) == 0
		e.mu.Unlock()

		if had && empty {
			if err := e.sub.Unsubscribe(); err != nil {
				r.logger.Warn("backbone unsubscribe failed", "subject", subject, "error", err)
			}
			delete(r.entries, subject)
		}
	}
	r.metrics.LocalSubjects.Set(float64(len(r.entries)))
}

// Publish forwards a client payload to the backbone.
func (r *Router) Publish(ctx context.Context, subject string, data []byte) error {
	if err := r.bus.Publish(ctx, subject, data); err != nil {
		r.metrics.PublishesTotal.WithLabelValues("error").Inc()
		return err
	}
	r.metrics.PublishesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Resubscribe re-opens every tracked backbone subscription. Registered as a
// reconnect listener so interests survive a broker restart.
func (r *Router) Resubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, e := range r.entries {
		sub, err := r.bus.Subscribe(subject, r.handlerFor(subject))
		if err != nil {
			r.logger.Error("resubscribe failed", "subject", subject, "error", err)
			continue
		}
		e.sub = sub
	}
	r.logger.Info("backbone interests restored", "subjects", len(r.entries))
}

// Subjects returns the subjects with at least one local subscriber.
func (r *Router) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	return out
}

// handlerFor binds a backbone handler to the subscribed subject or pattern,
// so wildcard subscriptions find their entry even though messages arrive on
// narrower concrete subjects.
func (r *Router) handlerFor(subscribed string) backbone.Handler {
	return func(subject string, data []byte) {
		r.dispatch(subscribed, subject, data)
	}
}

// dispatch wraps a backbone message in the delivery envelope and hands it to
// every local subscriber of the matching interest. The envelope carries the
// concrete subject the message arrived on.
func (r *Router) dispatch(subscribed, subject string, data []byte) {
	r.mu.Lock()
	e, ok := r.entries[subscribed]
	r.mu.Unlock()
	if !ok {
		return
	}

	payload := data
	if !json.Valid(payload) {
		// Non-JSON payloads are forwarded as a JSON string.
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return
		}
		payload = quoted
	}

	frame, err := json.Marshal(Envelope{
		Type:      "message",
		Subject:   subject,
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logger.Error("envelope marshal failed", "subject", subject, "error", err)
		return
	}

	e.mu.RLock()
	targets := make([]Sender, 0, len(e.senders))
	for _, s := range e.senders {
		targets = append(targets, s)
	}
	e.mu.RUnlock()

	for _, s := range targets {
		if s.Deliver(frame) {
			r.metrics.DeliveriesTotal.Inc()
		} else {
			r.metrics.DroppedDeliveries.Inc()
			r.logger.Warn("delivery dropped, slow consumer", "subject", subject, "principal", s.PrincipalID())
		}
	}
}
