// Package backbone wraps the subject-based message bus every gateway node
// attaches to. The gateway is a thin edge: all cross-node fan-out happens on
// the backbone, never peer to peer between nodes.
package backbone

import (
	"context"
	"time"
)

// Handler receives a message delivered on a subscribed subject. The subject
// argument carries the concrete subject the message arrived on, which may be
// narrower than the subscribed pattern.
type Handler func(subject string, data []byte)

// Subscription is a live interest registration on the bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract the router and presence monitor build on.
// Implementations must tolerate broker restarts transparently.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, h Handler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	Connected() bool
	Close()
}
