// Package bus carries protocol envelopes between the control process and executors.
//
// Delivery is at-most-once: a message reaches only the subscribers live on its channel at
// publish time. There is no acknowledgement, persistence, or replay. A subscriber whose buffer
// is full loses the message.
//
// Two transports are provided:
//   - Memory: an in-process hub, used when executors run inside the control process and as the
//     backing store for the control API's /bus endpoints.
//   - Remote: an HTTP client for those endpoints (POST to publish, SSE to subscribe), used by
//     executors running on another host.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Message is one payload delivered on a channel.
type Message struct {
	ID      int64
	Channel string
	Payload []byte
	At      time.Time
}

// Publisher publishes payloads on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber opens subscriptions on a named channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
}

// Bus is a publish/subscribe transport.
type Bus interface {
	Publisher
	Subscriber
}

// ErrClosed is returned when publishing or subscribing on a closed transport.
var ErrClosed = errors.New("bus closed")

// TransportError reports a publish or subscribe failure at the transport layer.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus %s %q: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Subscription delivers messages on C until Close is called or its context ends.
// C is closed when the subscription ends.
type Subscription struct {
	C <-chan Message

	once   sync.Once
	cancel func()
}

func newSubscription(c <-chan Message, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}
