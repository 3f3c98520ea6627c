package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 256

// Memory is an in-process pub/sub hub keyed by channel name.
type Memory struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu        sync.Mutex
	subs      map[string]map[int]chan Message
	nextSubID int
	closed    bool

	buffer int
	logger *slog.Logger
}

// NewMemory creates a hub whose subscribers each buffer up to buffer messages.
func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:   make(map[string]map[int]chan Message),
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers payload to every live subscriber of channel.
// Publishing with no subscribers succeeds and the message is lost.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Channel: channel, Err: err}
	}

	msg := Message{
		ID:      m.nextID.Add(1),
		Channel: channel,
		Payload: append([]byte(nil), payload...),
		At:      time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &TransportError{Op: "publish", Channel: channel, Err: ErrClosed}
	}

	for id, ch := range m.subs[channel] {
		// Slow subscribers never block producers.
		select {
		case ch <- msg:
		default:
			m.dropped.Add(1)
			m.logger.Warn("subscriber buffer full, message dropped",
				"channel", channel, "subscriber", id, "message_id", msg.ID)
		}
	}
	return nil
}

// Subscribe registers a subscriber on channel. The subscription ends when ctx is done
// or Close is called.
func (m *Memory) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &TransportError{Op: "subscribe", Channel: channel, Err: ErrClosed}
	}

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Message, m.buffer)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan Message)
	}
	m.subs[channel][id] = ch
	m.mu.Unlock()

	done := make(chan struct{})
	sub := newSubscription(ch, func() {
		close(done)
		m.unsubscribe(channel, id)
	})
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-done:
		}
	}()
	return sub, nil
}

func (m *Memory) unsubscribe(channel string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.subs[channel][id]; ok {
		delete(m.subs[channel], id)
		close(c)
	}
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
}

// Subscribers returns the number of live subscribers on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// Dropped returns the number of messages lost to full subscriber buffers.
func (m *Memory) Dropped() int64 {
	return m.dropped.Load()
}

// Close ends every subscription and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}
