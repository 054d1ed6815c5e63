package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned by MemoryBus.Send after Close.
var ErrBusClosed = errors.New("transport: bus closed")

// MemoryBus is an in-process Sender and Consumer backed by a buffered channel.
//
// It keeps a copy of every envelope it accepted, which makes it useful in
// tests. Failed deliveries are counted and dropped; nothing survives a restart.
type MemoryBus struct {
	queue  chan *Envelope
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	sent   []*Envelope
	failed int
	closed bool
}

// NewMemoryBus creates a bus that buffers up to size envelopes.
func NewMemoryBus(size int) *MemoryBus {
	if size < 1 {
		size = 1
	}
	return &MemoryBus{
		queue:  make(chan *Envelope, size),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (b *MemoryBus) WithLogger(logger *slog.Logger) *MemoryBus {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Send enqueues a copy of env, blocking while the buffer is full.
func (b *MemoryBus) Send(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	cp := env.Clone()
	b.sent = append(b.sent, cp)
	b.mu.Unlock()

	select {
	case b.queue <- cp:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers queued envelopes to handler until ctx is done or the bus is closed.
func (b *MemoryBus) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-b.queue:
			b.deliver(ctx, handler, env)
		case <-b.done:
			for {
				select {
				case env := <-b.queue:
					b.deliver(ctx, handler, env)
				default:
					return nil
				}
			}
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, handler Handler, env *Envelope) {
	if err := handler(ctx, env); err != nil {
		b.mu.Lock()
		b.failed++
		b.mu.Unlock()
		b.logger.Warn("in-memory delivery failed",
			"type", env.Type,
			"message_id", env.Header(HeaderMessageID),
			"error", err)
	}
}

// Sent returns every envelope accepted so far, in order.
func (b *MemoryBus) Sent() []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Envelope, len(b.sent))
	copy(out, b.sent)
	return out
}

// Failed returns the number of deliveries the handler rejected.
func (b *MemoryBus) Failed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// Close stops accepting envelopes. Consume returns once the buffer drains.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

var (
	_ Sender   = (*MemoryBus)(nil)
	_ Consumer = (*MemoryBus)(nil)
)
