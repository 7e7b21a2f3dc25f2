package broker

import (
	"context"
	"sync"

	"notifyhub/module/notify/model"
)

// memBroker delivers in-process. Used by tests and single-instance runs
// where a real broker would only add a network hop.
type memBroker struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

func NewMem() Broker {
	return &memBroker{}
}

func (b *memBroker) Publish(ctx context.Context, n *model.Notification) error {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers))
	copy(hs, b.handlers)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil
	}
	cp := *n
	for _, h := range hs {
		h(ctx, &cp)
	}
	return nil
}

func (b *memBroker) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	return nil
}

func (b *memBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
