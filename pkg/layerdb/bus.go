package layerdb

import (
	"context"
	"sync"
)

// Bus replicates events between LayerDb instances.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe delivers events to fn until ctx is done. It returns once the
	// subscription is established.
	Subscribe(ctx context.Context, fn func(Event)) error
}

// MemoryBus delivers events synchronously to in-process subscribers. Several
// LayerDb instances sharing one MemoryBus behave like replicas.
type MemoryBus struct {
	mu        sync.RWMutex
	nextID    int
	subs      map[int]func(Event)
	published []Event
	// publishErr, when set, fails every publish.
	publishErr error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]func(Event))}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, e)
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, fn func(Event)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

// SetPublishErr makes every following Publish fail with err. Nil clears.
func (b *MemoryBus) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published returns a copy of every event published so far.
func (b *MemoryBus) Published() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.published...)
}
