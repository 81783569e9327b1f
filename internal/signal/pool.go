package signal

import (
	"context"
	"sync"

	"github.com/peerdock/peerdock/internal/bus"
)

// publisherPool caches one open publisher per destination topic so that
// repeated sends to the same peer do not churn subscriptions. Close tears
// every cached publisher down; a closed pool refuses further lookups.
type publisherPool struct {
	bus     bus.Bus
	mu      sync.Mutex
	byTopic map[string]bus.Publisher
	closed  bool
}

func newPublisherPool(b bus.Bus) *publisherPool {
	return &publisherPool{bus: b, byTopic: make(map[string]bus.Publisher)}
}

func (p *publisherPool) get(ctx context.Context, topic string) (bus.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, bus.ErrClosed
	}
	if pub, ok := p.byTopic[topic]; ok {
		return pub, nil
	}
	pub, err := p.bus.Publisher(ctx, topic)
	if err != nil {
		return nil, err
	}
	p.byTopic[topic] = pub
	return pub, nil
}

func (p *publisherPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for topic, pub := range p.byTopic {
		pub.Close()
		delete(p.byTopic, topic)
	}
}
