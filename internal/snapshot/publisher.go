// Package snapshot owns the latest-snapshot singleton and its fan-out to
// dashboard subscribers.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/posdesk/posdesk/internal/domain"
)

// DefaultSubscriberBuffer bounds each subscriber's channel.
const DefaultSubscriberBuffer = 8

// Publisher holds the latest snapshot behind an atomic pointer and fans new
// snapshots out to subscribers. The ingestion loop is the single writer;
// readers only ever observe a fully built snapshot.
type Publisher struct {
	latest atomic.Pointer[domain.Snapshot]

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int

	published atomic.Int64
	dropped   atomic.Int64
}

// NewPublisher creates a publisher whose subscribers each buffer up to
// buffer snapshots.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Publisher{
		subs:   make(map[int]*Subscription),
		buffer: buffer,
	}
}

// Subscription is one dashboard client's bounded snapshot feed.
type Subscription struct {
	C  chan *domain.Snapshot
	id int
	p  *Publisher
}

// Close detaches the subscription. Pending snapshots are discarded.
func (s *Subscription) Close() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if _, ok := s.p.subs[s.id]; ok {
		delete(s.p.subs, s.id)
		close(s.C)
	}
}

// Subscribe registers a new subscriber. The current snapshot, when present,
// is delivered immediately so reconnecting clients resume from the latest
// state without replay.
func (p *Publisher) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		C:  make(chan *domain.Snapshot, p.buffer),
		id: p.nextID,
		p:  p,
	}
	p.nextID++
	p.subs[sub.id] = sub

	if cur := p.latest.Load(); cur != nil {
		sub.C <- cur
	}
	return sub
}

// Publish swaps the latest snapshot by reference and broadcasts it. A full
// subscriber buffer drops its oldest entry; the publisher never blocks on a
// slow client.
func (p *Publisher) Publish(snap *domain.Snapshot) {
	p.latest.Store(snap)
	p.published.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		select {
		case sub.C <- snap:
			continue
		default:
		}
		// Buffer full: evict the oldest buffered snapshot and retry once.
		select {
		case <-sub.C:
			p.dropped.Add(1)
		default:
		}
		select {
		case sub.C <- snap:
		default:
			p.dropped.Add(1)
		}
	}
}

// Latest returns the current snapshot, nil before the first tick.
func (p *Publisher) Latest() *domain.Snapshot {
	return p.latest.Load()
}

// View implements catalog.ViewProvider: the positions view of the latest
// snapshot, nil before the first tick.
func (p *Publisher) View() (*domain.PositionsView, time.Time) {
	if snap := p.latest.Load(); snap != nil {
		return snap.Positions, snap.Timestamp
	}
	return nil, time.Now().UTC()
}

// SubscriberCount returns the number of attached subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Published returns the total snapshots published.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Dropped returns the total snapshots dropped across slow subscribers.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }
