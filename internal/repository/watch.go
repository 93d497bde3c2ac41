package repository

import (
	"context"
	"sync"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
)

// Broadcaster fans record snapshots out to Watch subscribers.
// A subscriber holds at most one undelivered snapshot; a newer one replaces it.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan []model.Record]struct{}
	closed bool
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []model.Record]struct{})}
}

// Subscribe registers a subscriber primed with the initial snapshot.
// The channel is closed when ctx is done or the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, initial []model.Record) (<-chan []model.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.ErrClosed
	}
	ch := make(chan []model.Record, 1)
	ch <- initial
	b.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Publish delivers snapshot to every subscriber without blocking.
func (b *Broadcaster) Publish(snapshot []model.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
			// drop the stale unread snapshot
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

// Close ends every subscription. Later Subscribe calls fail with errs.ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
