// Package events distributes ledger merge results to in-process subscribers
// and external brokers.
package events

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/domain"
)

// MergeEvent announces trades newly inserted into the ledger.
type MergeEvent struct {
	BatchID    string         `json:"batch_id"`
	Version    uint64         `json:"ledger_version"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Trades     []domain.Trade `json:"trades"`
	MergedAt   time.Time      `json:"merged_at"`
}

// Publisher delivers merge events somewhere.
type Publisher interface {
	Publish(ctx context.Context, event MergeEvent) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event MergeEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(stderrors.Join(errs...), "publish merge event")
}

// MergeBroadcaster fans out merge events to all subscribers via buffered channels.
type MergeBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan MergeEvent]struct{}
	buffer int
}

// NewMergeBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewMergeBroadcaster(buffer int) *MergeBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &MergeBroadcaster{
		subs:   make(map[chan MergeEvent]struct{}),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping it for slow readers.
func (b *MergeBroadcaster) Publish(_ context.Context, event MergeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// drop slow consumer
		}
	}
	return nil
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *MergeBroadcaster) Subscribe() chan MergeEvent {
	ch := make(chan MergeEvent, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *MergeBroadcaster) Unsubscribe(ch chan MergeEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (b *MergeBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
