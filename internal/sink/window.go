package sink

import (
	"context"
	"fmt"
	"sync"

	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"

	"github.com/gammazero/deque"
)

// Window keeps the most recent snapshots of every book in memory
type Window struct {
	size int

	mu    sync.RWMutex
	books map[string]*deque.Deque[orderbook.Snapshot]
}

// NewWindow keeps up to size snapshots per book
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{size: size, books: make(map[string]*deque.Deque[orderbook.Snapshot])}
}

func (w *Window) Name() string { return "window" }

// Publish appends a snapshot, evicting the oldest when full
func (w *Window) Publish(_ context.Context, snap orderbook.Snapshot) error {
	key := Key(snap.Exchange, snap.Symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.books[key]
	if !ok {
		q = &deque.Deque[orderbook.Snapshot]{}
		w.books[key] = q
	}
	q.PushBack(snap)
	for q.Len() > w.size {
		q.PopFront()
	}
	return nil
}

// Recent returns up to n snapshots of a book, oldest first
func (w *Window) Recent(name exchange.ExchangeName, symbol string, n int) []orderbook.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	q, ok := w.books[Key(name, symbol)]
	if !ok {
		return nil
	}
	if n <= 0 || n > q.Len() {
		n = q.Len()
	}
	out := make([]orderbook.Snapshot, 0, n)
	for i := q.Len() - n; i < q.Len(); i++ {
		out = append(out, q.At(i))
	}
	return out
}

// Latest returns the newest snapshot of a book
func (w *Window) Latest(_ context.Context, name exchange.ExchangeName, symbol string) (orderbook.Snapshot, error) {
	recent := w.Recent(name, symbol, 1)
	if len(recent) == 0 {
		return orderbook.Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, Key(name, symbol))
	}
	return recent[0], nil
}

func (w *Window) Close() error { return nil }
