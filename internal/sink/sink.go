package sink

import (
	"context"
	"errors"
	"fmt"

	"lobfeed/internal/exchange"
	"lobfeed/internal/metrics"
	"lobfeed/internal/orderbook"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoSnapshot is returned when a book has no stored snapshot yet
var ErrNoSnapshot = errors.New("no snapshot")

// Sink receives rendered snapshots
type Sink interface {
	Name() string
	Publish(ctx context.Context, snap orderbook.Snapshot) error
	Close() error
}

// Key identifies a book in sinks that index by instrument
func Key(name exchange.ExchangeName, symbol string) string {
	return fmt.Sprintf("%s:%s", name, symbol)
}

// Dispatcher decouples rendering from publishing. Publish never blocks the
// book goroutine: when the buffer is full the snapshot is dropped and counted.
type Dispatcher struct {
	in    chan orderbook.Snapshot
	sinks []Sink
	log   zerolog.Logger
}

// NewDispatcher creates a dispatcher fanning out to sinks
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Dispatcher{
		in:    make(chan orderbook.Snapshot, buffer),
		sinks: sinks,
		log:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Publish queues a snapshot, reporting false when it was dropped
func (d *Dispatcher) Publish(snap orderbook.Snapshot) bool {
	select {
	case d.in <- snap:
		return true
	default:
		metrics.SnapshotsDroppedTotal.WithLabelValues(string(snap.Exchange), snap.Symbol).Inc()
		return false
	}
}

// Run delivers queued snapshots to every sink until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-d.in:
			d.deliver(ctx, snap)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, snap orderbook.Snapshot) {
	for _, s := range d.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			d.log.Warn().Err(err).
				Str("sink", s.Name()).
				Str("exchange", string(snap.Exchange)).
				Str("symbol", snap.Symbol).
				Msg("Publish failed")
		}
	}
}

// Close closes every sink
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
