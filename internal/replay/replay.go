package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/logging"
	"lobfeed/internal/orderbook"

	"github.com/rs/zerolog"
)

// Source yields recorded ticks of one instrument in record order
type Source interface {
	Range(ctx context.Context, name exchange.ExchangeName, symbol string, from, to time.Time, fn func(exchange.Tick) error) error
}

// EmitFunc receives each rendered snapshot
type EmitFunc func(orderbook.Snapshot) error

// Result summarises a replay
type Result struct {
	Ticks        int `json:"ticks"`
	Applied      int `json:"applied"`
	Ignored      int `json:"ignored"`
	Resyncs      int `json:"resyncs"`
	Stale        int `json:"stale"`
	Snapshots    int `json:"snapshots"`
	RenderErrors int `json:"render_errors"`
}

// Engine drives an OrderBook from stored ticks and renders it on a synthetic
// clock, producing the snapshots a live interval timer would have produced.
type Engine struct {
	exchange exchange.ExchangeName
	symbol   string
	book     *orderbook.OrderBook
	interval time.Duration

	clock   time.Time
	started bool
	result  Result

	log zerolog.Logger
}

// New creates an engine for one instrument
func New(name exchange.ExchangeName, symbol string, cfg orderbook.RenderConfig, interval time.Duration) (*Engine, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("replay interval must be positive, got %s", interval)
	}
	book, err := orderbook.New(name, symbol, cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		exchange: name,
		symbol:   symbol,
		book:     book,
		interval: interval,
		log:      logging.For("replay", string(name), symbol),
	}, nil
}

// Book returns the replayed book
func (e *Engine) Book() *orderbook.OrderBook { return e.book }

// Result returns the counts so far
func (e *Engine) Result() Result { return e.result }

// Clock returns the time of the last emitted interval boundary
func (e *Engine) Clock() time.Time { return e.clock }

// Step emits the snapshots due before t, then applies t
func (e *Engine) Step(t exchange.Tick, emit EmitFunc) error {
	e.result.Ticks++

	if e.started && !t.Time.IsZero() {
		if t.Time.Before(e.clock) {
			e.result.Stale++
			e.log.Debug().Time("tick_time", t.Time).Time("clock", e.clock).Msg("Tick behind snapshot clock")
		} else {
			for !e.clock.Add(e.interval).After(t.Time) {
				e.clock = e.clock.Add(e.interval)
				if err := e.render(emit); err != nil {
					return err
				}
			}
		}
	}

	switch e.book.NewTick(t) {
	case orderbook.Applied:
		e.result.Applied++
	case orderbook.Ignored:
		e.result.Ignored++
	case orderbook.ResyncRequired:
		e.result.Resyncs++
	}

	if !e.started && e.book.Ready() && !t.Time.IsZero() {
		e.started = true
		e.clock = t.Time.Truncate(e.interval)
		e.log.Info().Time("clock", e.clock).Msg("Book ready, snapshot clock started")
	}
	return nil
}

func (e *Engine) render(emit EmitFunc) error {
	snap, err := e.book.RenderBook(e.clock)
	if err != nil {
		if errors.Is(err, orderbook.ErrWarmingUp) || errors.Is(err, orderbook.ErrOneSidedBook) {
			e.result.RenderErrors++
			return nil
		}
		return err
	}
	e.result.Snapshots++
	return emit(snap)
}

// Replay streams every tick of the engine's instrument in [from, to) through Step
func (e *Engine) Replay(ctx context.Context, src Source, from, to time.Time, emit EmitFunc) (Result, error) {
	err := src.Range(ctx, e.exchange, e.symbol, from, to, func(t exchange.Tick) error {
		return e.Step(t, emit)
	})
	e.log.Info().
		Int("ticks", e.result.Ticks).
		Int("snapshots", e.result.Snapshots).
		Int("stale", e.result.Stale).
		Int("resyncs", e.result.Resyncs).
		Msg("Replay finished")
	return e.result, err
}
