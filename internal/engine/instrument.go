package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/logging"
	"lobfeed/internal/metrics"
	"lobfeed/internal/orderbook"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownInstrument is returned for an exchange/symbol pair that is not running
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrStopped is returned by queries against an instrument that is no longer running
	ErrStopped = errors.New("instrument stopped")
)

// Recorder persists ticks in the order they are applied
type Recorder interface {
	Record(ticks ...exchange.Tick) error
}

// Publisher receives rendered snapshots. It must not block.
type Publisher interface {
	Publish(snap orderbook.Snapshot) bool
}

// InstrumentConfig configures one book and its feed
type InstrumentConfig struct {
	Render    orderbook.RenderConfig
	Interval  time.Duration
	QueueSize int
	Connector exchange.ConnectorConfig
}

type envelopeKind int

const (
	envEvent envelopeKind = iota
	envRender
	envDepth
)

// envelope is one unit of work for the book goroutine
type envelope struct {
	kind   envelopeKind
	event  exchange.Event
	at     time.Time
	levels int
	reply  chan orderbook.Depth
}

// InstrumentHealth describes one running instrument
type InstrumentHealth struct {
	Exchange      exchange.ExchangeName `json:"exchange"`
	Symbol        string                `json:"symbol"`
	State         string                `json:"state"`
	Retries       int                   `json:"retries"`
	Ready         bool                  `json:"ready"`
	Sequence      int64                 `json:"sequence"`
	LastRender    time.Time             `json:"last_render"`
	LastSubscribe time.Time             `json:"last_subscribe"`
	Connection    exchange.HealthStatus `json:"connection"`
}

// Instrument owns one order book. A single goroutine drains the mailbox and is
// the only writer of the book; the connector, the render timer and depth
// queries all post envelopes to it.
type Instrument struct {
	venue     exchange.Venue
	fetcher   exchange.SnapshotFetcher
	book      *orderbook.OrderBook
	connector *exchange.Connector
	recorder  Recorder
	publisher Publisher
	interval  time.Duration

	mailbox chan envelope
	stopped chan struct{}

	// owned by the book goroutine
	awaitingReconnect bool
	session           string

	ready      atomic.Bool
	sequence   atomic.Int64
	lastRender atomic.Int64

	log zerolog.Logger
}

// NewInstrument wires a venue to a fresh book. recorder and publisher may be nil.
// Venues that implement exchange.SnapshotFetcher are loaded from REST snapshots.
func NewInstrument(venue exchange.Venue, cfg InstrumentConfig, recorder Recorder, publisher Publisher) (*Instrument, error) {
	book, err := orderbook.New(venue.Name(), venue.Symbol(), cfg.Render)
	if err != nil {
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	in := &Instrument{
		venue:     venue,
		book:      book,
		recorder:  recorder,
		publisher: publisher,
		interval:  interval,
		mailbox:   make(chan envelope, queueSize),
		stopped:   make(chan struct{}),
		log:       logging.For("instrument", string(venue.Name()), venue.Symbol()),
	}
	if fetcher, ok := venue.(exchange.SnapshotFetcher); ok {
		in.fetcher = fetcher
	}
	in.connector = exchange.NewConnector(venue, cfg.Connector, in.post)
	return in, nil
}

// Exchange returns the venue name
func (in *Instrument) Exchange() exchange.ExchangeName { return in.venue.Name() }

// Symbol returns the venue symbol
func (in *Instrument) Symbol() string { return in.venue.Symbol() }

// Run streams until ctx is done (returns nil) or the connector gives up.
// Envelopes still queued on return are discarded.
func (in *Instrument) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumer := make(chan struct{})
	go func() {
		defer close(consumer)
		in.consume(ctx)
	}()
	go in.renderLoop(ctx)

	err := in.connector.Run(ctx)
	cancel()
	<-consumer
	close(in.stopped)
	in.discard()
	return err
}

// post is the connector's emitter. It blocks while the mailbox is full.
func (in *Instrument) post(ctx context.Context, ev exchange.Event) error {
	select {
	case in.mailbox <- envelope{kind: envEvent, event: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Instrument) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			select {
			case in.mailbox <- envelope{kind: envRender, at: at.UTC()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (in *Instrument) consume(ctx context.Context) {
	gauge := metrics.QueueDepth.WithLabelValues(string(in.venue.Name()), in.venue.Symbol())
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-in.mailbox:
			gauge.Set(float64(len(in.mailbox)))
			in.handle(ctx, env)
			in.ready.Store(in.book.Ready())
			in.sequence.Store(in.book.Sequence())
		}
	}
}

func (in *Instrument) handle(ctx context.Context, env envelope) {
	switch env.kind {
	case envEvent:
		switch env.event.Kind {
		case exchange.EventStreaming:
			in.onStreaming(ctx, env.event.Session)
		case exchange.EventTicks:
			if env.event.Session != in.session {
				in.log.Debug().Str("session", env.event.Session).Msg("Dropping ticks from a previous session")
				return
			}
			in.onTicks(ctx, env.event.Ticks)
		}
	case envRender:
		in.render(env.at)
	case envDepth:
		env.reply <- in.book.Depth(env.levels)
	}
}

func (in *Instrument) onStreaming(ctx context.Context, session string) {
	in.session = session
	in.awaitingReconnect = false
	if in.fetcher == nil {
		// the venue sends its own snapshot right after subscribing
		in.book.ClearBook()
		return
	}
	if err := in.loadSnapshot(ctx); err != nil {
		in.log.Warn().Err(err).Str("session", session).Msg("Snapshot fetch failed, reconnecting")
		in.awaitingReconnect = true
		in.connector.Reconnect()
	}
}

func (in *Instrument) onTicks(ctx context.Context, ticks []exchange.Tick) {
	if in.awaitingReconnect {
		return
	}
	for i, t := range ticks {
		in.record(t)
		outcome := in.book.NewTick(t)
		metrics.TicksTotal.WithLabelValues(string(in.venue.Name()), in.venue.Symbol(), outcome.String()).Inc()
		if outcome != orderbook.ResyncRequired {
			continue
		}
		in.resync(ctx)
		if in.awaitingReconnect {
			in.log.Debug().Int("dropped", len(ticks)-i-1).Msg("Dropping rest of frame until reconnect")
			return
		}
	}
}

// resync recovers a diverged book the way its venue requires
func (in *Instrument) resync(ctx context.Context) {
	recovery := in.book.Recovery()
	metrics.ResyncsTotal.WithLabelValues(string(in.venue.Name()), in.venue.Symbol(), recovery.String()).Inc()

	if recovery == orderbook.RecoverSnapshot && in.fetcher != nil {
		err := in.loadSnapshot(ctx)
		if err == nil {
			return
		}
		in.log.Warn().Err(err).Msg("Snapshot resync failed, falling back to reconnect")
	}

	in.log.Info().Str("recovery", recovery.String()).Msg("Resyncing by reconnect")
	in.book.ClearBook()
	in.awaitingReconnect = true
	in.connector.Unsubscribe()
	in.connector.Reconnect()
}

// loadSnapshot fetches a REST snapshot and applies it as marker ticks
func (in *Instrument) loadSnapshot(ctx context.Context) error {
	snapshot, err := in.fetcher.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	ticks := snapshot.Ticks()
	if in.recorder != nil {
		if err := in.recorder.Record(ticks...); err != nil {
			in.log.Warn().Err(err).Msg("Failed to record snapshot")
		}
	}
	for _, t := range ticks {
		in.book.NewTick(t)
	}
	return nil
}

func (in *Instrument) record(t exchange.Tick) {
	if in.recorder == nil {
		return
	}
	if err := in.recorder.Record(t); err != nil {
		in.log.Warn().Err(err).Msg("Failed to record tick")
	}
}

func (in *Instrument) render(at time.Time) {
	if !in.book.Ready() {
		return
	}
	snap, err := in.book.RenderBook(at)
	if err != nil {
		in.log.Debug().Err(err).Msg("Render skipped")
		return
	}
	name, symbol := string(in.venue.Name()), in.venue.Symbol()
	metrics.RendersTotal.WithLabelValues(name, symbol).Inc()
	metrics.BookLevels.WithLabelValues(name, symbol, "bids").Set(float64(in.book.Bids().Len()))
	metrics.BookLevels.WithLabelValues(name, symbol, "asks").Set(float64(in.book.Asks().Len()))
	in.lastRender.Store(at.UnixNano())
	if in.publisher != nil {
		in.publisher.Publish(snap)
	}
}

// discard drops envelopes left in the mailbox after the book goroutine stopped
func (in *Instrument) discard() {
	dropped := 0
	for {
		select {
		case env := <-in.mailbox:
			if env.kind == envDepth {
				close(env.reply)
			}
			dropped++
		default:
			if dropped > 0 {
				in.log.Info().Int("envelopes", dropped).Msg("Discarded queued envelopes on shutdown")
			}
			return
		}
	}
}

// Depth returns the top n levels of both sides (all when n <= 0), read on the book goroutine
func (in *Instrument) Depth(ctx context.Context, n int) (orderbook.Depth, error) {
	reply := make(chan orderbook.Depth, 1)
	select {
	case in.mailbox <- envelope{kind: envDepth, levels: n, reply: reply}:
	case <-in.stopped:
		return orderbook.Depth{}, ErrStopped
	case <-ctx.Done():
		return orderbook.Depth{}, ctx.Err()
	}
	select {
	case depth, ok := <-reply:
		if !ok {
			return orderbook.Depth{}, ErrStopped
		}
		return depth, nil
	case <-in.stopped:
		return orderbook.Depth{}, ErrStopped
	case <-ctx.Done():
		return orderbook.Depth{}, ctx.Err()
	}
}

// Health reports the connector and book state
func (in *Instrument) Health() InstrumentHealth {
	h := InstrumentHealth{
		Exchange:      in.venue.Name(),
		Symbol:        in.venue.Symbol(),
		State:         in.connector.State().String(),
		Retries:       in.connector.Retries(),
		Ready:         in.ready.Load(),
		Sequence:      in.sequence.Load(),
		LastSubscribe: in.connector.LastSubscribe(),
		Connection:    in.connector.Health(),
	}
	if nanos := in.lastRender.Load(); nanos != 0 {
		h.LastRender = time.Unix(0, nanos).UTC()
	}
	return h
}
