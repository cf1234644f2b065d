package orderbook

import (
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/logging"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Outcome of applying one tick
type Outcome int

const (
	Applied Outcome = iota
	Ignored
	// ResyncRequired means the book diverged from the venue and is warming up again
	ResyncRequired
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	default:
		return "resync_required"
	}
}

// Stats holds statistical information about the order book
type Stats struct {
	EventsProcessed int64           `json:"events_processed"`
	LastEventTime   time.Time       `json:"last_event_time"`
	Sequence        int64           `json:"sequence"`
	WarmingUp       bool            `json:"warming_up"`
	BidLevels       int             `json:"bid_levels"`
	AskLevels       int             `json:"ask_levels"`
	BidOrders       int             `json:"bid_orders"`
	AskOrders       int             `json:"ask_orders"`
	BestBid         decimal.Decimal `json:"best_bid"`
	BestAsk         decimal.Decimal `json:"best_ask"`
	Spread          decimal.Decimal `json:"spread"`
}

// Depth is a read-only view of the top of both sides
type Depth struct {
	Exchange exchange.ExchangeName `json:"exchange"`
	Symbol   string                `json:"symbol"`
	Bids     []LevelView           `json:"bids"`
	Asks     []LevelView           `json:"asks"`
	Stats    Stats                 `json:"stats"`
}

// OrderBook is an order-id book for one instrument. It is not safe for
// concurrent use: exactly one goroutine applies ticks and renders.
type OrderBook struct {
	exchange exchange.ExchangeName
	symbol   string
	cfg      RenderConfig
	guard    SequenceGuard

	bids *Side
	asks *Side

	sequence  int64
	warmingUp bool

	buyNotional  decimal.Decimal
	sellNotional decimal.Decimal

	eventsProcessed int64
	lastEventTime   time.Time

	log zerolog.Logger
}

// New creates an empty, warming-up book for an instrument
func New(name exchange.ExchangeName, symbol string, cfg RenderConfig) (*OrderBook, error) {
	guard, err := NewGuard(name)
	if err != nil {
		return nil, err
	}
	logger := logging.For("orderbook", string(name), symbol)
	return &OrderBook{
		exchange:  name,
		symbol:    symbol,
		cfg:       cfg.withDefaults(),
		guard:     guard,
		bids:      NewSide(exchange.Buy, logger),
		asks:      NewSide(exchange.Sell, logger),
		warmingUp: true,
		log:       logger,
	}, nil
}

// NewTick applies one canonical tick
func (ob *OrderBook) NewTick(t exchange.Tick) Outcome {
	ob.eventsProcessed++
	if !t.Time.IsZero() {
		ob.lastEventTime = t.Time
	}

	switch {
	case t.IsControl():
		ob.logControl(t)
		return Ignored
	case t.IsMarker():
		ob.applyMarker(t)
		return Applied
	}

	switch ob.guard.Admit(ob.sequence, t) {
	case Stale:
		ob.log.Debug().Int64("sequence", t.Sequence).Int64("current", ob.sequence).Msg("Stale tick, ignoring")
		return Ignored
	case Gap:
		ob.warmingUp = true
		ob.log.Warn().Int64("sequence", t.Sequence).Int64("current", ob.sequence).Msg("Sequence gap, resync required")
		return ResyncRequired
	}
	if ob.guard.Sequenced() {
		ob.sequence = t.Sequence
	}

	side := ob.side(t.Side)
	switch t.Type {
	case exchange.TickOpen:
		if side == nil || !side.InsertOrder(t) {
			return Ignored
		}
	case exchange.TickUpdate:
		if side == nil {
			return Ignored
		}
		if side.Has(t.OrderID) {
			side.Change(t)
		} else {
			side.InsertOrder(t)
		}
	case exchange.TickDone:
		if side == nil || !side.RemoveOrder(t) {
			return ob.indexMiss(t)
		}
	case exchange.TickChange:
		if side == nil || !side.Change(t) {
			return ob.indexMiss(t)
		}
	case exchange.TickMatch:
		if side == nil {
			return Ignored
		}
		ob.match(side, t)
	default:
		return Ignored
	}
	return Applied
}

// LoadBook replaces the book with a full snapshot
func (ob *OrderBook) LoadBook(snapshot *exchange.BookSnapshot) {
	for _, t := range snapshot.Ticks() {
		ob.NewTick(t)
	}
}

// ClearBook empties both sides and marks the book as warming up
func (ob *OrderBook) ClearBook() {
	ob.bids.Clear()
	ob.asks.Clear()
	ob.buyNotional = decimal.Zero
	ob.sellNotional = decimal.Zero
	ob.sequence = 0
	ob.warmingUp = true
}

// Ready reports whether a full snapshot has been loaded since the last gap
func (ob *OrderBook) Ready() bool {
	return !ob.warmingUp
}

// Sequence returns the last applied sequence number
func (ob *OrderBook) Sequence() int64 {
	return ob.sequence
}

// Recovery returns how this book resyncs after a gap
func (ob *OrderBook) Recovery() Recovery {
	return ob.guard.Recovery()
}

// Bids returns the bid side
func (ob *OrderBook) Bids() *Side { return ob.bids }

// Asks returns the ask side
func (ob *OrderBook) Asks() *Side { return ob.asks }

// Depth returns the first n levels of each side (all when n <= 0)
func (ob *OrderBook) Depth(n int) Depth {
	return Depth{
		Exchange: ob.exchange,
		Symbol:   ob.symbol,
		Bids:     ob.bids.Levels(n),
		Asks:     ob.asks.Levels(n),
		Stats:    ob.Stats(),
	}
}

// Stats returns the current statistics
func (ob *OrderBook) Stats() Stats {
	stats := Stats{
		EventsProcessed: ob.eventsProcessed,
		LastEventTime:   ob.lastEventTime,
		Sequence:        ob.sequence,
		WarmingUp:       ob.warmingUp,
		BidLevels:       ob.bids.Len(),
		AskLevels:       ob.asks.Len(),
		BidOrders:       ob.bids.OrderCount(),
		AskOrders:       ob.asks.OrderCount(),
	}
	bestBid, okBid := ob.bids.Best()
	bestAsk, okAsk := ob.asks.Best()
	stats.BestBid = bestBid
	stats.BestAsk = bestAsk
	if okBid && okAsk && bestAsk.GreaterThan(bestBid) {
		stats.Spread = bestAsk.Sub(bestBid)
	}
	return stats
}

// match updates the resting side and the aggressor's trade tracker.
// A resting bid is hit by a sell aggressor and a resting ask is lifted by a buyer.
func (ob *OrderBook) match(side *Side, t exchange.Tick) {
	side.Match(t)
	notional := t.Size.Mul(t.Price)
	if t.Side == exchange.Buy {
		ob.sellNotional = ob.sellNotional.Add(notional)
	} else {
		ob.buyNotional = ob.buyNotional.Add(notional)
	}
}

func (ob *OrderBook) applyMarker(t exchange.Tick) {
	switch t.Type {
	case exchange.TickLoadBook:
		ob.ClearBook()
		ob.sequence = t.Sequence
		ob.log.Info().Int64("sequence", t.Sequence).Msg("Loading book")
	case exchange.TickPreload:
		if side := ob.side(t.Side); side != nil {
			side.InsertOrder(t)
		}
	case exchange.TickBookLoaded:
		ob.warmingUp = false
		ob.log.Info().
			Int64("sequence", ob.sequence).
			Int("bid_levels", ob.bids.Len()).
			Int("ask_levels", ob.asks.Len()).
			Msg("Book loaded")
	}
}

// indexMiss handles a tick for an order the book does not hold. Books that
// recover by reconnecting drop their contents until the venue resends them.
func (ob *OrderBook) indexMiss(t exchange.Tick) Outcome {
	if !ob.guard.StrictIndex() {
		return Ignored
	}
	ob.log.Warn().Str("type", string(t.Type)).Str("order_id", t.OrderID).Msg("Unknown order id, resync required")
	ob.warmingUp = true
	if ob.guard.Recovery() == RecoverReconnect {
		ob.ClearBook()
	}
	return ResyncRequired
}

func (ob *OrderBook) logControl(t exchange.Tick) {
	switch t.Type {
	case exchange.TickError:
		ob.log.Warn().Str("message", t.Message).Msg("Venue error")
	case exchange.TickHeartbeat:
		ob.log.Trace().Int64("sequence", t.Sequence).Msg("Heartbeat")
	default:
		ob.log.Info().Str("type", string(t.Type)).Str("message", t.Message).Msg("Venue event")
	}
}

func (ob *OrderBook) side(s exchange.Side) *Side {
	switch s {
	case exchange.Buy:
		return ob.bids
	case exchange.Sell:
		return ob.asks
	default:
		return nil
	}
}
