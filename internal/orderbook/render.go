package orderbook

import (
	"errors"
	"fmt"
	"time"

	"lobfeed/internal/exchange"

	"github.com/shopspring/decimal"
)

var (
	// ErrOneSidedBook is returned by RenderBook when either side is empty
	ErrOneSidedBook = errors.New("cannot render a one-sided book")
	// ErrWarmingUp is returned when the book is being rebuilt
	ErrWarmingUp = errors.New("book is warming up")
)

// DefaultDepth is the number of levels rendered per side
const DefaultDepth = 15

// RenderConfig controls the rendered vector
type RenderConfig struct {
	Depth            int
	IncludeOrderFlow bool
}

func (c RenderConfig) withDefaults() RenderConfig {
	if c.Depth <= 0 {
		c.Depth = DefaultDepth
	}
	return c
}

// Width returns the vector length
func (c RenderConfig) Width() int {
	c = c.withDefaults()
	if c.IncludeOrderFlow {
		return 2 + 2*c.Depth*5
	}
	return 2 + 2*c.Depth*2
}

// ColumnNames names every vector element in order
func ColumnNames(cfg RenderConfig) []string {
	cfg = cfg.withDefaults()
	features := []string{"distance", "notional"}
	if cfg.IncludeOrderFlow {
		features = []string{"distance", "notional", "cancel_notional", "limit_notional", "market_notional"}
	}
	names := make([]string, 0, cfg.Width())
	for _, side := range []string{"bids", "asks"} {
		for _, feature := range features {
			for i := 0; i < cfg.Depth; i++ {
				names = append(names, fmt.Sprintf("%s_%s_%d", side, feature, i))
			}
		}
	}
	return append(names, "buys", "sells")
}

// Snapshot is one rendered observation of a book
type Snapshot struct {
	Exchange exchange.ExchangeName `json:"exchange"`
	Symbol   string                `json:"symbol"`
	Time     time.Time             `json:"time"`
	Sequence int64                 `json:"sequence"`
	Midpoint float64               `json:"midpoint"`
	Spread   float64               `json:"spread"`
	Vector   []float64             `json:"vector"`
}

// RenderBook renders the book into a fixed-width vector and resets the flow and
// trade trackers. Nothing is reset when rendering fails.
func (ob *OrderBook) RenderBook(at time.Time) (Snapshot, error) {
	if ob.warmingUp {
		return Snapshot{}, ErrWarmingUp
	}
	bestBid, okBid := ob.bids.Best()
	bestAsk, okAsk := ob.asks.Best()
	if !okBid || !okAsk {
		return Snapshot{}, ErrOneSidedBook
	}

	midpoint := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	depth := ob.cfg.Depth
	bids := ob.bids.Render(midpoint, depth)
	asks := ob.asks.Render(midpoint, depth)

	vector := make([]float64, 0, ob.cfg.Width())
	for _, r := range []SideRender{bids, asks} {
		vector = append(vector, r.Distance...)
		vector = append(vector, r.Notional...)
		if ob.cfg.IncludeOrderFlow {
			vector = append(vector, r.Cancel...)
			vector = append(vector, r.Limit...)
			vector = append(vector, r.Market...)
		}
	}
	vector = append(vector, ob.buyNotional.InexactFloat64(), ob.sellNotional.InexactFloat64())

	ob.buyNotional = decimal.Zero
	ob.sellNotional = decimal.Zero

	return Snapshot{
		Exchange: ob.exchange,
		Symbol:   ob.symbol,
		Time:     at,
		Sequence: ob.sequence,
		Midpoint: midpoint.InexactFloat64(),
		Spread:   bestAsk.Sub(bestBid).InexactFloat64(),
		Vector:   vector,
	}, nil
}
