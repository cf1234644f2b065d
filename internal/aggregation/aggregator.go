package aggregation

import (
	"fmt"
	"sort"
	"strconv"

	"lobfeed/internal/orderbook"

	"github.com/shopspring/decimal"
)

// TickLevel represents available tick size options for price aggregation
type TickLevel float64

const (
	TickNone TickLevel = 0
	Tick01   TickLevel = 0.1
	Tick1    TickLevel = 1.0
	Tick10   TickLevel = 10.0
	Tick50   TickLevel = 50.0
	Tick100  TickLevel = 100.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	Tick01,
	Tick1,
	Tick10,
	Tick50,
	Tick100,
}

// ParseTickLevel parses a tick size, accepting only the available levels.
// An empty string means no aggregation.
func ParseTickLevel(s string) (TickLevel, error) {
	if s == "" {
		return TickNone, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return TickNone, fmt.Errorf("invalid tick level %q: %w", s, err)
	}
	for _, available := range AvailableTickLevels {
		if float64(available) == f {
			return available, nil
		}
	}
	return TickNone, fmt.Errorf("unsupported tick level %q", s)
}

// Aggregator buckets price levels by tick size
type Aggregator struct {
	currentTick TickLevel
}

// New creates a new Aggregator instance
func New(tick TickLevel) *Aggregator {
	return &Aggregator{
		currentTick: tick,
	}
}

// GetTickLevel returns the current tick level
func (a *Aggregator) GetTickLevel() TickLevel {
	return a.currentTick
}

// Depth aggregates both sides of a depth view. The stats are left untouched.
func (a *Aggregator) Depth(d orderbook.Depth) orderbook.Depth {
	d.Bids = a.AggregateBids(d.Bids)
	d.Asks = a.AggregateAsks(d.Asks)
	return d
}

// AggregateBids aggregates bid levels by tick size (floors prices), best first
func (a *Aggregator) AggregateBids(levels []orderbook.LevelView) []orderbook.LevelView {
	aggregated := a.aggregate(levels, a.roundToTickBid)
	sort.Slice(aggregated, func(i, j int) bool {
		return aggregated[i].Price.GreaterThan(aggregated[j].Price)
	})
	return aggregated
}

// AggregateAsks aggregates ask levels by tick size (ceils prices), best first
func (a *Aggregator) AggregateAsks(levels []orderbook.LevelView) []orderbook.LevelView {
	aggregated := a.aggregate(levels, a.roundToTickAsk)
	sort.Slice(aggregated, func(i, j int) bool {
		return aggregated[i].Price.LessThan(aggregated[j].Price)
	})
	return aggregated
}

func (a *Aggregator) aggregate(levels []orderbook.LevelView, round func(decimal.Decimal) decimal.Decimal) []orderbook.LevelView {
	if len(levels) == 0 {
		return levels
	}

	tickMap := make(map[string]orderbook.LevelView)
	for _, level := range levels {
		roundedPrice := round(level.Price)
		key := roundedPrice.String()

		existing, exists := tickMap[key]
		if !exists {
			existing = orderbook.LevelView{Price: roundedPrice}
		}
		existing.Quantity = existing.Quantity.Add(level.Quantity)
		existing.Notional = existing.Notional.Add(level.Notional)
		existing.Count += level.Count
		tickMap[key] = existing
	}

	aggregated := make([]orderbook.LevelView, 0, len(tickMap))
	for _, level := range tickMap {
		aggregated = append(aggregated, level)
	}
	return aggregated
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func (a *Aggregator) roundToTickBid(price decimal.Decimal) decimal.Decimal {
	tickSize := decimal.NewFromFloat(float64(a.currentTick))
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// roundToTickAsk rounds an ask price UP to maintain proper spread
func (a *Aggregator) roundToTickAsk(price decimal.Decimal) decimal.Decimal {
	tickSize := decimal.NewFromFloat(float64(a.currentTick))
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Ceil().Mul(tickSize)
}

// Cumulative returns the running quantity total of levels ordered best first
func Cumulative(levels []orderbook.LevelView) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(levels))
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Quantity)
		out = append(out, total)
	}
	return out
}
