package orderbook

import (
	"lobfeed/internal/exchange"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// renderBuffer is how many levels past the rendered depth get their flow trackers cleared
const renderBuffer = 5

// Order is a resting order owned by its side's index
type Order struct {
	ID    string
	Side  exchange.Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Side is one side of an order-id book: a price ladder and an order index.
// Levels and orders only change through InsertOrder, Change, RemoveOrder and Match.
type Side struct {
	side   exchange.Side
	levels *treemap.Map
	orders map[string]*Order
	log    zerolog.Logger
}

// NewSide creates an empty side
func NewSide(side exchange.Side, logger zerolog.Logger) *Side {
	return &Side{
		side:   side,
		levels: treemap.NewWith(decimalComparator),
		orders: make(map[string]*Order),
		log:    logger.With().Str("side", string(side)).Logger(),
	}
}

func decimalComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// InsertOrder adds a new order. Duplicate ids are ignored and reported false.
// Every insert except a preload counts as limit flow.
func (s *Side) InsertOrder(t exchange.Tick) bool {
	if _, ok := s.orders[t.OrderID]; ok {
		s.log.Debug().Str("order_id", t.OrderID).Msg("Duplicate order id, ignoring insert")
		return false
	}
	s.insert(&Order{ID: t.OrderID, Side: s.side, Price: t.Price, Size: t.Size}, t.Type != exchange.TickPreload)
	return true
}

func (s *Side) insert(o *Order, limitFlow bool) {
	level := s.level(o.Price)
	if level == nil {
		level = NewPriceLevel(o.Price)
		s.levels.Put(o.Price, level)
	}
	level.AddQuantity(o.Size, o.Price)
	level.AddCount()
	if limitFlow {
		level.AddLimit(o.Size, o.Price)
	}
	s.orders[o.ID] = o
}

// Change resizes or reprices an existing order. A zero tick price means size only.
func (s *Side) Change(t exchange.Tick) bool {
	o, ok := s.orders[t.OrderID]
	if !ok {
		return false
	}

	if !t.Price.IsZero() && !t.Price.Equal(o.Price) {
		s.remove(o, false)
		s.insert(&Order{ID: o.ID, Side: s.side, Price: t.Price, Size: t.Size}, true)
		return true
	}

	// partial reductions are deliberately not counted as cancel flow
	diff := t.Size.Sub(o.Size)
	if level := s.level(o.Price); level != nil {
		level.AddQuantity(diff, o.Price)
	}
	o.Size = t.Size
	return true
}

// RemoveOrder deletes an order. The removed size counts as cancel flow when the
// tick's reason is canceled. Unknown ids are a no-op reported false.
func (s *Side) RemoveOrder(t exchange.Tick) bool {
	o, ok := s.orders[t.OrderID]
	if !ok {
		s.log.Debug().Str("order_id", t.OrderID).Msg("Remove for unknown order id")
		return false
	}
	s.remove(o, t.Reason == exchange.ReasonCanceled)
	return true
}

func (s *Side) remove(o *Order, cancelFlow bool) {
	level := s.level(o.Price)
	if level != nil {
		if cancelFlow {
			level.AddCancel(o.Size, o.Price)
		}
		level.RemoveQuantity(o.Size, o.Price)
		level.RemoveCount()
		if level.Count() <= 0 {
			s.levels.Remove(o.Price)
		}
	}
	delete(s.orders, o.ID)
}

// Match records a trade against this side. When the tick names the resting order
// its remaining size shrinks; the order itself stays until it is done.
// Returns false when no level exists at the trade price.
func (s *Side) Match(t exchange.Tick) bool {
	price := t.Price
	if o, ok := s.orders[t.OrderID]; ok && t.OrderID != "" {
		price = o.Price
		filled := decimal.Min(t.Size, o.Size)
		o.Size = o.Size.Sub(filled)
		if level := s.level(price); level != nil {
			level.RemoveQuantity(filled, price)
		}
	}

	level := s.level(price)
	if level == nil {
		return false
	}
	level.AddMarket(t.Size, price)
	return true
}

// Best returns the top-of-book price, false when the side is empty
func (s *Side) Best() (decimal.Decimal, bool) {
	var key interface{}
	if s.side == exchange.Buy {
		key, _ = s.levels.Max()
	} else {
		key, _ = s.levels.Min()
	}
	if key == nil {
		return decimal.Zero, false
	}
	return key.(decimal.Decimal), true
}

// Levels returns copies of the first n levels from the best price outward (all when n <= 0)
func (s *Side) Levels(n int) []LevelView {
	views := make([]LevelView, 0, max(n, 0))
	s.walk(func(level *PriceLevel) bool {
		views = append(views, level.view())
		return n <= 0 || len(views) < n
	})
	return views
}

// Order returns a copy of the resting order with id
func (s *Side) Order(id string) (Order, bool) {
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Has reports whether id is indexed on this side
func (s *Side) Has(id string) bool {
	_, ok := s.orders[id]
	return ok
}

// Len returns the number of price levels
func (s *Side) Len() int {
	return s.levels.Size()
}

// OrderCount returns the number of indexed orders
func (s *Side) OrderCount() int {
	return len(s.orders)
}

// Clear drops every level and order
func (s *Side) Clear() {
	s.levels.Clear()
	s.orders = make(map[string]*Order)
}

// SideRender holds the top-N arrays of one side, padded with zeros
type SideRender struct {
	Distance []float64
	Notional []float64
	Cancel   []float64
	Limit    []float64
	Market   []float64
}

// Render produces the top-depth arrays relative to midpoint and clears the flow
// trackers of the first depth+renderBuffer levels. Notional is cumulative from the best price.
func (s *Side) Render(midpoint decimal.Decimal, depth int) SideRender {
	r := SideRender{
		Distance: make([]float64, depth),
		Notional: make([]float64, depth),
		Cancel:   make([]float64, depth),
		Limit:    make([]float64, depth),
		Market:   make([]float64, depth),
	}

	one := decimal.NewFromInt(1)
	cumulative := decimal.Zero
	i := 0
	s.walk(func(level *PriceLevel) bool {
		if i < depth {
			cumulative = cumulative.Add(level.Notional())
			r.Distance[i] = level.Price().Div(midpoint).Sub(one).InexactFloat64()
			r.Notional[i] = cumulative.InexactFloat64()
			r.Cancel[i] = level.CancelNotional().InexactFloat64()
			r.Limit[i] = level.LimitNotional().InexactFloat64()
			r.Market[i] = level.MarketNotional().InexactFloat64()
		}
		level.ClearTrackers()
		i++
		return i < depth+renderBuffer
	})
	return r
}

// walk visits levels from the best price outward until fn returns false
func (s *Side) walk(fn func(level *PriceLevel) bool) {
	it := s.levels.Iterator()
	if s.side == exchange.Buy {
		for it.End(); it.Prev(); {
			if !fn(it.Value().(*PriceLevel)) {
				return
			}
		}
		return
	}
	for it.Begin(); it.Next(); {
		if !fn(it.Value().(*PriceLevel)) {
			return
		}
	}
}

func (s *Side) level(price decimal.Decimal) *PriceLevel {
	v, ok := s.levels.Get(price)
	if !ok {
		return nil
	}
	return v.(*PriceLevel)
}
