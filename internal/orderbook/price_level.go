package orderbook

import "github.com/shopspring/decimal"

// PriceLevel aggregates the resting orders at one price.
// Flow counters accumulate notional between renders.
type PriceLevel struct {
	price    decimal.Decimal
	quantity decimal.Decimal
	count    int
	notional decimal.Decimal

	limitNotional  decimal.Decimal
	marketNotional decimal.Decimal
	cancelNotional decimal.Decimal
}

// NewPriceLevel creates an empty level at price
func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{price: price}
}

func (l *PriceLevel) Price() decimal.Decimal          { return l.price }
func (l *PriceLevel) Quantity() decimal.Decimal       { return l.quantity }
func (l *PriceLevel) Count() int                      { return l.count }
func (l *PriceLevel) Notional() decimal.Decimal       { return l.notional }
func (l *PriceLevel) LimitNotional() decimal.Decimal  { return l.limitNotional }
func (l *PriceLevel) MarketNotional() decimal.Decimal { return l.marketNotional }
func (l *PriceLevel) CancelNotional() decimal.Decimal { return l.cancelNotional }

// AddQuantity adds qty and qty*price notional
func (l *PriceLevel) AddQuantity(qty, price decimal.Decimal) {
	l.quantity = l.quantity.Add(qty)
	l.notional = l.notional.Add(qty.Mul(price))
}

// RemoveQuantity subtracts qty and qty*price notional
func (l *PriceLevel) RemoveQuantity(qty, price decimal.Decimal) {
	l.quantity = l.quantity.Sub(qty)
	l.notional = l.notional.Sub(qty.Mul(price))
}

func (l *PriceLevel) AddCount()    { l.count++ }
func (l *PriceLevel) RemoveCount() { l.count-- }

// AddLimit records newly posted liquidity
func (l *PriceLevel) AddLimit(qty, price decimal.Decimal) {
	l.limitNotional = l.limitNotional.Add(qty.Mul(price))
}

// AddMarket records liquidity taken by trades
func (l *PriceLevel) AddMarket(qty, price decimal.Decimal) {
	l.marketNotional = l.marketNotional.Add(qty.Mul(price))
}

// AddCancel records liquidity withdrawn by cancels
func (l *PriceLevel) AddCancel(qty, price decimal.Decimal) {
	l.cancelNotional = l.cancelNotional.Add(qty.Mul(price))
}

// ClearTrackers zeroes the flow counters
func (l *PriceLevel) ClearTrackers() {
	l.limitNotional = decimal.Zero
	l.marketNotional = decimal.Zero
	l.cancelNotional = decimal.Zero
}

// LevelView is a read-only copy of a level
type LevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count"`
	Notional decimal.Decimal `json:"notional"`
}

func (l *PriceLevel) view() LevelView {
	return LevelView{Price: l.price, Quantity: l.quantity, Count: l.count, Notional: l.notional}
}
