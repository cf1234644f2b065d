package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeName represents supported exchange identifiers
type ExchangeName string

const (
	Coinbase ExchangeName = "coinbase"
	Bitfinex ExchangeName = "bitfinex"
)

// SupportedExchanges returns every exchange with a feed implementation
func SupportedExchanges() []ExchangeName {
	return []ExchangeName{Coinbase, Bitfinex}
}

// Supported reports whether the exchange has a feed implementation
func (n ExchangeName) Supported() bool {
	for _, s := range SupportedExchanges() {
		if s == n {
			return true
		}
	}
	return false
}

var (
	// ErrGivenUp is returned by Connector.Run once the reconnect budget is exhausted.
	ErrGivenUp = errors.New("feed connector gave up")

	// ErrReconnectRequested is returned by a Decoder when the venue asks clients to reconnect.
	ErrReconnectRequested = errors.New("venue requested reconnect")
)

// Side of the book an order rests on
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// TickType identifies what a canonical tick does to the book
type TickType string

const (
	TickReceived TickType = "received"
	TickOpen     TickType = "open"
	TickDone     TickType = "done"
	TickMatch    TickType = "match"
	TickChange   TickType = "change"
	// TickUpdate inserts or replaces an order (unsequenced raw books).
	TickUpdate TickType = "update"

	TickLoadBook   TickType = "load_book"
	TickPreload    TickType = "preload"
	TickBookLoaded TickType = "book_loaded"

	TickSubscriptions TickType = "subscriptions"
	TickHeartbeat     TickType = "heartbeat"
	TickInfo          TickType = "info"
	TickError         TickType = "error"
)

// ReasonCanceled marks a done tick whose removed size counts as cancel flow
const ReasonCanceled = "canceled"

// Tick is the canonical message every venue decoder produces.
// Prices and sizes are zero when the message does not carry them.
type Tick struct {
	Exchange ExchangeName    `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Type     TickType        `json:"type"`
	Side     Side            `json:"side,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	Sequence int64           `json:"sequence,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Message  string          `json:"message,omitempty"`
	Time     time.Time       `json:"time"`
}

// IsMarker reports whether the tick is one of the synthetic snapshot markers
func (t Tick) IsMarker() bool {
	switch t.Type {
	case TickLoadBook, TickPreload, TickBookLoaded:
		return true
	}
	return false
}

// IsControl reports whether the tick is a subscription, heartbeat, info or error event
func (t Tick) IsControl() bool {
	switch t.Type {
	case TickSubscriptions, TickHeartbeat, TickInfo, TickError:
		return true
	}
	return false
}

// RestingOrder is one order of a full (L3) book snapshot
type RestingOrder struct {
	OrderID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// BookSnapshot is a canonical full order book snapshot
type BookSnapshot struct {
	Exchange ExchangeName
	Symbol   string
	Sequence int64
	Bids     []RestingOrder
	Asks     []RestingOrder
	Time     time.Time
}

// Ticks expresses the snapshot as load_book, one preload per resting order and book_loaded,
// the form in which snapshots travel through the book, the recorder and replay.
func (s *BookSnapshot) Ticks() []Tick {
	ticks := make([]Tick, 0, len(s.Bids)+len(s.Asks)+2)
	ticks = append(ticks, Tick{
		Exchange: s.Exchange,
		Symbol:   s.Symbol,
		Type:     TickLoadBook,
		Sequence: s.Sequence,
		Time:     s.Time,
	})
	for _, orders := range [][]RestingOrder{s.Bids, s.Asks} {
		for _, o := range orders {
			ticks = append(ticks, Tick{
				Exchange: s.Exchange,
				Symbol:   s.Symbol,
				Type:     TickPreload,
				Side:     o.Side,
				OrderID:  o.OrderID,
				Price:    o.Price,
				Size:     o.Size,
				Sequence: s.Sequence,
				Time:     s.Time,
			})
		}
	}
	ticks = append(ticks, Tick{
		Exchange: s.Exchange,
		Symbol:   s.Symbol,
		Type:     TickBookLoaded,
		Sequence: s.Sequence,
		Time:     s.Time,
	})
	return ticks
}

// Decoder turns raw websocket frames into canonical ticks.
// Implementations may keep per-connection state; Reset clears it.
type Decoder interface {
	Decode(frame []byte, received time.Time) ([]Tick, error)
	Reset()
}

// Venue defines what the feed connector needs from an exchange adapter
type Venue interface {
	Decoder

	// Name returns the exchange name
	Name() ExchangeName

	// Symbol returns the trading symbol in the exchange's format
	Symbol() string

	// URL returns the websocket endpoint
	URL() string

	// SubscribeRequests returns the messages sent right after connecting
	SubscribeRequests() []any

	// UnsubscribeRequests returns the messages sent on orderly shutdown
	UnsubscribeRequests() []any
}

// SnapshotFetcher is implemented by venues that serve a full book snapshot out of band
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (*BookSnapshot, error)
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Connected     bool
	LastMessage   time.Time
	MessageCount  int64
	ErrorCount    int64
	ReconnectTime *time.Time
}
