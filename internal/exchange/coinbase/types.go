package coinbase

import "time"

const (
	DefaultWSURL   = "wss://ws-feed.exchange.coinbase.com"
	DefaultRESTURL = "https://api.exchange.coinbase.com"
)

// Config holds configuration for Coinbase exchange
type Config struct {
	Symbol      string
	WSURL       string
	RESTURL     string
	HTTPTimeout time.Duration
}

// SubscribeRequest represents a subscription request to the Coinbase Exchange feed
type SubscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Message is the union of the full channel message shapes.
// Numeric fields arrive as strings and are parsed by the decoder.
type Message struct {
	Type          string `json:"type"`
	ProductID     string `json:"product_id"`
	Sequence      int64  `json:"sequence"`
	Time          string `json:"time"`
	Side          string `json:"side"`
	OrderID       string `json:"order_id"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	NewSize       string `json:"new_size"`
	OldSize       string `json:"old_size"`
	Reason        string `json:"reason"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	TradeID       int64  `json:"trade_id"`
	Message       string `json:"message"`
}

// BookResponse is the REST level 3 book: entries are [price, size, order_id]
type BookResponse struct {
	Sequence int64      `json:"sequence"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}
