package bitfinex

const (
	DefaultWSURL = "wss://api-pub.bitfinex.com/ws/2"

	// DefaultBookLength is the number of orders per side of a raw book subscription
	DefaultBookLength = "250"

	// InfoCodeReconnect asks clients to reconnect (server restart)
	InfoCodeReconnect = 20051
	// InfoCodeMaintenanceStart and InfoCodeMaintenanceEnd bracket a maintenance window
	InfoCodeMaintenanceStart = 20060
	InfoCodeMaintenanceEnd   = 20061
)

const (
	channelBook   = "book"
	channelTrades = "trades"
)

// Config holds configuration for Bitfinex exchange
type Config struct {
	Symbol     string
	WSURL      string
	BookLength string
}

// BookSubscribeRequest subscribes to the raw (R0) order book
type BookSubscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Len     string `json:"len"`
}

// TradesSubscribeRequest subscribes to public trades
type TradesSubscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// UnsubscribeRequest closes one channel
type UnsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// EventMessage is the object-shaped control message (info, subscribed, unsubscribed, error, conf)
type EventMessage struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Version int    `json:"version"`
	Status  string `json:"status"`
}
