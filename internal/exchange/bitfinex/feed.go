package bitfinex

import (
	"fmt"
	"strings"

	"lobfeed/internal/exchange"
)

// Feed implements exchange.Venue for the Bitfinex raw book and trades channels.
// Bitfinex serves its snapshot in-stream, so there is no SnapshotFetcher.
type Feed struct {
	*Decoder
	symbol     string
	wsURL      string
	bookLength string
}

// NewFeed creates a new Bitfinex feed
func NewFeed(config Config) *Feed {
	symbol := convertToBitfinexSymbol(config.Symbol)
	wsURL := config.WSURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	length := config.BookLength
	if length == "" {
		length = DefaultBookLength
	}
	return &Feed{
		Decoder:    NewDecoder(symbol),
		symbol:     symbol,
		wsURL:      wsURL,
		bookLength: length,
	}
}

// Name returns the exchange name
func (f *Feed) Name() exchange.ExchangeName {
	return exchange.Bitfinex
}

// Symbol returns the trading symbol
func (f *Feed) Symbol() string {
	return f.symbol
}

// URL returns the websocket endpoint
func (f *Feed) URL() string {
	return f.wsURL
}

// SubscribeRequests subscribes to the R0 book and to trades
func (f *Feed) SubscribeRequests() []any {
	return []any{
		BookSubscribeRequest{Event: "subscribe", Channel: channelBook, Symbol: f.symbol, Prec: "R0", Len: f.bookLength},
		TradesSubscribeRequest{Event: "subscribe", Channel: channelTrades, Symbol: f.symbol},
	}
}

// UnsubscribeRequests closes every channel the decoder has seen confirmed
func (f *Feed) UnsubscribeRequests() []any {
	ids := f.ChannelIDs()
	reqs := make([]any, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, UnsubscribeRequest{Event: "unsubscribe", ChanID: id})
	}
	return reqs
}

// convertToBitfinexSymbol converts various symbol formats to Bitfinex trading pair format
// Examples: BTC-USD -> tBTCUSD, BTCUSDT -> tBTCUST, tBTCUSD -> tBTCUSD
func convertToBitfinexSymbol(symbol string) string {
	if strings.HasPrefix(symbol, "t") && strings.ToUpper(symbol[1:]) == symbol[1:] {
		return symbol
	}
	symbol = strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
	if strings.HasSuffix(symbol, "USDT") {
		symbol = strings.TrimSuffix(symbol, "USDT") + "UST"
	}
	if len(symbol) > 6 {
		// pairs with a base longer than three letters use a colon separator
		return fmt.Sprintf("t%s:%s", symbol[:len(symbol)-3], symbol[len(symbol)-3:])
	}
	return "t" + symbol
}
