package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lobfeed/internal/exchange"

	"github.com/rs/zerolog/log"
)

// Feed implements exchange.Venue and exchange.SnapshotFetcher for the Coinbase Exchange full channel
type Feed struct {
	*Decoder
	symbol  string
	wsURL   string
	restURL string
	client  *http.Client
}

// NewFeed creates a new Coinbase feed
func NewFeed(config Config) *Feed {
	symbol := convertToCoinbaseSymbol(config.Symbol)
	wsURL := config.WSURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	restURL := config.RESTURL
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Feed{
		Decoder: NewDecoder(symbol),
		symbol:  symbol,
		wsURL:   wsURL,
		restURL: strings.TrimRight(restURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the exchange name
func (f *Feed) Name() exchange.ExchangeName {
	return exchange.Coinbase
}

// Symbol returns the trading symbol
func (f *Feed) Symbol() string {
	return f.symbol
}

// URL returns the websocket endpoint
func (f *Feed) URL() string {
	return f.wsURL
}

// SubscribeRequests subscribes to the full and heartbeat channels
func (f *Feed) SubscribeRequests() []any {
	return []any{SubscribeRequest{
		Type:       "subscribe",
		ProductIDs: []string{f.symbol},
		Channels:   []string{"full", "heartbeat"},
	}}
}

// UnsubscribeRequests mirrors SubscribeRequests
func (f *Feed) UnsubscribeRequests() []any {
	return []any{SubscribeRequest{
		Type:       "unsubscribe",
		ProductIDs: []string{f.symbol},
		Channels:   []string{"full", "heartbeat"},
	}}
}

// FetchSnapshot fetches the level 3 book over REST
func (f *Feed) FetchSnapshot(ctx context.Context) (*exchange.BookSnapshot, error) {
	url := fmt.Sprintf("%s/products/%s/book?level=3", f.restURL, f.symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "lobfeed")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request failed with status %d", resp.StatusCode)
	}

	var book BookResponse
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	snapshot := &exchange.BookSnapshot{
		Exchange: exchange.Coinbase,
		Symbol:   f.symbol,
		Sequence: book.Sequence,
		Time:     time.Now().UTC(),
	}
	if snapshot.Bids, err = convertEntries(book.Bids, exchange.Buy); err != nil {
		return nil, err
	}
	if snapshot.Asks, err = convertEntries(book.Asks, exchange.Sell); err != nil {
		return nil, err
	}

	log.Info().
		Str("exchange", string(exchange.Coinbase)).
		Str("symbol", f.symbol).
		Int64("sequence", book.Sequence).
		Int("bids", len(snapshot.Bids)).
		Int("asks", len(snapshot.Asks)).
		Msg("Fetched level 3 snapshot")

	return snapshot, nil
}

func convertEntries(entries [][]string, side exchange.Side) ([]exchange.RestingOrder, error) {
	orders := make([]exchange.RestingOrder, 0, len(entries))
	for _, entry := range entries {
		if len(entry) < 3 {
			return nil, fmt.Errorf("invalid level 3 entry %v", entry)
		}
		price, err := parseDecimal(entry[0])
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal(entry[1])
		if err != nil {
			return nil, err
		}
		orders = append(orders, exchange.RestingOrder{
			OrderID: entry[2],
			Side:    side,
			Price:   price,
			Size:    size,
		})
	}
	return orders, nil
}

// convertToCoinbaseSymbol converts various symbol formats to Coinbase format
// Examples: BTCUSDT -> BTC-USD, BTC-USD -> BTC-USD
func convertToCoinbaseSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return strings.ToUpper(symbol)
	}

	symbol = strings.ToUpper(symbol)

	if strings.HasSuffix(symbol, "USDT") {
		base := strings.TrimSuffix(symbol, "USDT")
		return fmt.Sprintf("%s-USD", base)
	}

	if strings.HasSuffix(symbol, "USDC") {
		base := strings.TrimSuffix(symbol, "USDC")
		return fmt.Sprintf("%s-USDC", base)
	}

	if strings.HasSuffix(symbol, "USD") {
		base := strings.TrimSuffix(symbol, "USD")
		return fmt.Sprintf("%s-USD", base)
	}

	log.Warn().Str("symbol", symbol).Msg("Could not convert symbol to Coinbase format, using as-is")
	return symbol
}
