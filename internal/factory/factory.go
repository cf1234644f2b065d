package factory

import (
	"fmt"

	"lobfeed/internal/config"
	"lobfeed/internal/exchange"
	"lobfeed/internal/exchange/bitfinex"
	"lobfeed/internal/exchange/coinbase"
)

// NewVenue creates the venue for one configured instrument
func NewVenue(ex config.ExchangeConfig, cfg config.Config) (exchange.Venue, error) {
	switch ex.Name {
	case exchange.Coinbase:
		return coinbase.NewFeed(coinbase.Config{
			Symbol:      ex.Symbol,
			WSURL:       cfg.Coinbase.WSURL,
			RESTURL:     cfg.Coinbase.RESTURL,
			HTTPTimeout: cfg.Coinbase.HTTPTimeout,
		}), nil

	case exchange.Bitfinex:
		return bitfinex.NewFeed(bitfinex.Config{
			Symbol:     ex.Symbol,
			WSURL:      cfg.Bitfinex.WSURL,
			BookLength: cfg.Bitfinex.BookLength,
		}), nil

	default:
		return nil, fmt.Errorf("unknown exchange: %s", ex.Name)
	}
}
