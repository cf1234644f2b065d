package coinbase

import (
	"encoding/json"
	"fmt"
	"time"

	"lobfeed/internal/exchange"

	"github.com/shopspring/decimal"
)

// Decoder converts full channel messages into canonical ticks. It is stateless.
type Decoder struct {
	symbol string
}

// NewDecoder creates a decoder that stamps ticks with symbol when the message has no product id
func NewDecoder(symbol string) *Decoder {
	return &Decoder{symbol: symbol}
}

// Reset is a no-op: the full channel carries no per-connection state
func (d *Decoder) Reset() {}

// Decode parses one websocket frame
func (d *Decoder) Decode(frame []byte, received time.Time) ([]exchange.Tick, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("coinbase: invalid frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("coinbase: frame without type")
	}

	tick := exchange.Tick{
		Exchange: exchange.Coinbase,
		Symbol:   d.symbol,
		Type:     exchange.TickType(msg.Type),
		Sequence: msg.Sequence,
		Reason:   msg.Reason,
		Message:  msg.Message,
		Time:     received,
	}
	if msg.ProductID != "" {
		tick.Symbol = msg.ProductID
	}
	if msg.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, msg.Time)
		if err != nil {
			return nil, fmt.Errorf("coinbase: invalid time %q: %w", msg.Time, err)
		}
		tick.Time = ts
	}
	if msg.Side != "" {
		side, err := parseSide(msg.Side)
		if err != nil {
			return nil, err
		}
		tick.Side = side
	}

	var err error
	switch tick.Type {
	case exchange.TickOpen:
		tick.OrderID = msg.OrderID
		if tick.Price, err = parseDecimal(msg.Price); err != nil {
			return nil, err
		}
		if tick.Size, err = parseDecimal(msg.RemainingSize); err != nil {
			return nil, err
		}
	case exchange.TickDone:
		tick.OrderID = msg.OrderID
		if tick.Price, err = parseDecimal(msg.Price); err != nil {
			return nil, err
		}
		if tick.Size, err = parseDecimal(msg.RemainingSize); err != nil {
			return nil, err
		}
	case exchange.TickMatch:
		tick.OrderID = msg.MakerOrderID
		if tick.Price, err = parseDecimal(msg.Price); err != nil {
			return nil, err
		}
		if tick.Size, err = parseDecimal(msg.Size); err != nil {
			return nil, err
		}
	case exchange.TickChange:
		tick.OrderID = msg.OrderID
		if tick.Price, err = parseDecimal(msg.Price); err != nil {
			return nil, err
		}
		if tick.Size, err = parseDecimal(msg.NewSize); err != nil {
			return nil, err
		}
	case exchange.TickReceived:
		tick.OrderID = msg.OrderID
	case exchange.TickError:
		if msg.Reason != "" {
			tick.Message = fmt.Sprintf("%s: %s", msg.Message, msg.Reason)
		}
	}

	return []exchange.Tick{tick}, nil
}

func parseSide(s string) (exchange.Side, error) {
	switch s {
	case "buy":
		return exchange.Buy, nil
	case "sell":
		return exchange.Sell, nil
	default:
		return "", fmt.Errorf("coinbase: unknown side %q", s)
	}
}

// parseDecimal treats an absent field as zero
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coinbase: invalid number %q: %w", s, err)
	}
	return d, nil
}
