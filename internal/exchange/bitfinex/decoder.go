package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"lobfeed/internal/exchange"

	"github.com/shopspring/decimal"
)

// Decoder converts raw book and trade frames into canonical ticks.
// Data frames are keyed by channel id, so the decoder tracks subscriptions per connection.
type Decoder struct {
	symbol string

	mu       sync.Mutex
	channels map[int64]string
}

// NewDecoder creates a decoder for symbol (Bitfinex format, e.g. tBTCUSD)
func NewDecoder(symbol string) *Decoder {
	return &Decoder{symbol: symbol, channels: make(map[int64]string)}
}

// Reset forgets the channel ids of the previous connection
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = make(map[int64]string)
}

// ChannelIDs returns the currently subscribed channel ids
func (d *Decoder) ChannelIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.channels))
	for id := range d.channels {
		ids = append(ids, id)
	}
	return ids
}

// Decode parses one websocket frame
func (d *Decoder) Decode(frame []byte, received time.Time) ([]exchange.Tick, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("bitfinex: empty frame")
	}
	switch frame[0] {
	case '{':
		return d.decodeEvent(frame, received)
	case '[':
		return d.decodeData(frame, received)
	default:
		return nil, fmt.Errorf("bitfinex: unexpected frame %q", truncate(frame))
	}
}

func (d *Decoder) decodeEvent(frame []byte, received time.Time) ([]exchange.Tick, error) {
	var ev EventMessage
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("bitfinex: invalid event: %w", err)
	}

	tick := d.tick(exchange.TickInfo, received)
	switch ev.Event {
	case "info":
		if ev.Code == InfoCodeReconnect {
			return nil, exchange.ErrReconnectRequested
		}
		switch {
		case ev.Code != 0:
			tick.Message = fmt.Sprintf("info %d: %s", ev.Code, ev.Msg)
		case ev.Version != 0:
			tick.Message = fmt.Sprintf("api version %d", ev.Version)
		default:
			tick.Message = ev.Msg
		}
	case "subscribed":
		d.mu.Lock()
		d.channels[ev.ChanID] = ev.Channel
		d.mu.Unlock()
		tick.Type = exchange.TickSubscriptions
		tick.Message = fmt.Sprintf("subscribed %s chanId=%d", ev.Channel, ev.ChanID)
	case "unsubscribed":
		d.mu.Lock()
		delete(d.channels, ev.ChanID)
		d.mu.Unlock()
		tick.Type = exchange.TickSubscriptions
		tick.Message = fmt.Sprintf("unsubscribed chanId=%d", ev.ChanID)
	case "error":
		tick.Type = exchange.TickError
		tick.Message = fmt.Sprintf("error %d: %s", ev.Code, ev.Msg)
	default:
		tick.Message = ev.Event
	}
	return []exchange.Tick{tick}, nil
}

func (d *Decoder) decodeData(frame []byte, received time.Time) ([]exchange.Tick, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("bitfinex: invalid data frame: %w", err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("bitfinex: short data frame %q", truncate(frame))
	}

	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return nil, fmt.Errorf("bitfinex: invalid channel id: %w", err)
	}
	d.mu.Lock()
	channel, ok := d.channels[chanID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bitfinex: data for unknown channel %d", chanID)
	}

	body := bytes.TrimSpace(parts[1])
	if len(body) > 0 && body[0] == '"' {
		var code string
		if err := json.Unmarshal(body, &code); err != nil {
			return nil, fmt.Errorf("bitfinex: invalid message code: %w", err)
		}
		switch code {
		case "hb":
			return []exchange.Tick{d.tick(exchange.TickHeartbeat, received)}, nil
		case "te":
			if len(parts) < 3 {
				return nil, fmt.Errorf("bitfinex: trade frame without payload")
			}
			trade, err := d.decodeTrade(parts[2], received)
			if err != nil {
				return nil, err
			}
			return []exchange.Tick{trade}, nil
		case "tu", "cs":
			// tu repeats a te already applied; checksums are not verified
			return nil, nil
		default:
			return nil, fmt.Errorf("bitfinex: unknown message code %q", code)
		}
	}

	switch channel {
	case channelBook:
		return d.decodeBook(body, received)
	case channelTrades:
		// trade snapshot on subscribe: history, not flow
		return nil, nil
	default:
		return nil, fmt.Errorf("bitfinex: unsupported channel %q", channel)
	}
}

// decodeBook handles both the snapshot [[id, price, amount], ...] and the update [id, price, amount]
func (d *Decoder) decodeBook(body json.RawMessage, received time.Time) ([]exchange.Tick, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("bitfinex: invalid book payload: %w", err)
	}

	if len(rows) == 0 || bytes.HasPrefix(bytes.TrimSpace(rows[0]), []byte("[")) {
		ticks := make([]exchange.Tick, 0, len(rows)+2)
		ticks = append(ticks, d.tick(exchange.TickLoadBook, received))
		for _, row := range rows {
			entry, err := parseBookEntry(row)
			if err != nil {
				return nil, err
			}
			tick := d.tick(exchange.TickPreload, received)
			entry.apply(&tick)
			ticks = append(ticks, tick)
		}
		ticks = append(ticks, d.tick(exchange.TickBookLoaded, received))
		return ticks, nil
	}

	entry, err := parseBookEntry(body)
	if err != nil {
		return nil, err
	}
	tick := d.tick(exchange.TickUpdate, received)
	entry.apply(&tick)
	if entry.price.IsZero() {
		tick.Type = exchange.TickDone
		tick.Reason = exchange.ReasonCanceled
		tick.Price = decimal.Zero
	}
	return []exchange.Tick{tick}, nil
}

// decodeTrade parses [ID, MTS, AMOUNT, PRICE]. A positive amount is a taker buy
// lifting a resting sell, so the tick side is the maker side.
func (d *Decoder) decodeTrade(raw json.RawMessage, received time.Time) (exchange.Tick, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) < 4 {
		return exchange.Tick{}, fmt.Errorf("bitfinex: invalid trade %q", truncate(raw))
	}
	mts, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return exchange.Tick{}, fmt.Errorf("bitfinex: invalid trade time: %w", err)
	}
	amount, err := decimal.NewFromString(string(fields[2]))
	if err != nil {
		return exchange.Tick{}, fmt.Errorf("bitfinex: invalid trade amount: %w", err)
	}
	price, err := decimal.NewFromString(string(fields[3]))
	if err != nil {
		return exchange.Tick{}, fmt.Errorf("bitfinex: invalid trade price: %w", err)
	}

	tick := d.tick(exchange.TickMatch, received)
	tick.Price = price
	tick.Size = amount.Abs()
	tick.Side = exchange.Buy
	if amount.IsPositive() {
		tick.Side = exchange.Sell
	}
	if mts > 0 {
		tick.Time = time.UnixMilli(mts).UTC()
	}
	return tick, nil
}

type bookEntry struct {
	id     string
	price  decimal.Decimal
	amount decimal.Decimal
}

func (e bookEntry) apply(t *exchange.Tick) {
	t.OrderID = e.id
	t.Price = e.price
	t.Size = e.amount.Abs()
	t.Side = exchange.Buy
	if e.amount.IsNegative() {
		t.Side = exchange.Sell
	}
}

func parseBookEntry(raw json.RawMessage) (bookEntry, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) < 3 {
		return bookEntry{}, fmt.Errorf("bitfinex: invalid book entry %q", truncate(raw))
	}
	id := string(bytes.TrimSpace(fields[0]))
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return bookEntry{}, fmt.Errorf("bitfinex: invalid order id %q", id)
	}
	price, err := decimal.NewFromString(string(fields[1]))
	if err != nil {
		return bookEntry{}, fmt.Errorf("bitfinex: invalid price: %w", err)
	}
	amount, err := decimal.NewFromString(string(fields[2]))
	if err != nil {
		return bookEntry{}, fmt.Errorf("bitfinex: invalid amount: %w", err)
	}
	return bookEntry{id: id, price: price, amount: amount}, nil
}

func (d *Decoder) tick(typ exchange.TickType, received time.Time) exchange.Tick {
	return exchange.Tick{
		Exchange: exchange.Bitfinex,
		Symbol:   d.symbol,
		Type:     typ,
		Time:     received,
	}
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
