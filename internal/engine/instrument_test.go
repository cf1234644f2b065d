package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"
	"lobfeed/internal/replay"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errClosed = errors.New("use of closed connection")

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []any
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.frames:
		return 1, frame, nil
	case <-f.closed:
		return 0, nil, errClosed
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.writes...)
}

// pushVenue decodes frames holding JSON arrays of canonical ticks
type pushVenue struct {
	name   exchange.ExchangeName
	symbol string
}

func (v *pushVenue) Name() exchange.ExchangeName { return v.name }
func (v *pushVenue) Symbol() string              { return v.symbol }
func (v *pushVenue) URL() string                 { return "wss://example.invalid" }
func (v *pushVenue) SubscribeRequests() []any    { return []any{"subscribe"} }
func (v *pushVenue) UnsubscribeRequests() []any  { return []any{"unsubscribe"} }
func (v *pushVenue) Reset()                      {}

func (v *pushVenue) Decode(frame []byte, _ time.Time) ([]exchange.Tick, error) {
	var ticks []exchange.Tick
	if err := json.Unmarshal(frame, &ticks); err != nil {
		return nil, err
	}
	return ticks, nil
}

// restVenue also serves REST snapshots, in order, repeating the last one
type restVenue struct {
	pushVenue

	mu        sync.Mutex
	snapshots []*exchange.BookSnapshot
	errs      []error
	fetches   int
}

func (v *restVenue) FetchSnapshot(context.Context) (*exchange.BookSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.fetches
	v.fetches++
	if i < len(v.errs) && v.errs[i] != nil {
		return nil, v.errs[i]
	}
	if i >= len(v.snapshots) {
		i = len(v.snapshots) - 1
	}
	return v.snapshots[i], nil
}

func (v *restVenue) fetchCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetches
}

type dialer struct {
	conns chan *fakeConn

	mu    sync.Mutex
	dials int
}

func newDialer(conns ...*fakeConn) *dialer {
	d := &dialer{conns: make(chan *fakeConn, 8)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *dialer) dial(ctx context.Context, _ string) (exchange.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type tickRecorder struct {
	mu    sync.Mutex
	ticks []exchange.Tick
}

func (r *tickRecorder) Record(ticks ...exchange.Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, ticks...)
	return nil
}

func (r *tickRecorder) all() []exchange.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]exchange.Tick(nil), r.ticks...)
}

func (r *tickRecorder) types() []exchange.TickType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]exchange.TickType, 0, len(r.ticks))
	for _, t := range r.ticks {
		out = append(out, t.Type)
	}
	return out
}

type snapshotCollector struct {
	mu    sync.Mutex
	snaps []orderbook.Snapshot
}

func (c *snapshotCollector) Publish(snap orderbook.Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return true
}

func (c *snapshotCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func book(name exchange.ExchangeName, seq int64, bid, ask string) *exchange.BookSnapshot {
	return &exchange.BookSnapshot{
		Exchange: name,
		Symbol:   "BTC-USD",
		Sequence: seq,
		Time:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Bids:     []exchange.RestingOrder{{OrderID: "bid-" + bid, Side: exchange.Buy, Price: dec(bid), Size: dec("1")}},
		Asks:     []exchange.RestingOrder{{OrderID: "ask-" + ask, Side: exchange.Sell, Price: dec(ask), Size: dec("1")}},
	}
}

func frame(t *testing.T, ticks ...exchange.Tick) []byte {
	t.Helper()
	data, err := json.Marshal(ticks)
	require.NoError(t, err)
	return data
}

func open(seq int64, id, price string, side exchange.Side) exchange.Tick {
	return exchange.Tick{
		Exchange: exchange.Coinbase,
		Symbol:   "BTC-USD",
		Type:     exchange.TickOpen,
		Side:     side,
		OrderID:  id,
		Price:    dec(price),
		Size:     dec("1"),
		Sequence: seq,
	}
}

func testConfig(d *dialer) InstrumentConfig {
	return InstrumentConfig{
		Render:    orderbook.RenderConfig{Depth: 2, IncludeOrderFlow: true},
		Interval:  time.Hour,
		QueueSize: 16,
		Connector: exchange.ConnectorConfig{
			Policy: exchange.ReconnectPolicy{MaxAttempts: 5},
			Dial:   d.dial,
		},
	}
}

func start(t *testing.T, in *Instrument) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = in.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("instrument did not stop")
		}
	})
	return cancel, stopped
}

func bidPrices(t *testing.T, in *Instrument) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	depth, err := in.Depth(ctx, 0)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(depth.Bids))
	for _, l := range depth.Bids {
		out = append(out, l.Price.String())
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestInstrumentSnapshotResync(t *testing.T) {
	conn := newFakeConn()
	d := newDialer(conn)
	venue := &restVenue{
		pushVenue: pushVenue{name: exchange.Coinbase, symbol: "BTC-USD"},
		snapshots: []*exchange.BookSnapshot{book(exchange.Coinbase, 100, "100", "101"), book(exchange.Coinbase, 110, "98", "99")},
	}
	rec := &tickRecorder{}
	in, err := NewInstrument(venue, testConfig(d), rec, nil)
	require.NoError(t, err)
	start(t, in)

	eventually(t, func() bool { return in.Health().Ready }, "book loads the first snapshot")
	assert.Equal(t, int64(100), in.Health().Sequence)
	assert.False(t, in.Health().LastSubscribe.IsZero())

	conn.frames <- frame(t, open(101, "b3", "100.5", exchange.Buy))
	eventually(t, func() bool { return len(bidPrices(t, in)) == 2 }, "open applied")
	assert.Equal(t, []string{"100.5", "100"}, bidPrices(t, in))

	// 105 after 101 is a gap: the book reloads from REST without reconnecting
	conn.frames <- frame(t, open(105, "b4", "97", exchange.Buy), open(111, "b5", "97.5", exchange.Buy))
	eventually(t, func() bool { return in.Health().Sequence == 111 }, "resynced and continued")
	assert.Equal(t, []string{"98", "97.5"}, bidPrices(t, in))
	assert.Equal(t, 2, venue.fetchCount())
	assert.Equal(t, 1, d.count())
	assert.Equal(t, exchange.Streaming.String(), in.Health().State)

	assert.Equal(t, []exchange.TickType{
		exchange.TickLoadBook, exchange.TickPreload, exchange.TickPreload, exchange.TickBookLoaded,
		exchange.TickOpen, exchange.TickOpen,
		exchange.TickLoadBook, exchange.TickPreload, exchange.TickPreload, exchange.TickBookLoaded,
		exchange.TickOpen,
	}, rec.types())
}

func TestInstrumentReconnectResync(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := newDialer(first, second)
	venue := &pushVenue{name: exchange.Bitfinex, symbol: "BTC-USD"}
	in, err := NewInstrument(venue, testConfig(d), nil, nil)
	require.NoError(t, err)
	start(t, in)

	first.frames <- frame(t, book(exchange.Bitfinex, 0, "100", "101").Ticks()...)
	eventually(t, func() bool { return in.Health().Ready }, "venue snapshot loads the book")

	update := exchange.Tick{Exchange: exchange.Bitfinex, Symbol: "BTC-USD", Type: exchange.TickUpdate, Side: exchange.Buy, OrderID: "late", Price: dec("99"), Size: dec("1")}
	unknown := exchange.Tick{Exchange: exchange.Bitfinex, Symbol: "BTC-USD", Type: exchange.TickDone, Side: exchange.Buy, OrderID: "missing"}
	first.frames <- frame(t, unknown, update)

	eventually(t, func() bool { return d.count() == 2 }, "reconnected after unknown order id")
	assert.Contains(t, first.written(), any("unsubscribe"))
	eventually(t, func() bool { return in.Health().State == exchange.Streaming.String() }, "streaming again")
	assert.False(t, in.Health().Ready)
	assert.Empty(t, bidPrices(t, in), "ticks after the miss are dropped and the book cleared")

	second.frames <- frame(t, book(exchange.Bitfinex, 0, "95", "96").Ticks()...)
	eventually(t, func() bool { return in.Health().Ready }, "second snapshot loads the book")
	assert.Equal(t, []string{"95"}, bidPrices(t, in))
	assert.Equal(t, 0, in.Health().Retries)
}

func TestInstrumentSnapshotFailureReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := newDialer(first, second)
	venue := &restVenue{
		pushVenue: pushVenue{name: exchange.Coinbase, symbol: "BTC-USD"},
		snapshots: []*exchange.BookSnapshot{book(exchange.Coinbase, 100, "100", "101")},
		errs:      []error{errors.New("503 service unavailable")},
	}
	in, err := NewInstrument(venue, testConfig(d), nil, nil)
	require.NoError(t, err)
	start(t, in)

	eventually(t, func() bool { return in.Health().Ready }, "book loads after reconnect")
	assert.Equal(t, 2, d.count())
	assert.Equal(t, 2, venue.fetchCount())
}

func TestInstrumentRendersOnInterval(t *testing.T) {
	conn := newFakeConn()
	d := newDialer(conn)
	venue := &restVenue{
		pushVenue: pushVenue{name: exchange.Coinbase, symbol: "BTC-USD"},
		snapshots: []*exchange.BookSnapshot{book(exchange.Coinbase, 100, "100", "101")},
	}
	pub := &snapshotCollector{}
	cfg := testConfig(d)
	cfg.Interval = 10 * time.Millisecond
	in, err := NewInstrument(venue, cfg, nil, pub)
	require.NoError(t, err)
	start(t, in)

	eventually(t, func() bool { return pub.len() >= 2 }, "snapshots published")
	pub.mu.Lock()
	snap := pub.snaps[0]
	pub.mu.Unlock()
	assert.Equal(t, exchange.Coinbase, snap.Exchange)
	assert.Len(t, snap.Vector, cfg.Render.Width())
	assert.InDelta(t, 100.5, snap.Midpoint, 1e-9)
	assert.False(t, in.Health().LastRender.IsZero())
}

func TestInstrumentDepthAfterStop(t *testing.T) {
	d := newDialer()
	in, err := NewInstrument(&pushVenue{name: exchange.Bitfinex, symbol: "BTC-USD"}, testConfig(d), nil, nil)
	require.NoError(t, err)

	cancel, done := start(t, in)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("instrument did not stop")
	}

	_, err = in.Depth(context.Background(), 5)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, exchange.Disconnected.String(), in.Health().State)
}

func levelStrings(levels []orderbook.LevelView) []string {
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.Price.String()+"x"+l.Quantity.String())
	}
	return out
}

func bitfinexOrder(typ exchange.TickType, id, price string) exchange.Tick {
	t := exchange.Tick{Exchange: exchange.Bitfinex, Symbol: "BTC-USD", Type: typ, Side: exchange.Buy, OrderID: id}
	if price != "" {
		t.Price = dec(price)
		t.Size = dec("1")
	}
	return t
}

func TestInstrumentReplayMatchesLiveAcrossReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := newDialer(first, second)
	rec := &tickRecorder{}
	cfg := testConfig(d)
	in, err := NewInstrument(&pushVenue{name: exchange.Bitfinex, symbol: "BTC-USD"}, cfg, rec, nil)
	require.NoError(t, err)
	start(t, in)

	first.frames <- frame(t, book(exchange.Bitfinex, 0, "100", "101").Ticks()...)
	eventually(t, func() bool { return in.Health().Ready }, "first snapshot")
	first.frames <- frame(t,
		bitfinexOrder(exchange.TickUpdate, "b2", "99.5"),
		bitfinexOrder(exchange.TickDone, "404", ""),
		bitfinexOrder(exchange.TickUpdate, "late", "99"),
	)
	eventually(t, func() bool { return d.count() == 2 && in.Health().State == exchange.Streaming.String() }, "reconnected")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	cleared, err := in.Depth(ctx, 0)
	cancel()
	require.NoError(t, err)

	second.frames <- frame(t, book(exchange.Bitfinex, 0, "95", "96").Ticks()...)
	second.frames <- frame(t, bitfinexOrder(exchange.TickUpdate, "b3", "95.5"))
	eventually(t, func() bool { return len(bidPrices(t, in)) == 2 }, "second snapshot and update")
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	live, err := in.Depth(ctx, 0)
	cancel()
	require.NoError(t, err)

	eng, err := replay.New(exchange.Bitfinex, "BTC-USD", cfg.Render, time.Second)
	require.NoError(t, err)
	noop := func(orderbook.Snapshot) error { return nil }
	for _, tick := range rec.all() {
		require.NoError(t, eng.Step(tick, noop))
		if tick.Type == exchange.TickDone && tick.OrderID == "404" {
			replayed := eng.Book().Depth(0)
			assert.Equal(t, levelStrings(cleared.Bids), levelStrings(replayed.Bids), "book after the index miss")
			assert.Equal(t, levelStrings(cleared.Asks), levelStrings(replayed.Asks))
		}
	}
	assert.Empty(t, cleared.Bids)
	assert.Equal(t, 1, eng.Result().Resyncs)

	replayed := eng.Book().Depth(0)
	assert.Equal(t, []string{"95.5x1", "95x1"}, levelStrings(live.Bids))
	assert.Equal(t, levelStrings(live.Bids), levelStrings(replayed.Bids))
	assert.Equal(t, levelStrings(live.Asks), levelStrings(replayed.Asks))
	assert.Equal(t, eng.Book().Ready(), in.Health().Ready)
}

func TestInstrumentIgnoresTicksFromPreviousSession(t *testing.T) {
	rec := &tickRecorder{}
	in, err := NewInstrument(&pushVenue{name: exchange.Bitfinex, symbol: "BTC-USD"}, testConfig(newDialer()), rec, nil)
	require.NoError(t, err)
	ctx := context.Background()
	snapshot := book(exchange.Bitfinex, 0, "100", "101").Ticks()

	in.handle(ctx, envelope{kind: envEvent, event: exchange.Event{Kind: exchange.EventStreaming, Session: "old"}})
	in.handle(ctx, envelope{kind: envEvent, event: exchange.Event{Kind: exchange.EventStreaming, Session: "new"}})
	in.handle(ctx, envelope{kind: envEvent, event: exchange.Event{Kind: exchange.EventTicks, Session: "new", Ticks: snapshot}})
	require.True(t, in.book.Ready())

	late := bitfinexOrder(exchange.TickDone, "gone", "")
	in.handle(ctx, envelope{kind: envEvent, event: exchange.Event{Kind: exchange.EventTicks, Session: "old", Ticks: []exchange.Tick{late}}})
	assert.True(t, in.book.Ready(), "a frame from the old connection does not trigger a resync")
	assert.False(t, in.awaitingReconnect)
	assert.Len(t, rec.all(), len(snapshot))
}
