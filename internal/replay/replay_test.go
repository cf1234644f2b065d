package replay

import (
	"context"
	"testing"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"
	"lobfeed/internal/tickstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshotTicks(seq int64, ts time.Time) []exchange.Tick {
	snap := &exchange.BookSnapshot{
		Exchange: exchange.Coinbase,
		Symbol:   "BTC-USD",
		Sequence: seq,
		Time:     ts,
		Bids: []exchange.RestingOrder{
			{OrderID: "b1", Side: exchange.Buy, Price: dec("100"), Size: dec("1")},
			{OrderID: "b2", Side: exchange.Buy, Price: dec("99"), Size: dec("2")},
		},
		Asks: []exchange.RestingOrder{
			{OrderID: "a1", Side: exchange.Sell, Price: dec("101"), Size: dec("1")},
			{OrderID: "a2", Side: exchange.Sell, Price: dec("102"), Size: dec("3")},
		},
	}
	return snap.Ticks()
}

func tick(typ exchange.TickType, seq int64, ts time.Time, id, price, size string, side exchange.Side) exchange.Tick {
	t := exchange.Tick{
		Exchange: exchange.Coinbase,
		Symbol:   "BTC-USD",
		Type:     typ,
		Side:     side,
		OrderID:  id,
		Sequence: seq,
		Time:     ts,
	}
	if price != "" {
		t.Price = dec(price)
	}
	if size != "" {
		t.Size = dec(size)
	}
	return t
}

// recorded is a captured session: snapshot, live ticks, one stale timestamp,
// a gap and the snapshot that recovered from it.
func recorded() []exchange.Tick {
	ticks := snapshotTicks(100, at(300*time.Millisecond))
	ticks = append(ticks,
		tick(exchange.TickOpen, 101, at(500*time.Millisecond), "b3", "100.5", "2", exchange.Buy),
		tick(exchange.TickOpen, 102, at(2100*time.Millisecond), "a3", "101.5", "1", exchange.Sell),
		tick(exchange.TickDone, 103, at(1500*time.Millisecond), "b2", "99", "0", exchange.Buy),
		tick(exchange.TickMatch, 104, at(3*time.Second), "a1", "101", "0.5", exchange.Sell),
		tick(exchange.TickOpen, 104, at(3100*time.Millisecond), "dup", "98", "1", exchange.Buy),
		tick(exchange.TickOpen, 110, at(3200*time.Millisecond), "gap", "97", "1", exchange.Buy),
	)
	ticks = append(ticks, snapshotTicks(110, at(3300*time.Millisecond))...)
	return append(ticks,
		tick(exchange.TickChange, 111, at(4500*time.Millisecond), "a2", "102", "1", exchange.Sell),
	)
}

func flowSum(t *testing.T, v []float64, depth int) float64 {
	t.Helper()
	require.Len(t, v, 2+2*depth*5)
	sum := 0.0
	for side := 0; side < 2; side++ {
		start := side*depth*5 + 2*depth
		for i := start; i < start+3*depth; i++ {
			sum += v[i]
		}
	}
	return sum
}

func TestStepEmitsOnIntervalBoundaries(t *testing.T) {
	cfg := orderbook.RenderConfig{Depth: 2, IncludeOrderFlow: true}
	e, err := New(exchange.Coinbase, "BTC-USD", cfg, time.Second)
	require.NoError(t, err)

	var snaps []orderbook.Snapshot
	emit := func(s orderbook.Snapshot) error {
		snaps = append(snaps, s)
		return nil
	}
	for _, tk := range recorded()[:10] {
		require.NoError(t, e.Step(tk, emit))
	}

	// ready at 00.300 -> clock 00; boundaries 01 and 02 before the 02.1 tick, 03 before the match
	require.Len(t, snaps, 3)
	assert.Equal(t, at(time.Second), snaps[0].Time)
	assert.Equal(t, at(2*time.Second), snaps[1].Time)
	assert.Equal(t, at(3*time.Second), snaps[2].Time)

	assert.Greater(t, flowSum(t, snaps[0].Vector, 2), 0.0, "first render carries the open at 00.5")
	assert.Equal(t, 0.0, flowSum(t, snaps[1].Vector, 2), "second render in the same gap has no flow")

	res := e.Result()
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 3, res.Snapshots)
	assert.Equal(t, 10, res.Ticks)
	assert.Equal(t, at(3*time.Second), e.Clock())
}

func TestStaleTickAppliedWithoutSnapshot(t *testing.T) {
	e, err := New(exchange.Coinbase, "BTC-USD", orderbook.RenderConfig{Depth: 2}, time.Second)
	require.NoError(t, err)

	emitted := 0
	emit := func(orderbook.Snapshot) error { emitted++; return nil }
	for _, tk := range snapshotTicks(100, at(5*time.Second)) {
		require.NoError(t, e.Step(tk, emit))
	}
	require.NoError(t, e.Step(tick(exchange.TickDone, 101, at(time.Second), "b2", "99", "0", exchange.Buy), emit))

	assert.Equal(t, 0, emitted)
	assert.Equal(t, 1, e.Result().Stale)
	assert.False(t, e.Book().Bids().Has("b2"))
}

func TestNoSnapshotsBeforeReady(t *testing.T) {
	e, err := New(exchange.Coinbase, "BTC-USD", orderbook.RenderConfig{Depth: 2}, time.Second)
	require.NoError(t, err)
	emitted := 0
	emit := func(orderbook.Snapshot) error { emitted++; return nil }

	require.NoError(t, e.Step(tick(exchange.TickOpen, 5, at(0), "x", "1", "1", exchange.Buy), emit))
	require.NoError(t, e.Step(tick(exchange.TickOpen, 6, at(10*time.Second), "y", "1", "1", exchange.Buy), emit))
	assert.Equal(t, 0, emitted)
	assert.True(t, e.Clock().IsZero())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(exchange.Coinbase, "BTC-USD", orderbook.RenderConfig{}, 0)
	assert.Error(t, err)
	_, err = New("kraken", "BTC-USD", orderbook.RenderConfig{}, time.Second)
	assert.ErrorIs(t, err, orderbook.ErrUnsupportedExchange)
}

func TestReplayMatchesLivePath(t *testing.T) {
	cfg := orderbook.RenderConfig{Depth: 3, IncludeOrderFlow: true}
	e, err := New(exchange.Coinbase, "BTC-USD", cfg, time.Second)
	require.NoError(t, err)
	live, err := orderbook.New(exchange.Coinbase, "BTC-USD", cfg)
	require.NoError(t, err)

	noop := func(orderbook.Snapshot) error { return nil }
	for i, tk := range recorded() {
		outcome := live.NewTick(tk)
		require.NoError(t, e.Step(tk, noop))

		want, got := live.Depth(0), e.Book().Depth(0)
		assert.Equal(t, want.Bids, got.Bids, "bids after tick %d (%s)", i, outcome)
		assert.Equal(t, want.Asks, got.Asks, "asks after tick %d", i)
		assert.Equal(t, live.Sequence(), e.Book().Sequence(), "sequence after tick %d", i)
		assert.Equal(t, live.Ready(), e.Book().Ready(), "ready after tick %d", i)
	}
	assert.Equal(t, 1, e.Result().Resyncs)
	assert.True(t, e.Book().Ready())
	assert.Equal(t, int64(111), e.Book().Sequence())
}

func TestReplayFromTickStore(t *testing.T) {
	store, err := tickstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Record(recorded()...))

	e, err := New(exchange.Coinbase, "BTC-USD", orderbook.RenderConfig{Depth: 2, IncludeOrderFlow: true}, time.Second)
	require.NoError(t, err)

	var snaps []orderbook.Snapshot
	res, err := e.Replay(context.Background(), store, time.Time{}, time.Time{}, func(s orderbook.Snapshot) error {
		snaps = append(snaps, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(recorded()), res.Ticks)
	assert.Equal(t, len(snaps), res.Snapshots)
	for i := 1; i < len(snaps); i++ {
		assert.True(t, snaps[i].Time.After(snaps[i-1].Time), "snapshot times strictly increase")
	}
}
