package orderbook

import (
	"testing"

	"lobfeed/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderConfigWidth(t *testing.T) {
	assert.Equal(t, 152, RenderConfig{Depth: 15, IncludeOrderFlow: true}.Width())
	assert.Equal(t, 62, RenderConfig{Depth: 15}.Width())
	assert.Equal(t, 152, RenderConfig{IncludeOrderFlow: true}.Width(), "depth defaults to 15")

	names := ColumnNames(RenderConfig{Depth: 2, IncludeOrderFlow: true})
	require.Len(t, names, RenderConfig{Depth: 2, IncludeOrderFlow: true}.Width())
	assert.Equal(t, "bids_distance_0", names[0])
	assert.Equal(t, "bids_notional_0", names[2])
	assert.Equal(t, "asks_distance_0", names[10])
	assert.Equal(t, []string{"buys", "sells"}, names[len(names)-2:])
}

func TestRenderBookLayout(t *testing.T) {
	ob := newBook(t, exchange.Coinbase)
	ob.LoadBook(coinbaseSnapshot(100))

	// new limit order at 99 and a trade against the best ask
	require.Equal(t, Applied, ob.NewTick(seqTick(exchange.TickOpen, 101, "n", "99", "1", exchange.Buy)))
	require.Equal(t, Applied, ob.NewTick(seqTick(exchange.TickMatch, 102, "a1", "101", "0.5", exchange.Sell)))

	snap, err := ob.RenderBook(t0)
	require.NoError(t, err)
	require.Len(t, snap.Vector, RenderConfig{Depth: 3, IncludeOrderFlow: true}.Width())
	assert.Equal(t, 100.5, snap.Midpoint)
	assert.Equal(t, 1.0, snap.Spread)
	assert.Equal(t, int64(102), snap.Sequence)

	depth := 3
	bidDist := snap.Vector[0:depth]
	bidNotional := snap.Vector[depth : 2*depth]
	bidLimit := snap.Vector[3*depth : 4*depth]
	askDist := snap.Vector[5*depth : 6*depth]
	askNotional := snap.Vector[6*depth : 7*depth]
	askMarket := snap.Vector[9*depth : 10*depth]
	buys, sells := snap.Vector[10*depth], snap.Vector[10*depth+1]

	// bids: 100 (1), 99 (2+1), padded
	assert.InDelta(t, 100/100.5-1, bidDist[0], 1e-12)
	assert.InDelta(t, 99/100.5-1, bidDist[1], 1e-12)
	assert.Equal(t, 0.0, bidDist[2])
	assert.Equal(t, []float64{100, 100 + 297, 0}, bidNotional)
	assert.Equal(t, []float64{0, 99, 0}, bidLimit)

	// asks: 101 (0.5 left), 102 (3)
	assert.InDelta(t, 101/100.5-1, askDist[0], 1e-12)
	assert.Equal(t, []float64{50.5, 50.5 + 306, 0}, askNotional)
	assert.Equal(t, []float64{50.5, 0, 0}, askMarket)
	assert.Equal(t, 50.5, buys)
	assert.Equal(t, 0.0, sells)

	// trackers reset by render
	again, err := ob.RenderBook(t0)
	require.NoError(t, err)
	for i := 2 * depth; i < 5*depth; i++ {
		assert.Equal(t, 0.0, again.Vector[i], "bid flow %d", i)
	}
	assert.Equal(t, 0.0, again.Vector[10*depth])
}

func TestRenderMonotonicity(t *testing.T) {
	ob := newBook(t, exchange.Coinbase)
	ob.LoadBook(coinbaseSnapshot(100))
	snap, err := ob.RenderBook(t0)
	require.NoError(t, err)

	bidDist := snap.Vector[0:2]
	askDist := snap.Vector[15:17]
	for i := range bidDist {
		assert.Less(t, bidDist[i], 0.0)
		assert.Greater(t, askDist[i], 0.0)
	}
	assert.Greater(t, bidDist[0], bidDist[1], "index 0 is best bid")
	assert.Less(t, askDist[0], askDist[1], "index 0 is best ask")
}

func TestRenderWithoutOrderFlow(t *testing.T) {
	ob, err := New(exchange.Coinbase, "BTC-USD", RenderConfig{Depth: 2})
	require.NoError(t, err)
	ob.LoadBook(coinbaseSnapshot(100))

	snap, err := ob.RenderBook(t0)
	require.NoError(t, err)
	require.Len(t, snap.Vector, 10)
	assert.Equal(t, []float64{100, 298}, snap.Vector[2:4])
	assert.Equal(t, []float64{101, 407}, snap.Vector[6:8])
}

func TestRenderOneSidedBook(t *testing.T) {
	ob := newBook(t, exchange.Coinbase)
	snap := coinbaseSnapshot(100)
	snap.Asks = nil
	ob.LoadBook(snap)
	require.True(t, ob.Ready())

	ob.NewTick(seqTick(exchange.TickMatch, 101, "b1", "100", "0.5", exchange.Buy))
	_, err := ob.RenderBook(t0)
	assert.ErrorIs(t, err, ErrOneSidedBook)
	assert.Equal(t, "50", ob.sellNotional.String(), "failed render does not reset trackers")
}
