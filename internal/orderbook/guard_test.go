package orderbook

import (
	"testing"

	"lobfeed/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencedGuardAdmit(t *testing.T) {
	g := SequencedGuard{}
	tests := []struct {
		current, incoming int64
		want              Verdict
	}{
		{100, 101, Accept},
		{101, 101, Stale},
		{101, 90, Stale},
		{101, 105, Gap},
		{101, 103, Gap},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Admit(tt.current, exchange.Tick{Sequence: tt.incoming}), "current=%d incoming=%d", tt.current, tt.incoming)
	}
	assert.True(t, g.Sequenced())
	assert.False(t, g.StrictIndex())
	assert.Equal(t, RecoverSnapshot, g.Recovery())
}

func TestUnsequencedGuardAdmit(t *testing.T) {
	g := UnsequencedGuard{}
	assert.Equal(t, Accept, g.Admit(0, exchange.Tick{}))
	assert.Equal(t, Accept, g.Admit(5, exchange.Tick{Sequence: 1}))
	assert.False(t, g.Sequenced())
	assert.True(t, g.StrictIndex())
	assert.Equal(t, RecoverReconnect, g.Recovery())
}

func TestNewGuard(t *testing.T) {
	g, err := NewGuard(exchange.Coinbase)
	require.NoError(t, err)
	assert.IsType(t, SequencedGuard{}, g)

	g, err = NewGuard(exchange.Bitfinex)
	require.NoError(t, err)
	assert.IsType(t, UnsequencedGuard{}, g)

	_, err = NewGuard("kraken")
	assert.ErrorIs(t, err, ErrUnsupportedExchange)
}
