package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupportedExchanges(t *testing.T) {
	assert.ElementsMatch(t, []ExchangeName{Coinbase, Bitfinex}, SupportedExchanges())
	assert.True(t, Coinbase.Supported())
	assert.True(t, ExchangeName("bitfinex").Supported())
	assert.False(t, ExchangeName("binance").Supported())
}
