package orderbook

import (
	"errors"
	"fmt"

	"lobfeed/internal/exchange"
)

// ErrUnsupportedExchange is returned for venues without a sequence guard
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Verdict is a guard's decision about one delta
type Verdict int

const (
	Accept Verdict = iota
	Stale
	Gap
)

// Recovery is how a venue's book is rebuilt after a gap
type Recovery int

const (
	// RecoverSnapshot fetches a fresh snapshot out of band
	RecoverSnapshot Recovery = iota
	// RecoverReconnect clears the book and resubscribes; the venue resends its snapshot
	RecoverReconnect
)

func (r Recovery) String() string {
	if r == RecoverSnapshot {
		return "snapshot"
	}
	return "reconnect"
}

// SequenceGuard decides whether a delta may be applied and how to recover from a gap
type SequenceGuard interface {
	// Admit checks an incoming delta against the book's current sequence
	Admit(current int64, t exchange.Tick) Verdict
	// Sequenced reports whether accepted deltas advance the book sequence
	Sequenced() bool
	// StrictIndex reports whether a remove or change for an unknown order means the book diverged
	StrictIndex() bool
	// Recovery returns the resync strategy
	Recovery() Recovery
}

// SequencedGuard enforces strictly consecutive sequence numbers (Coinbase full channel)
type SequencedGuard struct{}

func (SequencedGuard) Admit(current int64, t exchange.Tick) Verdict {
	diff := t.Sequence - current
	switch {
	case diff == 1:
		return Accept
	case diff <= 0:
		return Stale
	default:
		return Gap
	}
}

func (SequencedGuard) Sequenced() bool    { return true }
func (SequencedGuard) StrictIndex() bool  { return false }
func (SequencedGuard) Recovery() Recovery { return RecoverSnapshot }

// UnsequencedGuard admits everything; divergence shows up as index misses (Bitfinex raw book)
type UnsequencedGuard struct{}

func (UnsequencedGuard) Admit(int64, exchange.Tick) Verdict { return Accept }
func (UnsequencedGuard) Sequenced() bool                    { return false }
func (UnsequencedGuard) StrictIndex() bool                  { return true }
func (UnsequencedGuard) Recovery() Recovery                 { return RecoverReconnect }

// NewGuard returns the guard for an exchange
func NewGuard(name exchange.ExchangeName) (SequenceGuard, error) {
	switch name {
	case exchange.Coinbase:
		return SequencedGuard{}, nil
	case exchange.Bitfinex:
		return UnsequencedGuard{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
}
