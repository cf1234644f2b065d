package engine

import (
	"context"
	"errors"
	"fmt"

	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"
	"lobfeed/internal/runner"

	"github.com/rs/zerolog/log"
)

// Manager runs independent instruments. One instrument giving up does not
// stop the others; its error is surfaced on Failures.
type Manager struct {
	instruments map[string]*Instrument
	order       []string
	failures    chan error
	group       runner.Group
}

func instrumentKey(name exchange.ExchangeName, symbol string) string {
	return string(name) + "/" + symbol
}

// NewManager creates a manager for the given instruments
func NewManager(instruments ...*Instrument) (*Manager, error) {
	m := &Manager{
		instruments: make(map[string]*Instrument, len(instruments)),
		failures:    make(chan error, len(instruments)),
	}
	for _, in := range instruments {
		key := instrumentKey(in.Exchange(), in.Symbol())
		if _, dup := m.instruments[key]; dup {
			return nil, fmt.Errorf("duplicate instrument %s", key)
		}
		m.instruments[key] = in
		m.order = append(m.order, key)
	}
	return m, nil
}

// Failures delivers the error of every instrument that stopped before ctx was done
func (m *Manager) Failures() <-chan error {
	return m.failures
}

// Run starts every instrument and blocks until all of them have stopped.
// It returns the joined failures.
func (m *Manager) Run(ctx context.Context) error {
	results := make([]<-chan error, 0, len(m.order))
	for _, key := range m.order {
		in := m.instruments[key]
		results = append(results, m.group.Go(ctx, func(ctx context.Context) error {
			err := in.Run(ctx)
			if err == nil {
				return nil
			}
			err = fmt.Errorf("%s: %w", key, err)
			log.Error().Err(err).Msg("Instrument stopped")
			m.failures <- err
			return err
		}))
		log.Info().Str("exchange", string(in.Exchange())).Str("symbol", in.Symbol()).Msg("Instrument started")
	}

	m.group.Wait()
	var errs []error
	for _, done := range results {
		if err := <-done; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrument looks up a running instrument
func (m *Manager) Instrument(name exchange.ExchangeName, symbol string) (*Instrument, error) {
	in, ok := m.instruments[instrumentKey(name, symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownInstrument, name, symbol)
	}
	return in, nil
}

// Depth reads the top n levels of one book
func (m *Manager) Depth(ctx context.Context, name exchange.ExchangeName, symbol string, n int) (orderbook.Depth, error) {
	in, err := m.Instrument(name, symbol)
	if err != nil {
		return orderbook.Depth{}, err
	}
	return in.Depth(ctx, n)
}

// Health reports every instrument in configuration order
func (m *Manager) Health() []InstrumentHealth {
	out := make([]InstrumentHealth, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.instruments[key].Health())
	}
	return out
}
