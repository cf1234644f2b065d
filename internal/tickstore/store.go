package tickstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lobfeed/internal/exchange"

	"github.com/cockroachdb/pebble"
)

// Store records canonical ticks per instrument in processing order.
// Keys are tick/<exchange>/<symbol>/ followed by the big-endian record time and a counter,
// so a range scan returns ticks in the order they were applied.
type Store struct {
	db  *pebble.DB
	now func() time.Time

	mu       sync.Mutex
	lastNano int64
	counter  uint64
}

// Open opens (or creates) a store in dir
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open tick store %s: %w", dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close flushes and closes the store
func (s *Store) Close() error {
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Record appends ticks in order as one batch
func (s *Store) Record(ticks ...exchange.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, t := range ticks {
		val, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode tick: %w", err)
		}
		nano, counter := s.next()
		if err := batch.Set(key(t.Exchange, t.Symbol, nano, counter), val, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// next returns a strictly increasing (time, counter) pair
func (s *Store) next() (int64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nano := s.now().UnixNano()
	if nano < s.lastNano {
		nano = s.lastNano
	}
	s.lastNano = nano
	s.counter++
	return nano, s.counter
}

// Range calls fn for every tick of an instrument recorded in [from, to), in record order.
// A zero to means no upper bound.
func (s *Store) Range(ctx context.Context, name exchange.ExchangeName, symbol string, from, to time.Time, fn func(exchange.Tick) error) error {
	lower := key(name, symbol, from.UnixNano(), 0)
	upper := append(prefix(name, symbol), 0xff)
	if !to.IsZero() {
		upper = key(name, symbol, to.UnixNano(), 0)
	}
	if from.IsZero() {
		lower = prefix(name, symbol)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var t exchange.Tick
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return fmt.Errorf("decode tick at %x: %w", iter.Key(), err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefix(name exchange.ExchangeName, symbol string) []byte {
	return []byte(fmt.Sprintf("tick/%s/%s/", name, symbol))
}

func key(name exchange.ExchangeName, symbol string, nano int64, counter uint64) []byte {
	p := prefix(name, symbol)
	k := make([]byte, len(p)+16)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], uint64(nano))
	binary.BigEndian.PutUint64(k[len(p)+8:], counter)
	return k
}
