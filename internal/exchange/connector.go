package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lobfeed/internal/logging"
	"lobfeed/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State of a feed connector
type State int32

const (
	Disconnected State = iota
	Connecting
	SubscriptionSent
	Streaming
	Reconnecting
	GivenUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case SubscriptionSent:
		return "subscription_sent"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case GivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ReconnectPolicy bounds the reconnect loop
type ReconnectPolicy struct {
	// MaxAttempts is the number of consecutive reconnects allowed before giving up
	MaxAttempts int
	// MinWait is the minimum time between two subscribes
	MinWait time.Duration
}

// EventKind distinguishes connector events
type EventKind int

const (
	// EventStreaming is emitted every time the connector (re)enters Streaming
	EventStreaming EventKind = iota
	// EventTicks carries the ticks decoded from one frame
	EventTicks
)

// Event is what the connector hands to its consumer
type Event struct {
	Kind    EventKind
	Session string
	Ticks   []Tick
}

// Emitter delivers events to the consumer. It blocks under backpressure and
// returns an error only when ctx is done.
type Emitter func(ctx context.Context, ev Event) error

// ConnectorConfig configures a Connector
type ConnectorConfig struct {
	Policy      ReconnectPolicy
	ReadTimeout time.Duration
	Dial        Dialer
}

// Connector drives one venue subscription through
// Disconnected -> Connecting -> SubscriptionSent -> Streaming, reconnecting on failure.
type Connector struct {
	venue       Venue
	dial        Dialer
	policy      ReconnectPolicy
	readTimeout time.Duration
	emit        Emitter
	log         zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	state  atomic.Int32
	health atomic.Value
	kick   chan struct{}

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          Conn
	retries       int
	lastSubscribe time.Time
	lastAttempt   time.Time
}

// NewConnector creates a connector for venue delivering events to emit
func NewConnector(venue Venue, cfg ConnectorConfig, emit Emitter) *Connector {
	dial := cfg.Dial
	if dial == nil {
		dial = NewDialer(10 * time.Second)
	}
	c := &Connector{
		venue:       venue,
		dial:        dial,
		policy:      cfg.Policy,
		readTimeout: cfg.ReadTimeout,
		emit:        emit,
		log:         logging.For("connector", string(venue.Name()), venue.Symbol()),
		now:         time.Now,
		sleep:       sleepContext,
		kick:        make(chan struct{}, 1),
	}
	c.health.Store(HealthStatus{})
	return c
}

// State returns the current connector state
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Retries returns the current consecutive reconnect count
func (c *Connector) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// LastSubscribe returns when the connector last entered Streaming
func (c *Connector) LastSubscribe() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSubscribe
}

// Health returns connection health information
func (c *Connector) Health() HealthStatus {
	if status, ok := c.health.Load().(HealthStatus); ok {
		return status
	}
	return HealthStatus{}
}

// Run connects and keeps the subscription alive until ctx is done (returns nil)
// or the reconnect budget is exhausted (returns an error wrapping ErrGivenUp).
func (c *Connector) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return nil
		}

		c.setState(Reconnecting)
		c.updateConnectionStatus(false)
		metrics.WSReconnectsTotal.WithLabelValues(string(c.venue.Name()), c.venue.Symbol()).Inc()

		c.mu.Lock()
		c.retries++
		retries := c.retries
		since := c.lastSubscribe
		if c.lastAttempt.After(since) {
			since = c.lastAttempt
		}
		c.mu.Unlock()

		if retries > c.policy.MaxAttempts {
			c.setState(GivenUp)
			c.log.Error().Err(err).Int("attempts", retries-1).Msg("Reconnect budget exhausted, giving up")
			return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrGivenUp, c.venue.Name(), c.venue.Symbol(), retries-1, err)
		}

		wait := c.policy.MinWait - c.now().Sub(since)
		c.log.Warn().Err(err).Int("retry", retries).Dur("wait", max(wait, 0)).Msg("Connection lost, reconnecting")
		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				c.setState(Disconnected)
				return nil
			}
		}
	}
}

// session runs one connection from dial to the first read error
func (c *Connector) session(ctx context.Context) error {
	select {
	case <-c.kick:
	default:
	}

	c.setState(Connecting)
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.venue.URL())
	if err != nil {
		c.incrementErrorCount()
		return fmt.Errorf("dial %s: %w", c.venue.URL(), err)
	}
	defer conn.Close()

	c.venue.Reset()
	c.setState(SubscriptionSent)
	for _, req := range c.venue.SubscribeRequests() {
		if err := c.write(conn, req); err != nil {
			c.incrementErrorCount()
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	session := uuid.NewString()
	c.mu.Lock()
	c.conn = conn
	c.retries = 0
	c.lastSubscribe = c.now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(Streaming)
	c.updateConnectionStatus(true)
	c.log.Info().Str("session", session).Msg("Subscribed, streaming")

	if err := c.emit(ctx, Event{Kind: EventStreaming, Session: session}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.kick:
			c.log.Info().Str("session", session).Msg("Forced reconnect")
		case <-done:
			return
		}
		conn.Close()
	}()

	for {
		if c.readTimeout > 0 {
			_ = conn.SetReadDeadline(c.now().Add(c.readTimeout))
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.incrementErrorCount()
			return fmt.Errorf("websocket read: %w", err)
		}
		c.incrementMessageCount()

		ticks, err := c.venue.Decode(frame, c.now())
		if errors.Is(err, ErrReconnectRequested) {
			return err
		}
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(string(c.venue.Name()), c.venue.Symbol()).Inc()
			c.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		if len(ticks) == 0 {
			continue
		}
		if err := c.emit(ctx, Event{Kind: EventTicks, Session: session, Ticks: ticks}); err != nil {
			return err
		}
	}
}

// Reconnect closes the current connection so Run resubscribes
func (c *Connector) Reconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Unsubscribe sends the venue's unsubscribe requests on the live connection.
// Failures are logged and otherwise ignored.
func (c *Connector) Unsubscribe() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for _, req := range c.venue.UnsubscribeRequests() {
		if err := c.write(conn, req); err != nil {
			c.log.Debug().Err(err).Msg("Unsubscribe failed")
			return
		}
	}
}

func (c *Connector) write(conn Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	metrics.ConnectorState.WithLabelValues(string(c.venue.Name()), c.venue.Symbol()).Set(float64(s))
}

// updateConnectionStatus updates the connection status in health
func (c *Connector) updateConnectionStatus(connected bool) {
	status := c.Health()
	status.Connected = connected
	if !connected {
		now := c.now()
		status.ReconnectTime = &now
	}
	c.health.Store(status)
}

// incrementMessageCount increments the message counter and stamps the last message time
func (c *Connector) incrementMessageCount() {
	status := c.Health()
	status.MessageCount++
	status.LastMessage = c.now()
	c.health.Store(status)
}

// incrementErrorCount increments the error counter
func (c *Connector) incrementErrorCount() {
	status := c.Health()
	status.ErrorCount++
	c.health.Store(status)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
