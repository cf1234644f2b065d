package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lobfeed/internal/api"
	"lobfeed/internal/config"
	"lobfeed/internal/engine"
	"lobfeed/internal/exchange"
	"lobfeed/internal/factory"
	"lobfeed/internal/logging"
	"lobfeed/internal/metrics"
	"lobfeed/internal/orderbook"
	"lobfeed/internal/replay"
	"lobfeed/internal/runner"
	"lobfeed/internal/sink"
	"lobfeed/internal/tickstore"
	"lobfeed/internal/websocket"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Parse command line flags
	var configPath = flag.String("config", "", "Path to a YAML config file")
	var mode = flag.String("mode", "live", "live: stream every configured instrument; replay: rebuild one instrument from the tick store")
	var exchangeName = flag.String("exchange", string(exchange.Coinbase), fmt.Sprintf("Exchange to replay %v", exchange.SupportedExchanges()))
	var symbol = flag.String("symbol", "", "Symbol override for every configured exchange (live) or the replayed instrument")
	var from = flag.String("from", "", "Replay start (RFC3339), empty for the first recorded tick")
	var to = flag.String("to", "", "Replay end (RFC3339, exclusive), empty for the last recorded tick")
	var logInterval = flag.Duration("log-interval", 10*time.Second, "Interval for logging orderbook stats, 0 to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		for i := range cfg.Exchanges {
			cfg.Exchanges[i].Symbol = *symbol
		}
	}

	logging.Setup(cfg.Log)
	reg := metrics.Init(log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		err = runLive(ctx, cfg, reg, *logInterval)
	case "replay":
		replaySymbol := *symbol
		if replaySymbol == "" {
			replaySymbol = "BTC-USD"
		}
		err = runReplay(ctx, cfg, config.ExchangeConfig{Name: exchange.ExchangeName(*exchangeName), Symbol: replaySymbol}, *from, *to)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("Exiting")
	}
	log.Info().Msg("Goodbye!")
}

func getExchangeNames(exchanges []config.ExchangeConfig) []string {
	names := make([]string, len(exchanges))
	for i, ex := range exchanges {
		names[i] = fmt.Sprintf("%s:%s", ex.Name, ex.Symbol)
	}
	return names
}

// externalSinks builds the Kafka and Redis sinks that are configured
func externalSinks(cfg config.Config) []sink.Sink {
	var sinks []sink.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka sink enabled")
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, sink.NewRedisSink(client, cfg.Redis.Channel, cfg.Redis.TTL))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis sink enabled")
	}
	return sinks
}

func renderConfig(cfg config.Config) orderbook.RenderConfig {
	return orderbook.RenderConfig{
		Depth:            cfg.Render.Depth,
		IncludeOrderFlow: cfg.Render.IncludeOrderFlow,
	}
}

func runLive(ctx context.Context, cfg config.Config, reg *prometheus.Registry, logInterval time.Duration) error {
	log.Info().Strs("instruments", getExchangeNames(cfg.Exchanges)).Msg("Starting multi-exchange order book feed")

	var recorder engine.Recorder
	if cfg.Store.Path != "" {
		store, err := tickstore.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
		log.Info().Str("path", cfg.Store.Path).Msg("Recording ticks")
	}

	window := sink.NewWindow(cfg.App.SnapshotWindow)
	hub := websocket.NewHub(cfg.App.PublishBuffer)
	external := externalSinks(cfg)
	dispatcher := sink.NewDispatcher(cfg.App.PublishBuffer, append([]sink.Sink{window, hub}, external...)...)
	defer dispatcher.Close()

	// Redis keeps the latest snapshot across restarts; the window only since startup
	var latest api.Latest = window
	for _, s := range external {
		if r, ok := s.(*sink.RedisSink); ok {
			latest = r
		}
	}

	instruments := make([]*engine.Instrument, 0, len(cfg.Exchanges))
	for _, exCfg := range cfg.Exchanges {
		venue, err := factory.NewVenue(exCfg, cfg)
		if err != nil {
			return err
		}
		in, err := engine.NewInstrument(venue, engine.InstrumentConfig{
			Render:    renderConfig(cfg),
			Interval:  cfg.Render.Interval,
			QueueSize: cfg.App.QueueSize,
			Connector: exchange.ConnectorConfig{
				Policy: exchange.ReconnectPolicy{
					MaxAttempts: cfg.Connector.MaxReconnectAttempts,
					MinWait:     cfg.Connector.ReconnectMinWait,
				},
				ReadTimeout: cfg.Connector.ReadTimeout,
				Dial:        exchange.NewDialer(cfg.Connector.HandshakeTimeout),
			},
		}, recorder, dispatcher)
		if err != nil {
			return fmt.Errorf("%s %s: %w", exCfg.Name, exCfg.Symbol, err)
		}
		instruments = append(instruments, in)
	}
	manager, err := engine.NewManager(instruments...)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Options{
		Addr:    cfg.HTTP.Addr,
		Books:   manager,
		History: window,
		Latest:  latest,
		Columns: orderbook.ColumnNames(renderConfig(cfg)),
		Metrics: metrics.Handler(reg),
		Stream:  hub,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g runner.Group
	g.Go(ctx, dispatcher.Run)
	g.Go(ctx, hub.Run)
	serverDone := g.Go(ctx, server.Run)
	managerDone := g.Go(ctx, manager.Run)
	if logInterval > 0 {
		g.Go(ctx, func(ctx context.Context) error {
			logStats(ctx, manager, logInterval)
			return nil
		})
	}

	var runErr error
	select {
	case runErr = <-managerDone:
		// every instrument stopped
	case err := <-serverDone:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	}
	cancel()
	g.Wait()

	if runErr == nil {
		runErr = drainFailures(manager)
	}
	return runErr
}

func drainFailures(m *engine.Manager) error {
	var errs []error
	for {
		select {
		case err := <-m.Failures():
			errs = append(errs, err)
		default:
			return errors.Join(errs...)
		}
	}
}

func runReplay(ctx context.Context, cfg config.Config, exCfg config.ExchangeConfig, fromStr, toStr string) error {
	if cfg.Store.Path == "" {
		return errors.New("replay needs store.path")
	}
	from, err := parseTime(fromStr)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	to, err := parseTime(toStr)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	venue, err := factory.NewVenue(exCfg, cfg)
	if err != nil {
		return err
	}
	store, err := tickstore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := replay.New(venue.Name(), venue.Symbol(), renderConfig(cfg), cfg.Render.Interval)
	if err != nil {
		return err
	}

	sinks := externalSinks(cfg)
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()
	emit := func(snap orderbook.Snapshot) error {
		log.Debug().Time("time", snap.Time).Float64("mid", snap.Midpoint).Msg("Snapshot")
		for _, s := range sinks {
			if err := s.Publish(ctx, snap); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
		}
		return nil
	}

	log.Info().
		Str("exchange", string(venue.Name())).
		Str("symbol", venue.Symbol()).
		Time("from", from).
		Time("to", to).
		Msg("Replaying recorded ticks")
	res, err := eng.Replay(ctx, store, from, to, emit)
	if err != nil {
		return err
	}
	stats := eng.Book().Stats()
	log.Info().
		Int("ticks", res.Ticks).
		Int("applied", res.Applied).
		Int("ignored", res.Ignored).
		Int("snapshots", res.Snapshots).
		Str("best_bid", stats.BestBid.String()).
		Str("best_ask", stats.BestAsk.String()).
		Msg("Replay complete")
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

// logStats periodically prints the top of every ready book
func logStats(ctx context.Context, m *engine.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printCombinedStats(ctx, m)
		}
	}
}

func printCombinedStats(ctx context.Context, m *engine.Manager) {
	fmt.Println()
	for _, h := range m.Health() {
		fmt.Printf("%s%s %s%s  state: %s  retries: %d\n", colorBold, h.Exchange, h.Symbol, colorReset, h.State, h.Retries)
		if !h.Ready {
			continue
		}

		queryCtx, cancel := context.WithTimeout(ctx, time.Second)
		depth, err := m.Depth(queryCtx, h.Exchange, h.Symbol, 1)
		cancel()
		if err != nil {
			continue
		}
		stats := depth.Stats
		midPrice := stats.BestBid.Add(stats.BestAsk).Div(decimal.NewFromInt(2))

		fmt.Printf("  Mid: %s%10s%s │ Spread: %s%8s%s | BB: %s%10s%s │ BA: %s%10s%s\n",
			colorYellow, midPrice.StringFixed(2), colorReset,
			colorMagenta, stats.Spread.StringFixed(4), colorReset,
			colorGreen, stats.BestBid.StringFixed(2), colorReset,
			colorRed, stats.BestAsk.StringFixed(2), colorReset)
		fmt.Printf("  LEVELS Bids: %s%6d%s │ Asks: %s%6d%s │ Seq: %d │ Events: %d\n",
			colorGreen, stats.BidLevels, colorReset,
			colorRed, stats.AskLevels, colorReset,
			stats.Sequence, stats.EventsProcessed)
	}
}
