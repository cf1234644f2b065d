package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"lobfeed/internal/aggregation"
	"lobfeed/internal/engine"
	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"
	"lobfeed/internal/sink"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultLevels    = 50
	defaultSnapshots = 60
	queryTimeout     = 2 * time.Second
)

// Books answers depth and health queries for running instruments
type Books interface {
	Depth(ctx context.Context, name exchange.ExchangeName, symbol string, n int) (orderbook.Depth, error)
	Health() []engine.InstrumentHealth
}

// History serves recently rendered snapshots
type History interface {
	Recent(name exchange.ExchangeName, symbol string, n int) []orderbook.Snapshot
}

// Latest serves the most recent snapshot of a book
type Latest interface {
	Latest(ctx context.Context, name exchange.ExchangeName, symbol string) (orderbook.Snapshot, error)
}

// Options wires the server. Everything but Books is optional.
type Options struct {
	Addr    string
	Books   Books
	History History
	Latest  Latest
	Columns []string
	Metrics http.Handler
	Stream  http.Handler
}

// Server is the HTTP API
type Server struct {
	books   Books
	history History
	latest  Latest
	columns []string
	router  *mux.Router
	srv     *http.Server
	log     zerolog.Logger
}

// DepthResponse is a depth view with the running quantity of each side
type DepthResponse struct {
	orderbook.Depth
	Tick      aggregation.TickLevel `json:"tick"`
	BidTotals []decimal.Decimal     `json:"bid_totals"`
	AskTotals []decimal.Decimal     `json:"ask_totals"`
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status      string                    `json:"status"`
	Instruments []engine.InstrumentHealth `json:"instruments"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the API server and its routes
func NewServer(opts Options) *Server {
	s := &Server{
		books:   opts.Books,
		history: opts.History,
		latest:  opts.Latest,
		columns: opts.Columns,
		router:  mux.NewRouter(),
		log:     log.With().Str("component", "api").Logger(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/books/{exchange}/{symbol}/depth", s.handleDepth).Methods(http.MethodGet)
	if opts.History != nil {
		s.router.HandleFunc("/books/{exchange}/{symbol}/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	}
	if opts.Latest != nil {
		s.router.HandleFunc("/books/{exchange}/{symbol}/latest", s.handleLatest).Methods(http.MethodGet)
	}
	if opts.Columns != nil {
		s.router.HandleFunc("/columns", s.handleColumns).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics)
	}
	if opts.Stream != nil {
		s.router.Handle("/ws", opts.Stream)
	}

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server starting")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Instruments: s.books.Health()}
	status := http.StatusOK
	for _, h := range resp.Instruments {
		switch {
		case h.State == exchange.GivenUp.String():
			resp.Status = "failing"
			status = http.StatusServiceUnavailable
		case !h.Ready && resp.Status == "ok":
			resp.Status = "degraded"
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	levels, err := intParam(r, "levels", defaultLevels)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tick, err := aggregation.ParseTickLevel(r.URL.Query().Get("tick"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	// aggregate the whole book so buckets are complete, then cut
	n := levels
	if tick != aggregation.TickNone {
		n = 0
	}
	depth, err := s.books.Depth(ctx, exchange.ExchangeName(vars["exchange"]), vars["symbol"], n)
	if err != nil {
		s.writeBookError(w, err)
		return
	}
	agg := aggregation.New(tick)
	if tick != aggregation.TickNone {
		depth = agg.Depth(depth)
		depth.Bids = truncate(depth.Bids, levels)
		depth.Asks = truncate(depth.Asks, levels)
	}
	writeJSON(w, http.StatusOK, DepthResponse{
		Depth:     depth,
		Tick:      agg.GetTickLevel(),
		BidTotals: aggregation.Cumulative(depth.Bids),
		AskTotals: aggregation.Cumulative(depth.Asks),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	snap, err := s.latest.Latest(ctx, exchange.ExchangeName(vars["exchange"]), vars["symbol"])
	if err != nil {
		if errors.Is(err, sink.ErrNoSnapshot) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.log.Error().Err(err).Msg("Latest snapshot query failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleColumns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.columns)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := intParam(r, "n", defaultSnapshots)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snaps := s.history.Recent(exchange.ExchangeName(vars["exchange"]), vars["symbol"], n)
	if snaps == nil {
		snaps = []orderbook.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) writeBookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownInstrument):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.log.Error().Err(err).Msg("Depth query failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return v, nil
}

func truncate(levels []orderbook.LevelView, n int) []orderbook.LevelView {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
