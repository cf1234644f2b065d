package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TicksTotal            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_ticks_total", Help: "Ticks processed by outcome"}, []string{"exchange", "symbol", "outcome"})
	DecodeErrorsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_decode_errors_total", Help: "Frames dropped because they could not be decoded"}, []string{"exchange", "symbol"})
	ResyncsTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_resyncs_total", Help: "Book resyncs by exchange and recovery"}, []string{"exchange", "symbol", "recovery"})
	WSReconnectsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_ws_reconnects_total", Help: "WS reconnects by exchange"}, []string{"exchange", "symbol"})
	ConnectorState        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "lobfeed_connector_state", Help: "Feed connector state (0 disconnected .. 5 given up)"}, []string{"exchange", "symbol"})
	RendersTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_renders_total", Help: "Snapshots rendered"}, []string{"exchange", "symbol"})
	QueueDepth            = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "lobfeed_queue_depth", Help: "Envelopes waiting in the instrument mailbox"}, []string{"exchange", "symbol"})
	BookLevels            = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "lobfeed_book_levels", Help: "Price levels per side"}, []string{"exchange", "symbol", "side"})
	SnapshotsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_snapshots_dropped_total", Help: "Rendered snapshots dropped because the publisher was full"}, []string{"exchange", "symbol"})
	SinkErrorsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lobfeed_sink_errors_total", Help: "Snapshot publish failures by sink"}, []string{"sink"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		TicksTotal, DecodeErrorsTotal, ResyncsTotal, WSReconnectsTotal, ConnectorState,
		RendersTotal, QueueDepth, BookLevels, SnapshotsDroppedTotal, SinkErrorsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
