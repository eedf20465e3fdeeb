// Package monitoring exports engine telemetry to Prometheus. The
// collector is a bus subscriber: it folds stats and lifecycle events into
// metrics, so the frame path never touches a metrics registry directly.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/engine/eventbus"
)

// Metrics is the registered metric set.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	ViewersActive   prometheus.Gauge
	FramesCaptured  *prometheus.CounterVec
	FramesEncoded   *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	CurrentBitrate  *prometheus.GaugeVec
	EncodeTime      *prometheus.GaugeVec
	Underruns       *prometheus.CounterVec
	QualityChanges  *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

// NewMetrics registers the metric set on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kizuna_sessions_active",
			Help: "Number of live streaming sessions.",
		}),
		ViewersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kizuna_viewers_active",
			Help: "Number of connected viewers across all sessions.",
		}),
		FramesCaptured: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_frames_captured_total",
			Help: "Raw frames produced by capture.",
		}, []string{"session"}),
		FramesEncoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_frames_encoded_total",
			Help: "Frames emitted by the encoder.",
		}, []string{"session"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_frames_dropped_total",
			Help: "Frames dropped on the send path.",
		}, []string{"session"}),
		BytesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_bytes_sent_total",
			Help: "Payload bytes handed to the transport.",
		}, []string{"session"}),
		CurrentBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kizuna_current_bitrate_bps",
			Help: "Active encoder bitrate.",
		}, []string{"session"}),
		EncodeTime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kizuna_encode_time_seconds",
			Help: "Smoothed per-frame encode time.",
		}, []string{"session"}),
		Underruns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_underruns_total",
			Help: "Play-out underruns observed by receivers.",
		}, []string{"session"}),
		QualityChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_quality_changes_total",
			Help: "Operating point changes by reason.",
		}, []string{"reason"}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_events_total",
			Help: "Bus events observed by type.",
		}, []string{"type"}),
	}
}

// Collector folds bus events into metrics.
type Collector struct {
	metrics *Metrics
	bus     *eventbus.Bus
	log     *zap.SugaredLogger

	// last observed cumulative counters per session, to emit deltas
	last map[domain.SessionID]domain.SessionStats
}

// NewCollector builds a collector over the bus.
func NewCollector(metrics *Metrics, bus *eventbus.Bus, log *zap.SugaredLogger) *Collector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Collector{
		metrics: metrics,
		bus:     bus,
		log:     log,
		last:    make(map[domain.SessionID]domain.SessionStats),
	}
}

// Run consumes events until ctx ends.
func (c *Collector) Run(ctx context.Context) {
	events, unsubscribe := c.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev domain.Event) {
	c.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case domain.EventSessionStarted:
		c.metrics.SessionsActive.Inc()
	case domain.EventSessionStopped:
		c.metrics.SessionsActive.Dec()
		delete(c.last, ev.Session)
	case domain.EventViewerConnected:
		c.metrics.ViewersActive.Inc()
	case domain.EventViewerDisconnected:
		c.metrics.ViewersActive.Dec()
	case domain.EventQualityChanged:
		c.metrics.QualityChanges.WithLabelValues(string(ev.Reason)).Inc()
	case domain.EventStatsUpdated:
		if ev.Stats != nil {
			c.fold(ev.Session, *ev.Stats)
		}
	}
}

// fold emits counter deltas against the previous cumulative snapshot.
func (c *Collector) fold(id domain.SessionID, s domain.SessionStats) {
	prev := c.last[id]
	c.last[id] = s
	label := string(id)

	c.metrics.FramesCaptured.WithLabelValues(label).Add(delta(s.FramesCaptured, prev.FramesCaptured))
	c.metrics.FramesEncoded.WithLabelValues(label).Add(delta(s.FramesEncoded, prev.FramesEncoded))
	c.metrics.FramesDropped.WithLabelValues(label).Add(delta(s.FramesDropped, prev.FramesDropped))
	c.metrics.BytesSent.WithLabelValues(label).Add(delta(s.BytesSent, prev.BytesSent))
	c.metrics.Underruns.WithLabelValues(label).Add(delta(s.Underruns, prev.Underruns))
	c.metrics.CurrentBitrate.WithLabelValues(label).Set(float64(s.CurrentBitrate))
	c.metrics.EncodeTime.WithLabelValues(label).Set(s.AvgEncodeTime.Seconds())
}

func delta(now, prev uint64) float64 {
	if now < prev {
		return 0
	}
	return float64(now - prev)
}

// Serve exposes /metrics on the given port until ctx ends.
func Serve(ctx context.Context, port int, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infow("metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
