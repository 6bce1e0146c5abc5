// Package metrics exposes job counters to Prometheus.
package metrics

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "vecprep"

// Metrics holds the job's collectors. A nil *Metrics records nothing.
type Metrics struct {
	MapRecords    prometheus.Counter
	MapSkipped    prometheus.Counter
	ReduceGroups  prometheus.Counter
	ReduceRecords prometheus.Counter
	ReduceEmitted prometheus.Counter
	ReduceDropped prometheus.Counter
	GroupSize     prometheus.Histogram
	JobRunning    prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MapRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "map_records_total",
			Help:      "Input records read by map tasks.",
		}),
		MapSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "map_records_skipped_total",
			Help:      "Input records without a derivable label.",
		}),
		ReduceGroups: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reduce_groups_total",
			Help:      "Label groups reduced.",
		}),
		ReduceRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reduce_records_total",
			Help:      "Records consumed by reduce tasks.",
		}),
		ReduceEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reduce_records_emitted_total",
			Help:      "Records written to the output.",
		}),
		ReduceDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reduce_records_dropped_total",
			Help:      "Records dropped by the per-label cap.",
		}),
		GroupSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reduce_group_size",
			Help:      "Records per label group before capping.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),
		JobRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while a job is running.",
		}),
	}
}

// ObserveMap records one finished map task.
func (m *Metrics) ObserveMap(read, skipped int64) {
	if m == nil {
		return
	}
	m.MapRecords.Add(float64(read))
	m.MapSkipped.Add(float64(skipped))
}

// ObserveGroup records one reduced label group.
func (m *Metrics) ObserveGroup(read, emitted int64) {
	if m == nil {
		return
	}
	m.ReduceGroups.Inc()
	m.ReduceRecords.Add(float64(read))
	m.ReduceEmitted.Add(float64(emitted))
	m.ReduceDropped.Add(float64(read - emitted))
	m.GroupSize.Observe(float64(read))
}

func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.JobRunning.Set(1)
	} else {
		m.JobRunning.Set(0)
	}
}

// Handler returns a router serving g on /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	muxxer := mux.NewRouter()
	muxxer.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return muxxer
}

// Serve serves Handler(g) on addr in the background and returns the server
// and its bound address.
func Serve(addr string, g prometheus.Gatherer) (*http.Server, net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: Handler(g)}
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("[Metrics] server stopped")
		}
	}()
	log.WithField("addr", lis.Addr().String()).Info("[Metrics] serving metrics")
	return srv, lis.Addr(), nil
}
