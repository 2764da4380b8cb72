// Package metrics exports registry, group engine and storage metrics to
// Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupregistry"

type Config struct {
	ServiceName             string
	EnableDefaultCollectors bool
}

// Metrics implements the observer hooks of the registry, the group engine
// and the Pebble backend.
type Metrics struct {
	Registry *prometheus.Registry

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	appends    *prometheus.CounterVec
	retries    *prometheus.CounterVec
	synced     prometheus.Counter
	storeIO    *prometheus.HistogramVec
	storeBytes *prometheus.CounterVec
}

func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": cfg.ServiceName}, registry)

	if cfg.EnableDefaultCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
	}

	m := &Metrics{
		Registry: registry,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Registry operations by result.",
			},
			[]string{"op", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Registry operation latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		appends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_appends_total",
				Help:      "Records appended to group logs.",
			},
			[]string{"record"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Group operations retried after a conflict or transient error.",
			},
			[]string{"op"},
		),
		synced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_records_applied_total",
				Help:      "Log records applied to group indexes.",
			},
		),
		storeIO: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_io_duration_seconds",
				Help:      "Local store read and write latency.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
			[]string{"io"},
		),
		storeBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_bytes_total",
				Help:      "Bytes read from and written to the local store.",
			},
			[]string{"io"},
		),
	}
	reg.MustRegister(m.operations, m.latency, m.appends, m.retries, m.synced, m.storeIO, m.storeBytes)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(op string, elapsed time.Duration, err error) {
	m.operations.WithLabelValues(op, Result(err)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAppend(_ string, t records.RecordType) {
	m.appends.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) ObserveRetry(_ string, op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveSync(_ string, applied int) {
	m.synced.Add(float64(applied))
}

func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storeIO.WithLabelValues("write").Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storeIO.WithLabelValues("read").Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("read").Add(float64(bytes))
}

// Result is the result label of an operation error.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrIncompatibleSchema):
		return "IncompatibleSchema"
	case errors.Is(err, types.ErrPreconditionFailed):
		return "PreconditionFailed"
	case errors.Is(err, types.ErrFormatMismatch):
		return "FormatMismatch"
	case errors.Is(err, types.ErrCodecNotRegistered):
		return "CodecNotRegistered"
	case errors.Is(err, types.ErrInvalidSchema):
		return "InvalidSchema"
	case errors.Is(err, types.ErrUnknownFormat):
		return "UnknownFormat"
	default:
		return storage.KindOf(err).String()
	}
}
