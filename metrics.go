package rwlocktrace

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports lock activity to Prometheus. One Metrics may be shared by
// any number of locks; series are labelled by lock name and mode.
type Metrics struct {
	acquisitions  *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	held          *prometheus.GaugeVec
	holdSeconds   *prometheus.HistogramVec
	waitSeconds   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered. Like promauto it panics if the collectors are
// already registered with reg; use RegisterMetrics to share them instead.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

// RegisterMetrics registers the collectors with reg. Collectors that reg
// already has, from an earlier NewMetrics or RegisterMetrics, are reused so
// that every Metrics feeds the same series.
func RegisterMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := newMetrics(promauto.With(nil))
	var err error
	if m.acquisitions, err = registerOrReuse(reg, m.acquisitions); err != nil {
		return nil, err
	}
	if m.cancellations, err = registerOrReuse(reg, m.cancellations); err != nil {
		return nil, err
	}
	if m.held, err = registerOrReuse(reg, m.held); err != nil {
		return nil, err
	}
	if m.holdSeconds, err = registerOrReuse(reg, m.holdSeconds); err != nil {
		return nil, err
	}
	if m.waitSeconds, err = registerOrReuse(reg, m.waitSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, errors.Wrap(err, "registering lock metrics")
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		acquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rwlocktrace",
			Name:      "acquisitions_total",
			Help:      "Total number of granted lock acquisitions, per lock and mode",
		}, []string{"lock", "mode"}),
		cancellations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rwlocktrace",
			Name:      "cancellations_total",
			Help:      "Total number of lock acquisitions abandoned before they were granted",
		}, []string{"lock", "mode"}),
		held: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rwlocktrace",
			Name:      "held",
			Help:      "Number of guards currently held, per lock and mode",
		}, []string{"lock", "mode"}),
		holdSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rwlocktrace",
			Name:      "hold_seconds",
			Help:      "Time between acquisition and release of a guard",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"lock", "mode"}),
		waitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rwlocktrace",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a lock to be granted",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"lock", "mode"}),
	}
}

func (m *Metrics) acquired(lock string, lt LockType, wait time.Duration) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(lock, lt.label()).Inc()
	m.waitSeconds.WithLabelValues(lock, lt.label()).Observe(wait.Seconds())
	m.held.WithLabelValues(lock, lt.label()).Inc()
}

func (m *Metrics) cancelled(lock string, lt LockType) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(lock, lt.label()).Inc()
}

func (m *Metrics) released(lock string, lt LockType, hold time.Duration) {
	if m == nil {
		return
	}
	m.held.WithLabelValues(lock, lt.label()).Dec()
	m.holdSeconds.WithLabelValues(lock, lt.label()).Observe(hold.Seconds())
}
