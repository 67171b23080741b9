package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the feed runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as cache lookups and poll ticks.
type Collector interface {
	IncCacheHit(source string)
	IncCacheMiss(source string)
	IncEvictions(count int)
	IncProbeSkip(source string)
	IncFetchError(source, kind string)
	SetActiveSubscriptions(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncCacheHit(string)           {}
func (noopCollector) IncCacheMiss(string)          {}
func (noopCollector) IncEvictions(int)             {}
func (noopCollector) IncProbeSkip(string)          {}
func (noopCollector) IncFetchError(string, string) {}
func (noopCollector) SetActiveSubscriptions(int)   {}

// PrometheusCollector exposes feed telemetry via Prometheus.
type PrometheusCollector struct {
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	evictions     prometheus.Counter
	probeSkips    *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

var (
	cacheHitCounter       *prometheus.CounterVec
	cacheMissCounter      *prometheus.CounterVec
	evictionCounter       prometheus.Counter
	probeSkipCounter      *prometheus.CounterVec
	fetchErrorCounter     *prometheus.CounterVec
	subscriptionGauge     prometheus.Gauge
	collectorRegistration sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Repeated registration against the same registerer reuses the
// existing collectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	collectorRegistration.Lock()
	defer collectorRegistration.Unlock()

	if cacheHitCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "gridfeed_cache_hits_total",
			Help: "Number of readings served from the shared cache per source.",
		}, []string{"source"})
		if err != nil {
			return nil, err
		}
		cacheHitCounter = counter
	}
	if cacheMissCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "gridfeed_cache_misses_total",
			Help: "Number of cache lookups that required an upstream fetch per source.",
		}, []string{"source"})
		if err != nil {
			return nil, err
		}
		cacheMissCounter = counter
	}
	if evictionCounter == nil {
		counter, err := registerCounter(reg, prometheus.CounterOpts{
			Name: "gridfeed_cache_evictions_total",
			Help: "Number of cache entries discarded by the capacity sweep.",
		})
		if err != nil {
			return nil, err
		}
		evictionCounter = counter
	}
	if probeSkipCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "gridfeed_probe_skips_total",
			Help: "Number of poll cycles where the staleness probe avoided a full fetch.",
		}, []string{"source"})
		if err != nil {
			return nil, err
		}
		probeSkipCounter = counter
	}
	if fetchErrorCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "gridfeed_fetch_errors_total",
			Help: "Number of upstream fetch failures by source and error kind.",
		}, []string{"source", "kind"})
		if err != nil {
			return nil, err
		}
		fetchErrorCounter = counter
	}
	if subscriptionGauge == nil {
		gauge, err := registerGauge(reg, prometheus.GaugeOpts{
			Name: "gridfeed_active_subscriptions",
			Help: "Number of currently active readings subscriptions.",
		})
		if err != nil {
			return nil, err
		}
		subscriptionGauge = gauge
	}

	return &PrometheusCollector{
		cacheHits:     cacheHitCounter,
		cacheMisses:   cacheMissCounter,
		evictions:     evictionCounter,
		probeSkips:    probeSkipCounter,
		fetchErrors:   fetchErrorCounter,
		subscriptions: subscriptionGauge,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) (prometheus.Counter, error) {
	counter := prometheus.NewCounter(opts)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncCacheHit records a cache hit for the given source.
func (p *PrometheusCollector) IncCacheHit(source string) {
	if p == nil || p.cacheHits == nil {
		return
	}
	p.cacheHits.WithLabelValues(source).Inc()
}

// IncCacheMiss records a cache miss for the given source.
func (p *PrometheusCollector) IncCacheMiss(source string) {
	if p == nil || p.cacheMisses == nil {
		return
	}
	p.cacheMisses.WithLabelValues(source).Inc()
}

// IncEvictions records entries removed by the capacity sweep.
func (p *PrometheusCollector) IncEvictions(count int) {
	if p == nil || p.evictions == nil || count <= 0 {
		return
	}
	p.evictions.Add(float64(count))
}

// IncProbeSkip records a poll cycle short-circuited by the staleness probe.
func (p *PrometheusCollector) IncProbeSkip(source string) {
	if p == nil || p.probeSkips == nil {
		return
	}
	p.probeSkips.WithLabelValues(source).Inc()
}

// IncFetchError records an upstream failure by source and error kind.
func (p *PrometheusCollector) IncFetchError(source, kind string) {
	if p == nil || p.fetchErrors == nil {
		return
	}
	p.fetchErrors.WithLabelValues(source, kind).Inc()
}

// SetActiveSubscriptions updates the subscription gauge.
func (p *PrometheusCollector) SetActiveSubscriptions(count int) {
	if p == nil || p.subscriptions == nil {
		return
	}
	p.subscriptions.Set(float64(count))
}
