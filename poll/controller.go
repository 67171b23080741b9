// Package poll implements the per-subscription revalidation loop.
//
// One generic controller covers every call-site shape: it is parameterized
// over a fetch function and a staleness-probe function, so the single
// component, all-components and SCADA-merged consumers become configuration
// instead of re-implementations.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gridfeed/readings"
	"gridfeed/source"
	"gridfeed/store"
	"gridfeed/telemetry"
)

// State describes where a subscription currently is in its lifecycle.
type State string

const (
	// StateLoading is entered only on an initial fetch with stale or
	// absent cache.
	StateLoading State = "loading"
	// StateReady carries a usable snapshot, cached or freshly fetched.
	StateReady State = "ready"
	// StateError is surfaced only when an initial fetch fails with no
	// cached value to fall back to.
	StateError State = "error"
)

// Update is one emission towards the consumer.
type Update struct {
	State     State
	Readings  readings.Snapshot
	Timestamp string
	FromCache bool
	Err       error
}

// FetchFunc performs the full readings fetch.
type FetchFunc func(ctx context.Context) (source.Result, error)

// ProbeFunc is the cheap "did anything change" check. The second return is
// false when the upstream timestamp is absent; absent and unchanged are
// distinguishable states and are handled differently.
type ProbeFunc func(ctx context.Context) (string, bool)

// Config parameterizes one controller.
type Config struct {
	Key             string
	Source          string
	TTL             time.Duration
	Interval        time.Duration
	RevalidateDelay time.Duration
	Fetch           FetchFunc
	Probe           ProbeFunc
	Store           *store.Store
	Logger          zerolog.Logger
	Collector       telemetry.Collector
}

// Controller runs the state machine for one subscription: Idle, an initial
// fetch or cache hit, then probe-gated revalidation until cancellation.
type Controller struct {
	cfg           Config
	updates       chan Update
	invalidations chan struct{}
	lastTimestamp string
}

// NewController validates the configuration and prepares a controller. Run
// must be called exactly once.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("controller key must not be empty")
	}
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("controller %s: fetch function is required", cfg.Key)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("controller %s: store is required", cfg.Key)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("controller %s: ttl must be positive", cfg.Key)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("controller %s: interval must be positive", cfg.Key)
	}
	if cfg.Collector == nil {
		cfg.Collector = telemetry.Noop()
	}
	return &Controller{
		cfg:           cfg,
		updates:       make(chan Update, 1),
		invalidations: make(chan struct{}, 1),
	}, nil
}

// Updates returns the consumer-facing stream. The channel is closed when
// the controller stops.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Invalidate forces a full fetch on the next cycle, dropping the cached
// entry first. Safe to call from any goroutine; coalesces when a forced
// refresh is already pending.
func (c *Controller) Invalidate() {
	select {
	case c.invalidations <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. A result that arrives after
// cancellation is discarded, never applied: every continuation checks the
// context before touching the stream.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.updates)

	if entry, ok := c.cfg.Store.Get(c.cfg.Key); ok && c.cfg.Store.Fresh(entry, c.cfg.TTL) {
		// Stale-while-revalidate: serve the cached value immediately and
		// delay the first background revalidation so mounting many
		// consumers at once does not stampede the upstream.
		c.cfg.Collector.IncCacheHit(c.cfg.Source)
		c.lastTimestamp = entry.SourceTimestamp
		c.emit(ctx, Update{State: StateReady, Readings: entry.Value, Timestamp: entry.SourceTimestamp, FromCache: true})
		if !sleepCtx(ctx, c.cfg.RevalidateDelay) {
			return ctx.Err()
		}
		c.revalidate(ctx)
	} else {
		c.cfg.Collector.IncCacheMiss(c.cfg.Source)
		c.emit(ctx, Update{State: StateLoading})
		c.fetch(ctx, true)
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.invalidations:
			c.cfg.Store.Invalidate(c.cfg.Key)
			c.fetch(ctx, false)
		case <-ticker.C:
			c.revalidate(ctx)
		}
	}
}

// revalidate applies the staleness decision rule: a present and unchanged
// timestamp skips the fetch without entering a loading state; an absent
// timestamp falls back to TTL-only staleness; anything else pays for the
// full read.
func (c *Controller) revalidate(ctx context.Context) {
	if c.cfg.Probe != nil {
		timestamp, ok := c.cfg.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if ok && timestamp != "" && timestamp == c.lastTimestamp {
			c.cfg.Collector.IncProbeSkip(c.cfg.Source)
			return
		}
		if !ok {
			if entry, found := c.cfg.Store.Get(c.cfg.Key); found && c.cfg.Store.Fresh(entry, c.cfg.TTL) {
				c.cfg.Collector.IncProbeSkip(c.cfg.Source)
				return
			}
		}
	}
	c.fetch(ctx, false)
}

// fetch performs the full read and applies the failure policy: background
// failures with a cached value are absorbed, an initial failure with no
// cache surfaces an error state.
func (c *Controller) fetch(ctx context.Context, initial bool) {
	result, err := c.cfg.Fetch(ctx)
	if ctx.Err() != nil {
		// Superseded or unmounted; the result must never be applied and
		// the cancellation is not an error.
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.cfg.Collector.IncFetchError(c.cfg.Source, source.Classify(err))
		if entry, ok := c.cfg.Store.Get(c.cfg.Key); ok {
			// Never regress a working display because of a background
			// failure.
			c.cfg.Logger.Warn().Err(err).Str("key", c.cfg.Key).Msg("revalidation failed, serving cached readings")
			if initial {
				c.lastTimestamp = entry.SourceTimestamp
				c.emit(ctx, Update{State: StateReady, Readings: entry.Value, Timestamp: entry.SourceTimestamp, FromCache: true})
			}
			return
		}
		if initial {
			c.emit(ctx, Update{State: StateError, Err: err})
			return
		}
		c.cfg.Logger.Warn().Err(err).Str("key", c.cfg.Key).Msg("revalidation failed with empty cache")
		return
	}

	c.cfg.Store.Put(c.cfg.Key, result.Readings, result.Timestamp)
	c.lastTimestamp = result.Timestamp
	c.emit(ctx, Update{State: StateReady, Readings: result.Readings, Timestamp: result.Timestamp})
}

// emit delivers an update without blocking the loop: when the consumer lags
// behind, the stale pending update is replaced by the newer one.
func (c *Controller) emit(ctx context.Context, update Update) {
	if ctx.Err() != nil {
		return
	}
	for {
		select {
		case c.updates <- update:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
