// Package scada implements the device-snapshot poll source.
//
// One upstream endpoint returns the full device snapshot. The adapter polls
// it on its own short cadence, independent of any consumer's polling, and
// consumers read the latest cached snapshot instead of triggering their own
// upstream call.
package scada

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridfeed/config"
	"gridfeed/readings"
	"gridfeed/source"
)

// Adapter serves component readings out of the most recent device snapshot.
type Adapter struct {
	cfg    config.ScadaConfig
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	latest    *Snapshot
	fetchedAt time.Time
}

// New creates an adapter for the configured snapshot endpoint.
func New(cfg config.ScadaConfig, logger zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("scada snapshot url is required")
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With().Str("source", string(source.KindScada)).Logger(),
	}, nil
}

// Kind identifies the adapter.
func (a *Adapter) Kind() source.Kind {
	return source.KindScada
}

// Run polls the snapshot endpoint until the context is cancelled. Poll
// failures are logged and the previous snapshot keeps serving consumers.
func (a *Adapter) Run(ctx context.Context) error {
	interval := a.cfg.PollIntervalOrDefault()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := a.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("initial snapshot poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return ctx.Err()
				}
				a.logger.Warn().Err(err).Msg("snapshot poll failed")
			}
		}
	}
}

func (a *Adapter) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeoutOrDefault())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: device snapshot", source.ErrTimeout)
		}
		return fmt.Errorf("%w: %v", source.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read snapshot: %v", source.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: snapshot endpoint returned status %d", source.ErrUpstreamUnavailable, resp.StatusCode)
	}

	snapshot, err := Detect(body)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.latest = snapshot
	a.fetchedAt = time.Now()
	a.mu.Unlock()

	a.logger.Trace().Str("shape", string(snapshot.Shape())).Str("timestamp", snapshot.Timestamp()).Msg("device snapshot refreshed")
	return nil
}

// FetchReadings extracts the component's readings from the latest cached
// snapshot. It does not hit the upstream; the poll loop owns that.
func (a *Adapter) FetchReadings(_ context.Context, _ source.Area, component string) (source.Result, error) {
	snapshot := a.current()
	if snapshot == nil {
		return source.Result{}, fmt.Errorf("%w: no device snapshot received yet", source.ErrUpstreamUnavailable)
	}
	extracted, err := snapshot.Extract(component)
	if err != nil {
		return source.Result{}, err
	}
	return source.Result{Readings: extracted, Timestamp: snapshot.Timestamp()}, nil
}

// LatestTimestamp reports the cached snapshot's upstream timestamp, absent
// when no snapshot has been received or the snapshot carried none.
func (a *Adapter) LatestTimestamp(_ context.Context, _ source.Area) (string, bool) {
	snapshot := a.current()
	if snapshot == nil || snapshot.Timestamp() == "" {
		return "", false
	}
	return snapshot.Timestamp(), true
}

// Full returns every section of the latest snapshot for derived-parameter
// evaluation, along with its shape. The second return is false when no
// snapshot has been received yet.
func (a *Adapter) Full() (map[string]readings.Snapshot, Shape, bool) {
	snapshot := a.current()
	if snapshot == nil {
		return nil, "", false
	}
	return snapshot.Sections(), snapshot.Shape(), true
}

// Section returns the latest snapshot's readings for one component together
// with the snapshot shape, resolving the component through the shape's name
// map. The boolean is false when no snapshot has been received or the
// snapshot has no section for the component.
func (a *Adapter) Section(component string) (readings.Snapshot, Shape, bool) {
	snapshot := a.current()
	if snapshot == nil {
		return nil, "", false
	}
	section, ok := snapshot.Section(component)
	if !ok {
		return nil, snapshot.Shape(), false
	}
	return section, snapshot.Shape(), true
}

// SetSnapshot installs a snapshot directly. Used by tests and by replay
// tooling feeding recorded payloads.
func (a *Adapter) SetSnapshot(snapshot *Snapshot) {
	a.mu.Lock()
	a.latest = snapshot
	a.fetchedAt = time.Now()
	a.mu.Unlock()
}

func (a *Adapter) current() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}
