// Package overlay merges a continuously regenerating synthetic baseline
// with live overrides so every displayed parameter always has a value.
package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridfeed/config"
	"gridfeed/readings"
)

// Overlay owns the synthetic baseline per category and the live override
// set for the currently selected area. Display output is recomputed from
// both inputs on every read, never mutated in place, so a stale override
// cannot persist after its stream stops emitting a key.
type Overlay struct {
	generator *Generator
	tick      time.Duration
	logger    zerolog.Logger

	mu        sync.RWMutex
	baseline  map[string]readings.Snapshot
	overrides map[string]readings.Snapshot
	epoch     uint64
}

// New builds an overlay from configuration and generates the first
// baseline so consumers never observe an empty parameter set.
func New(cfg config.OverlayConfig, logger zerolog.Logger) (*Overlay, error) {
	generator, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	o := &Overlay{
		generator: generator,
		tick:      cfg.TickOrDefault(),
		logger:    logger.With().Str("component", "overlay").Logger(),
		baseline:  make(map[string]readings.Snapshot),
		overrides: make(map[string]readings.Snapshot),
	}
	if err := o.Regenerate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Run regenerates the baseline on the configured tick until ctx is
// cancelled.
func (o *Overlay) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Regenerate(); err != nil {
				o.logger.Error().Err(err).Msg("baseline regeneration failed")
			}
		}
	}
}

// Regenerate produces a fresh synthetic parameter set for every category.
func (o *Overlay) Regenerate() error {
	fresh := make(map[string]readings.Snapshot, len(o.generator.Categories()))
	for _, category := range o.generator.Categories() {
		snapshot, err := o.generator.Generate(category)
		if err != nil {
			return err
		}
		fresh[category] = snapshot
	}
	o.mu.Lock()
	o.baseline = fresh
	o.mu.Unlock()
	return nil
}

// SetOverride replaces the live override set for a category. The snapshot
// is cloned; later mutations by the caller do not leak into the overlay.
func (o *Overlay) SetOverride(category string, snapshot readings.Snapshot) {
	o.mu.Lock()
	o.overrides[category] = snapshot.Clone()
	o.mu.Unlock()
}

// Epoch identifies the current override generation. It advances every time
// all overrides are cleared, so a writer holding values from before the
// clear can be told apart from a live one.
func (o *Overlay) Epoch() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.epoch
}

// SetOverrideAt installs an override only while the given generation is
// still current, and reports whether it was applied. Writers that observed
// the overlay before a ClearAllOverrides are rejected; their values belong
// to a stream that has since been cut over.
func (o *Overlay) SetOverrideAt(category string, snapshot readings.Snapshot, epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if epoch != o.epoch {
		return false
	}
	o.overrides[category] = snapshot.Clone()
	return true
}

// ClearOverride drops the live override for a category, reverting its
// display to pure synthetic output.
func (o *Overlay) ClearOverride(category string) {
	o.mu.Lock()
	delete(o.overrides, category)
	o.mu.Unlock()
}

// ClearAllOverrides drops every live override and advances the override
// generation, used on source switches so a deactivated source's values
// vanish immediately and cannot be re-installed by in-flight writers.
func (o *Overlay) ClearAllOverrides() {
	o.mu.Lock()
	o.overrides = make(map[string]readings.Snapshot)
	o.epoch++
	o.mu.Unlock()
}

// Display returns the merged parameter set for a category: override values
// take precedence over synthetic ones for identical keys; categories with
// no override fall back to pure synthetic output. The result is a fresh
// map on every call.
func (o *Overlay) Display(category string) readings.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	baseline := o.baseline[category]
	override := o.overrides[category]

	merged := make(readings.Snapshot, len(baseline)+len(override))
	for key, value := range baseline {
		merged[key] = value
	}
	for key, value := range override {
		merged[key] = value
	}
	return merged
}

// Categories lists the configured category names.
func (o *Overlay) Categories() []string {
	return o.generator.Categories()
}
