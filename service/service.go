// Package service wires the adapters, the cache, the polling loops and the
// overlay into one subscription-oriented facade.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gridfeed/config"
	"gridfeed/overlay"
	"gridfeed/poll"
	"gridfeed/readings"
	"gridfeed/source"
	"gridfeed/source/firebase"
	"gridfeed/source/scada"
	"gridfeed/store"
	"gridfeed/telemetry"
)

// Update is one emission towards a subscriber. Display carries the merged
// overlay output for the component's category; Readings carries the raw
// fetched (plus derived) values.
type Update struct {
	State     poll.State
	Readings  readings.Snapshot
	Display   readings.Snapshot
	Timestamp string
	FromCache bool
	Cleared   bool
	Err       error
}

// handoff moves a subscription from one polling controller to the next
// during a source switch. A nil controller with cleared set wipes the
// display without starting a new loop.
type handoff struct {
	ctrl    *poll.Controller
	cleared bool
}

// Subscription is one live stream of updates for an area/component pair.
type Subscription struct {
	area      source.Area
	component string

	svc      *Service
	updates  chan Update
	handoffs chan handoff

	mu     sync.Mutex
	ctrl   *poll.Controller
	cancel context.CancelFunc
	closed bool

	last     Update
	lastOnce bool
}

// Updates returns the stream. It is closed after Close.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Area returns the subscribed area.
func (s *Subscription) Area() source.Area { return s.area }

// Component returns the subscribed component type.
func (s *Subscription) Component() string { return s.component }

// Close stops the polling loop and closes the update stream. Removal from
// the registry happens under the service lock so a concurrent source switch
// either restarts this subscription or never sees it, but not half of each.
func (s *Subscription) Close() {
	s.svc.mu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.svc.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	delete(s.svc.subs, s)
	s.svc.collector.SetActiveSubscriptions(len(s.svc.subs))
	s.svc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(s.handoffs)
}

// Invalidate drops the cached entry and forces a full refetch.
func (s *Subscription) Invalidate() {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.Invalidate()
	}
}

// forward is the single sender on the updates channel. It drains the current
// controller, then waits for a handoff; the ordering guarantees that a
// cleared update from a source switch is delivered before anything the new
// source produces. Updates still buffered from a superseded controller are
// dropped, never applied.
func (s *Subscription) forward() {
	defer close(s.updates)
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	for {
		if ctrl != nil {
			for update := range ctrl.Updates() {
				// The epoch is captured before the currency check: a
				// source switch that lands between the check and the
				// overlay write advances the epoch, so the stale write is
				// rejected instead of resurrecting cleared overrides.
				epoch := s.svc.overlay.Epoch()
				if !s.isCurrent(ctrl) {
					continue
				}
				s.emit(s.svc.decorate(s, update, epoch))
			}
		}
		next, ok := <-s.handoffs
		if !ok {
			return
		}
		if next.cleared {
			s.emit(Update{State: poll.StateLoading, Cleared: true})
		}
		ctrl = next.ctrl
	}
}

func (s *Subscription) isCurrent(ctrl *poll.Controller) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && ctrl == s.ctrl
}

// emit delivers without blocking: a pending update the consumer has not read
// yet is replaced by the newer one.
func (s *Subscription) emit(update Update) {
	s.mu.Lock()
	s.last = update
	s.lastOnce = true
	s.mu.Unlock()
	for {
		select {
		case s.updates <- update:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}

// Last returns the most recent update, for inspection surfaces.
func (s *Subscription) Last() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastOnce
}

// Service owns the shared cache, both upstream adapters, the overlay and the
// registry of active subscriptions.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	store    *store.Store
	firebase *firebase.Adapter
	scada    *scada.Adapter
	overlay  *overlay.Overlay
	derived  *derivedSet

	// active is read on every decorated update; keeping it atomic means
	// the hot path never contends with the registry lock.
	active atomic.Value

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	runCtx  context.Context
	running bool

	liveView *liveViewServer
}

// New builds a service from configuration and dependencies.
func New(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	fb, err := firebase.New(cfg.Sources.Firebase, logger)
	if err != nil {
		return nil, err
	}
	sc, err := scada.New(cfg.Sources.Scada, logger)
	if err != nil {
		return nil, err
	}
	ov, err := overlay.New(cfg.Overlay, logger)
	if err != nil {
		return nil, err
	}
	derived, err := newDerivedSet(cfg.Derived, logger)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		store:     store.New(cfg.Cache.CapacityOrDefault(), store.WithCollector(collector)),
		firebase:  fb,
		scada:     sc,
		overlay:   ov,
		derived:   derived,
		subs:      make(map[*Subscription]struct{}),
	}
	svc.active.Store(defaultSource(cfg.Sources.Default))
	return svc, nil
}

// Validate performs a dry-run validation of the configuration without
// starting background loops.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := firebase.New(cfg.Sources.Firebase, logger); err != nil {
		return err
	}
	if _, err := scada.New(cfg.Sources.Scada, logger); err != nil {
		return err
	}
	if _, err := overlay.NewGenerator(cfg.Overlay); err != nil {
		return err
	}
	if _, err := newDerivedSet(cfg.Derived, logger); err != nil {
		return err
	}
	return nil
}

func defaultSource(name string) source.Kind {
	if name == string(source.KindScada) {
		return source.KindScada
	}
	return source.KindFirebase
}

// Run starts the background loops (device snapshot poll, overlay tick) and
// blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.running = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.scada.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("device snapshot poll stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.overlay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("overlay tick stopped")
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// ActiveSource reports the currently selected upstream.
func (s *Service) ActiveSource() source.Kind {
	return s.active.Load().(source.Kind)
}

// Store exposes the shared cache, for inspection surfaces and tests.
func (s *Service) Store() *store.Store {
	return s.store
}

// Overlay exposes the display merge layer.
func (s *Service) Overlay() *overlay.Overlay {
	return s.overlay
}

// Scada exposes the device snapshot adapter, for replay and tests.
func (s *Service) Scada() *scada.Adapter {
	return s.scada
}

func (s *Service) adapterLocked(kind source.Kind) source.Adapter {
	if kind == source.KindScada {
		return s.scada
	}
	return s.firebase
}

func (s *Service) pollIntervalLocked(kind source.Kind) time.Duration {
	if kind == source.KindScada {
		return s.cfg.Sources.Scada.PollIntervalOrDefault()
	}
	return s.cfg.Sources.Firebase.PollIntervalOrDefault()
}

// Subscribe opens a live stream for one area/component pair against the
// active source.
func (s *Service) Subscribe(area source.Area, component string) (*Subscription, error) {
	if component == "" {
		return nil, errors.New("component must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, errors.New("service is not running")
	}

	sub := &Subscription{
		area:      area,
		component: component,
		svc:       s,
		updates:   make(chan Update, 1),
		handoffs:  make(chan handoff, 1),
	}
	ctrl, cancel, err := s.startControllerLocked(sub, s.ActiveSource())
	if err != nil {
		return nil, err
	}
	sub.ctrl = ctrl
	sub.cancel = cancel
	s.subs[sub] = struct{}{}
	s.collector.SetActiveSubscriptions(len(s.subs))

	go sub.forward()
	return sub, nil
}

// startControllerLocked builds and launches the polling loop for one
// subscription against the given source.
func (s *Service) startControllerLocked(sub *Subscription, kind source.Kind) (*poll.Controller, context.CancelFunc, error) {
	adapter := s.adapterLocked(kind)
	area := sub.area
	component := sub.component

	ctrl, err := poll.NewController(poll.Config{
		Key:             store.Key(string(kind), area.AreaCode, area.SubstationID, component),
		Source:          string(kind),
		TTL:             s.cfg.Cache.ReadingsTTLOrDefault(),
		Interval:        s.pollIntervalLocked(kind),
		RevalidateDelay: s.cfg.Polling.RevalidateDelayOrDefault(),
		Fetch: func(ctx context.Context) (source.Result, error) {
			return adapter.FetchReadings(ctx, area, component)
		},
		Probe: func(ctx context.Context) (string, bool) {
			return adapter.LatestTimestamp(ctx, area)
		},
		Store:     s.store,
		Logger:    s.logger,
		Collector: s.collector,
	})
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	go func() {
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("component", component).Msg("polling loop stopped")
		}
	}()
	return ctrl, cancel, nil
}

// SwitchSource selects a different upstream. Every active polling loop is
// cancelled, the cache and the overlay overrides are cleared before the new
// source's first fetch can resolve, and each subscription is restarted
// against the new adapter with a cleared update in between. Results from
// cancelled loops are discarded by their controllers.
func (s *Service) SwitchSource(kind source.Kind) error {
	if kind != source.KindFirebase && kind != source.KindScada {
		return fmt.Errorf("unknown source %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == s.ActiveSource() {
		return nil
	}
	s.active.Store(kind)
	s.store.Clear()
	s.overlay.ClearAllOverrides()

	for sub := range s.subs {
		sub.mu.Lock()
		cancel := sub.cancel
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			continue
		}
		if cancel != nil {
			cancel()
		}
		ctrl, newCancel, err := s.startControllerLocked(sub, kind)
		if err != nil {
			s.logger.Error().Err(err).Str("component", sub.component).Msg("restart after source switch failed")
			continue
		}
		sub.mu.Lock()
		sub.ctrl = ctrl
		sub.cancel = newCancel
		sub.mu.Unlock()
		sub.handoffs <- handoff{ctrl: ctrl, cleared: true}
	}
	s.logger.Info().Str("source", string(kind)).Msg("source switched")
	return nil
}

// Invalidate forces a refetch on every subscription matching the pair.
func (s *Service) Invalidate(area source.Area, component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.area == area && sub.component == component {
			sub.Invalidate()
		}
	}
}

// decorate enriches a controller update with derived parameters and routes
// the readings through the overlay, producing the merged display set. The
// override write is bound to the given overlay epoch; it is discarded when a
// source switch cleared the overrides in the meantime.
func (s *Service) decorate(sub *Subscription, update poll.Update, epoch uint64) Update {
	out := Update{
		State:     update.State,
		Readings:  update.Readings,
		Timestamp: update.Timestamp,
		FromCache: update.FromCache,
		Err:       update.Err,
	}
	if update.State != poll.StateReady {
		return out
	}

	var sections map[string]readings.Snapshot
	if s.ActiveSource() == source.KindScada {
		if full, shape, ok := s.scada.Full(); ok && shape == scada.ShapeIPAddress {
			sections = full
		}
	}
	enriched := s.derived.Apply(sub.component, update.Readings, sections)
	out.Readings = enriched
	s.overlay.SetOverrideAt(sub.component, enriched, epoch)
	out.Display = s.overlay.Display(sub.component)
	return out
}

// Diagnosis runs the heavyweight diagnosis call, cached under the longer TTL
// class. The upstream may trigger model inference, so the call carries its
// own generous deadline; hitting it surfaces a distinct timeout error.
func (s *Service) Diagnosis(ctx context.Context, area source.Area, component string) (source.Result, error) {
	key := store.Key("diagnosis", area.AreaCode, area.SubstationID, component)
	if entry, ok := s.store.Get(key); ok && s.store.Fresh(entry, s.cfg.Cache.DiagnosisTTLOrDefault()) {
		s.collector.IncCacheHit("diagnosis")
		return source.Result{Readings: entry.Value, Timestamp: entry.SourceTimestamp}, nil
	}
	s.collector.IncCacheMiss("diagnosis")

	var scadaData, ipData readings.Snapshot
	if section, shape, ok := s.scada.Section(component); ok {
		if shape == scada.ShapeIPAddress {
			ipData = section
		} else {
			scadaData = section
		}
	}
	result, err := s.firebase.Diagnosis(ctx, area, component, scadaData, ipData)
	if err != nil {
		s.collector.IncFetchError("diagnosis", source.Classify(err))
		return source.Result{}, err
	}
	s.store.Put(key, result.Readings, result.Timestamp)
	return result, nil
}

// SubmitMaintenance records a maintenance action upstream. The write is
// never cached and a failure does not touch the data path.
func (s *Service) SubmitMaintenance(ctx context.Context, action firebase.MaintenanceAction) error {
	if err := s.firebase.SubmitMaintenance(ctx, action); err != nil {
		s.logger.Error().Err(err).Str("action", action.Action).Msg("maintenance submission failed")
		return err
	}
	s.logger.Info().Str("action", action.Action).Str("component", action.Component).Msg("maintenance action submitted")
	return nil
}

// EnableLiveView starts the optional inspection HTTP server.
func (s *Service) EnableLiveView(listen string) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if s.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	logger := s.logger.With().Str("component", "live_view").Logger()
	server, err := newLiveViewServer(listen, s, logger)
	if err != nil {
		return err
	}
	s.liveView = server
	return nil
}

// Close releases background resources. Active subscriptions are closed.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	if s.liveView != nil {
		s.liveView.close()
	}
	return nil
}
