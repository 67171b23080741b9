package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gridfeed/config"
	"gridfeed/poll"
	"gridfeed/readings"
	"gridfeed/source"
	"gridfeed/source/firebase"
	"gridfeed/store"
)

type fakeUpstream struct {
	server *httptest.Server

	readings  atomic.Int64
	diagnosis atomic.Int64

	readingsBody  []byte
	diagnosisBody []byte
	timestamp     string

	maintenance     chan firebase.MaintenanceAction
	diagnosisBodies chan []byte
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{
		readingsBody:    []byte(`{"readings":{"voltage":10.5,"frequency":50},"timestamp":"t1"}`),
		diagnosisBody:   []byte(`{"readings":{"healthIndex":0.93,"verdict":"ok"},"timestamp":"d1"}`),
		timestamp:       "t1",
		maintenance:     make(chan firebase.MaintenanceAction, 1),
		diagnosisBodies: make(chan []byte, 4),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/readings-by-area-and-component", func(w http.ResponseWriter, r *http.Request) {
		f.readings.Add(1)
		w.Write(f.readingsBody)
	})
	mux.HandleFunc("/latest-timestamp", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"timestamp": f.timestamp})
	})
	mux.HandleFunc("/diagnosis-snapshot", func(w http.ResponseWriter, r *http.Request) {
		f.diagnosis.Add(1)
		body, _ := io.ReadAll(r.Body)
		select {
		case f.diagnosisBodies <- body:
		default:
		}
		w.Write(f.diagnosisBody)
	})
	mux.HandleFunc("/maintenance-action", func(w http.ResponseWriter, r *http.Request) {
		var action firebase.MaintenanceAction
		if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.maintenance <- action
		w.WriteHeader(http.StatusOK)
	})
	f.server = httptest.NewServer(mux)
	return f
}

func scadaUpstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timestamp":"s1","bayLines":{"current":412.5},"transformer":{"oilTemperature":63.2}}`))
	}))
}

func seed(v int64) *int64 {
	return &v
}

func testServiceConfig(firebaseURL, scadaURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Sources.Default = "firebase"
	cfg.Sources.Firebase.BaseURL = firebaseURL
	cfg.Sources.Firebase.PollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Sources.Firebase.RequestTimeout = config.Duration{Duration: time.Second}
	cfg.Sources.Scada.URL = scadaURL
	cfg.Sources.Scada.PollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Polling.RevalidateDelay = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Overlay.Seed = seed(1)
	cfg.Overlay.Categories = []config.CategoryConfig{
		{Name: "bayLines", Parameters: []config.ParameterConfig{
			{Name: "current", Baseline: 400, Jitter: 0.05},
			{Name: "breakerState", States: []string{"closed", "open"}},
		}},
		{Name: "transformer", Parameters: []config.ParameterConfig{
			{Name: "oilTemperature", Baseline: 65, Jitter: 0.1},
		}},
	}
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg, zerolog.New(io.Discard), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Close()
	})

	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		running := svc.running
		svc.mu.Unlock()
		if running {
			return svc
		}
		if time.Now().After(deadline) {
			t.Fatalf("service did not start")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitSnapshot blocks until the device snapshot poller has received its
// first payload, so a subscription cannot race the initial poll.
func waitSnapshot(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, ok := svc.Scada().Full(); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("device snapshot never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitReady(t *testing.T, sub *Subscription) Update {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case update, ok := <-sub.Updates():
			if !ok {
				t.Fatalf("updates closed before ready")
			}
			if update.State == poll.StateError {
				t.Fatalf("error update: %v", update.Err)
			}
			if update.State == poll.StateReady {
				return update
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ready update")
		}
	}
}

func TestSubscribeDeliversDecoratedReadings(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	area := source.Area{AreaCode: "A1", SubstationID: "S1"}

	sub, err := svc.Subscribe(area, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	update := waitReady(t, sub)
	voltage, ok := update.Readings["voltage"].(decimal.Decimal)
	if !ok || !voltage.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("unexpected voltage: %v", update.Readings["voltage"])
	}
	if update.Timestamp != "t1" {
		t.Fatalf("unexpected timestamp %q", update.Timestamp)
	}

	// The display merges the live values over the synthetic baseline: the
	// fetched keys win, baseline-only keys remain present.
	if v, ok := update.Display["voltage"].(decimal.Decimal); !ok || !v.Equal(voltage) {
		t.Fatalf("display missing live voltage: %v", update.Display["voltage"])
	}
	if _, ok := update.Display["breakerState"]; !ok {
		t.Fatalf("display missing baseline parameter: %v", update.Display)
	}
}

func TestDerivedParametersExtendReadings(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	cfg := testServiceConfig(upstream.server.URL, scadaSrv.URL)
	cfg.Derived = []config.DerivedParameterConfig{
		{Name: "apparentLoad", Expression: "voltage * frequency", Components: []string{"bayLines"}},
	}
	svc := startService(t, cfg)

	sub, err := svc.Subscribe(source.Area{AreaCode: "A1"}, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	update := waitReady(t, sub)
	load, ok := update.Readings["apparentLoad"].(decimal.Decimal)
	if !ok {
		t.Fatalf("derived parameter missing: %v", update.Readings)
	}
	if !load.Equal(decimal.RequireFromString("525")) {
		t.Fatalf("expected 525, got %s", load)
	}
}

func TestSwitchSourceClearsCacheAndRestarts(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	area := source.Area{AreaCode: "A1", SubstationID: "S1"}

	sub, err := svc.Subscribe(area, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)

	firebaseKey := store.Key("firebase", "A1", "S1", "bayLines")
	if _, ok := svc.Store().Get(firebaseKey); !ok {
		t.Fatalf("expected firebase entry cached")
	}

	waitSnapshot(t, svc)
	if err := svc.SwitchSource(source.KindScada); err != nil {
		t.Fatalf("switch source: %v", err)
	}
	if _, ok := svc.Store().Get(firebaseKey); ok {
		t.Fatalf("cache not cleared on source switch")
	}

	update := waitReady(t, sub)
	current, ok := update.Readings["current"].(decimal.Decimal)
	if !ok || !current.Equal(decimal.RequireFromString("412.5")) {
		t.Fatalf("expected device snapshot readings, got %v", update.Readings)
	}
	if update.Timestamp != "s1" {
		t.Fatalf("unexpected timestamp %q", update.Timestamp)
	}
	if svc.ActiveSource() != source.KindScada {
		t.Fatalf("active source not switched")
	}
}

func TestSwitchSourceEmitsClearedBeforeNewData(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	sub, err := svc.Subscribe(source.Area{AreaCode: "A1"}, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)
	waitSnapshot(t, svc)

	// Keep a receiver parked on the stream so the drop-stale buffer cannot
	// swallow the cleared emission before it is observed.
	seen := make(chan Update, 64)
	go func() {
		for update := range sub.Updates() {
			seen <- update
		}
	}()
	time.Sleep(10 * time.Millisecond)

	if err := svc.SwitchSource(source.KindScada); err != nil {
		t.Fatalf("switch source: %v", err)
	}

	deadline := time.After(3 * time.Second)
	sawCleared := false
	for {
		select {
		case update := <-seen:
			if update.Cleared {
				if update.State != poll.StateLoading {
					t.Fatalf("cleared update carries state %v", update.State)
				}
				sawCleared = true
				continue
			}
			if update.State != poll.StateReady {
				continue
			}
			if update.Timestamp == "t1" {
				// Leftover emission from before the switch.
				continue
			}
			if !sawCleared {
				t.Fatalf("new source data delivered before the cleared update")
			}
			if _, ok := update.Readings["current"]; !ok {
				t.Fatalf("expected device snapshot readings, got %v", update.Readings)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for post-switch updates")
		}
	}
}

func TestSupersededUpdateCannotReinstallOverrides(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	sub := &Subscription{area: source.Area{AreaCode: "A1"}, component: "transformer", svc: svc}

	// The update observed this epoch before a source switch cleared every
	// override; its overlay write must be discarded, not replayed.
	epoch := svc.Overlay().Epoch()
	svc.Overlay().ClearAllOverrides()

	stale := poll.Update{State: poll.StateReady, Readings: readings.Snapshot{"oilTemperature": decimal.NewFromInt(999)}}
	svc.decorate(sub, stale, epoch)
	if v, ok := svc.Overlay().Display("transformer")["oilTemperature"].(decimal.Decimal); ok && v.Equal(decimal.NewFromInt(999)) {
		t.Fatalf("superseded update re-installed a cleared override")
	}

	// A write bound to the current epoch still lands.
	fresh := poll.Update{State: poll.StateReady, Readings: readings.Snapshot{"oilTemperature": decimal.NewFromInt(70)}}
	svc.decorate(sub, fresh, svc.Overlay().Epoch())
	if v, ok := svc.Overlay().Display("transformer")["oilTemperature"].(decimal.Decimal); !ok || !v.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("current update failed to install its override")
	}
}

func TestSwitchSourceSameKindIsNoop(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	sub, err := svc.Subscribe(source.Area{AreaCode: "A1"}, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)

	if err := svc.SwitchSource(source.KindFirebase); err != nil {
		t.Fatalf("noop switch: %v", err)
	}
	if svc.Store().Len() == 0 {
		t.Fatalf("noop switch must not clear the cache")
	}
}

func TestDiagnosisCachedUnderLongTTL(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	area := source.Area{AreaCode: "A1", SubstationID: "S1"}

	first, err := svc.Diagnosis(context.Background(), area, "transformer")
	if err != nil {
		t.Fatalf("diagnosis: %v", err)
	}
	health, ok := first.Readings["healthIndex"].(decimal.Decimal)
	if !ok || !health.Equal(decimal.RequireFromString("0.93")) {
		t.Fatalf("unexpected diagnosis payload: %v", first.Readings)
	}

	if _, err := svc.Diagnosis(context.Background(), area, "transformer"); err != nil {
		t.Fatalf("second diagnosis: %v", err)
	}
	if got := upstream.diagnosis.Load(); got != 1 {
		t.Fatalf("expected one upstream diagnosis call, got %d", got)
	}
}

type diagnosisCapture struct {
	ComponentType string                 `json:"componentType"`
	ScadaData     map[string]interface{} `json:"scadaData"`
	IPData        map[string]interface{} `json:"ipData"`
}

func capturedDiagnosisRequest(t *testing.T, upstream *fakeUpstream) diagnosisCapture {
	t.Helper()
	select {
	case body := <-upstream.diagnosisBodies:
		var req diagnosisCapture
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode diagnosis request: %v", err)
		}
		return req
	case <-time.After(time.Second):
		t.Fatalf("diagnosis request never reached upstream")
		return diagnosisCapture{}
	}
}

func TestDiagnosisAuxiliaryFromLegacySnapshot(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	waitSnapshot(t, svc)

	if _, err := svc.Diagnosis(context.Background(), source.Area{AreaCode: "A1"}, "transformer"); err != nil {
		t.Fatalf("diagnosis: %v", err)
	}
	req := capturedDiagnosisRequest(t, upstream)
	if _, ok := req.ScadaData["oilTemperature"]; !ok {
		t.Fatalf("legacy snapshot section missing from scadaData: %+v", req)
	}
	if len(req.IPData) != 0 {
		t.Fatalf("legacy snapshot must not populate ipData: %+v", req.IPData)
	}
}

func TestDiagnosisAuxiliaryFromIPShapeSnapshot(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"assets":{"master":{"Timestamp":"ip1","Transformer":{"oilTemperature":61.1}}}}`))
	}))
	defer ipSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, ipSrv.URL))
	waitSnapshot(t, svc)

	// The consumer-facing camelCase component name must resolve to the
	// PascalCase section of the IP-address schema.
	if _, err := svc.Diagnosis(context.Background(), source.Area{AreaCode: "A1"}, "transformer"); err != nil {
		t.Fatalf("diagnosis: %v", err)
	}
	req := capturedDiagnosisRequest(t, upstream)
	if _, ok := req.IPData["oilTemperature"]; !ok {
		t.Fatalf("PascalCase section not routed into ipData: %+v", req)
	}
	if len(req.ScadaData) != 0 {
		t.Fatalf("ip-address snapshot must not populate scadaData: %+v", req.ScadaData)
	}
}

func TestDiagnosisTimeoutSurfacesDistinctly(t *testing.T) {
	hang := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-hang
	}))
	defer slow.Close()
	defer close(hang)
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	cfg := testServiceConfig(slow.URL, scadaSrv.URL)
	cfg.Sources.Firebase.DiagnosisTimeout = config.Duration{Duration: 30 * time.Millisecond}
	svc := startService(t, cfg)

	_, err := svc.Diagnosis(context.Background(), source.Area{AreaCode: "A1"}, "transformer")
	if !errors.Is(err, source.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestSubmitMaintenancePassesThrough(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))

	action := firebase.MaintenanceAction{
		Action:       "inspect",
		AreaCode:     "A1",
		SubstationID: "S1",
		Component:    "transformer",
		Notes:        "oil sample due",
	}
	if err := svc.SubmitMaintenance(context.Background(), action); err != nil {
		t.Fatalf("submit maintenance: %v", err)
	}

	select {
	case received := <-upstream.maintenance:
		if received.Action != "inspect" || received.Component != "transformer" {
			t.Fatalf("unexpected maintenance payload: %+v", received)
		}
	case <-time.After(time.Second):
		t.Fatalf("maintenance action never reached upstream")
	}
}

func TestCloseStopsSubscriptions(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	scadaSrv := scadaUpstream()
	defer scadaSrv.Close()

	svc := startService(t, testServiceConfig(upstream.server.URL, scadaSrv.URL))
	sub, err := svc.Subscribe(source.Area{AreaCode: "A1"}, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitReady(t, sub)
	sub.Close()
	sub.Close() // idempotent

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("updates channel not closed after Close")
		}
	}
}

func TestValidateRejectsBadDerivedExpression(t *testing.T) {
	cfg := testServiceConfig("http://localhost:1", "http://localhost:1")
	cfg.Derived = []config.DerivedParameterConfig{{Name: "broken", Expression: "voltage *"}}
	if err := Validate(cfg, zerolog.New(io.Discard)); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestIPShapeSnapshotFeedsSections(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"assets":{"master":{"Timestamp":"ip1","BayLines":{"current":398.7},"Transformer":{"oilTemperature":61.1}}}}`))
	}))
	defer ipSrv.Close()

	cfg := testServiceConfig(upstream.server.URL, ipSrv.URL)
	cfg.Sources.Default = "scada"
	cfg.Derived = []config.DerivedParameterConfig{
		{Name: "oilFromSections", Expression: `sections.Transformer.oilTemperature`, Components: []string{"bayLines"}},
	}
	svc := startService(t, cfg)
	waitSnapshot(t, svc)

	sub, err := svc.Subscribe(source.Area{AreaCode: "A1"}, "bayLines")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	update := waitReady(t, sub)
	oil, ok := update.Readings["oilFromSections"].(decimal.Decimal)
	if !ok || !oil.Equal(decimal.RequireFromString("61.1")) {
		t.Fatalf("expected derived value from full snapshot, got %v", update.Readings["oilFromSections"])
	}
	if _, ok := update.Readings["current"].(decimal.Decimal); !ok {
		t.Fatalf("expected extracted PascalCase section readings: %v", update.Readings)
	}
}
