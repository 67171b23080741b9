package service

import (
	"context"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gridfeed/readings"
	"gridfeed/source"
	"gridfeed/source/firebase"
)

type liveViewServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type liveStateResponse struct {
	Source        string                       `json:"source"`
	CacheEntries  int                          `json:"cache_entries"`
	Subscriptions []liveSubscription           `json:"subscriptions"`
	Overlay       map[string]readings.Snapshot `json:"overlay"`
}

type liveSubscription struct {
	AreaCode     string `json:"area_code"`
	SubstationID string `json:"substation_id"`
	Component    string `json:"component"`
	State        string `json:"state"`
	Timestamp    string `json:"timestamp,omitempty"`
	FromCache    bool   `json:"from_cache"`
	Error        string `json:"error,omitempty"`
}

type sourceRequest struct {
	Source string `json:"source"`
}

type invalidateRequest struct {
	AreaCode     string `json:"area_code"`
	SubstationID string `json:"substation_id"`
	Component    string `json:"component"`
}

func newLiveViewServer(listen string, svc *Service, logger zerolog.Logger) (*liveViewServer, error) {
	mux := http.NewServeMux()
	server := &liveViewServer{logger: logger, service: svc}
	mux.HandleFunc("/", server.handleIndex)
	mux.HandleFunc("/api/state", server.handleState)
	mux.HandleFunc("/api/source", server.handleSource)
	mux.HandleFunc("/api/invalidate", server.handleInvalidate)
	mux.HandleFunc("/api/maintenance", server.handleMaintenance)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	svc := s.service
	svc.mu.Lock()
	subs := make([]*Subscription, 0, len(svc.subs))
	for sub := range svc.subs {
		subs = append(subs, sub)
	}
	svc.mu.Unlock()

	states := make([]liveSubscription, 0, len(subs))
	for _, sub := range subs {
		entry := liveSubscription{
			AreaCode:     sub.area.AreaCode,
			SubstationID: sub.area.SubstationID,
			Component:    sub.component,
		}
		if last, ok := sub.Last(); ok {
			entry.State = string(last.State)
			entry.Timestamp = last.Timestamp
			entry.FromCache = last.FromCache
			if last.Err != nil {
				entry.Error = last.Err.Error()
			}
		}
		states = append(states, entry)
	}

	display := make(map[string]readings.Snapshot)
	for _, category := range svc.overlay.Categories() {
		display[category] = svc.overlay.Display(category)
	}

	resp := liveStateResponse{
		Source:        string(svc.ActiveSource()),
		CacheEntries:  svc.store.Len(),
		Subscriptions: states,
		Overlay:       display,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("encode live view state")
	}
}

func (s *liveViewServer) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	kind := source.Kind(strings.ToLower(strings.TrimSpace(req.Source)))
	if err := s.service.SwitchSource(kind); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sourceRequest{Source: string(s.service.ActiveSource())}); err != nil {
		s.logger.Error().Err(err).Msg("encode source response")
	}
}

func (s *liveViewServer) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Component == "" {
		http.Error(w, "component required", http.StatusBadRequest)
		return
	}
	area := source.Area{AreaCode: req.AreaCode, SubstationID: req.SubstationID}
	s.service.Invalidate(area, req.Component)
	w.WriteHeader(http.StatusNoContent)
}

func (s *liveViewServer) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var action firebase.MaintenanceAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if action.Action == "" {
		http.Error(w, "action required", http.StatusBadRequest)
		return
	}
	if err := s.service.SubmitMaintenance(r.Context(), action); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *liveViewServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown live view")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Gridfeed Live View</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
h1 { margin-bottom: 1rem; }
.controls { display: flex; gap: 0.5rem; align-items: center; margin-bottom: 1rem; }
.controls button { padding: 0.5rem 1rem; border: none; border-radius: 4px; background: #1976d2; color: #fff; cursor: pointer; }
.controls button.active { background: #2e7d32; }
.controls button:hover { opacity: 0.9; }
table { width: 100%; border-collapse: collapse; background: #fff; box-shadow: 0 2px 4px rgba(0,0,0,0.1); margin-bottom: 1.5rem; }
thead { background: #e0e0e0; }
th, td { padding: 0.5rem; border: 1px solid #ccc; text-align: left; }
tr.error { background: #ffebee; }
.meta { margin-bottom: 1rem; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>Gridfeed Live View</h1>
<div class="controls">
<span>Source:</span>
<button id="firebaseBtn" data-source="firebase">Firebase</button>
<button id="scadaBtn" data-source="scada">SCADA</button>
</div>
<div class="meta" id="meta"></div>
<h2>Subscriptions</h2>
<table id="subs">
<thead>
<tr><th>Area</th><th>Substation</th><th>Component</th><th>State</th><th>Timestamp</th><th>Cached</th><th>Error</th></tr>
</thead>
<tbody></tbody>
</table>
<h2>Display Overlay</h2>
<table id="overlay">
<thead>
<tr><th>Category</th><th>Parameters</th></tr>
</thead>
<tbody></tbody>
</table>
<script>
const subsBody = document.querySelector('#subs tbody');
const overlayBody = document.querySelector('#overlay tbody');
const metaBox = document.getElementById('meta');
const sourceButtons = document.querySelectorAll('.controls button');

sourceButtons.forEach(btn => {
  btn.addEventListener('click', () => {
    fetch('/api/source', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ source: btn.dataset.source })
    }).then(() => fetchState()).catch(err => console.error('source switch error', err));
  });
});

function renderState(data) {
  metaBox.textContent = 'Cache entries: ' + (data.cache_entries || 0);
  sourceButtons.forEach(btn => btn.classList.toggle('active', btn.dataset.source === data.source));

  subsBody.innerHTML = '';
  (data.subscriptions || []).forEach(sub => {
    const tr = document.createElement('tr');
    if (sub.error) {
      tr.classList.add('error');
    }
    tr.innerHTML = '<td>' + (sub.area_code || '') + '</td><td>' + (sub.substation_id || '') + '</td><td>' + sub.component + '</td><td>' + (sub.state || '') + '</td><td>' + (sub.timestamp || '') + '</td><td>' + (sub.from_cache ? 'yes' : 'no') + '</td><td>' + (sub.error || '') + '</td>';
    subsBody.appendChild(tr);
  });

  overlayBody.innerHTML = '';
  Object.keys(data.overlay || {}).sort().forEach(category => {
    const tr = document.createElement('tr');
    const params = data.overlay[category] || {};
    const rendered = Object.keys(params).sort().map(key => key + '=' + params[key]).join(', ');
    tr.innerHTML = '<td>' + category + '</td><td>' + rendered + '</td>';
    overlayBody.appendChild(tr);
  });
}

function fetchState() {
  fetch('/api/state').then(resp => resp.json()).then(renderState).catch(err => console.error('state error', err));
}

fetchState();
setInterval(fetchState, 1000);
</script>
</body>
</html>`))
