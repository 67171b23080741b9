// Package firebase implements the document-store backed readings source.
//
// Every read is an explicit request against the upstream, keyed by area. The
// lightweight readings and timestamp endpoints never trigger model scoring;
// the diagnosis endpoint may, which is why it runs under its own long
// deadline.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gridfeed/config"
	"gridfeed/readings"
	"gridfeed/source"
)

// Adapter talks to the readings endpoints over HTTP.
type Adapter struct {
	cfg    config.FirebaseConfig
	client *http.Client
	logger zerolog.Logger
}

// New creates an adapter for the configured endpoints.
func New(cfg config.FirebaseConfig, logger zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("firebase base url is required")
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With().Str("source", string(source.KindFirebase)).Logger(),
	}, nil
}

// Kind identifies the adapter.
func (a *Adapter) Kind() source.Kind {
	return source.KindFirebase
}

type readingsRequest struct {
	AreaCode      string `json:"areaCode"`
	SubstationID  string `json:"substationId,omitempty"`
	ComponentType string `json:"componentType"`
	Timestamp     string `json:"timestamp,omitempty"`
}

type timestampRequest struct {
	AreaCode string `json:"areaCode"`
}

type diagnosisRequest struct {
	AreaCode      string            `json:"areaCode"`
	SubstationID  string            `json:"substationId,omitempty"`
	ComponentType string            `json:"componentType"`
	ScadaData     readings.Snapshot `json:"scadaData,omitempty"`
	IPData        readings.Snapshot `json:"ipData,omitempty"`
}

// FetchReadings requests the current snapshot for one component of an area.
func (a *Adapter) FetchReadings(ctx context.Context, area source.Area, component string) (source.Result, error) {
	payload := readingsRequest{
		AreaCode:      area.AreaCode,
		SubstationID:  area.SubstationID,
		ComponentType: component,
	}
	body, err := a.post(ctx, a.cfg.ReadingsPathOrDefault(), payload, a.cfg.RequestTimeoutOrDefault())
	if err != nil {
		return source.Result{}, err
	}
	return decodeResult(body)
}

// LatestTimestamp asks the upstream for the newest snapshot time of an area.
// Failures are logged and reported as absent; the probe never fails the
// caller's flow.
func (a *Adapter) LatestTimestamp(ctx context.Context, area source.Area) (string, bool) {
	body, err := a.post(ctx, a.cfg.TimestampPathOrDefault(), timestampRequest{AreaCode: area.AreaCode}, a.cfg.RequestTimeoutOrDefault())
	if err != nil {
		a.logger.Debug().Err(err).Str("area", area.AreaCode).Msg("timestamp probe failed")
		return "", false
	}
	var resp struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		a.logger.Debug().Err(err).Str("area", area.AreaCode).Msg("timestamp probe returned malformed payload")
		return "", false
	}
	if resp.Timestamp == "" {
		return "", false
	}
	return resp.Timestamp, true
}

// Diagnosis requests the heavyweight snapshot that may invoke model
// inference upstream. Auxiliary device data rides along under the key
// matching the snapshot schema it came from: scadaData for the legacy
// shape, ipData for the IP-address shape. The call runs under the long
// diagnosis deadline and a lapsed deadline surfaces as ErrTimeout, not a
// generic failure.
func (a *Adapter) Diagnosis(ctx context.Context, area source.Area, component string, scadaData, ipData readings.Snapshot) (source.Result, error) {
	payload := diagnosisRequest{
		AreaCode:      area.AreaCode,
		SubstationID:  area.SubstationID,
		ComponentType: component,
		ScadaData:     scadaData,
		IPData:        ipData,
	}
	body, err := a.post(ctx, a.cfg.DiagnosisPathOrDefault(), payload, a.cfg.DiagnosisTimeoutOrDefault())
	if err != nil {
		return source.Result{}, err
	}
	return decodeResult(body)
}

// MaintenanceAction is a maintenance write submitted past the caching layer.
type MaintenanceAction struct {
	Action       string   `json:"action"`
	AreaCode     string   `json:"areaCode"`
	SubstationID string   `json:"substationId,omitempty"`
	Component    string   `json:"component"`
	Notes        string   `json:"notes,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
}

// SubmitMaintenance posts a maintenance action. The response body is not
// interpreted and nothing is cached.
func (a *Adapter) SubmitMaintenance(ctx context.Context, action MaintenanceAction) error {
	_, err := a.post(ctx, a.cfg.MaintenancePathOrDefault(), action, a.cfg.RequestTimeoutOrDefault())
	return err
}

func (a *Adapter) post(ctx context.Context, path string, payload interface{}, timeout time.Duration) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(a.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", source.ErrTimeout, path)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", source.ErrUpstreamUnavailable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", source.ErrUpstreamUnavailable, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", source.ErrUpstreamUnavailable, path, resp.StatusCode)
	}
	return body, nil
}

func decodeResult(body []byte) (source.Result, error) {
	obj, err := readings.DecodeObject(body)
	if err != nil {
		return source.Result{}, fmt.Errorf("%w: %v", source.ErrParse, err)
	}

	var snapshot readings.Snapshot
	if rawReadings, ok := obj["readings"].(map[string]interface{}); ok {
		snapshot, err = readings.NormalizeMap(rawReadings)
		if err != nil {
			return source.Result{}, fmt.Errorf("%w: %v", source.ErrParse, err)
		}
	} else {
		// Some deployments return the parameter set at the top level.
		snapshot, err = readings.NormalizeMap(obj)
		if err != nil {
			return source.Result{}, fmt.Errorf("%w: %v", source.ErrParse, err)
		}
		delete(snapshot, "timestamp")
	}

	timestamp, _ := obj["timestamp"].(string)
	return source.Result{Readings: snapshot, Timestamp: timestamp}, nil
}
