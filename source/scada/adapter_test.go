package scada

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gridfeed/config"
	"gridfeed/source"
)

func TestFetchReadingsRequiresSnapshot(t *testing.T) {
	adapter, err := New(config.ScadaConfig{URL: "http://unused.local"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = adapter.FetchReadings(context.Background(), source.Area{AreaCode: "areaA"}, "bayLines")
	require.ErrorIs(t, err, source.ErrUpstreamUnavailable)

	_, ok := adapter.LatestTimestamp(context.Background(), source.Area{AreaCode: "areaA"})
	require.False(t, ok)
}

func TestFetchReadingsServesCachedSnapshot(t *testing.T) {
	adapter, err := New(config.ScadaConfig{URL: "http://unused.local"}, zerolog.Nop())
	require.NoError(t, err)

	snapshot, err := Detect([]byte(legacyPayload))
	require.NoError(t, err)
	adapter.SetSnapshot(snapshot)

	result, err := adapter.FetchReadings(context.Background(), source.Area{AreaCode: "areaA"}, "bayLines")
	require.NoError(t, err)
	require.Equal(t, "2024-06-01T12:00:00Z", result.Timestamp)
	require.Contains(t, result.Readings, "current")

	ts, ok := adapter.LatestTimestamp(context.Background(), source.Area{AreaCode: "areaA"})
	require.True(t, ok)
	require.Equal(t, "2024-06-01T12:00:00Z", ts)
}

func TestRunPollsEndpointIndependently(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(legacyPayload))
	}))
	defer server.Close()

	adapter, err := New(config.ScadaConfig{
		URL:          server.URL,
		PollInterval: config.Duration{Duration: 20 * time.Millisecond},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- adapter.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return polls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	// Consumers read the cached snapshot without adding upstream calls.
	before := polls.Load()
	for i := 0; i < 10; i++ {
		_, err := adapter.FetchReadings(ctx, source.Area{AreaCode: "areaA"}, "bayLines")
		require.NoError(t, err)
	}
	require.LessOrEqual(t, polls.Load()-before, int32(2))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunKeepsLastSnapshotOnFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(legacyPayload))
	}))
	defer server.Close()

	adapter, err := New(config.ScadaConfig{
		URL:          server.URL,
		PollInterval: config.Duration{Duration: 10 * time.Millisecond},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = adapter.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := adapter.FetchReadings(ctx, source.Area{AreaCode: "areaA"}, "bayLines")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	fail.Store(true)
	time.Sleep(50 * time.Millisecond)

	_, err = adapter.FetchReadings(ctx, source.Area{AreaCode: "areaA"}, "bayLines")
	require.NoError(t, err, "previous snapshot must keep serving during upstream failure")
}
