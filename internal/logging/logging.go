// Package logging builds the process logger: zerolog to stdout in the
// configured format, optionally teed into a Loki shipping sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"gridfeed/config"
)

// Setup assembles the logger from configuration. The returned cleanup stops
// the Loki client when shipping is enabled and is a no-op otherwise.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	sink := consoleSink(cfg.Format)
	cleanup := func() {}
	if cfg.Loki.Enabled {
		shipper, err := newLokiSink(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		sink = zerolog.MultiLevelWriter(sink, shipper)
		cleanup = shipper.stop
	}

	logger := zerolog.New(sink).With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleSink(format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

// lokiSink forwards each rendered log line to Loki under a fixed label set.
type lokiSink struct {
	client *loki.Client
	labels model.LabelSet
}

func newLokiSink(cfg config.LokiConfig) (*lokiSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return &lokiSink{client: client, labels: shippingLabels(cfg.Labels)}, nil
}

// shippingLabels converts the configured label map, falling back to a single
// app label so streams are never unlabelled.
func shippingLabels(configured map[string]string) model.LabelSet {
	labels := make(model.LabelSet, len(configured))
	for k, v := range configured {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	if len(labels) == 0 {
		labels["app"] = "gridfeed"
	}
	return labels
}

func (s *lokiSink) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	return len(p), s.client.Handle(s.labels, time.Now(), line)
}

func (s *lokiSink) stop() {
	s.client.Stop()
}
