package source

import (
	"context"
	"errors"
)

// Error taxonomy for upstream fetches. Adapters wrap these sentinels so
// callers can branch with errors.Is while keeping endpoint detail in the
// message.
var (
	// ErrUpstreamUnavailable covers network failures and non-success
	// statuses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTimeout marks a request aborted by its deadline. Surfaced
	// distinctly so callers can explain the delay instead of reporting a
	// generic failure.
	ErrTimeout = errors.New("upstream deadline exceeded")
	// ErrNoReadings is returned when a legacy-shape extraction yields no
	// fields for the requested component.
	ErrNoReadings = errors.New("no readings for component")
	// ErrParse marks a malformed payload or an unrecognised shape.
	ErrParse = errors.New("malformed upstream payload")
)

// Classify maps an error to its telemetry kind label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNoReadings):
		return "no_readings"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream"
	default:
		return "other"
	}
}
