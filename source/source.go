// Package source defines the contract shared by the two upstream readings
// backends.
//
// Factories allow the polling layer to be wired to either backend without
// coupling it to concrete types; only one adapter is active at a time.
package source

import (
	"context"

	"gridfeed/readings"
)

// Kind identifies one of the two upstream backends.
type Kind string

const (
	// KindFirebase is the document-store backed pull source.
	KindFirebase Kind = "firebase"
	// KindScada is the device-snapshot poll source.
	KindScada Kind = "scada"
)

// Area identifies the grid area a consumer is bound to.
type Area struct {
	AreaCode     string
	SubstationID string
}

// Result is a fetched readings snapshot together with the upstream-reported
// timestamp. Timestamp may be empty when the upstream did not report one; in
// that case staleness falls back to TTL only.
type Result struct {
	Readings  readings.Snapshot
	Timestamp string
}

// Adapter fetches current readings for a component of an area and answers
// the cheap "what is the current timestamp" probe.
type Adapter interface {
	Kind() Kind

	// FetchReadings returns the current snapshot for the component. It
	// fails with the package error taxonomy when the upstream is
	// unreachable, times out or returns an unusable payload.
	FetchReadings(ctx context.Context, area Area, component string) (Result, error)

	// LatestTimestamp is the staleness probe. It must be cheaper than a
	// full fetch and must never fail the caller: on error it reports the
	// timestamp as absent so the caller falls back to TTL-only staleness.
	LatestTimestamp(ctx context.Context, area Area) (string, bool)
}
