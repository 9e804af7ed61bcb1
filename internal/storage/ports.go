// Package storage defines the narrow read/write ports the track
// processor depends on (§4.6, §9 "SampleStore"). Concrete
// implementations live in subpackages (e.g. storage/sqlite).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/trackcore/internal/model"
)

// ErrNotFound is returned by lookups that find nothing, letting the
// track processor distinguish "no prior sample" (not an error) from
// "id unknown" (a retriable fault per §7 Input-absent).
var ErrNotFound = errors.New("storage: not found")

// MetadataUpdate is the only mutation ever applied to a processed
// sample (§4.6 updateProcessedMetadata): coalescing a stop bumps the
// predecessor's LastSeen/StopCount instead of inserting a new row.
type MetadataUpdate struct {
	LastSeen     time.Time
	StopCountInc int
}

// ListFilter narrows a paginated read over either collection.
type ListFilter struct {
	DeviceID string // empty = any device
	TripID   string // empty = any trip
	From, To time.Time
	Cursor   string
	Limit    int
}

// ListPage is one page of a paginated read, plus an opaque cursor for
// the next page (empty when there is no next page).
type ListPage[T any] struct {
	Items      []T
	NextCursor string
}

// SampleStore is the port the track processor and job queue use to
// read/write the two append-only time-series collections (§4.6).
type SampleStore interface {
	InsertRaw(ctx context.Context, s model.RawSample) (string, error)
	InsertProcessed(ctx context.Context, s model.ProcessedSample) (string, error)

	FindRaw(ctx context.Context, id string) (model.RawSample, error)
	FindLatestProcessed(ctx context.Context, deviceID string) (model.ProcessedSample, error)
	FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]model.ProcessedSample, error)

	UpdateProcessedMetadata(ctx context.Context, id string, upd MetadataUpdate) error

	// HasProcessedForRawID reports whether a processed sample already
	// exists for the given raw sample id, for idempotence on
	// re-delivery (§3 invariant #2, §8 property #4).
	HasProcessedForRawID(ctx context.Context, deviceID, rawSampleID string) (bool, error)

	ListRaw(ctx context.Context, f ListFilter) (ListPage[model.RawSample], error)
	ListProcessed(ctx context.Context, f ListFilter) (ListPage[model.ProcessedSample], error)
}
