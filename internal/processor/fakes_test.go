package processor

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/trackcore/internal/mapmatch"
	"github.com/banshee-data/trackcore/internal/model"
	"github.com/banshee-data/trackcore/internal/storage"
)

// fakeStore is a hand-written in-memory fake of storage.SampleStore,
// in the style of internal/httputil.MockHTTPClient and
// internal/timeutil.MockClock: a real implementation, not a mock
// generated via reflection.
type fakeStore struct {
	mu        sync.Mutex
	raw       map[string]model.RawSample
	processed map[string]model.ProcessedSample

	// failFindLatest, when non-nil, is returned verbatim by
	// FindLatestProcessed regardless of state, to exercise the
	// storage-transient retriable path.
	failFindLatest error
}

var _ storage.SampleStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		raw:       make(map[string]model.RawSample),
		processed: make(map[string]model.ProcessedSample),
	}
}

func (f *fakeStore) putRaw(s model.RawSample) model.RawSample {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	f.mu.Lock()
	f.raw[s.ID] = s
	f.mu.Unlock()
	return s
}

func (f *fakeStore) InsertRaw(ctx context.Context, s model.RawSample) (string, error) {
	s = f.putRaw(s)
	return s.ID, nil
}

func (f *fakeStore) InsertProcessed(ctx context.Context, s model.ProcessedSample) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	f.processed[s.ID] = s
	return s.ID, nil
}

func (f *fakeStore) FindRaw(ctx context.Context, id string) (model.RawSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.raw[id]
	if !ok {
		return model.RawSample{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) byDeviceDescending(deviceID string) []model.ProcessedSample {
	var out []model.ProcessedSample
	for _, s := range f.processed {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (f *fakeStore) FindLatestProcessed(ctx context.Context, deviceID string) (model.ProcessedSample, error) {
	if f.failFindLatest != nil {
		return model.ProcessedSample{}, f.failFindLatest
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.byDeviceDescending(deviceID)
	if len(all) == 0 {
		return model.ProcessedSample{}, storage.ErrNotFound
	}
	return all[0], nil
}

func (f *fakeStore) FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]model.ProcessedSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.byDeviceDescending(deviceID)
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (f *fakeStore) UpdateProcessedMetadata(ctx context.Context, id string, upd storage.MetadataUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.processed[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Metadata.LastSeen = upd.LastSeen
	s.Metadata.StopCount += upd.StopCountInc
	f.processed[id] = s
	return nil
}

func (f *fakeStore) HasProcessedForRawID(ctx context.Context, deviceID, rawSampleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.processed {
		if s.DeviceID == deviceID && s.Metadata.RawSampleID == rawSampleID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListRaw(ctx context.Context, filter storage.ListFilter) (storage.ListPage[model.RawSample], error) {
	return storage.ListPage[model.RawSample]{}, nil
}

func (f *fakeStore) ListProcessed(ctx context.Context, filter storage.ListFilter) (storage.ListPage[model.ProcessedSample], error) {
	return storage.ListPage[model.ProcessedSample]{}, nil
}

// fakeMatcher is a hand-written fake of mapmatch.Matcher.
type fakeMatcher struct {
	confidence float64
	err        error
	healthy    bool
}

var _ mapmatch.Matcher = (*fakeMatcher)(nil)

func (m *fakeMatcher) Match(ctx context.Context, points []mapmatch.Point) ([]mapmatch.Matched, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]mapmatch.Matched, len(points))
	for i, p := range points {
		out[i] = mapmatch.Matched{Lat: p.Lat, Lon: p.Lon, Confidence: m.confidence}
	}
	return out, nil
}

func (m *fakeMatcher) Healthy(ctx context.Context) bool { return m.healthy }
