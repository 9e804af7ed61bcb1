// Package processor implements the track processor: the core state
// machine that classifies one raw sample against a device's processed
// history and emits (or coalesces into) a processed sample (§4.5).
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/trackcore/internal/config"
	"github.com/banshee-data/trackcore/internal/geo"
	"github.com/banshee-data/trackcore/internal/kalman"
	"github.com/banshee-data/trackcore/internal/mapmatch"
	"github.com/banshee-data/trackcore/internal/model"
	"github.com/banshee-data/trackcore/internal/monitoring"
	"github.com/banshee-data/trackcore/internal/storage"
	"github.com/banshee-data/trackcore/internal/timeutil"
)

// Processor ties geo, kalman, mapmatch and storage together into the
// §4.5 algorithm. It holds no per-job state; every Process call
// classifies against whatever the store currently reports as the head
// of the device's processed stream (§5 concurrency model — same-device
// races are tolerated, not locked out).
type Processor struct {
	Store    storage.SampleStore
	Smoother *kalman.Smoother
	Matcher  mapmatch.Matcher
	Config   *config.Config
	Clock    timeutil.Clock
}

// New builds a Processor. A nil clock defaults to timeutil.RealClock{}.
func New(store storage.SampleStore, smoother *kalman.Smoother, matcher mapmatch.Matcher, cfg *config.Config, clock timeutil.Clock) *Processor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Processor{Store: store, Smoother: smoother, Matcher: matcher, Config: cfg, Clock: clock}
}

// Process implements queue.Handler: it is invoked once per job with a
// rawSampleId (§4.4/§4.5).
func (p *Processor) Process(ctx context.Context, rawSampleID string) error {
	raw, err := p.Store.FindRaw(ctx, rawSampleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return retriableFault(fmt.Errorf("%w: id=%s", ErrSampleNotFound, rawSampleID))
		}
		return retriableFault(fmt.Errorf("find raw sample: %w", err))
	}

	if math.IsNaN(raw.Coords.Lat) || math.IsNaN(raw.Coords.Lon) {
		return nonRetriableFault(fmt.Errorf("%w: NaN coords on raw sample %s", ErrInvariant, raw.ID))
	}

	already, err := p.Store.HasProcessedForRawID(ctx, raw.DeviceID, raw.ID)
	if err != nil {
		return retriableFault(fmt.Errorf("check idempotence: %w", err))
	}
	if already {
		// §8 property #4: re-enqueueing a completed rawSampleId
		// produces no new processed sample.
		return nil
	}

	last, err := p.Store.FindLatestProcessed(ctx, raw.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.emitFirstPoint(ctx, raw)
	}
	if err != nil {
		return retriableFault(fmt.Errorf("find latest processed: %w", err))
	}

	deltaT := raw.Timestamp.Sub(last.Timestamp).Seconds()
	if deltaT < 0 {
		// Out-of-order: skip, no new record, job still succeeds.
		return nil
	}

	if p.Clock.Since(last.Timestamp) > p.Config.StaleAge() {
		monitoring.Logw("processor: stale gap, resetting filter", "deviceId", raw.DeviceID, "gapSeconds", p.Clock.Since(last.Timestamp).Seconds())
		p.Smoother.Reset(raw.DeviceID)
		return p.emitStaleGap(ctx, raw)
	}

	d := geo.Distance(geo.Point(last.Coords), geo.Point(raw.Coords))
	if d < 0 || math.IsNaN(d) {
		return nonRetriableFault(fmt.Errorf("%w: negative/NaN distance for device %s", ErrInvariant, raw.DeviceID))
	}

	if d < p.Config.GetStopThresholdMeters() {
		upd := storage.MetadataUpdate{LastSeen: raw.Timestamp, StopCountInc: 1}
		if err := p.Store.UpdateProcessedMetadata(ctx, last.ID, upd); err != nil {
			return retriableFault(fmt.Errorf("stop coalesce: %w", err))
		}
		return nil
	}

	return p.smoothMatchAndEmit(ctx, raw, d, deltaT)
}

func (p *Processor) emitFirstPoint(ctx context.Context, raw model.RawSample) error {
	sample := model.ProcessedSample{
		DeviceID:  raw.DeviceID,
		TripID:    raw.TripID,
		Timestamp: raw.Timestamp,
		Coords:    raw.Coords,
		Metadata: model.ProcessedMetadata{
			ProcessingMethod: model.MethodRawFirst,
			ProcessedAt:      p.Clock.Now(),
			RawSampleID:      raw.ID,
		},
	}
	if _, err := p.Store.InsertProcessed(ctx, sample); err != nil {
		return retriableFault(fmt.Errorf("insert raw_first: %w", err))
	}
	return nil
}

func (p *Processor) emitStaleGap(ctx context.Context, raw model.RawSample) error {
	sample := model.ProcessedSample{
		DeviceID:  raw.DeviceID,
		TripID:    raw.TripID,
		Timestamp: raw.Timestamp,
		Coords:    raw.Coords,
		Metadata: model.ProcessedMetadata{
			ProcessingMethod: model.MethodRawFirst,
			ProcessedAt:      p.Clock.Now(),
			RawSampleID:      raw.ID,
			StaleGapReset:    true,
		},
	}
	if _, err := p.Store.InsertProcessed(ctx, sample); err != nil {
		return retriableFault(fmt.Errorf("insert stale-gap raw_first: %w", err))
	}
	return nil
}

// smoothMatchAndEmit implements §4.5 step 5-6: the two-stage cleaning
// path (kalman, then an optional map-match) and the final insert.
func (p *Processor) smoothMatchAndEmit(ctx context.Context, raw model.RawSample, d, deltaT float64) error {
	smoothedLat, smoothedLon := p.Smoother.Filter(raw.DeviceID, raw.Coords.Lat, raw.Coords.Lon)
	smoothed := model.Coords{Lat: smoothedLat, Lon: smoothedLon}

	contextN := p.Config.GetOSRMContextPoints()
	trailing, err := p.Store.FindRecentProcessed(ctx, raw.DeviceID, contextN-1)
	if err != nil {
		return retriableFault(fmt.Errorf("load trailing context: %w", err))
	}

	points := buildMatchPoints(trailing, smoothed, raw)

	final := smoothed
	method := model.MethodKalman
	confidence := 0.0

	if len(points) >= 3 {
		matched, err := p.Matcher.Match(ctx, points)
		if err != nil {
			monitoring.Logw("processor: map-match failed, falling back to kalman", "deviceId", raw.DeviceID, "err", err)
			method = model.MethodKalmanFallback
			confidence = 0
		} else {
			tail := matched[len(matched)-1]
			if tail.Confidence >= p.Config.GetOSRMMinConfidence() {
				final = model.Coords{Lat: tail.Lat, Lon: tail.Lon}
				method = model.MethodOSRM
				confidence = tail.Confidence
			} else {
				method = model.MethodKalman
				confidence = tail.Confidence
			}
		}
	}

	sample := model.ProcessedSample{
		DeviceID:  raw.DeviceID,
		TripID:    raw.TripID,
		Timestamp: raw.Timestamp,
		Coords:    final,
		Metadata: model.ProcessedMetadata{
			Distance:           d,
			TimeDiffSeconds:    deltaT,
			Speed:              geo.Speed(d, deltaT),
			ProcessingMethod:   method,
			MatchingConfidence: confidence,
			ProcessedAt:        p.Clock.Now(),
			RawSampleID:        raw.ID,
		},
	}
	if _, err := p.Store.InsertProcessed(ctx, sample); err != nil {
		return retriableFault(fmt.Errorf("insert %s: %w", method, err))
	}
	return nil
}

// buildMatchPoints builds the trailing context window of §4.5 step 5b:
// the last CONTEXT_N-1 processed samples, oldest-first, with the
// current smoothed fix appended as the tail point.
func buildMatchPoints(trailing []model.ProcessedSample, smoothed model.Coords, raw model.RawSample) []mapmatch.Point {
	points := make([]mapmatch.Point, 0, len(trailing)+1)
	for i := len(trailing) - 1; i >= 0; i-- {
		s := trailing[i]
		points = append(points, mapmatch.Point{
			Lat:       s.Coords.Lat,
			Lon:       s.Coords.Lon,
			Timestamp: s.Timestamp,
		})
	}
	points = append(points, mapmatch.Point{
		Lat:       smoothed.Lat,
		Lon:       smoothed.Lon,
		Timestamp: raw.Timestamp,
		Accuracy:  raw.Metadata.Accuracy,
	})
	return points
}
