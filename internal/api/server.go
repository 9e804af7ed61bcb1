// Package api exposes the read-side HTTP surface: a health probe for
// operators and paginated reads over the processed-sample stream, unit
// conversion included, using a ServeMux-based handler shape.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/trackcore/internal/fsutil"
	"github.com/banshee-data/trackcore/internal/httputil"
	"github.com/banshee-data/trackcore/internal/mapmatch"
	"github.com/banshee-data/trackcore/internal/queue"
	"github.com/banshee-data/trackcore/internal/security"
	"github.com/banshee-data/trackcore/internal/storage"
	"github.com/banshee-data/trackcore/internal/storage/sqlite"
	"github.com/banshee-data/trackcore/internal/units"
)

// speedStatsWindow is how many of a device's most recent processed
// samples feed the ?stats=1 summary block.
const speedStatsWindow = 50

// Server wires the storage, matcher-health and queue ports into a
// read-only HTTP API. Its only non-read endpoint, /export, writes a
// snapshot of the processed stream to a local file rather than
// mutating any core state; ingestion and job dispatch still happen
// through the storage/queue ports directly, per §6 ("the core neither
// constructs nor validates the raw sample").
type Server struct {
	Store   storage.SampleStore
	Matcher mapmatch.Matcher
	Queue   *queue.Queue
	FS      fsutil.FileSystem
	mux     *http.ServeMux
}

// NewServer builds a Server and registers its routes.
func NewServer(store storage.SampleStore, matcher mapmatch.Matcher, q *queue.Queue) *Server {
	s := &Server{Store: store, Matcher: matcher, Queue: q, FS: fsutil.OSFileSystem{}, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/processed", s.handleListProcessed)
	s.mux.HandleFunc("/export", s.handleExport)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	MatcherHealthy bool        `json:"matcherHealthy"`
	Queue          queue.Stats `json:"queue"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{MatcherHealthy: s.Matcher.Healthy(ctx)}
	if s.Queue != nil {
		resp.Queue = s.Queue.Stats()
	}

	status := http.StatusOK
	if !resp.MatcherHealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

type processedSampleDTO struct {
	ID                 string    `json:"id"`
	DeviceID           string    `json:"deviceId"`
	TripID             string    `json:"tripId"`
	Timestamp          time.Time `json:"timestamp"`
	Lat                float64   `json:"lat"`
	Lon                float64   `json:"lon"`
	Speed              float64   `json:"speed"`
	SpeedUnits         string    `json:"speedUnits"`
	ProcessingMethod   string    `json:"processingMethod"`
	MatchingConfidence float64   `json:"matchingConfidence"`
}

type speedStatsDTO struct {
	MeanMPS   float64 `json:"meanMps"`
	StddevMPS float64 `json:"stddevMps"`
	Samples   int     `json:"samples"`
}

type listProcessedResponse struct {
	Items      []processedSampleDTO `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
	Stats      *speedStatsDTO       `json:"stats,omitempty"`
}

// handleListProcessed serves a paginated read over the processed-
// sample stream (§4.6), converting the stored m/s speed to the
// requested display unit (defaulting to mps).
func (s *Server) handleListProcessed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	targetUnits := q.Get("units")
	if targetUnits == "" {
		targetUnits = units.MPS
	}
	if !units.IsValid(targetUnits) {
		httputil.BadRequest(w, "invalid units: expected one of "+units.GetValidUnitsString())
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	filter := storage.ListFilter{
		DeviceID: q.Get("deviceId"),
		TripID:   q.Get("tripId"),
		Cursor:   q.Get("cursor"),
		Limit:    limit,
	}

	page, err := s.Store.ListProcessed(r.Context(), filter)
	if err != nil {
		httputil.InternalServerError(w, "storage error")
		return
	}

	resp := listProcessedResponse{NextCursor: page.NextCursor, Items: make([]processedSampleDTO, len(page.Items))}
	for i, item := range page.Items {
		resp.Items[i] = processedSampleDTO{
			ID:                 item.ID,
			DeviceID:           item.DeviceID,
			TripID:             item.TripID,
			Timestamp:          item.Timestamp,
			Lat:                item.Coords.Lat,
			Lon:                item.Coords.Lon,
			Speed:              units.ConvertSpeed(item.Metadata.Speed, targetUnits),
			SpeedUnits:         targetUnits,
			ProcessingMethod:   string(item.Metadata.ProcessingMethod),
			MatchingConfidence: item.Metadata.MatchingConfidence,
		}
	}

	if q.Get("stats") == "1" && filter.DeviceID != "" {
		if db, ok := s.Store.(*sqlite.DB); ok {
			stats, err := db.DeviceSpeedStats(r.Context(), filter.DeviceID, speedStatsWindow)
			if err != nil {
				httputil.InternalServerError(w, "storage error")
				return
			}
			resp.Stats = &speedStatsDTO{
				MeanMPS:   units.ConvertSpeed(stats.MeanMPS, targetUnits),
				StddevMPS: units.ConvertSpeed(stats.StddevMPS, targetUnits),
				Samples:   stats.Samples,
			}
		}
	}

	httputil.WriteJSONOK(w, resp)
}

// handleExport snapshots a page of the processed stream to a local
// JSON file. The target path is validated against the temp directory
// and the process's working directory (security.ValidateExportPath)
// before anything is written, so a caller can't be tricked into
// writing outside those bounds.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.BadRequest(w, "export requires POST")
		return
	}

	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		httputil.BadRequest(w, "path is required")
		return
	}
	if err := security.ValidateExportPath(path); err != nil {
		httputil.BadRequest(w, "invalid export path: "+err.Error())
		return
	}

	filter := storage.ListFilter{DeviceID: q.Get("deviceId"), TripID: q.Get("tripId")}
	page, err := s.Store.ListProcessed(r.Context(), filter)
	if err != nil {
		httputil.InternalServerError(w, "storage error")
		return
	}

	data, err := json.Marshal(page.Items)
	if err != nil {
		httputil.InternalServerError(w, "encode error")
		return
	}
	if err := s.FS.WriteFile(path, data, 0o644); err != nil {
		httputil.InternalServerError(w, "write error")
		return
	}

	httputil.WriteJSONOK(w, map[string]any{"written": len(page.Items), "path": path})
}
