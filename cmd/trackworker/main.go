// Command trackworker is the track-processing worker process: it
// drains the job queue, classifying raw GPS samples into the
// processed stream (§4.5), until told to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/trackcore/internal/api"
	"github.com/banshee-data/trackcore/internal/config"
	"github.com/banshee-data/trackcore/internal/kalman"
	"github.com/banshee-data/trackcore/internal/mapmatch"
	"github.com/banshee-data/trackcore/internal/monitoring"
	"github.com/banshee-data/trackcore/internal/processor"
	"github.com/banshee-data/trackcore/internal/queue"
	"github.com/banshee-data/trackcore/internal/storage/sqlite"
	"github.com/banshee-data/trackcore/internal/version"
)

func main() {
	monitoring.Logf("trackworker starting: version=%s sha=%s built=%s", version.Version, version.GitSHA, version.BuildTime)

	cfg := config.MustLoadFromEnv()

	dbPath := os.Getenv("TRACKCORE_DB_PATH")
	if dbPath == "" {
		dbPath = "trackcore.db"
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		monitoring.Logf("trackworker: failed to open storage at %s: %v", dbPath, err)
		os.Exit(1)
	}
	defer db.Close()

	smoother := kalman.New(kalman.Config{ProcessNoise: cfg.GetKalmanQ(), MeasurementNoise: cfg.GetKalmanR()})
	matcher := mapmatch.NewHTTPMatcher(cfg.GetOSRMBaseURL(), nil)
	proc := processor.New(db, smoother, matcher, cfg, nil)

	q := queue.New(queue.Config{
		Workers:         cfg.GetWorkerConcurrency(),
		RateLimitPerSec: cfg.GetQueueRateLimitPerSecond(),
	}, proc.Process)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	q.Start(ctx)
	monitoring.Logf("trackworker: %d workers running, rate limit %d/s", cfg.GetWorkerConcurrency(), cfg.GetQueueRateLimitPerSecond())

	go reportStats(ctx, q)

	if addr := os.Getenv("HEALTH_ADDR"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: api.NewServer(db, matcher, q)}
		go func() {
			monitoring.Logf("trackworker: read/health API listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				monitoring.Logf("trackworker: read/health API stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	monitoring.Logf("trackworker: shutdown signal received, draining in-flight jobs")
	q.Stop()
	monitoring.Logf("trackworker: drained, exiting")
}

// reportStats periodically logs queue health so dead-letter growth is
// visible to an operator without a separate metrics stack (§7, §12).
func reportStats(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := q.Stats()
			monitoring.Logf("trackworker: stats queued=%d inflight=%d completed=%d failed=%d mean_latency_s=%.3f",
				s.Queued, s.InFlight, s.Completed, s.Failed, s.MeanLatencySecs)
		}
	}
}
