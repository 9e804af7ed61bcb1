// Package config loads the process-level configuration table: every
// field is optional, a typed Get* accessor supplies the default when
// unset, and the whole thing can be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root process configuration. Every field is a pointer
// so that "unset" (use the default) is distinguishable from "set to
// the zero value".
type Config struct {
	StopThresholdMeters       *float64
	MaxLastLocationAgeSeconds *float64
	OSRMContextPoints         *int
	OSRMMinConfidence         *float64
	KalmanQ                   *float64
	KalmanR                   *float64
	WorkerConcurrency         *int
	QueueRateLimitPerSecond   *int
	OSRMBaseURL               *string
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// GetStopThresholdMeters returns StopThresholdMeters or its §6 default (5).
func (c *Config) GetStopThresholdMeters() float64 {
	if c != nil && c.StopThresholdMeters != nil {
		return *c.StopThresholdMeters
	}
	return 5
}

// GetMaxLastLocationAgeSeconds returns MaxLastLocationAgeSeconds or its §6 default (300).
func (c *Config) GetMaxLastLocationAgeSeconds() float64 {
	if c != nil && c.MaxLastLocationAgeSeconds != nil {
		return *c.MaxLastLocationAgeSeconds
	}
	return 300
}

// GetOSRMContextPoints returns OSRMContextPoints or its §6 default (10).
func (c *Config) GetOSRMContextPoints() int {
	if c != nil && c.OSRMContextPoints != nil {
		return *c.OSRMContextPoints
	}
	return 10
}

// GetOSRMMinConfidence returns OSRMMinConfidence or its §6 default (0.5).
func (c *Config) GetOSRMMinConfidence() float64 {
	if c != nil && c.OSRMMinConfidence != nil {
		return *c.OSRMMinConfidence
	}
	return 0.5
}

// GetKalmanQ returns KalmanQ or its §6 default (0.001).
func (c *Config) GetKalmanQ() float64 {
	if c != nil && c.KalmanQ != nil {
		return *c.KalmanQ
	}
	return 0.001
}

// GetKalmanR returns KalmanR or its §6 default (5.0).
func (c *Config) GetKalmanR() float64 {
	if c != nil && c.KalmanR != nil {
		return *c.KalmanR
	}
	return 5.0
}

// GetWorkerConcurrency returns WorkerConcurrency or its §6 default (10).
func (c *Config) GetWorkerConcurrency() int {
	if c != nil && c.WorkerConcurrency != nil {
		return *c.WorkerConcurrency
	}
	return 10
}

// GetQueueRateLimitPerSecond returns QueueRateLimitPerSecond or its §6 default (100).
func (c *Config) GetQueueRateLimitPerSecond() int {
	if c != nil && c.QueueRateLimitPerSecond != nil {
		return *c.QueueRateLimitPerSecond
	}
	return 100
}

// GetOSRMBaseURL returns OSRMBaseURL or "" if unset (no default — §6
// lists no default value for OSRM_BASE_URL).
func (c *Config) GetOSRMBaseURL() string {
	if c != nil && c.OSRMBaseURL != nil {
		return *c.OSRMBaseURL
	}
	return ""
}

// envKeys maps each field to its §6 environment variable name.
var envKeys = struct {
	StopThreshold, MaxAge, ContextPoints, MinConfidence, KalmanQ, KalmanR, Workers, RateLimit, OSRMBaseURL string
}{
	StopThreshold: "STOP_THRESHOLD_METERS",
	MaxAge:        "MAX_LAST_LOCATION_AGE_SECONDS",
	ContextPoints: "OSRM_CONTEXT_POINTS",
	MinConfidence: "OSRM_MIN_CONFIDENCE",
	KalmanQ:       "KALMAN_Q",
	KalmanR:       "KALMAN_R",
	Workers:       "WORKER_CONCURRENCY",
	RateLimit:     "QUEUE_RATE_LIMIT",
	OSRMBaseURL:   "OSRM_BASE_URL",
}

// LoadFromEnv builds a Config by reading the §6 environment variables.
// Unset variables stay unset (so the Get* defaults apply); a variable
// that is set but does not parse makes LoadFromEnv return an error.
// OSRM_BASE_URL is passed through verbatim since it has no parseable
// shape.
func LoadFromEnv() (*Config, error) {
	cfg := Empty()

	if v, ok := os.LookupEnv(envKeys.StopThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.StopThreshold, err)
		}
		cfg.StopThresholdMeters = ptrFloat64(f)
	}
	if v, ok := os.LookupEnv(envKeys.MaxAge); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.MaxAge, err)
		}
		cfg.MaxLastLocationAgeSeconds = ptrFloat64(f)
	}
	if v, ok := os.LookupEnv(envKeys.ContextPoints); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.ContextPoints, err)
		}
		cfg.OSRMContextPoints = ptrInt(n)
	}
	if v, ok := os.LookupEnv(envKeys.MinConfidence); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.MinConfidence, err)
		}
		cfg.OSRMMinConfidence = ptrFloat64(f)
	}
	if v, ok := os.LookupEnv(envKeys.KalmanQ); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.KalmanQ, err)
		}
		cfg.KalmanQ = ptrFloat64(f)
	}
	if v, ok := os.LookupEnv(envKeys.KalmanR); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.KalmanR, err)
		}
		cfg.KalmanR = ptrFloat64(f)
	}
	if v, ok := os.LookupEnv(envKeys.Workers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.Workers, err)
		}
		cfg.WorkerConcurrency = ptrInt(n)
	}
	if v, ok := os.LookupEnv(envKeys.RateLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envKeys.RateLimit, err)
		}
		cfg.QueueRateLimitPerSecond = ptrInt(n)
	}
	if v, ok := os.LookupEnv(envKeys.OSRMBaseURL); ok {
		cfg.OSRMBaseURL = ptrString(v)
	}

	return cfg, nil
}

// MustLoadFromEnv is LoadFromEnv but panics on error. Intended for
// cmd/ entrypoints that have no better recovery than failing fast.
func MustLoadFromEnv() *Config {
	cfg, err := LoadFromEnv()
	if err != nil {
		panic(err)
	}
	return cfg
}

// StaleAge returns MaxLastLocationAgeSeconds as a time.Duration.
func (c *Config) StaleAge() time.Duration {
	return time.Duration(c.GetMaxLastLocationAgeSeconds() * float64(time.Second))
}
