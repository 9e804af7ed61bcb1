package sqlite

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// DeviceSpeedStats summarizes the speed distribution over a device's
// most recent processed samples.
type DeviceSpeedStats struct {
	MeanMPS   float64
	StddevMPS float64
	Samples   int
}

// DeviceSpeedStats computes mean/stddev speed over the last n
// processed samples for a device. Returns a zero-value result (no
// error) when there are no samples; with a single sample, StddevMPS
// stays 0, since gonum/stat's StdDev needs at least 2 values.
func (db *DB) DeviceSpeedStats(ctx context.Context, deviceID string, n int) (DeviceSpeedStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT speed FROM processed_samples
		WHERE device_id = ?
		ORDER BY timestamp_unix_nanos DESC, id DESC
		LIMIT ?`, deviceID, n)
	if err != nil {
		return DeviceSpeedStats{}, fmt.Errorf("sqlite: device speed stats: %w", err)
	}
	defer rows.Close()

	var speeds []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return DeviceSpeedStats{}, fmt.Errorf("sqlite: scan speed: %w", err)
		}
		speeds = append(speeds, v)
	}
	if err := rows.Err(); err != nil {
		return DeviceSpeedStats{}, err
	}

	if len(speeds) == 0 {
		return DeviceSpeedStats{}, nil
	}
	mean := stat.Mean(speeds, nil)
	if len(speeds) < 2 {
		return DeviceSpeedStats{MeanMPS: mean, Samples: len(speeds)}, nil
	}
	return DeviceSpeedStats{
		MeanMPS:   mean,
		StddevMPS: stat.StdDev(speeds, nil),
		Samples:   len(speeds),
	}, nil
}
