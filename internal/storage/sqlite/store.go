package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trackcore/internal/model"
	"github.com/banshee-data/trackcore/internal/storage"
)

// compile-time assertion that *DB implements storage.SampleStore.
var _ storage.SampleStore = (*DB)(nil)

func (db *DB) InsertRaw(ctx context.Context, s model.RawSample) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO raw_samples (id, device_id, trip_id, timestamp_unix_nanos, lat, lon, accuracy, speed, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DeviceID, s.TripID, s.Timestamp.UnixNano(), s.Coords.Lat, s.Coords.Lon,
		s.Metadata.Accuracy, s.Metadata.Speed, s.Metadata.Heading,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: insert raw sample: %w", err)
	}
	return s.ID, nil
}

func (db *DB) InsertProcessed(ctx context.Context, s model.ProcessedSample) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO processed_samples (
			id, device_id, trip_id, timestamp_unix_nanos, lat, lon,
			distance, time_diff_seconds, speed, processing_method, matching_confidence,
			processed_at_unix_nanos, raw_sample_id, last_seen_unix_nanos, stop_count, stale_gap_reset
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DeviceID, s.TripID, s.Timestamp.UnixNano(), s.Coords.Lat, s.Coords.Lon,
		s.Metadata.Distance, s.Metadata.TimeDiffSeconds, s.Metadata.Speed,
		string(s.Metadata.ProcessingMethod), s.Metadata.MatchingConfidence,
		s.Metadata.ProcessedAt.UnixNano(), s.Metadata.RawSampleID,
		nanosOrZero(s.Metadata.LastSeen), s.Metadata.StopCount, s.Metadata.StaleGapReset,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: insert processed sample: %w", err)
	}
	return s.ID, nil
}

func (db *DB) FindRaw(ctx context.Context, id string) (model.RawSample, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, device_id, trip_id, timestamp_unix_nanos, lat, lon, accuracy, speed, heading
		FROM raw_samples WHERE id = ?`, id)
	return scanRaw(row)
}

func (db *DB) FindLatestProcessed(ctx context.Context, deviceID string) (model.ProcessedSample, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+processedColumns+`
		FROM processed_samples
		WHERE device_id = ?
		ORDER BY timestamp_unix_nanos DESC, id DESC
		LIMIT 1`, deviceID)
	return scanProcessed(row)
}

func (db *DB) FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]model.ProcessedSample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+processedColumns+`
		FROM processed_samples
		WHERE device_id = ?
		ORDER BY timestamp_unix_nanos DESC, id DESC
		LIMIT ?`, deviceID, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find recent processed: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessedSample
	for rows.Next() {
		s, err := scanProcessedRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) UpdateProcessedMetadata(ctx context.Context, id string, upd storage.MetadataUpdate) error {
	res, err := db.ExecContext(ctx, `
		UPDATE processed_samples
		SET last_seen_unix_nanos = ?, stop_count = stop_count + ?
		WHERE id = ?`, upd.LastSeen.UnixNano(), upd.StopCountInc, id)
	if err != nil {
		return fmt.Errorf("sqlite: update processed metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update processed metadata rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (db *DB) HasProcessedForRawID(ctx context.Context, deviceID, rawSampleID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM processed_samples WHERE device_id = ? AND raw_sample_id = ?`,
		deviceID, rawSampleID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: has processed for raw id: %w", err)
	}
	return exists, nil
}

func (db *DB) ListRaw(ctx context.Context, f storage.ListFilter) (storage.ListPage[model.RawSample], error) {
	where, args := listWhere(f, "timestamp_unix_nanos")
	limit := pageLimit(f.Limit)
	query := fmt.Sprintf(`
		SELECT id, device_id, trip_id, timestamp_unix_nanos, lat, lon, accuracy, speed, heading
		FROM raw_samples %s ORDER BY timestamp_unix_nanos ASC, id ASC LIMIT ?`, where)
	args = append(args, limit+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.ListPage[model.RawSample]{}, fmt.Errorf("sqlite: list raw: %w", err)
	}
	defer rows.Close()

	var items []model.RawSample
	for rows.Next() {
		s, err := scanRawRows(rows)
		if err != nil {
			return storage.ListPage[model.RawSample]{}, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return storage.ListPage[model.RawSample]{}, err
	}
	return paginate(items, limit, func(s model.RawSample) string { return encodeCursor(s.Timestamp, s.ID) }), nil
}

func (db *DB) ListProcessed(ctx context.Context, f storage.ListFilter) (storage.ListPage[model.ProcessedSample], error) {
	where, args := listWhere(f, "timestamp_unix_nanos")
	limit := pageLimit(f.Limit)
	query := fmt.Sprintf(`
		SELECT %s FROM processed_samples %s ORDER BY timestamp_unix_nanos ASC, id ASC LIMIT ?`, processedColumns, where)
	args = append(args, limit+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.ListPage[model.ProcessedSample]{}, fmt.Errorf("sqlite: list processed: %w", err)
	}
	defer rows.Close()

	var items []model.ProcessedSample
	for rows.Next() {
		s, err := scanProcessedRows(rows)
		if err != nil {
			return storage.ListPage[model.ProcessedSample]{}, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return storage.ListPage[model.ProcessedSample]{}, err
	}
	return paginate(items, limit, func(s model.ProcessedSample) string { return encodeCursor(s.Timestamp, s.ID) }), nil
}

const processedColumns = `id, device_id, trip_id, timestamp_unix_nanos, lat, lon,
	distance, time_diff_seconds, speed, processing_method, matching_confidence,
	processed_at_unix_nanos, raw_sample_id, last_seen_unix_nanos, stop_count, stale_gap_reset`

func listWhere(f storage.ListFilter, tsCol string) (string, []any) {
	var clauses []string
	var args []any

	if f.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.TripID != "" {
		clauses = append(clauses, "trip_id = ?")
		args = append(args, f.TripID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, tsCol+" >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, tsCol+" <= ?")
		args = append(args, f.To.UnixNano())
	}
	if f.Cursor != "" {
		if ts, id, err := decodeCursor(f.Cursor); err == nil {
			clauses = append(clauses, "("+tsCol+" > ? OR ("+tsCol+" = ? AND id > ?))")
			args = append(args, ts, ts, id)
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func pageLimit(n int) int {
	const defaultLimit = 100
	const maxLimit = 1000
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// paginate trims items to limit and computes the next cursor from the
// last retained item, using one extra fetched row (limit+1) to detect
// whether a further page exists without a second round-trip.
func paginate[T any](items []T, limit int, cursorOf func(T) string) storage.ListPage[T] {
	if len(items) <= limit {
		return storage.ListPage[T]{Items: items}
	}
	trimmed := items[:limit]
	return storage.ListPage[T]{Items: trimmed, NextCursor: cursorOf(trimmed[limit-1])}
}

func encodeCursor(ts time.Time, id string) string {
	raw := strconv.FormatInt(ts.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (ts int64, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("sqlite: malformed cursor")
	}
	ts, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return ts, parts[1], nil
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRaw(row scanner) (model.RawSample, error) {
	return scanRawRows(row)
}

func scanRawRows(row scanner) (model.RawSample, error) {
	var s model.RawSample
	var tsNanos int64
	err := row.Scan(&s.ID, &s.DeviceID, &s.TripID, &tsNanos, &s.Coords.Lat, &s.Coords.Lon,
		&s.Metadata.Accuracy, &s.Metadata.Speed, &s.Metadata.Heading)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawSample{}, storage.ErrNotFound
	}
	if err != nil {
		return model.RawSample{}, fmt.Errorf("sqlite: scan raw sample: %w", err)
	}
	s.Timestamp = time.Unix(0, tsNanos).UTC()
	return s, nil
}

func scanProcessed(row scanner) (model.ProcessedSample, error) {
	return scanProcessedRows(row)
}

func scanProcessedRows(row scanner) (model.ProcessedSample, error) {
	var s model.ProcessedSample
	var tsNanos, processedAtNanos, lastSeenNanos int64
	var method string
	err := row.Scan(&s.ID, &s.DeviceID, &s.TripID, &tsNanos, &s.Coords.Lat, &s.Coords.Lon,
		&s.Metadata.Distance, &s.Metadata.TimeDiffSeconds, &s.Metadata.Speed,
		&method, &s.Metadata.MatchingConfidence,
		&processedAtNanos, &s.Metadata.RawSampleID, &lastSeenNanos, &s.Metadata.StopCount,
		&s.Metadata.StaleGapReset)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessedSample{}, storage.ErrNotFound
	}
	if err != nil {
		return model.ProcessedSample{}, fmt.Errorf("sqlite: scan processed sample: %w", err)
	}
	s.Timestamp = time.Unix(0, tsNanos).UTC()
	s.Metadata.ProcessingMethod = model.ProcessingMethod(method)
	s.Metadata.ProcessedAt = time.Unix(0, processedAtNanos).UTC()
	if lastSeenNanos > 0 {
		s.Metadata.LastSeen = time.Unix(0, lastSeenNanos).UTC()
	}
	return s, nil
}
