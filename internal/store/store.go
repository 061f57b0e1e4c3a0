// Package store provides database access for metric samples.
//
// # Design
//
// The store uses raw SQL with pgx against a single append-only table,
// metric_samples. One monitor tick appends its whole batch in a single
// transaction, so readers never observe a partial tick. There are no
// update or delete paths.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulse-net/netpulse/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// AppendSamples writes one tick's samples in a single transaction.
// Either the whole batch becomes visible or none of it does.
func (s *Store) AppendSamples(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	batch := &pgx.Batch{}
	for _, smp := range samples {
		tagsJSON, err := json.Marshal(tagsOrEmpty(smp.Tags))
		if err != nil {
			return fmt.Errorf("marshaling tags: %w", err)
		}
		batch.Queue(`
			INSERT INTO metric_samples (time, metric_type, value, tags, device_id)
			VALUES ($1, $2, $3, $4, $5)
		`, smp.Timestamp, smp.MetricType, smp.Value, tagsJSON, smp.DeviceID)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting samples: %w", err)
	}

	return tx.Commit(ctx)
}

// LatestSamples returns up to limit samples of a metric type, newest first.
// A non-empty tags map restricts results to samples containing those tags.
func (s *Store) LatestSamples(ctx context.Context, metricType string, tags map[string]string, limit int) ([]types.MetricSample, error) {
	query := `
		SELECT time, metric_type, value, tags, device_id
		FROM metric_samples
		WHERE metric_type = $1
	`
	args := []any{metricType}

	if len(tags) > 0 {
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("marshaling tag filter: %w", err)
		}
		query += ` AND tags @> $2::jsonb`
		args = append(args, tagsJSON)
	}

	query += fmt.Sprintf(` ORDER BY time DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSamples(rows)
}

// RangeSamples returns samples of a metric type within [from, to], in
// ascending time order.
func (s *Store) RangeSamples(ctx context.Context, metricType string, tags map[string]string, from, to time.Time) ([]types.MetricSample, error) {
	query := `
		SELECT time, metric_type, value, tags, device_id
		FROM metric_samples
		WHERE metric_type = $1 AND time >= $2 AND time <= $3
	`
	args := []any{metricType, from, to}

	if len(tags) > 0 {
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("marshaling tag filter: %w", err)
		}
		query += ` AND tags @> $4::jsonb`
		args = append(args, tagsJSON)
	}

	query += ` ORDER BY time ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSamples(rows)
}

// LatestHealth returns the most recent internet_health sample, or nil if no
// tick has completed yet.
func (s *Store) LatestHealth(ctx context.Context) (*types.MetricSample, error) {
	samples, err := s.LatestSamples(ctx, types.MetricInternetHealth, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}

// SamplesAt returns all samples of the given metric types that share an
// exact timestamp.
func (s *Store) SamplesAt(ctx context.Context, metricTypes []string, at time.Time) ([]types.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT time, metric_type, value, tags, device_id
		FROM metric_samples
		WHERE time = $1 AND metric_type = ANY($2)
	`, at, metricTypes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSamples(rows)
}

// RecentSamples returns samples of the given metric types within the lookback
// window ending at (and including) until, newest first. Consumers that reduce
// these rows rely on the descending order.
func (s *Store) RecentSamples(ctx context.Context, metricTypes []string, until time.Time, lookback time.Duration) ([]types.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT time, metric_type, value, tags, device_id
		FROM metric_samples
		WHERE metric_type = ANY($1) AND time > $2 AND time <= $3
		ORDER BY time DESC
	`, metricTypes, until.Add(-lookback), until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSamples(rows)
}

func scanSamples(rows pgx.Rows) ([]types.MetricSample, error) {
	var samples []types.MetricSample
	for rows.Next() {
		var smp types.MetricSample
		var tagsJSON []byte
		if err := rows.Scan(&smp.Timestamp, &smp.MetricType, &smp.Value, &tagsJSON, &smp.DeviceID); err != nil {
			return nil, err
		}
		tags, err := parseTags(tagsJSON)
		if err != nil {
			return nil, err
		}
		smp.Tags = tags
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// parseTags decodes a row's tags column. An empty column yields nil tags; a
// column that does not decode is a corrupt row and surfaces as an error.
func parseTags(tagsJSON []byte) (map[string]string, error) {
	if len(tagsJSON) == 0 {
		return nil, nil
	}
	var tags map[string]string
	if err := json.Unmarshal(tagsJSON, &tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}
	return tags, nil
}

func tagsOrEmpty(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
