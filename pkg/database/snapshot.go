package database

import (
	"context"
	"fmt"
	"time"

	"proxy-quality-monitor/pkg/models"

	"github.com/uptrace/bun"
)

// UpsertTTLSnapshots writes one cycle's latency rollups. Rows are keyed by
// (proxy_port, target_host, target_port, window_start, window_end); rerunning
// the same window overwrites the stored values instead of accumulating.
func (db *DB) UpsertTTLSnapshots(ctx context.Context, rows []models.TTLSnapshot) error {
	if len(rows) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&rows).
		On("CONFLICT (proxy_port, target_host, target_port, window_start, window_end) DO UPDATE").
		Set("sample_count = EXCLUDED.sample_count").
		Set("success_count = EXCLUDED.success_count").
		Set("failure_count = EXCLUDED.failure_count").
		Set("avg_rtt_ms = EXCLUDED.avg_rtt_ms").
		Set("max_rtt_ms = EXCLUDED.max_rtt_ms").
		Set("quality = EXCLUDED.quality").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting ttl snapshots: %v", err)
	}

	return nil
}

// UpsertBandwidthSnapshots writes one cycle's bandwidth rollups with the same
// overwrite semantics as UpsertTTLSnapshots.
func (db *DB) UpsertBandwidthSnapshots(ctx context.Context, rows []models.BandwidthSnapshot) error {
	if len(rows) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&rows).
		On("CONFLICT (proxy_port, ip_address, window_start, window_end) DO UPDATE").
		Set("sample_count = EXCLUDED.sample_count").
		Set("avg_mbps = EXCLUDED.avg_mbps").
		Set("max_mbps = EXCLUDED.max_mbps").
		Set("quality = EXCLUDED.quality").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting bandwidth snapshots: %v", err)
	}

	return nil
}

// TTLSnapshotsBetween returns snapshot rows whose window starts in [from, to),
// optionally filtered to a set of egress ports.
func (db *DB) TTLSnapshotsBetween(ctx context.Context, from, to time.Time, ports []int) ([]models.TTLSnapshot, error) {
	var rows []models.TTLSnapshot
	q := db.NewSelect().
		Model(&rows).
		Where("window_start >= ?", from).
		Where("window_start < ?", to)

	if len(ports) > 0 {
		q = q.Where("proxy_port IN (?)", bun.In(ports))
	}

	err := q.Order("window_start ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error retrieving ttl snapshots: %v", err)
	}

	return rows, nil
}

// BandwidthSnapshotsBetween returns bandwidth snapshot rows whose window
// starts in [from, to), optionally filtered to a set of egress ports.
func (db *DB) BandwidthSnapshotsBetween(ctx context.Context, from, to time.Time, ports []int) ([]models.BandwidthSnapshot, error) {
	var rows []models.BandwidthSnapshot
	q := db.NewSelect().
		Model(&rows).
		Where("window_start >= ?", from).
		Where("window_start < ?", to)

	if len(ports) > 0 {
		q = q.Where("proxy_port IN (?)", bun.In(ports))
	}

	err := q.Order("window_start ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error retrieving bandwidth snapshots: %v", err)
	}

	return rows, nil
}
