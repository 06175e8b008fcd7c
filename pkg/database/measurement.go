package database

import (
	"context"
	"fmt"
	"time"

	"proxy-quality-monitor/pkg/models"
)

// SaveMeasurement inserts one probe result row.
func (db *DB) SaveMeasurement(ctx context.Context, measurement *models.Measurement) error {
	_, err := db.NewInsert().
		Model(measurement).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting measurement: %v", err)
	}

	return nil
}

// MeasurementsBetween returns all measurements created in [from, to).
func (db *DB) MeasurementsBetween(ctx context.Context, from, to time.Time) ([]models.Measurement, error) {
	var measurements []models.Measurement
	err := db.NewSelect().
		Model(&measurements).
		Where("created_at >= ?", from).
		Where("created_at < ?", to).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error retrieving measurements: %v", err)
	}

	return measurements, nil
}

// LatestMeasurementsPerNode returns the most recent perNode rows for every
// (proxy_port, target_host, target_port) tuple, regardless of age. Used by
// the aggregator's blocked detection, which looks at the last two attempts
// independent of the current window.
func (db *DB) LatestMeasurementsPerNode(ctx context.Context, perNode int) ([]models.Measurement, error) {
	var measurements []models.Measurement
	err := db.NewRaw(`
		SELECT id, run_id, target_host, target_port, proxy_host, proxy_port,
		       status, rtt_ms, error_message, message, measurement_type, created_at
		FROM (
			SELECT m.*, ROW_NUMBER() OVER (
				PARTITION BY proxy_port, target_host, target_port
				ORDER BY created_at DESC, id DESC
			) AS rn
			FROM measurements AS m
		) ranked
		WHERE rn <= ?`, perNode).
		Scan(ctx, &measurements)

	if err != nil {
		return nil, fmt.Errorf("error retrieving latest measurements: %v", err)
	}

	return measurements, nil
}

// PruneMeasurementsBefore deletes measurement rows older than the cutoff and
// returns the number of rows removed.
func (db *DB) PruneMeasurementsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.NewDelete().
		Model((*models.Measurement)(nil)).
		Where("created_at < ?", cutoff).
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("error pruning measurements: %v", err)
	}

	deleted, _ := res.RowsAffected()
	return deleted, nil
}
