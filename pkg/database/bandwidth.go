package database

import (
	"context"
	"fmt"
	"time"

	"proxy-quality-monitor/pkg/models"
)

// InsertBandwidthSample stores one collector observation. The collector runs
// out of process; this helper exists for tooling and tests.
func (db *DB) InsertBandwidthSample(ctx context.Context, sample *models.BandwidthSample) error {
	_, err := db.NewInsert().
		Model(sample).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting bandwidth sample: %v", err)
	}

	return nil
}

// BandwidthSamplesBetween returns all samples created in [from, to).
func (db *DB) BandwidthSamplesBetween(ctx context.Context, from, to time.Time) ([]models.BandwidthSample, error) {
	var samples []models.BandwidthSample
	err := db.NewSelect().
		Model(&samples).
		Where("created_at >= ?", from).
		Where("created_at < ?", to).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error retrieving bandwidth samples: %v", err)
	}

	return samples, nil
}

// PruneBandwidthSamplesBefore deletes sample rows older than the cutoff and
// returns the number of rows removed.
func (db *DB) PruneBandwidthSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.NewDelete().
		Model((*models.BandwidthSample)(nil)).
		Where("created_at < ?", cutoff).
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("error pruning bandwidth samples: %v", err)
	}

	deleted, _ := res.RowsAffected()
	return deleted, nil
}
