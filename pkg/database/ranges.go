package database

import (
	"context"
	"fmt"

	"proxy-quality-monitor/pkg/models"

	"github.com/uptrace/bun"
)

const rangeInsertChunk = 5000

// ReplaceIPRanges swaps the attribution table wholesale inside one
// transaction: the old rows are gone and the new set is fully visible, or
// neither. Inserts run in chunks because the table holds hundreds of
// thousands of rows.
func (db *DB) ReplaceIPRanges(ctx context.Context, rows []models.IPRange) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*models.IPRange)(nil)).
			Where("1 = 1").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error clearing ip ranges: %v", err)
		}

		for start := 0; start < len(rows); start += rangeInsertChunk {
			end := start + rangeInsertChunk
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]
			_, err := tx.NewInsert().
				Model(&chunk).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("error inserting ip ranges: %v", err)
			}
		}

		return nil
	})
}

// LoadIPRanges reads the full attribution table ordered by start value.
func (db *DB) LoadIPRanges(ctx context.Context) ([]models.IPRange, error) {
	var rows []models.IPRange
	err := db.NewSelect().
		Model(&rows).
		Order("start_numeric ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error loading ip ranges: %v", err)
	}

	return rows, nil
}
