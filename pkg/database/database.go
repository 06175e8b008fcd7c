package database

import (
	"context"
	"database/sql"
	"fmt"

	"proxy-quality-monitor/pkg/models"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type DB struct {
	*bun.DB
}

func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates all tables used by the pipeline if they don't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.Measurement)(nil),
		(*models.BandwidthSample)(nil),
		(*models.IPRange)(nil),
		(*models.TTLSnapshot)(nil),
		(*models.BandwidthSnapshot)(nil),
	}

	for _, table := range tables {
		_, err := db.NewCreateTable().
			Model(table).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table for %T: %v", table, err)
		}
	}

	// Create indexes if they don't exist
	_, err := db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'measurements' AND indexname = 'measurements_node_created_idx') THEN
				CREATE INDEX measurements_node_created_idx ON measurements (proxy_port, target_host, target_port, created_at);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'measurements' AND indexname = 'measurements_created_idx') THEN
				CREATE INDEX measurements_created_idx ON measurements (created_at);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'bandwidth_samples' AND indexname = 'bandwidth_samples_created_idx') THEN
				CREATE INDEX bandwidth_samples_created_idx ON bandwidth_samples (created_at);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'quality_ttl_snapshots' AND indexname = 'quality_ttl_snapshots_window_idx') THEN
				CREATE INDEX quality_ttl_snapshots_window_idx ON quality_ttl_snapshots (window_start);
			END IF;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}
