package models

import (
	"time"

	"github.com/uptrace/bun"
)

// BandwidthSample is one upstream throughput observation for an exit node,
// reported by the external bandwidth collector. Append-only, same retention
// model as Measurement.
type BandwidthSample struct {
	bun.BaseModel `bun:"table:bandwidth_samples,alias:bs"`

	ID              int64     `bun:",pk,autoincrement"`
	ProxyPort       int       `bun:",notnull"`
	IPAddress       string    `bun:",notnull"`
	UpBandwidthMbps float64   `bun:",notnull"`
	CreatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
