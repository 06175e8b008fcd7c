package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Quality is the per-node classification for one aggregation window.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityWarning Quality = "warning"
	QualityBad     Quality = "bad"
)

// TTLSnapshot is the per-node latency rollup for one aggregation window.
// One row per (proxy_port, target_host, target_port, window); re-running the
// same window overwrites the row rather than adding a second one.
type TTLSnapshot struct {
	bun.BaseModel `bun:"table:quality_ttl_snapshots,alias:qts"`

	ID           int64     `bun:",pk,autoincrement"`
	ProxyPort    int       `bun:",unique:ttl_node_window,notnull"`
	TargetHost   string    `bun:",unique:ttl_node_window,notnull"`
	TargetPort   int       `bun:",unique:ttl_node_window,notnull"`
	WindowStart  time.Time `bun:",unique:ttl_node_window,notnull"`
	WindowEnd    time.Time `bun:",unique:ttl_node_window,notnull"`
	SampleCount  int       `bun:",notnull"`
	SuccessCount int       `bun:",notnull"`
	FailureCount int       `bun:",notnull"`
	AvgRttMs     float64   `bun:",nullzero"`
	MaxRttMs     int64     `bun:",nullzero"`
	Quality      Quality   `bun:",notnull"`
	CreatedAt    time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// BandwidthSnapshot is the per-node throughput rollup for one aggregation
// window, keyed by (proxy_port, ip_address, window).
type BandwidthSnapshot struct {
	bun.BaseModel `bun:"table:quality_bandwidth_snapshots,alias:qbs"`

	ID          int64     `bun:",pk,autoincrement"`
	ProxyPort   int       `bun:",unique:bw_node_window,notnull"`
	IPAddress   string    `bun:",unique:bw_node_window,notnull"`
	WindowStart time.Time `bun:",unique:bw_node_window,notnull"`
	WindowEnd   time.Time `bun:",unique:bw_node_window,notnull"`
	SampleCount int       `bun:",notnull"`
	AvgMbps     float64   `bun:",nullzero"`
	MaxMbps     float64   `bun:",nullzero"`
	Quality     Quality   `bun:",notnull"`
	CreatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
