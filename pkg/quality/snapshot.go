package quality

import (
	"time"

	"proxy-quality-monitor/pkg/models"
)

// NodeReport is one degraded exit node in a published snapshot, enriched
// with ownership and cross-referenced bandwidth.
type NodeReport struct {
	ProxyPort  int
	TargetHost string
	TargetPort int

	Owner      string
	DataCenter string
	Live       bool

	SampleCount  int
	SuccessCount int
	FailureCount int
	FailureRate  float64
	AvgRttMs     float64
	MaxRttMs     int64

	Quality    models.Quality
	Blocked    bool
	Reportable bool

	AvgBandwidthMbps float64
	BandwidthSamples int
}

// Snapshot is the complete outcome of one aggregation cycle. Snapshots are
// immutable once published; a new cycle replaces the whole value. Readers
// before the first completed cycle see nil instead.
type Snapshot struct {
	WindowStart time.Time
	WindowEnd   time.Time
	ComputedAt  time.Time

	TotalNodes   int
	TotalSamples int
	TotalSuccess int
	TotalFailure int
	FailureRate  float64

	BadCount     int
	BlockedCount int
	// Fraction of observed nodes labeled bad this cycle, blocked included
	// since blocked is bad by definition.
	BadRate float64

	// Egress ports whose rows were discarded by the majority-blocked guard.
	DiscardedPorts []int

	BadNodes     []NodeReport
	BlockedNodes []NodeReport
}

// Current returns the most recently published snapshot, or nil before the
// first completed cycle. The returned value is never mutated afterwards.
func (a *Aggregator) Current() *Snapshot {
	return a.current.Load()
}
