/*
Package models defines the core data structures used throughout the
proxy-quality-monitor application. It provides the persisted types that
represent raw probe measurements, bandwidth samples, IP attribution ranges,
and windowed quality snapshots.

Core Types:

MeasurementStatus is the normalized outcome of one probe attempt:

	type MeasurementStatus string
	const (
		StatusSuccess       MeasurementStatus = "success"
		StatusTimeout       MeasurementStatus = "timeout"
		StatusFailed        MeasurementStatus = "failed"
		StatusSocketError   MeasurementStatus = "socket_error"
		StatusProxyRejected MeasurementStatus = "proxy_rejected"
		StatusError         MeasurementStatus = "error"
		StatusPending       MeasurementStatus = "pending"
	)

Measurement is one probe attempt against a target node:

	type Measurement struct {
		ID              int64     // Unique identifier
		RunID           string    // UUID shared by all rows of one engine run
		TargetHost      string    // Exit node address that was probed
		TargetPort      int       // TCP port probed on the target
		ProxyHost       string    // Egress proxy host the probe tunneled through
		ProxyPort       int       // Egress port identity
		Status          MeasurementStatus
		RttMs           *int64    // Steady-state round-trip time, nil when not measured
		ErrorMessage    string    // Transport or setup error, if any
		Message         string    // Human-readable note (HTTP status line etc.)
		MeasurementType string    // Probe flavor, currently "http"
		CreatedAt       time.Time // Insert timestamp, set by the database
	}

BandwidthSample is one throughput observation reported by the external
bandwidth collector for an exit node on an egress port.

IPRange is one row of the IP-to-company attribution table; the in-memory
RangeIndex is rebuilt from these rows on every resolver refresh.

Quality is the per-node classification for one aggregation window:

	const (
		QualityGood    Quality = "good"
		QualityWarning Quality = "warning"
		QualityBad     Quality = "bad"
	)

TTLSnapshot and BandwidthSnapshot are the windowed rollups produced by the
aggregator. Both carry a composite unique key over their natural tuple
(node identity plus window bounds) so that re-running a window upserts the
existing row instead of inserting a duplicate.

Relationships:

  - Measurement and BandwidthSample are append-only and owned by their
    writers (probe engine, bandwidth collector); the aggregator reads them.
  - TTLSnapshot rows reference nodes by (proxy_port, target_host,
    target_port); BandwidthSnapshot rows by (proxy_port, ip_address).
  - Exit node addresses are IPv4 literals, so a TTLSnapshot's target_host
    matches the ip_address of the node's BandwidthSnapshot rows.

All models use bun's schema tags for table names, constraints, and defaults,
and are created by database.InitSchema on startup.
*/
package models
