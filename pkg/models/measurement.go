package models

import (
	"time"

	"github.com/uptrace/bun"
)

// MeasurementStatus is the normalized outcome of a single probe attempt.
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

// IsSuccess reports whether the status counts as a successful probe.
func (s MeasurementStatus) IsSuccess() bool {
	return s == StatusSuccess
}

// Measurement is one probe attempt against a target node through an egress
// port. Rows are append-only and never updated after insert; the aggregator
// only reads them.
type Measurement struct {
	bun.BaseModel `bun:"table:measurements,alias:m"`

	ID              int64             `bun:",pk,autoincrement"`
	RunID           string            `bun:",notnull"`
	TargetHost      string            `bun:",notnull"`
	TargetPort      int               `bun:",notnull"`
	ProxyHost       string            `bun:",notnull"`
	ProxyPort       int               `bun:",notnull"`
	Status          MeasurementStatus `bun:",notnull"`
	// Nil when the measured request never completed; a genuine 0 ms RTT
	// stays distinct from "not measured".
	RttMs           *int64
	ErrorMessage    string
	Message         string
	MeasurementType string    `bun:",notnull"`
	CreatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
