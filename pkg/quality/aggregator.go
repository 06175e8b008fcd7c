package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"proxy-quality-monitor/pkg/company"
	"proxy-quality-monitor/pkg/models"
)

// Store is the storage surface the aggregator consumes. Satisfied by
// *database.DB.
type Store interface {
	MeasurementsBetween(ctx context.Context, from, to time.Time) ([]models.Measurement, error)
	BandwidthSamplesBetween(ctx context.Context, from, to time.Time) ([]models.BandwidthSample, error)
	LatestMeasurementsPerNode(ctx context.Context, perNode int) ([]models.Measurement, error)
	UpsertTTLSnapshots(ctx context.Context, rows []models.TTLSnapshot) error
	UpsertBandwidthSnapshots(ctx context.Context, rows []models.BandwidthSnapshot) error
	TTLSnapshotsBetween(ctx context.Context, from, to time.Time, ports []int) ([]models.TTLSnapshot, error)
	BandwidthSnapshotsBetween(ctx context.Context, from, to time.Time, ports []int) ([]models.BandwidthSnapshot, error)
}

// Resolver maps exit-node addresses to owners for report enrichment.
// Satisfied by *company.Resolver.
type Resolver interface {
	ResolveBatch(ctx context.Context, ips []string) map[string]company.Resolution
}

// Liveness reports whether an address is in the current target directory.
// Satisfied by *directory.Directory.
type Liveness interface {
	Live(address string) bool
}

// Thresholds holds the classification boundaries. All comparisons are
// inclusive: a value exactly at a boundary takes the worse label.
type Thresholds struct {
	BadSuccessRate  float64
	BadFailureRate  float64
	BadRttMs        float64
	WarnSuccessRate float64
	WarnFailureRate float64
	WarnRttMs       float64

	BandwidthBadMbps    float64
	BandwidthWarnMbps   float64
	BandwidthMinSamples int

	ReportMinTrafficMbps  float64
	ReportMinSamples      int
	ReportHighRttMs       float64
	ReportHighFailureRate float64
}

// ThresholdsFromViper reads the quality.* config keys, applying defaults.
func ThresholdsFromViper() Thresholds {
	t := Thresholds{
		BadSuccessRate:  viper.GetFloat64("quality.bad_success_rate"),
		BadFailureRate:  viper.GetFloat64("quality.bad_failure_rate"),
		BadRttMs:        viper.GetFloat64("quality.bad_rtt_ms"),
		WarnSuccessRate: viper.GetFloat64("quality.warn_success_rate"),
		WarnFailureRate: viper.GetFloat64("quality.warn_failure_rate"),
		WarnRttMs:       viper.GetFloat64("quality.warn_rtt_ms"),

		BandwidthBadMbps:    viper.GetFloat64("quality.bandwidth_bad_mbps"),
		BandwidthWarnMbps:   viper.GetFloat64("quality.bandwidth_warn_mbps"),
		BandwidthMinSamples: viper.GetInt("quality.bandwidth_min_samples"),

		ReportMinTrafficMbps:  viper.GetFloat64("quality.report_min_traffic_mbps"),
		ReportMinSamples:      viper.GetInt("quality.report_min_samples"),
		ReportHighRttMs:       viper.GetFloat64("quality.report_high_rtt_ms"),
		ReportHighFailureRate: viper.GetFloat64("quality.report_high_failure_rate"),
	}
	if t.BadSuccessRate <= 0 {
		t.BadSuccessRate = 0.5
	}
	if t.BadFailureRate <= 0 {
		t.BadFailureRate = 0.5
	}
	if t.BadRttMs <= 0 {
		t.BadRttMs = 5000
	}
	if t.WarnSuccessRate <= 0 {
		t.WarnSuccessRate = 0.8
	}
	if t.WarnFailureRate <= 0 {
		t.WarnFailureRate = 0.2
	}
	if t.WarnRttMs <= 0 {
		t.WarnRttMs = 2000
	}
	if t.BandwidthBadMbps <= 0 {
		t.BandwidthBadMbps = 1.0
	}
	if t.BandwidthWarnMbps <= 0 {
		t.BandwidthWarnMbps = 5.0
	}
	if t.BandwidthMinSamples <= 0 {
		t.BandwidthMinSamples = 3
	}
	if t.ReportMinTrafficMbps <= 0 {
		t.ReportMinTrafficMbps = 2.0
	}
	if t.ReportMinSamples <= 0 {
		t.ReportMinSamples = 5
	}
	if t.ReportHighRttMs <= 0 {
		t.ReportHighRttMs = 3000
	}
	if t.ReportHighFailureRate <= 0 {
		t.ReportHighFailureRate = 0.3
	}
	return t
}

// ClassifyTTL derives the latency quality label for one node and window.
// Blocked supersedes everything; zero samples mean insufficient data, which
// is a warning rather than an assumption of health.
func (t Thresholds) ClassifyTTL(samples, successes, failures int, avgRtt float64, blocked bool) models.Quality {
	if blocked {
		return models.QualityBad
	}
	if samples == 0 {
		return models.QualityWarning
	}
	successRate := float64(successes) / float64(samples)
	failureRate := float64(failures) / float64(samples)
	switch {
	case successRate <= t.BadSuccessRate || failureRate >= t.BadFailureRate || avgRtt >= t.BadRttMs:
		return models.QualityBad
	case successRate <= t.WarnSuccessRate || failureRate >= t.WarnFailureRate || avgRtt >= t.WarnRttMs:
		return models.QualityWarning
	default:
		return models.QualityGood
	}
}

// ClassifyBandwidth derives the throughput quality label for one node and
// window. Too few samples can never yield a good label.
func (t Thresholds) ClassifyBandwidth(samples int, avgMbps float64) models.Quality {
	switch {
	case samples >= t.BandwidthMinSamples && avgMbps <= t.BandwidthBadMbps:
		return models.QualityBad
	case samples < t.BandwidthMinSamples || avgMbps <= t.BandwidthWarnMbps:
		return models.QualityWarning
	default:
		return models.QualityGood
	}
}

// reportable applies the bad-node report gate: enough traffic, enough
// samples, and either high RTT or a high failure rate. Blocked nodes are
// handled by the caller and never reach this gate.
func (t Thresholds) reportable(agg *ttlAgg, bw *bwAgg) bool {
	if bw == nil || bw.avg() < t.ReportMinTrafficMbps {
		return false
	}
	if agg.samples < t.ReportMinSamples {
		return false
	}
	if agg.avgRtt() >= t.ReportHighRttMs || float64(agg.maxRtt) >= t.ReportHighRttMs {
		return true
	}
	return agg.failureRate() >= t.ReportHighFailureRate
}

// Settings holds the cycle cadence parameters.
type Settings struct {
	// Trailing window width in seconds
	WindowSec int
	// Cycle cadence in seconds; one stored window represents this many
	// seconds of wall time in daily reports
	IntervalSec int
	// Degraded nodes listed per port in the daily digest
	TopN int
}

// SettingsFromViper reads the aggregate.* config keys, applying defaults.
func SettingsFromViper() Settings {
	s := Settings{
		WindowSec:   viper.GetInt("aggregate.window_sec"),
		IntervalSec: viper.GetInt("aggregate.interval_sec"),
		TopN:        viper.GetInt("quality.daily_top_n"),
	}
	if s.WindowSec <= 0 {
		s.WindowSec = 900
	}
	if s.IntervalSec <= 0 {
		s.IntervalSec = 240
	}
	if s.TopN <= 0 {
		s.TopN = 10
	}
	return s
}

type nodeKey struct {
	proxyPort  int
	targetHost string
	targetPort int
}

type bwKey struct {
	proxyPort int
	ipAddress string
}

type ttlAgg struct {
	samples   int
	successes int
	failures  int
	rttSum    int64
	maxRtt    int64
}

func (a *ttlAgg) avgRtt() float64 {
	if a.successes == 0 {
		return 0
	}
	return float64(a.rttSum) / float64(a.successes)
}

func (a *ttlAgg) failureRate() float64 {
	if a.samples == 0 {
		return 0
	}
	return float64(a.failures) / float64(a.samples)
}

type bwAgg struct {
	samples int
	sum     float64
	max     float64
}

func (a *bwAgg) avg() float64 {
	if a.samples == 0 {
		return 0
	}
	return a.sum / float64(a.samples)
}

// Aggregator turns raw measurements into per-window quality snapshots. One
// instance owns the published Snapshot cell; cycles are single-flight.
type Aggregator struct {
	store      Store
	resolver   Resolver
	liveness   Liveness
	thresholds Thresholds
	settings   Settings
	logger     *slog.Logger

	running atomic.Bool
	current atomic.Pointer[Snapshot]
}

// NewAggregator creates an aggregator. resolver and liveness may be nil,
// which disables report enrichment.
func NewAggregator(store Store, resolver Resolver, liveness Liveness, thresholds Thresholds, settings Settings, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:      store,
		resolver:   resolver,
		liveness:   liveness,
		thresholds: thresholds,
		settings:   settings,
		logger:     logger,
	}
}

// RunCycle aggregates the trailing window ending now. A tick that fires
// while a cycle is still running is skipped entirely, never queued.
func (a *Aggregator) RunCycle(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		a.logger.Info("Aggregation cycle already running, skipping tick")
		return nil
	}
	defer a.running.Store(false)

	windowEnd := time.Now().UTC()
	windowStart := windowEnd.Add(-time.Duration(a.settings.WindowSec) * time.Second)
	return a.runWindow(ctx, windowStart, windowEnd)
}

func (a *Aggregator) runWindow(ctx context.Context, windowStart, windowEnd time.Time) error {
	measurements, err := a.store.MeasurementsBetween(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("error reading measurements: %v", err)
	}
	bwSamples, err := a.store.BandwidthSamplesBetween(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("error reading bandwidth samples: %v", err)
	}
	latest, err := a.store.LatestMeasurementsPerNode(ctx, 2)
	if err != nil {
		return fmt.Errorf("error reading latest measurements: %v", err)
	}

	rollup := rollupTTL(measurements)
	blocked := blockedSet(latest)
	bandwidth := rollupBandwidth(bwSamples)

	// The cycle's node universe: nodes measured inside the window plus
	// nodes whose recent history marks them blocked.
	universe := rollup
	for key := range blocked {
		if _, ok := universe[key]; !ok {
			universe[key] = &ttlAgg{}
		}
	}

	discarded := a.discardPorts(universe, blocked)

	qualities := make(map[nodeKey]models.Quality, len(universe))
	var ttlRows []models.TTLSnapshot
	for key, agg := range universe {
		q := a.thresholds.ClassifyTTL(agg.samples, agg.successes, agg.failures, agg.avgRtt(), blocked[key])
		qualities[key] = q
		if discarded[key.proxyPort] || agg.samples == 0 {
			continue
		}
		ttlRows = append(ttlRows, models.TTLSnapshot{
			ProxyPort:    key.proxyPort,
			TargetHost:   key.targetHost,
			TargetPort:   key.targetPort,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			SampleCount:  agg.samples,
			SuccessCount: agg.successes,
			FailureCount: agg.failures,
			AvgRttMs:     agg.avgRtt(),
			MaxRttMs:     agg.maxRtt,
			Quality:      q,
		})
	}
	sort.Slice(ttlRows, func(i, j int) bool {
		if ttlRows[i].ProxyPort != ttlRows[j].ProxyPort {
			return ttlRows[i].ProxyPort < ttlRows[j].ProxyPort
		}
		if ttlRows[i].TargetHost != ttlRows[j].TargetHost {
			return ttlRows[i].TargetHost < ttlRows[j].TargetHost
		}
		return ttlRows[i].TargetPort < ttlRows[j].TargetPort
	})

	var bwRows []models.BandwidthSnapshot
	for key, agg := range bandwidth {
		bwRows = append(bwRows, models.BandwidthSnapshot{
			ProxyPort:   key.proxyPort,
			IPAddress:   key.ipAddress,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			SampleCount: agg.samples,
			AvgMbps:     agg.avg(),
			MaxMbps:     agg.max,
			Quality:     a.thresholds.ClassifyBandwidth(agg.samples, agg.avg()),
		})
	}
	sort.Slice(bwRows, func(i, j int) bool {
		if bwRows[i].ProxyPort != bwRows[j].ProxyPort {
			return bwRows[i].ProxyPort < bwRows[j].ProxyPort
		}
		return bwRows[i].IPAddress < bwRows[j].IPAddress
	})

	if len(ttlRows) > 0 {
		if err := a.store.UpsertTTLSnapshots(ctx, ttlRows); err != nil {
			a.logger.Error("Failed to upsert ttl snapshots", "rows", len(ttlRows), "error", err)
		}
	}
	if len(bwRows) > 0 {
		if err := a.store.UpsertBandwidthSnapshots(ctx, bwRows); err != nil {
			a.logger.Error("Failed to upsert bandwidth snapshots", "rows", len(bwRows), "error", err)
		}
	}

	snap := a.buildSnapshot(ctx, windowStart, windowEnd, universe, qualities, blocked, bandwidth, discarded)
	a.current.Store(snap)

	a.logger.Info("Aggregation cycle complete",
		"windowStart", windowStart.Format(time.RFC3339),
		"windowEnd", windowEnd.Format(time.RFC3339),
		"nodes", snap.TotalNodes,
		"bad", snap.BadCount,
		"blocked", snap.BlockedCount,
		"discardedPorts", snap.DiscardedPorts)
	return nil
}

func rollupTTL(measurements []models.Measurement) map[nodeKey]*ttlAgg {
	rollup := make(map[nodeKey]*ttlAgg)
	for _, m := range measurements {
		key := nodeKey{m.ProxyPort, m.TargetHost, m.TargetPort}
		agg := rollup[key]
		if agg == nil {
			agg = &ttlAgg{}
			rollup[key] = agg
		}
		agg.samples++
		if m.Status.IsSuccess() {
			agg.successes++
			if m.RttMs != nil {
				agg.rttSum += *m.RttMs
				if *m.RttMs > agg.maxRtt {
					agg.maxRtt = *m.RttMs
				}
			}
		} else {
			agg.failures++
		}
	}
	return rollup
}

// blockedSet derives blocked nodes from each node's two most recent
// measurements, independent of the current window. One lone measurement is
// never enough to call a node blocked.
func blockedSet(latest []models.Measurement) map[nodeKey]bool {
	byNode := make(map[nodeKey][]models.MeasurementStatus)
	for _, m := range latest {
		key := nodeKey{m.ProxyPort, m.TargetHost, m.TargetPort}
		byNode[key] = append(byNode[key], m.Status)
	}

	blocked := make(map[nodeKey]bool)
	for key, statuses := range byNode {
		if len(statuses) < 2 {
			continue
		}
		allFailed := true
		for _, s := range statuses {
			if s.IsSuccess() {
				allFailed = false
				break
			}
		}
		if allFailed {
			blocked[key] = true
		}
	}
	return blocked
}

func rollupBandwidth(samples []models.BandwidthSample) map[bwKey]*bwAgg {
	rollup := make(map[bwKey]*bwAgg)
	for _, s := range samples {
		key := bwKey{s.ProxyPort, s.IPAddress}
		agg := rollup[key]
		if agg == nil {
			agg = &bwAgg{}
			rollup[key] = agg
		}
		agg.samples++
		agg.sum += s.UpBandwidthMbps
		if s.UpBandwidthMbps > agg.max {
			agg.max = s.UpBandwidthMbps
		}
	}
	return rollup
}

// discardPorts finds egress ports where blocked nodes are a strict majority
// of the nodes observed this cycle. Rows for those ports are dropped for the
// cycle: the signal points at the proxy side, not the targets. This is a
// data-quality decision, logged apart from genuine failures.
func (a *Aggregator) discardPorts(universe map[nodeKey]*ttlAgg, blocked map[nodeKey]bool) map[int]bool {
	observed := make(map[int]int)
	blockedByPort := make(map[int]int)
	for key := range universe {
		observed[key.proxyPort]++
		if blocked[key] {
			blockedByPort[key.proxyPort]++
		}
	}

	discard := make(map[int]bool)
	for port, blockedCount := range blockedByPort {
		if blockedCount*2 > observed[port] {
			discard[port] = true
			a.logger.Warn("Discarding port rollup, majority of observed nodes blocked",
				"port", port,
				"blocked", blockedCount,
				"observed", observed[port])
		}
	}
	return discard
}

func (a *Aggregator) buildSnapshot(ctx context.Context, windowStart, windowEnd time.Time, universe map[nodeKey]*ttlAgg, qualities map[nodeKey]models.Quality, blocked map[nodeKey]bool, bandwidth map[bwKey]*bwAgg, discarded map[int]bool) *Snapshot {
	snap := &Snapshot{
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		ComputedAt:  time.Now().UTC(),
	}

	var badHosts []string
	seen := make(map[string]bool)
	for key := range universe {
		if discarded[key.proxyPort] || qualities[key] != models.QualityBad {
			continue
		}
		if !seen[key.targetHost] {
			seen[key.targetHost] = true
			badHosts = append(badHosts, key.targetHost)
		}
	}
	owners := make(map[string]company.Resolution)
	if len(badHosts) > 0 && a.resolver != nil {
		owners = a.resolver.ResolveBatch(ctx, badHosts)
	}

	for key, agg := range universe {
		if discarded[key.proxyPort] {
			continue
		}
		snap.TotalNodes++
		snap.TotalSamples += agg.samples
		snap.TotalSuccess += agg.successes
		snap.TotalFailure += agg.failures

		if qualities[key] != models.QualityBad {
			continue
		}
		report := a.nodeReport(key, agg, qualities[key], blocked[key], owners, bandwidth)
		if report.Blocked {
			snap.BlockedNodes = append(snap.BlockedNodes, report)
		} else {
			snap.BadNodes = append(snap.BadNodes, report)
		}
	}

	if snap.TotalSamples > 0 {
		snap.FailureRate = float64(snap.TotalFailure) / float64(snap.TotalSamples)
	}
	for port := range discarded {
		snap.DiscardedPorts = append(snap.DiscardedPorts, port)
	}
	sort.Ints(snap.DiscardedPorts)
	sortReports(snap.BadNodes)
	sortReports(snap.BlockedNodes)
	snap.BadCount = len(snap.BadNodes)
	snap.BlockedCount = len(snap.BlockedNodes)
	if snap.TotalNodes > 0 {
		snap.BadRate = float64(snap.BadCount+snap.BlockedCount) / float64(snap.TotalNodes)
	}
	return snap
}

func (a *Aggregator) nodeReport(key nodeKey, agg *ttlAgg, q models.Quality, isBlocked bool, owners map[string]company.Resolution, bandwidth map[bwKey]*bwAgg) NodeReport {
	report := NodeReport{
		ProxyPort:    key.proxyPort,
		TargetHost:   key.targetHost,
		TargetPort:   key.targetPort,
		Owner:        company.UnknownOwner,
		SampleCount:  agg.samples,
		SuccessCount: agg.successes,
		FailureCount: agg.failures,
		FailureRate:  agg.failureRate(),
		AvgRttMs:     agg.avgRtt(),
		MaxRttMs:     agg.maxRtt,
		Quality:      q,
		Blocked:      isBlocked,
	}
	if res, ok := owners[key.targetHost]; ok && res.Owner != "" {
		report.Owner = res.Owner
	}
	report.DataCenter = DataCenterLabel(report.Owner)
	if a.liveness != nil {
		report.Live = a.liveness.Live(key.targetHost)
	}

	bw := bandwidth[bwKey{key.proxyPort, key.targetHost}]
	if bw != nil {
		report.AvgBandwidthMbps = bw.avg()
		report.BandwidthSamples = bw.samples
	}
	if !isBlocked {
		report.Reportable = a.thresholds.reportable(agg, bw)
	}
	return report
}

func sortReports(reports []NodeReport) {
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].ProxyPort != reports[j].ProxyPort {
			return reports[i].ProxyPort < reports[j].ProxyPort
		}
		if reports[i].TargetHost != reports[j].TargetHost {
			return reports[i].TargetHost < reports[j].TargetHost
		}
		return reports[i].TargetPort < reports[j].TargetPort
	})
}
