package quality

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"proxy-quality-monitor/pkg/models"
)

func ttlRow(port int, host string, ws time.Time, samples, success, fail int, avgRtt float64, q models.Quality) models.TTLSnapshot {
	return models.TTLSnapshot{
		ProxyPort:    port,
		TargetHost:   host,
		TargetPort:   443,
		WindowStart:  ws,
		WindowEnd:    ws.Add(15 * time.Minute),
		SampleCount:  samples,
		SuccessCount: success,
		FailureCount: fail,
		AvgRttMs:     avgRtt,
		Quality:      q,
	}
}

func bwRow(port int, ip string, ws time.Time, samples int, avg float64) models.BandwidthSnapshot {
	return models.BandwidthSnapshot{
		ProxyPort:   port,
		IPAddress:   ip,
		WindowStart: ws,
		WindowEnd:   ws.Add(15 * time.Minute),
		SampleCount: samples,
		AvgMbps:     avg,
		Quality:     models.QualityGood,
	}
}

func seedDay(t *testing.T, store *fakeStore, day time.Time) {
	t.Helper()
	w1 := day
	w2 := day.Add(15 * time.Minute)

	err := store.UpsertTTLSnapshots(context.Background(), []models.TTLSnapshot{
		// 10.0.0.1 degrades hard: two bad windows, the second fully blocked.
		ttlRow(9001, "10.0.0.1", w1, 4, 1, 3, 4000, models.QualityBad),
		ttlRow(9001, "10.0.0.1", w2, 4, 0, 4, 0, models.QualityBad),
		// 10.0.0.2 stays clean all day.
		ttlRow(9001, "10.0.0.2", w1, 4, 4, 0, 100, models.QualityGood),
		ttlRow(9001, "10.0.0.2", w2, 4, 4, 0, 110, models.QualityGood),
		// 10.0.0.3 has one bad window then recovers.
		ttlRow(9001, "10.0.0.3", w1, 4, 2, 2, 2500, models.QualityBad),
		ttlRow(9001, "10.0.0.3", w2, 4, 4, 0, 200, models.QualityGood),
	})
	if err != nil {
		t.Fatalf("failed to seed ttl rows: %v", err)
	}

	err = store.UpsertBandwidthSnapshots(context.Background(), []models.BandwidthSnapshot{
		bwRow(9001, "10.0.0.1", w1, 2, 2.0),
		bwRow(9001, "10.0.0.1", w2, 2, 4.0),
	})
	if err != nil {
		t.Fatalf("failed to seed bandwidth rows: %v", err)
	}
}

func TestAnalyzeDay(t *testing.T) {
	day := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	seedDay(t, store, day)

	a := newTestAggregator(store, &fakeResolver{owners: map[string]string{"10.0.0.1": "Acme Corp"}}, nil)

	// A mid-day timestamp must be truncated to the day boundary.
	report, err := a.AnalyzeDay(context.Background(), day.Add(10*time.Hour+30*time.Minute), nil)
	if err != nil {
		t.Fatalf("AnalyzeDay() returned error: %v", err)
	}

	if !report.Day.Equal(day) {
		t.Errorf("report day = %v, want %v", report.Day, day)
	}
	if len(report.Ports) != 1 {
		t.Fatalf("report has %d ports, want 1", len(report.Ports))
	}

	port := report.Ports[0]
	if port.ProxyPort != 9001 || port.Nodes != 3 {
		t.Errorf("port summary = %d with %d nodes, want 9001 with 3", port.ProxyPort, port.Nodes)
	}
	if len(port.Degraded) != 2 {
		t.Fatalf("degraded nodes = %d, want 2", len(port.Degraded))
	}

	worst := port.Degraded[0]
	if worst.TargetHost != "10.0.0.1" {
		t.Fatalf("worst node = %s, want 10.0.0.1 ranked first by bad windows", worst.TargetHost)
	}
	if worst.Windows != 2 || worst.BadWindows != 2 {
		t.Errorf("worst node windows = %d bad = %d, want 2 and 2", worst.Windows, worst.BadWindows)
	}
	if worst.BlockedWindows != 1 || worst.BlockedMinutes != 4 {
		t.Errorf("worst node blocked = %d windows / %d min, want 1 window / 4 min", worst.BlockedWindows, worst.BlockedMinutes)
	}
	if worst.TotalSamples != 8 || worst.TotalSuccess != 1 || worst.TotalFailure != 7 {
		t.Errorf("worst node totals = %d/%d/%d, want 8/1/7", worst.TotalSamples, worst.TotalSuccess, worst.TotalFailure)
	}
	if math.Abs(worst.FailureRate-0.875) > 1e-9 {
		t.Errorf("worst node failure rate = %f, want 0.875", worst.FailureRate)
	}
	// All successful samples sit in the first window, so the weighted
	// average equals that window's RTT.
	if math.Abs(worst.AvgRttMs-4000) > 1e-9 {
		t.Errorf("worst node avg rtt = %f, want 4000", worst.AvgRttMs)
	}
	if math.Abs(worst.AvgBandwidthMbps-3.0) > 1e-9 {
		t.Errorf("worst node avg bandwidth = %f, want 3.0", worst.AvgBandwidthMbps)
	}
	if worst.Owner != "Acme Corp" {
		t.Errorf("worst node owner = %q, want Acme Corp", worst.Owner)
	}

	second := port.Degraded[1]
	if second.TargetHost != "10.0.0.3" || second.BadWindows != 1 {
		t.Errorf("second node = %s with %d bad windows, want 10.0.0.3 with 1", second.TargetHost, second.BadWindows)
	}
	wantRtt := (2500.0*2 + 200.0*4) / 6.0
	if math.Abs(second.AvgRttMs-wantRtt) > 1e-9 {
		t.Errorf("second node weighted rtt = %f, want %f", second.AvgRttMs, wantRtt)
	}
}

func TestAnalyzeDayTopN(t *testing.T) {
	day := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	seedDay(t, store, day)

	settings := testSettings()
	settings.TopN = 1
	a := NewAggregator(store, nil, nil, testThresholds(), settings, testLogger())

	report, err := a.AnalyzeDay(context.Background(), day, nil)
	if err != nil {
		t.Fatalf("AnalyzeDay() returned error: %v", err)
	}
	if len(report.Ports) != 1 || len(report.Ports[0].Degraded) != 1 {
		t.Fatalf("report = %+v, want exactly one degraded node kept", report)
	}
	if report.Ports[0].Degraded[0].TargetHost != "10.0.0.1" {
		t.Errorf("kept node = %s, want the worst one", report.Ports[0].Degraded[0].TargetHost)
	}
}

func TestAnalyzeDayPortFilter(t *testing.T) {
	day := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	seedDay(t, store, day)

	a := newTestAggregator(store, nil, nil)
	report, err := a.AnalyzeDay(context.Background(), day, []int{9999})
	if err != nil {
		t.Fatalf("AnalyzeDay() returned error: %v", err)
	}
	if len(report.Ports) != 0 {
		t.Errorf("report has %d ports for an unknown filter, want 0", len(report.Ports))
	}
}

func TestRenderDigest(t *testing.T) {
	day := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	seedDay(t, store, day)

	a := newTestAggregator(store, &fakeResolver{owners: map[string]string{"10.0.0.1": "Acme Corp"}}, nil)
	report, err := a.AnalyzeDay(context.Background(), day, nil)
	if err != nil {
		t.Fatalf("AnalyzeDay() returned error: %v", err)
	}

	digest := report.RenderDigest()
	for _, want := range []string{
		"Exit node quality report for 2026-08-22",
		"Port 9001: 3 nodes, 2 degraded",
		"10.0.0.1:443 (Acme Corp) bad=2/2 blocked=1 (4 min)",
		"fail=87.5%",
		"bw=3.00Mbps",
		"10.0.0.3:443",
	} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
}

func TestRenderDigestEmpty(t *testing.T) {
	report := &DayReport{Day: time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)}
	digest := report.RenderDigest()
	if !strings.Contains(digest, "No snapshot data recorded.") {
		t.Errorf("empty digest = %q, want the no-data notice", digest)
	}
}
