package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"proxy-quality-monitor/pkg/company"
	"proxy-quality-monitor/pkg/models"
)

// DayNodeStat is the day-level rollup for one node on one egress port.
// Averages are weighted: RTT by each window's success count, bandwidth by
// each window's sample count.
type DayNodeStat struct {
	ProxyPort  int
	TargetHost string
	TargetPort int

	Owner      string
	DataCenter string

	Windows        int
	BadWindows     int
	BlockedWindows int
	BlockedMinutes int

	TotalSamples int
	TotalSuccess int
	TotalFailure int
	FailureRate  float64

	AvgRttMs         float64
	AvgBandwidthMbps float64
}

// PortDaySummary lists one egress port's nodes and its worst performers.
type PortDaySummary struct {
	ProxyPort int
	Nodes     int
	Degraded  []DayNodeStat
}

// DayReport is the full daily analysis for one UTC day.
type DayReport struct {
	Day   time.Time
	Ports []PortDaySummary
}

type dayAgg struct {
	windows   int
	bad       int
	blockedW  int
	samples   int
	successes int
	failures  int
	rttSum    float64
	rttWeight int
}

type bwDayAgg struct {
	sum    float64
	weight int
}

// AnalyzeDay aggregates the stored snapshot windows of one UTC day, keyed
// per (port, host, target port). A window counts as blocked when it saw
// failures and not a single success; blocked minutes are blocked windows
// times the cycle length. ports narrows the analysis, nil means all.
func (a *Aggregator) AnalyzeDay(ctx context.Context, day time.Time, ports []int) (*DayReport, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	from := day
	to := day.Add(24 * time.Hour)

	ttlRows, err := a.store.TTLSnapshotsBetween(ctx, from, to, ports)
	if err != nil {
		return nil, fmt.Errorf("error reading ttl snapshots: %v", err)
	}
	bwRows, err := a.store.BandwidthSnapshotsBetween(ctx, from, to, ports)
	if err != nil {
		return nil, fmt.Errorf("error reading bandwidth snapshots: %v", err)
	}

	cycleMinutes := a.settings.IntervalSec / 60
	if cycleMinutes <= 0 {
		cycleMinutes = 1
	}

	stats := make(map[nodeKey]*dayAgg)
	for _, row := range ttlRows {
		key := nodeKey{row.ProxyPort, row.TargetHost, row.TargetPort}
		agg := stats[key]
		if agg == nil {
			agg = &dayAgg{}
			stats[key] = agg
		}
		agg.windows++
		if row.Quality == models.QualityBad {
			agg.bad++
		}
		if row.SuccessCount == 0 && row.FailureCount > 0 {
			agg.blockedW++
		}
		agg.samples += row.SampleCount
		agg.successes += row.SuccessCount
		agg.failures += row.FailureCount
		agg.rttSum += row.AvgRttMs * float64(row.SuccessCount)
		agg.rttWeight += row.SuccessCount
	}

	bw := make(map[bwKey]*bwDayAgg)
	for _, row := range bwRows {
		key := bwKey{row.ProxyPort, row.IPAddress}
		agg := bw[key]
		if agg == nil {
			agg = &bwDayAgg{}
			bw[key] = agg
		}
		agg.sum += row.AvgMbps * float64(row.SampleCount)
		agg.weight += row.SampleCount
	}

	nodesByPort := make(map[int]int)
	var degraded []DayNodeStat
	var hosts []string
	seen := make(map[string]bool)
	for key, agg := range stats {
		nodesByPort[key.proxyPort]++
		if agg.bad == 0 && agg.blockedW == 0 && agg.failures == 0 {
			continue
		}

		stat := DayNodeStat{
			ProxyPort:      key.proxyPort,
			TargetHost:     key.targetHost,
			TargetPort:     key.targetPort,
			Owner:          company.UnknownOwner,
			Windows:        agg.windows,
			BadWindows:     agg.bad,
			BlockedWindows: agg.blockedW,
			BlockedMinutes: agg.blockedW * cycleMinutes,
			TotalSamples:   agg.samples,
			TotalSuccess:   agg.successes,
			TotalFailure:   agg.failures,
		}
		if agg.samples > 0 {
			stat.FailureRate = float64(agg.failures) / float64(agg.samples)
		}
		if agg.rttWeight > 0 {
			stat.AvgRttMs = agg.rttSum / float64(agg.rttWeight)
		}
		if b := bw[bwKey{key.proxyPort, key.targetHost}]; b != nil && b.weight > 0 {
			stat.AvgBandwidthMbps = b.sum / float64(b.weight)
		}
		degraded = append(degraded, stat)

		if !seen[key.targetHost] {
			seen[key.targetHost] = true
			hosts = append(hosts, key.targetHost)
		}
	}

	owners := make(map[string]company.Resolution)
	if len(hosts) > 0 && a.resolver != nil {
		owners = a.resolver.ResolveBatch(ctx, hosts)
	}
	for i := range degraded {
		if res, ok := owners[degraded[i].TargetHost]; ok && res.Owner != "" {
			degraded[i].Owner = res.Owner
		}
		degraded[i].DataCenter = DataCenterLabel(degraded[i].Owner)
	}

	byPort := make(map[int][]DayNodeStat)
	for _, stat := range degraded {
		byPort[stat.ProxyPort] = append(byPort[stat.ProxyPort], stat)
	}

	var portList []int
	for port := range nodesByPort {
		portList = append(portList, port)
	}
	sort.Ints(portList)

	report := &DayReport{Day: day}
	for _, port := range portList {
		nodes := byPort[port]
		rankDegraded(nodes)
		if len(nodes) > a.settings.TopN {
			nodes = nodes[:a.settings.TopN]
		}
		report.Ports = append(report.Ports, PortDaySummary{
			ProxyPort: port,
			Nodes:     nodesByPort[port],
			Degraded:  nodes,
		})
	}
	return report, nil
}

// rankDegraded orders worst first: most bad windows, then highest failure
// rate, then highest RTT. Host breaks remaining ties so output is stable.
func rankDegraded(nodes []DayNodeStat) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].BadWindows != nodes[j].BadWindows {
			return nodes[i].BadWindows > nodes[j].BadWindows
		}
		if nodes[i].FailureRate != nodes[j].FailureRate {
			return nodes[i].FailureRate > nodes[j].FailureRate
		}
		if nodes[i].AvgRttMs != nodes[j].AvgRttMs {
			return nodes[i].AvgRttMs > nodes[j].AvgRttMs
		}
		return nodes[i].TargetHost < nodes[j].TargetHost
	})
}

// RenderDigest formats the report as a plain-text digest suitable for
// notification delivery.
func (r *DayReport) RenderDigest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exit node quality report for %s\n", r.Day.Format("2006-01-02"))

	if len(r.Ports) == 0 {
		b.WriteString("No snapshot data recorded.\n")
		return b.String()
	}

	for _, port := range r.Ports {
		fmt.Fprintf(&b, "\nPort %d: %d nodes, %d degraded\n", port.ProxyPort, port.Nodes, len(port.Degraded))
		for i, node := range port.Degraded {
			label := node.Owner
			if node.DataCenter != DefaultDataCenter {
				label = node.DataCenter
			}
			fmt.Fprintf(&b, "%2d. %s:%d (%s) bad=%d/%d",
				i+1, node.TargetHost, node.TargetPort, label, node.BadWindows, node.Windows)
			if node.BlockedWindows > 0 {
				fmt.Fprintf(&b, " blocked=%d (%d min)", node.BlockedWindows, node.BlockedMinutes)
			}
			fmt.Fprintf(&b, " fail=%.1f%% rtt=%.0fms", node.FailureRate*100, node.AvgRttMs)
			if node.AvgBandwidthMbps > 0 {
				fmt.Fprintf(&b, " bw=%.2fMbps", node.AvgBandwidthMbps)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
