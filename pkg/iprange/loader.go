package iprange

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"proxy-quality-monitor/pkg/models"
)

// ParseStats summarizes a bulk file parse.
type ParseStats struct {
	Lines   int
	Loaded  int
	Skipped int
}

// Lines can exceed the scanner default when owner names carry long metadata.
const maxLineSize = 1024 * 1024

// ParseFile reads a tab-separated range file into rows ready for bulk load.
// Expected columns: start, end, owner, and optionally asn and domain. Start
// and end accept either numeric values or dotted-quad addresses. Malformed
// lines are skipped and counted, never fatal.
func ParseFile(path string) ([]models.IPRange, ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ParseStats{}, fmt.Errorf("failed to open range file: %v", err)
	}
	defer f.Close()

	var (
		rows  []models.IPRange
		stats ParseStats
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		stats.Lines++
		if line == "" || strings.HasPrefix(line, "#") {
			stats.Skipped++
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			stats.Skipped++
			continue
		}

		start, err := parseBound(fields[0])
		if err != nil {
			stats.Skipped++
			continue
		}
		end, err := parseBound(fields[1])
		if err != nil {
			stats.Skipped++
			continue
		}
		if start > end {
			stats.Skipped++
			continue
		}

		owner := strings.TrimSpace(fields[2])
		if owner == "" {
			stats.Skipped++
			continue
		}

		row := models.IPRange{
			StartNumeric: int64(start),
			EndNumeric:   int64(end),
			Owner:        owner,
		}
		if len(fields) > 3 {
			row.ASN = strings.TrimSpace(fields[3])
		}
		if len(fields) > 4 {
			row.Domain = strings.TrimSpace(fields[4])
		}

		rows = append(rows, row)
		stats.Loaded++
	}

	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read range file: %v", err)
	}

	return rows, stats, nil
}

func parseBound(field string) (uint32, error) {
	field = strings.TrimSpace(field)
	if n, err := strconv.ParseUint(field, 10, 32); err == nil {
		return uint32(n), nil
	}
	return IPv4ToUint32(field)
}
