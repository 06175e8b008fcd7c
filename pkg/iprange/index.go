// Package iprange provides the sorted IPv4 range table used to attribute an
// IP address to its owning organization.
package iprange

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"

	"proxy-quality-monitor/pkg/models"
)

// Entry is one attribution range held in memory. Start and End are inclusive
// numeric bounds of an IPv4 block.
type Entry struct {
	Start  uint32
	End    uint32
	Owner  string
	ASN    string
	Domain string
}

// Owner is the attribution result of a lookup.
type Owner struct {
	Name   string
	ASN    string
	Domain string
}

// Index is an immutable set of IPv4 ranges sorted by start value, supporting
// O(log n) containment lookups. Build a new Index and swap it in rather than
// mutating one in place.
type Index struct {
	entries []Entry
}

// BuildStats counts rows accepted and dropped while converting stored rows.
type BuildStats struct {
	Loaded  int
	Dropped int
}

// FromModels converts stored rows into entries, dropping malformed rows:
// reversed bounds or values outside the unsigned 32-bit IPv4 space.
func FromModels(rows []models.IPRange) ([]Entry, BuildStats) {
	entries := make([]Entry, 0, len(rows))
	var stats BuildStats
	for _, r := range rows {
		if r.StartNumeric < 0 || r.EndNumeric < 0 ||
			r.StartNumeric > maxIPv4 || r.EndNumeric > maxIPv4 ||
			r.StartNumeric > r.EndNumeric {
			stats.Dropped++
			continue
		}
		entries = append(entries, Entry{
			Start:  uint32(r.StartNumeric),
			End:    uint32(r.EndNumeric),
			Owner:  r.Owner,
			ASN:    r.ASN,
			Domain: r.Domain,
		})
		stats.Loaded++
	}
	return entries, stats
}

const maxIPv4 = int64(^uint32(0))

// NewIndex copies and sorts the entries ascending by start value.
func NewIndex(entries []Entry) *Index {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})
	return &Index{entries: sorted}
}

// Len returns the number of ranges in the index.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Lookup resolves a dotted-quad IPv4 address to its owning range.
func (ix *Index) Lookup(ip string) (Owner, bool) {
	v, err := IPv4ToUint32(ip)
	if err != nil {
		return Owner{}, false
	}
	return ix.LookupNumeric(v)
}

// LookupNumeric finds the range whose interval contains the numeric value.
// Ranges are assumed non-overlapping, so the only candidate is the last range
// starting at or below the value.
func (ix *Index) LookupNumeric(v uint32) (Owner, bool) {
	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].Start > v
	})
	if i == 0 {
		return Owner{}, false
	}
	e := ix.entries[i-1]
	if v > e.End {
		return Owner{}, false
	}
	return Owner{Name: e.Owner, ASN: e.ASN, Domain: e.Domain}, true
}

// IPv4ToUint32 converts a dotted-quad address to its numeric value. The full
// unsigned 32-bit space is used, so 255.255.255.255 converts without overflow.
func IPv4ToUint32(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IP address: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b).String()
}
