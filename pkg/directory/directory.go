// Package directory resolves the live exit-node list and binds every node to
// the egress ports of its region's group.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ErrDirectoryUnavailable is returned by Refresh when the external fetch
// fails and no previously fetched target list exists to fall back on.
var ErrDirectoryUnavailable = errors.New("directory unavailable and no previous target list exists")

// Group is a bucket of regions sharing the same set of egress ports.
type Group string

const (
	GroupAmericas Group = "americas"
	GroupEurope   Group = "europe"
	GroupAsia     Group = "asia"
)

// ParseGroup normalizes a configured group name to its typed value.
func ParseGroup(s string) (Group, error) {
	switch Group(strings.ToLower(strings.TrimSpace(s))) {
	case GroupAmericas:
		return GroupAmericas, nil
	case GroupEurope:
		return GroupEurope, nil
	case GroupAsia:
		return GroupAsia, nil
	default:
		return "", fmt.Errorf("unknown group: %q", s)
	}
}

// builtinRegionGroups maps lowercased directory region names to groups.
// Config entries under groups.regions are merged over this table.
var builtinRegionGroups = map[string]Group{
	"us":             GroupAmericas,
	"usa":            GroupAmericas,
	"united states":  GroupAmericas,
	"us-east":        GroupAmericas,
	"us-west":        GroupAmericas,
	"canada":         GroupAmericas,
	"mexico":         GroupAmericas,
	"brazil":         GroupAmericas,
	"uk":             GroupEurope,
	"united kingdom": GroupEurope,
	"germany":        GroupEurope,
	"france":         GroupEurope,
	"netherlands":    GroupEurope,
	"spain":          GroupEurope,
	"italy":          GroupEurope,
	"poland":         GroupEurope,
	"sweden":         GroupEurope,
	"japan":          GroupAsia,
	"korea":          GroupAsia,
	"south korea":    GroupAsia,
	"singapore":      GroupAsia,
	"hong kong":      GroupAsia,
	"taiwan":         GroupAsia,
	"india":          GroupAsia,
	"vietnam":        GroupAsia,
}

// Directory maintains the current target set. The whole index is rebuilt on
// every refresh and swapped in atomically; readers never observe a partially
// rebuilt state.
type Directory struct {
	client       *Client
	regionGroups map[string]Group
	groupPorts   map[Group][]int
	logger       *slog.Logger

	mu          sync.RWMutex
	hasList     bool
	byPort      map[int][]string
	byGroup     map[Group][]string
	live        map[string]bool
	lastRefresh time.Time
}

// New builds a Directory from an explicit mapping. regionGroups keys are
// matched case-insensitively against directory regions.
func New(client *Client, regionGroups map[string]Group, groupPorts map[Group][]int, logger *slog.Logger) *Directory {
	normalized := make(map[string]Group, len(regionGroups))
	for region, group := range regionGroups {
		normalized[strings.ToLower(strings.TrimSpace(region))] = group
	}

	return &Directory{
		client:       client,
		regionGroups: normalized,
		groupPorts:   groupPorts,
		logger:       logger,
		byPort:       make(map[int][]string),
		byGroup:      make(map[Group][]string),
		live:         make(map[string]bool),
	}
}

// FromViper builds a Directory from the directory.* and groups.* config keys.
func FromViper(logger *slog.Logger) (*Directory, error) {
	url := viper.GetString("directory.url")
	if url == "" {
		return nil, fmt.Errorf("directory.url is not configured")
	}

	timeout := viper.GetInt("directory.timeout_sec")
	if timeout <= 0 {
		timeout = 10
	}
	client := NewClient(url, viper.GetString("directory.category"), time.Duration(timeout)*time.Second)

	regionGroups := make(map[string]Group, len(builtinRegionGroups))
	for region, group := range builtinRegionGroups {
		regionGroups[region] = group
	}
	for region, name := range viper.GetStringMapString("groups.regions") {
		group, err := ParseGroup(name)
		if err != nil {
			return nil, fmt.Errorf("invalid groups.regions entry for %q: %v", region, err)
		}
		regionGroups[region] = group
	}

	groupPorts := make(map[Group][]int)
	for name := range viper.GetStringMap("groups.ports") {
		group, err := ParseGroup(name)
		if err != nil {
			return nil, fmt.Errorf("invalid groups.ports entry: %v", err)
		}
		ports := viper.GetIntSlice("groups.ports." + name)
		for _, p := range ports {
			if p <= 0 || p > 65535 {
				return nil, fmt.Errorf("invalid port %d for group %q", p, name)
			}
		}
		groupPorts[group] = ports
	}
	if len(groupPorts) == 0 {
		return nil, fmt.Errorf("groups.ports is not configured")
	}

	return New(client, regionGroups, groupPorts, logger), nil
}

// Refresh fetches the directory and rebuilds the target index wholesale.
// Once any refresh has succeeded, later fetch failures keep serving the
// stale list and return nil.
func (d *Directory) Refresh(ctx context.Context) error {
	nodes, err := d.client.FetchNodes(ctx)
	if err == nil && len(nodes) == 0 {
		err = fmt.Errorf("directory returned no nodes")
	}
	if err != nil {
		d.mu.RLock()
		hasList := d.hasList
		d.mu.RUnlock()

		if !hasList {
			return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}
		d.logger.Warn("Directory fetch failed, keeping previous target list",
			"error", err,
			"targets", d.TargetCount())
		return nil
	}

	byGroup := make(map[Group][]string)
	seen := make(map[Group]map[string]bool)
	live := make(map[string]bool)

	for _, node := range nodes {
		region := strings.ToLower(strings.TrimSpace(node.Region))
		group, ok := d.regionGroups[region]
		if !ok {
			d.logger.Warn("Dropping node with unmapped region",
				"address", node.Address,
				"region", node.Region)
			continue
		}

		if len(d.groupPorts[group]) == 0 {
			d.logger.Warn("Dropping node, group has no egress ports",
				"address", node.Address,
				"group", group)
			continue
		}

		if seen[group] == nil {
			seen[group] = make(map[string]bool)
		}
		if seen[group][node.Address] {
			continue
		}
		seen[group][node.Address] = true

		byGroup[group] = append(byGroup[group], node.Address)
		live[node.Address] = true
	}

	byPort := make(map[int][]string)
	for group, addrs := range byGroup {
		for _, port := range d.groupPorts[group] {
			byPort[port] = append(byPort[port], addrs...)
		}
	}

	d.mu.Lock()
	d.byPort = byPort
	d.byGroup = byGroup
	d.live = live
	d.hasList = true
	d.lastRefresh = time.Now()
	d.mu.Unlock()

	d.logger.Info("Directory refreshed",
		"nodes", len(nodes),
		"targets", len(live),
		"ports", len(byPort))

	return nil
}

// TargetsForPort returns the addresses bound to an egress port. Unknown ports
// yield an empty slice. The returned slice is a copy.
func (d *Directory) TargetsForPort(port int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	targets := d.byPort[port]
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// Ports returns the egress ports that currently have targets bound, sorted.
func (d *Directory) Ports() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ports := make([]int, 0, len(d.byPort))
	for port := range d.byPort {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Live reports whether the address is in the current target set.
func (d *Directory) Live(address string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.live[address]
}

// TargetCount returns the number of distinct live targets.
func (d *Directory) TargetCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.live)
}

// LastRefresh returns the time of the last successful rebuild.
func (d *Directory) LastRefresh() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefresh
}
