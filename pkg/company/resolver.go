package company

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/viper"

	"proxy-quality-monitor/pkg/iprange"
	"proxy-quality-monitor/pkg/models"
)

// UnknownOwner is reported for addresses no loaded range covers.
const UnknownOwner = "Unknown"

// Resolution is the outcome of resolving one address.
type Resolution struct {
	Owner string
	Found bool
}

// RangeStore loads the attribution range table. Satisfied by *database.DB.
type RangeStore interface {
	LoadIPRanges(ctx context.Context) ([]models.IPRange, error)
}

// Resolver maps exit-node addresses to owning companies. Lookups go through
// the warm cache first and fall back to a binary search over the range index.
// The index is replaced wholesale by Refresh; readers always see either the
// previous or the new one, never a partial rebuild.
type Resolver struct {
	store      RangeStore
	cache      *Cache
	geo        *geoip2.Reader
	idx        atomic.Pointer[iprange.Index]
	refreshing atomic.Bool
	workers    int
	logger     *slog.Logger
}

// NewResolver creates a resolver. geo may be nil, in which case country
// lookups are disabled.
func NewResolver(store RangeStore, cache *Cache, geo *geoip2.Reader, workers int, logger *slog.Logger) *Resolver {
	if workers <= 0 {
		workers = 16
	}
	return &Resolver{
		store:   store,
		cache:   cache,
		geo:     geo,
		workers: workers,
		logger:  logger,
	}
}

// FromViper builds a resolver from the resolver.* config keys, opening the
// warm cache and, when configured, the GeoLite2 country database. A missing
// or unreadable GeoIP file disables country lookups instead of failing.
func FromViper(store RangeStore, logger *slog.Logger) (*Resolver, error) {
	cacheDir := viper.GetString("resolver.cache_dir")
	if cacheDir == "" {
		cacheDir = "./companycache"
	}
	cache, err := OpenCache(cacheDir)
	if err != nil {
		return nil, err
	}

	var geo *geoip2.Reader
	if path := viper.GetString("resolver.geoip_db"); path != "" {
		geo, err = geoip2.Open(path)
		if err != nil {
			logger.Warn("Could not open GeoIP database, country lookups disabled",
				"path", path,
				"error", err)
			geo = nil
		}
	}

	return NewResolver(store, cache, geo, viper.GetInt("resolver.recompute_workers"), logger), nil
}

// ResolveBatch resolves a list of addresses. Each address is served from the
// warm cache when possible and from the range index otherwise. Cache-worthy
// results (a known owner) are remembered immediately and persisted in the
// background; the batch never blocks on disk writes. Malformed or non-IPv4
// addresses resolve to Unknown rather than erroring.
func (r *Resolver) ResolveBatch(ctx context.Context, ips []string) map[string]Resolution {
	out := make(map[string]Resolution, len(ips))
	idx := r.idx.Load()

	var writeBack []CacheEntry
	for _, ip := range ips {
		if _, done := out[ip]; done {
			continue
		}

		if entry, ok := r.cache.Get(ip); ok {
			out[ip] = Resolution{Owner: entry.Owner, Found: entry.Found}
			continue
		}

		numeric, err := iprange.IPv4ToUint32(ip)
		if err != nil {
			out[ip] = Resolution{Owner: UnknownOwner, Found: false}
			continue
		}

		var owner iprange.Owner
		var found bool
		if idx != nil {
			owner, found = idx.LookupNumeric(numeric)
		}
		if !found {
			out[ip] = Resolution{Owner: UnknownOwner, Found: false}
			continue
		}

		out[ip] = Resolution{Owner: owner.Name, Found: true}
		if owner.Name != "" && !strings.EqualFold(owner.Name, UnknownOwner) {
			entry := CacheEntry{
				IP:        ip,
				Owner:     owner.Name,
				ASN:       owner.ASN,
				Domain:    owner.Domain,
				Found:     true,
				UpdatedAt: nowUnix(),
			}
			if r.geo != nil {
				entry.Country = r.country(ip)
			}
			writeBack = append(writeBack, entry)
		}
	}

	if len(writeBack) > 0 {
		r.cache.Remember(writeBack)
		go func() {
			if err := r.cache.Flush(writeBack); err != nil {
				r.logger.Warn("Failed to persist company cache entries", "error", err)
			}
		}()
	}

	return out
}

// Describe returns the full detail for one address, resolving it first.
func (r *Resolver) Describe(ctx context.Context, ip string) CacheEntry {
	res := r.ResolveBatch(ctx, []string{ip})[ip]
	if entry, ok := r.cache.Get(ip); ok {
		return entry
	}
	return CacheEntry{IP: ip, Owner: res.Owner, Found: res.Found}
}

// Refresh reloads the range table, rebuilds the index, and recomputes owners
// for every address seen historically, overwriting cache entries. Only one
// refresh runs at a time; an overlapping call is a no-op.
func (r *Resolver) Refresh(ctx context.Context) error {
	if !r.refreshing.CompareAndSwap(false, true) {
		r.logger.Info("Resolver refresh already running, skipping")
		return nil
	}
	defer r.refreshing.Store(false)

	rows, err := r.store.LoadIPRanges(ctx)
	if err != nil {
		return fmt.Errorf("error loading ip ranges: %v", err)
	}

	entries, stats := iprange.FromModels(rows)
	idx := iprange.NewIndex(entries)
	r.idx.Store(idx)
	r.logger.Info("Range index rebuilt",
		"ranges", stats.Loaded,
		"dropped", stats.Dropped)

	cached := r.cache.Entries()
	if len(cached) == 0 {
		return nil
	}

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return fmt.Errorf("error creating recompute pool: %v", err)
	}
	defer pool.Release()

	var mu sync.Mutex
	updated := make([]CacheEntry, 0, len(cached))
	var wg sync.WaitGroup
	for _, entry := range cached {
		entry := entry
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			fresh := r.recompute(idx, entry)
			mu.Lock()
			updated = append(updated, fresh)
			mu.Unlock()
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()

	r.cache.Remember(updated)
	if err := r.cache.Flush(updated); err != nil {
		r.logger.Warn("Failed to persist recomputed cache entries", "error", err)
	}
	r.logger.Info("Company cache recomputed", "entries", len(updated))
	return nil
}

// recompute re-derives the attribution of one cached address against a fresh
// index. The address stays cached even when the new table no longer covers
// it; its country is kept since geography does not change with ownership.
func (r *Resolver) recompute(idx *iprange.Index, entry CacheEntry) CacheEntry {
	fresh := entry
	fresh.UpdatedAt = nowUnix()

	numeric, err := iprange.IPv4ToUint32(entry.IP)
	if err != nil {
		fresh.Owner = UnknownOwner
		fresh.ASN = ""
		fresh.Domain = ""
		fresh.Found = false
		return fresh
	}

	owner, found := idx.LookupNumeric(numeric)
	if !found {
		fresh.Owner = UnknownOwner
		fresh.ASN = ""
		fresh.Domain = ""
		fresh.Found = false
		return fresh
	}

	fresh.Owner = owner.Name
	fresh.ASN = owner.ASN
	fresh.Domain = owner.Domain
	fresh.Found = true
	return fresh
}

// RangeCount returns the number of ranges in the loaded index, zero before
// the first refresh.
func (r *Resolver) RangeCount() int {
	idx := r.idx.Load()
	if idx == nil {
		return 0
	}
	return idx.Len()
}

func (r *Resolver) country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := r.geo.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the cache store and the GeoIP reader.
func (r *Resolver) Close() error {
	var err error
	if r.geo != nil {
		if e := r.geo.Close(); e != nil {
			err = e
		}
	}
	if e := r.cache.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
