package company

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"proxy-quality-monitor/pkg/iprange"
	"proxy-quality-monitor/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRangeStore struct {
	mu    sync.Mutex
	calls int
	rows  []models.IPRange
}

func (f *fakeRangeStore) LoadIPRanges(ctx context.Context) ([]models.IPRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rows, nil
}

func (f *fakeRangeStore) setRows(rows []models.IPRange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

func (f *fakeRangeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestResolver(t *testing.T, store RangeStore) *Resolver {
	t.Helper()
	cache, err := OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return NewResolver(store, cache, nil, 4, testLogger())
}

// 198.51.100.0 = 3325256704
func acmeRange() models.IPRange {
	return models.IPRange{
		StartNumeric: 3325256704,
		EndNumeric:   3325256959,
		Owner:        "Acme Corp",
		ASN:          "AS64501",
		Domain:       "acme.example",
	}
}

func TestResolveBatchCacheMissThenHit(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() returned error: %v", err)
	}

	got := r.ResolveBatch(context.Background(), []string{"198.51.100.10"})
	want := Resolution{Owner: "Acme Corp", Found: true}
	if got["198.51.100.10"] != want {
		t.Fatalf("ResolveBatch() = %+v, want %+v", got["198.51.100.10"], want)
	}

	// Swap in an empty index; a repeat resolution must come from the cache.
	r.idx.Store(iprange.NewIndex(nil))

	got = r.ResolveBatch(context.Background(), []string{"198.51.100.10"})
	if got["198.51.100.10"] != want {
		t.Errorf("ResolveBatch() after index swap = %+v, want cached %+v", got["198.51.100.10"], want)
	}
}

func TestResolveBatchDegenerateInputs(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() returned error: %v", err)
	}

	tests := []struct {
		name string
		ip   string
	}{
		{name: "garbage", ip: "not-an-ip"},
		{name: "ipv6", ip: "2001:db8::1"},
		{name: "empty", ip: ""},
		{name: "uncovered", ip: "203.0.113.9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.ResolveBatch(context.Background(), []string{tc.ip})[tc.ip]
			if got.Found || got.Owner != UnknownOwner {
				t.Errorf("ResolveBatch(%q) = %+v, want {Unknown false}", tc.ip, got)
			}
			if _, ok := r.cache.Get(tc.ip); ok {
				t.Errorf("address %q was cached, want cache untouched for unresolved inputs", tc.ip)
			}
		})
	}
}

func TestResolveBatchBeforeFirstRefresh(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)

	got := r.ResolveBatch(context.Background(), []string{"198.51.100.10"})["198.51.100.10"]
	if got.Found || got.Owner != UnknownOwner {
		t.Errorf("ResolveBatch() before refresh = %+v, want {Unknown false}", got)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)

	r.refreshing.Store(true)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("overlapping Refresh() returned error: %v", err)
	}
	if store.callCount() != 0 {
		t.Errorf("store called %d times during an overlapping refresh, want 0", store.callCount())
	}

	r.refreshing.Store(false)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() returned error: %v", err)
	}
	if store.callCount() != 1 {
		t.Errorf("store called %d times, want 1", store.callCount())
	}
	if r.RangeCount() != 1 {
		t.Errorf("RangeCount() = %d, want 1", r.RangeCount())
	}
}

func TestRefreshRecomputesCachedOwners(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() returned error: %v", err)
	}
	r.ResolveBatch(context.Background(), []string{"198.51.100.10"})
	if entry, ok := r.cache.Get("198.51.100.10"); !ok || entry.Owner != "Acme Corp" {
		t.Fatalf("cache entry = %+v (ok=%v), want Acme Corp cached", entry, ok)
	}

	// The range changes hands; a refresh must overwrite the cached owner.
	updated := acmeRange()
	updated.Owner = "Globex Corp"
	store.setRows([]models.IPRange{updated})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() returned error: %v", err)
	}

	entry, ok := r.cache.Get("198.51.100.10")
	if !ok || entry.Owner != "Globex Corp" || !entry.Found {
		t.Errorf("cache entry after refresh = %+v (ok=%v), want Globex Corp", entry, ok)
	}

	got := r.ResolveBatch(context.Background(), []string{"198.51.100.10"})["198.51.100.10"]
	if got.Owner != "Globex Corp" || !got.Found {
		t.Errorf("ResolveBatch() after refresh = %+v, want Globex Corp", got)
	}
}

func TestRefreshDropsVanishedRanges(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() returned error: %v", err)
	}
	r.ResolveBatch(context.Background(), []string{"198.51.100.10"})

	store.setRows(nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() returned error: %v", err)
	}

	entry, ok := r.cache.Get("198.51.100.10")
	if !ok {
		t.Fatal("address dropped from cache, want it kept with Unknown owner")
	}
	if entry.Found || entry.Owner != UnknownOwner {
		t.Errorf("cache entry = %+v, want {Unknown false} after range vanished", entry)
	}
}

func TestDescribe(t *testing.T) {
	store := &fakeRangeStore{rows: []models.IPRange{acmeRange()}}
	r := newTestResolver(t, store)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() returned error: %v", err)
	}

	entry := r.Describe(context.Background(), "198.51.100.10")
	if entry.Owner != "Acme Corp" || entry.ASN != "AS64501" || entry.Domain != "acme.example" || !entry.Found {
		t.Errorf("Describe() = %+v, want full Acme Corp detail", entry)
	}

	entry = r.Describe(context.Background(), "bogus")
	if entry.Found || entry.Owner != UnknownOwner {
		t.Errorf("Describe(bogus) = %+v, want {Unknown false}", entry)
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	cache, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	entries := []CacheEntry{
		{IP: "198.51.100.10", Owner: "Acme Corp", ASN: "AS64501", Country: "NL", Found: true, UpdatedAt: 1700000000},
		{IP: "198.51.100.11", Owner: "Globex Corp", Found: true, UpdatedAt: 1700000001},
	}
	cache.Remember(entries)
	if err := cache.Flush(entries); err != nil {
		t.Fatalf("Flush() returned error: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	reopened, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("failed to reopen cache: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("reopened cache has %d entries, want 2", reopened.Len())
	}
	entry, ok := reopened.Get("198.51.100.10")
	if !ok || entry.Owner != "Acme Corp" || entry.Country != "NL" || !entry.Found {
		t.Errorf("reopened entry = %+v (ok=%v), want persisted Acme Corp detail", entry, ok)
	}
}
