package company

import (
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/vmihailenco/msgpack/v5"
)

// CacheEntry is one resolved address kept in the warm cache. Entries are
// idempotent attribute lookups, so last-writer-wins on overwrite is fine.
type CacheEntry struct {
	IP        string
	Owner     string
	ASN       string
	Domain    string
	Country   string
	Found     bool
	UpdatedAt int64
}

// Cache is the warm company cache: an in-memory map for lookups backed by a
// LevelDB store that survives restarts. Reads and in-memory writes are cheap;
// disk writes go through Flush so batches never block on them.
type Cache struct {
	db  *leveldb.DB
	mu  sync.RWMutex
	mem map[string]CacheEntry
}

// OpenCache opens or creates the cache store at dir and loads all persisted
// entries into memory.
func OpenCache(dir string) (*Cache, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}
	db, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("error opening company cache: %v", err)
	}

	mem := make(map[string]CacheEntry)
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		var entry CacheEntry
		if err := msgpack.Unmarshal(iter.Value(), &entry); err != nil {
			// Rows written by an older encoding are dropped, not fatal.
			continue
		}
		mem[string(iter.Key())] = entry
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error loading company cache: %v", err)
	}

	return &Cache{db: db, mem: mem}, nil
}

// Get returns the cached entry for an address.
func (c *Cache) Get(ip string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.mem[ip]
	return entry, ok
}

// Remember stores entries in the in-memory map immediately. Callers that need
// durability follow up with Flush.
func (c *Cache) Remember(entries []CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		c.mem[entry.IP] = entry
	}
}

// Flush writes entries to the backing store in one batch.
func (c *Cache) Flush(entries []CacheEntry) error {
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		data, err := msgpack.Marshal(entry)
		if err != nil {
			return fmt.Errorf("error encoding cache entry for %s: %v", entry.IP, err)
		}
		batch.Put([]byte(entry.IP), data)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("error writing company cache: %v", err)
	}
	return nil
}

// Entries returns a snapshot of every cached entry.
func (c *Cache) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]CacheEntry, 0, len(c.mem))
	for _, entry := range c.mem {
		entries = append(entries, entry)
	}
	return entries
}

// Len returns the number of cached addresses.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}

// Close closes the backing store.
func (c *Cache) Close() error {
	return c.db.Close()
}

func nowUnix() int64 {
	return time.Now().Unix()
}
