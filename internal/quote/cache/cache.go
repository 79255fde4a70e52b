// Package cache is the single-writer quote cache (C1): a symbol-keyed map
// of the latest snapshot, with freshness recomputed by a bulk sweep
// (RefreshFreshness); Get returns rows as stored. No TTL eviction — the
// symbol set here is small and bounded by the streaming subscription list,
// not by memory pressure.
package cache

import (
	"sync"

	"github.com/sawpanic/kisgateway/internal/quote"
)

// Cache is safe for concurrent use. Quote Ingest is the sole writer;
// any number of readers may call Get/ListMany/ListAll concurrently.
type Cache struct {
	mu   sync.RWMutex
	rows map[string]quote.Snapshot
}

func New() *Cache {
	return &Cache{rows: make(map[string]quote.Snapshot)}
}

// Upsert replaces the stored snapshot for s.Symbol.
func (c *Cache) Upsert(s quote.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[s.Symbol] = s
}

// Get returns the snapshot for symbol, and whether one exists. The returned
// value is a copy: callers never observe a torn read.
func (c *Cache) Get(symbol string) (quote.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.rows[symbol]
	return s, ok
}

// ListMany returns the snapshots for symbols in input order, skipping any
// symbol with no cached snapshot.
func (c *Cache) ListMany(symbols []string) []quote.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]quote.Snapshot, 0, len(symbols))
	for _, sym := range symbols {
		if s, ok := c.rows[sym]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ListAll returns every cached snapshot, order unspecified.
func (c *Cache) ListAll() []quote.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]quote.Snapshot, 0, len(c.rows))
	for _, s := range c.rows {
		out = append(out, s)
	}
	return out
}

// RefreshFreshness recomputes freshness_sec/state for every row against
// nowUnix, in place, under the write lock — satisfies the freshness law
// of spec.md §8: immediately after this call, StaleCount() equals the
// number of rows with nowUnix-ts > staleAfterSec.
func (c *Cache) RefreshFreshness(nowUnix int64, staleAfterSec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, s := range c.rows {
		c.rows[sym] = s.WithFreshness(nowUnix, staleAfterSec)
	}
}

// StaleCount counts rows whose state is STALE, for metrics reporting.
func (c *Cache) StaleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.rows {
		if s.State == quote.StateStale {
			n++
		}
	}
	return n
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}
