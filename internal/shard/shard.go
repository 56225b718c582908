package shard

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dreamware/tessera/internal/storage"
)

// Region is a unit of execution inside a region server. It owns key ranges
// of the tables that existed at startup and whole tables created later.
// Its ID never changes.
type Region struct {
	engine      storage.Engine
	ranges      map[string][]ShardRange // table -> owned ranges
	tables      map[string]bool         // tables placed here after startup
	ID          string
	mu          sync.RWMutex
	connections atomic.Int64
	queries     atomic.Uint64
}

// RegionInfo is a point-in-time description of a Region.
type RegionInfo struct {
	Ranges          map[string][]ShardRange `json:"ranges"`
	ID              string                  `json:"id"`
	Tables          []string                `json:"tables,omitempty"`
	ShardCount      int                     `json:"shardCount"`
	ConnectionCount int64                   `json:"connectionCount"`
	TotalQueries    uint64                  `json:"totalQueries"`
}

// NewRegion creates an empty region executing on engine.
func NewRegion(id string, engine storage.Engine) *Region {
	return &Region{
		ID:     id,
		engine: engine,
		ranges: make(map[string][]ShardRange),
		tables: make(map[string]bool),
	}
}

// Exec runs a statement on the region's engine. The statement counts as a
// connection while it runs.
func (r *Region) Exec(ctx context.Context, sql string) (storage.Result, error) {
	r.connections.Add(1)
	defer r.connections.Add(-1)
	r.queries.Add(1)
	return r.engine.Exec(ctx, sql)
}

// ConnectionCount returns the number of statements running on the region.
func (r *Region) ConnectionCount() int64 {
	return r.connections.Load()
}

// TotalQueries returns the number of statements the region has run.
func (r *Region) TotalQueries() uint64 {
	return r.queries.Load()
}

// ShardCount returns how many shards the region is responsible for: one
// per owned range plus one per placed table.
func (r *Region) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.tables)
	for _, rs := range r.ranges {
		n += len(rs)
	}
	return n
}

// Owns reports whether key of table falls in one of the region's ranges, or
// the whole table was placed here.
func (r *Region) Owns(table string, key int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.tables[table] {
		return true
	}
	for _, rng := range r.ranges[table] {
		if rng.Contains(key) {
			return true
		}
	}
	return false
}

// Info returns a snapshot of the region.
func (r *Region) Info() RegionInfo {
	r.mu.RLock()
	info := RegionInfo{
		ID:     r.ID,
		Ranges: make(map[string][]ShardRange, len(r.ranges)),
	}
	for table, rs := range r.ranges {
		info.Ranges[table] = append([]ShardRange(nil), rs...)
		info.ShardCount += len(rs)
	}
	for table := range r.tables {
		info.Tables = append(info.Tables, table)
	}
	r.mu.RUnlock()

	sort.Strings(info.Tables)
	info.ShardCount += len(info.Tables)
	info.ConnectionCount = r.ConnectionCount()
	info.TotalQueries = r.TotalQueries()
	return info
}

func (r *Region) addRange(table string, rng ShardRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges[table] = append(r.ranges[table], rng)
}

func (r *Region) place(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = true
}

func (r *Region) unplace(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, table)
}
