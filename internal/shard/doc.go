// Package shard partitions a region server's tables into integer key ranges
// and executes statements on the Region that owns them.
//
// # Overview
//
// At startup the Assigner asks the storage engine for every table and its
// row count and cuts each table into ranges of ShardSize keys:
//
//	shardCount = min(MaxRegions, ceil(rowCount / ShardSize))
//	range i    = [i*ShardSize, i*ShardSize + ShardSize - 1]
//
// Regions are pooled across tables: region i owns range i of every table
// that has one. A table with 25 rows and the default sizes therefore gets
// three ranges, 0-9, 10-19 and 20-29, on regions 0, 1 and 2.
//
//	┌───────────────────────────────────────────────┐
//	│                 REGION SERVER                 │
//	├───────────────────────────────────────────────┤
//	│  users  [0-9]      [10-19]     [20-29]        │
//	│  orders [0-9]                                 │
//	│           │           │           │           │
//	│      ┌────▼───┐  ┌────▼───┐  ┌────▼───┐       │
//	│      │region-0│  │region-1│  │region-2│       │
//	│      └────────┘  └────────┘  └────────┘       │
//	└───────────────────────────────────────────────┘
//
// # Assignment Flow
//
//	Assign(ctx)
//	     │
//	     ├── engine.Tables + RowCount ────> [users:25, orders:7, audit:0]
//	     │
//	     ├── per table: ShardCount(rows)
//	     │     users  -> 3     orders -> 1     audit -> 0
//	     │
//	     ├── regions = max(1, largest shard count)
//	     │     <nodeID>-region-0  <nodeID>-region-1  <nodeID>-region-2
//	     │
//	     ├── range i of every sharded table ──> region i
//	     │
//	     └── tables without rows ──> placed whole on the region with the
//	                                 fewest shards
//
//	Publish(ctx, store, <root>/regions)
//	     │
//	     └── Create(<root>/regions/<nodeID>, ephemeral) ──> JSON Layout
//	           (Set when the node already exists)
//
// The shard map is computed once and never recomputed. There is no online
// resharding; a node that restarts assigns again from the current row
// counts and publishes a fresh layout.
//
// # Shard Map
//
// ShardMap maps a table to its ranges in ascending key order. Validate
// checks that they are sorted and do not overlap.
//
//	"users" -> [{region-0 0 9} {region-1 10 19} {region-2 20 29}]
//
//	Lookup("users", 14)  -> region-1
//	Lookup("users", 99)  -> region-2   beyond the last range
//	Lookup("users", -3)  -> region-0   before the first range
//	First("users")       -> region-0
//
// Lookup is a binary search on the range ends. Keys outside every range are
// clamped to the nearest end so each key of a sharded table has exactly one
// owner.
//
// # Routing
//
//	Route(sql)
//	     │
//	     ├── Classify fails ────────────────────> error (bad statement)
//	     ├── no regions yet ────────────────────> ErrNotAssigned
//	     ├── no table in statement ─────────────> region-0
//	     │
//	     ├── table has ranges
//	     │     ├── "WHERE ... ID = n" ──────────> Lookup(table, n)
//	     │     └── no key ──────────────────────> First(table)
//	     │
//	     ├── table placed whole ────────────────> its placement
//	     ├── CREATE TABLE ──────────────────────> region with fewest shards
//	     └── anything else ─────────────────────> region-0
//
// Statements are never scattered across regions. Ties for the region with
// the fewest shards go to the lowest index.
//
// # Execution
//
//	Exec(ctx, sql)
//	     │
//	     ├── Route(sql) ──> region
//	     ├── region.Exec: connections+1, queries+1, engine.Exec, connections-1
//	     │
//	     ├── CREATE TABLE ok, table unknown ──> place table on region
//	     └── DROP TABLE ok, table placed ─────> release placement
//
// A failed statement leaves placements untouched and reports the region it
// ran on alongside the error.
//
// # Concurrency
//
// Region counters are atomics and a region's own range and table sets are
// guarded by its RWMutex. The shard map is immutable after Assign; the
// Assigner's RWMutex guards the region list and the placements of tables
// created later. Routing takes the read lock only.
package shard
