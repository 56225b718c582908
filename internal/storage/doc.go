// Package storage is the SQL execution backend of a region server.
//
// # Overview
//
// The region server never interprets SQL itself beyond routing; every
// statement that reaches a Region is handed to an Engine. The shard
// assigner also asks the engine for its tables and their row counts once at
// startup to size the key ranges.
//
//	┌─────────────────────────────────────┐
//	│      Regions (internal/shard)       │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│     Engine: Tables / RowCount /     │
//	│               Exec                  │
//	└─────────────────────────────────────┘
//	         │                  │
//	         ▼                  ▼
//	┌────────────────┐  ┌────────────────┐
//	│  MemoryEngine  │  │    Postgres    │
//	└────────────────┘  └────────────────┘
//
// # Implementations
//
// MemoryEngine keeps tables in a map guarded by a sync.RWMutex. Rows are
// keyed by the integer in their first column, which is the key the shard
// ranges are defined over. It is used by tests and by a region server
// started without an engine DSN.
//
// Postgres runs statements on a PostgreSQL database through a pgx
// connection pool. Tables are read from information_schema for the current
// schema.
//
// # Concurrency
//
// Both implementations are safe for concurrent use. MemoryEngine lets
// SELECT statements run in parallel and serializes everything else.
package storage
