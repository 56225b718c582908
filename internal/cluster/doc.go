// Package cluster holds the data model and wire messages shared by the
// Tessera coordinator and its region servers.
//
// # Overview
//
// A region server is a storage node that executes SQL against its local
// relational engine. One logical region server may be backed by several
// physical processes; those processes register under the same replica key
// and are merged into a single ReplicaSet:
//
//	ReplicaSet "5c1f..." (replicaKey "orders-a")
//	  ├── ReplicaEndpoint 10.0.0.4:9001  connections=5
//	  └── ReplicaEndpoint 10.0.0.5:9001  connections=2
//
// The coordinator keeps a View (ReplicaSet.ID → ReplicaSet) of every set
// that is currently online and routes client statements against it.
//
// # Immutability
//
// Sets inside a View are shared between goroutines without locks. Code that
// needs to change a set calls Clone, edits the copy and publishes it in
// place of the old pointer. Nothing may write through a pointer obtained
// from a View.
//
// # Communication Protocol
//
// All messages are single JSON records sent over HTTP:
//
//	POST /register   RegisterRequest  → RegisterResponse
//	POST /heartbeat  HeartbeatRequest → StatusResponse
//	POST /sql        SQLRequest       → SQLResponse
//
// PostJSON and GetJSON are the client helpers used by region servers and
// tests. They share one http.Client with a 5 second timeout.
//
// # Coordinator identity
//
// The elected coordinator publishes a CoordinatorRecord as its election
// value. The record exists only while leadership is held, so reading the
// election key tells a client which coordinator is active.
package cluster
