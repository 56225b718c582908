// Package membership maintains the coordinator's live view of the region
// servers that are online.
//
// # Overview
//
// Region servers are grouped into replica sets. Every endpoint registers
// once with its replica key and then heartbeats on a fixed interval. The
// Tracker keeps one entry per replica set and mirrors it into the
// coordination store as an ephemeral node owned by the leader's session:
//
//	<root>/region-servers-meta/<replicaSetID>  ->  JSON ReplicaSet
//
// The view is fed from three directions:
//
//	┌──────────────┐   Register / Heartbeat   ┌──────────────┐
//	│  transport   │ ───────────────────────> │              │
//	└──────────────┘                          │              │
//	┌──────────────┐   child events           │   Tracker    │ ──> OnlineView()
//	│ coord store  │ ───────────────────────> │              │
//	└──────────────┘                          │              │
//	┌──────────────┐   CheckHeartbeatTimeout  │              │
//	│ sweep ticker │ ───────────────────────> │              │
//	└──────────────┘                          └──────────────┘
//
// # Data Model
//
//	ReplicaSet "rs-7f3c"  (replicaKey "pg-main")
//	├── endpoint 10.0.0.1:9001  active  conns=4  lastHeartbeat=12:00:05
//	├── endpoint 10.0.0.2:9001  active  conns=1  lastHeartbeat=12:00:04
//	└── endpoint 10.0.0.3:9001  active  conns=0  lastHeartbeat=12:00:06
//
// A replica key names one storage node; every endpoint registered with the
// same key serves the same data, so they share one replica set and one id.
// Endpoints are unique by host:port within a set.
//
// # Registration Flow
//
//	region server                 Tracker                     coord store
//	     │  Register(key, h, p)      │                             │
//	     │ ────────────────────────> │ regMu: findByKey(key)       │
//	     │                           │                             │
//	     │                  new key  │ insert entry, new id        │
//	     │                           │ ──── Create(ephemeral) ───> │
//	     │                           │                             │
//	     │             known key     │ mutate: append endpoint     │
//	     │                           │ ──── Set ─────────────────> │
//	     │ <─────────── id ───────── │                             │
//
// Registering an endpoint that is already in its set returns the set's id
// and writes nothing.
//
// # Heartbeat Flow
//
//	Heartbeat(id, key, h, p, conns)
//	     │
//	     ├── id in view ─────────────> mutate: refresh endpoint, or add it
//	     │
//	     └── id unknown
//	           │
//	           ├── recover from store node, or start an empty set
//	           ├── label it with key when it has none
//	           ├── key already owned by another id ──> apply to that set
//	           └── otherwise insert under id
//	     │
//	     └──> Set store node ──> metadata Update (best effort)
//
// Heartbeats carry the replica key so that a coordinator which never saw
// the registration, typically a freshly elected leader whose predecessor's
// ephemeral nodes expired with its session, still files the endpoint under
// the right key. A later registration with that key joins the rebuilt set
// instead of creating a second one.
//
// # Eviction
//
// The sweep runs every SweepInterval:
//
//	for each entry:
//	  lock entry
//	  drop endpoints with now - lastHeartbeat > Timeout
//	  no endpoints left:  delete store node, then drop the entry
//	  some endpoints left: publish the trimmed set
//	  unlock entry
//	persist trimmed sets, log evictions, update metadata
//
// Deleting the node while the entry is locked orders the sweep against a
// concurrent heartbeat for the same set: the heartbeat either refreshes the
// endpoint before the sweep looks at it, or finds the set gone and rebuilds
// it. A ChildRemoved event for a node that exists again by the time it is
// handled is ignored; the matching ChildAdded follows it.
//
// # Watch and Resync
//
//	WatchChildren(<root>/region-servers-meta)
//	     │
//	     ├── ChildAdded / ChildUpdated ──> merge by host:port, newest wins
//	     ├── ChildRemoved ───────────────> drop entry
//	     ├── ConnectionLost ─────────────> degraded, keep serving the view
//	     └── Reconnected ────────────────> Resync: full read, replace view
//
// Merging never rolls a locally applied heartbeat back: for every endpoint
// the copy with the later LastHeartbeat wins.
//
// # Concurrency
//
// Entries live in a sync.Map keyed by replica set id. Each entry holds an
// atomic pointer to an immutable ReplicaSet and a mutex that serializes
// writers of that one set:
//
//	reader (router)        writer (register/heartbeat/sweep/event)
//	     │                      │
//	     │ set.Load()           │ e.mu.Lock()
//	     │ (no lock)            │ next := cur.Clone(); modify next
//	     │                      │ set.Store(next)
//	     │                      │ e.mu.Unlock()
//
// A nil pointer marks an entry that has been removed; writers that see one
// start over with a fresh entry. Except for the sweep's node deletion, the
// local view is updated before any I/O against the coordination or metadata
// store.
//
// Lock order is regMu before an entry's mutex. Registration holds regMu
// while it looks a replica key up and inserts a new set, and a heartbeat
// for an unknown id holds it while it checks the key and inserts, so two
// sets never share a key.
//
// # Failure Handling
//
//   - Coordination store write fails: the local view keeps the change and
//     the caller sees the error.
//   - Watch lost: the tracker reports Degraded and serves the last view.
//   - Resync fails: the current view is kept and the tracker stays degraded.
//   - Metadata store write fails: logged and counted, never returned.
//
// # Metrics
//
// With WithRegisterer the tracker exports counters under
// tessera_membership_* for accepted registrations, applied heartbeats,
// evicted endpoints and failed metadata writes, plus a gauge of the
// replica sets in the online view.
package membership
