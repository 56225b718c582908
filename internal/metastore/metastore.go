// Package metastore keeps a durable record of replica-set membership.
//
// The record is written alongside the coordination store on every
// registration and heartbeat. Writes are best effort: callers log failures
// and carry on, so the durable record may lag behind the live view until the
// next successful write.
package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/dreamware/tessera/internal/cluster"
)

// Store is the durable registry of replica sets. Rows are keyed by
// (replica set id, host, port).
type Store interface {
	// Save records a newly created replica set.
	Save(ctx context.Context, set *cluster.ReplicaSet) error
	// Update upserts every endpoint of an existing replica set.
	Update(ctx context.Context, set *cluster.ReplicaSet) error
	// DeleteEndpoint removes one endpoint row.
	DeleteEndpoint(ctx context.Context, id, host string, port int) error
	// Delete removes every row of the replica set.
	Delete(ctx context.Context, id string) error
	Close()
}

// Record is one row of the registry.
type Record struct {
	RegionServerID string
	Host           string
	ReplicaKey     string
	Status         string
	Port           int
	Connections    int
}

type recordKey struct {
	id   string
	host string
	port int
}

// Memory is a Store held in process memory.
type Memory struct {
	rows map[recordKey]Record
	mu   sync.Mutex
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{rows: make(map[recordKey]Record)}
}

func (m *Memory) Save(ctx context.Context, set *cluster.ReplicaSet) error {
	return m.Update(ctx, set)
}

func (m *Memory) Update(_ context.Context, set *cluster.ReplicaSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range set.Endpoints {
		m.rows[recordKey{set.ID, ep.Host, ep.Port}] = Record{
			RegionServerID: set.ID,
			Host:           ep.Host,
			Port:           ep.Port,
			ReplicaKey:     set.ReplicaKey,
			Status:         string(ep.Status),
			Connections:    ep.Connections,
		}
	}
	return nil
}

func (m *Memory) DeleteEndpoint(_ context.Context, id, host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, recordKey{id, host, port})
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.rows {
		if k.id == id {
			delete(m.rows, k)
		}
	}
	return nil
}

// Records returns every row ordered by id, host and port.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RegionServerID != b.RegionServerID {
			return a.RegionServerID < b.RegionServerID
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Port < b.Port
	})
	return out
}

func (m *Memory) Close() {}
