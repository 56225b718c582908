package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/cluster"
)

func replicaSet() *cluster.ReplicaSet {
	return &cluster.ReplicaSet{
		ID:         "rs-1",
		ReplicaKey: "r1",
		Endpoints: []cluster.ReplicaEndpoint{
			{Host: "h1", Port: 9001, Status: cluster.StatusActive},
			{Host: "h2", Port: 9001, Status: cluster.StatusActive, Connections: 3},
		},
	}
}

func TestMemorySaveAndUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	set := replicaSet()
	require.NoError(t, m.Save(ctx, set))
	require.Len(t, m.Records(), 2)

	set.Endpoints[0].Connections = 7
	require.NoError(t, m.Update(ctx, set))

	records := m.Records()
	require.Len(t, records, 2)
	assert.Equal(t, Record{
		RegionServerID: "rs-1", Host: "h1", Port: 9001,
		ReplicaKey: "r1", Status: "active", Connections: 7,
	}, records[0])
	assert.Equal(t, 3, records[1].Connections)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Save(ctx, replicaSet()))
	require.NoError(t, m.Save(ctx, &cluster.ReplicaSet{
		ID: "rs-2", ReplicaKey: "r2",
		Endpoints: []cluster.ReplicaEndpoint{{Host: "h3", Port: 9002}},
	}))

	require.NoError(t, m.DeleteEndpoint(ctx, "rs-1", "h2", 9001))
	require.NoError(t, m.DeleteEndpoint(ctx, "rs-1", "missing", 1))
	assert.Len(t, m.Records(), 2)

	require.NoError(t, m.Delete(ctx, "rs-1"))
	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "rs-2", records[0].RegionServerID)
}
