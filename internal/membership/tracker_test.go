package membership

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/metastore"
)

const setsPath = "/tessera/region-servers-meta"

type fixture struct {
	tracker *Tracker
	session *coordstore.MemorySession
	mem     *coordstore.Memory
	clock   *clockwork.FakeClock
	meta    *metastore.Memory
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("rs-%03d", n.Add(1)) }
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := coordstore.NewMemory()
	f := &fixture{
		mem:     mem,
		session: mem.Session(),
		clock:   clockwork.NewFakeClock(),
		meta:    metastore.NewMemory(),
	}
	opts = append([]Option{
		WithClock(f.clock),
		WithMetadataStore(f.meta),
		WithIDGenerator(sequentialIDs()),
	}, opts...)
	f.tracker = New(f.session, Config{Path: setsPath, Timeout: 30 * time.Second}, opts...)
	t.Cleanup(func() { f.session.Close() })
	return f
}

func (f *fixture) stored(t *testing.T, id string) *cluster.ReplicaSet {
	t.Helper()
	data, err := f.session.Get(context.Background(), coordstore.Join(setsPath, id))
	require.NoError(t, err)
	set, err := cluster.DecodeReplicaSet(data)
	require.NoError(t, err)
	return set
}

func TestRegisterDistinctKeysConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.tracker.Register(ctx, fmt.Sprintf("key-%d", i), fmt.Sprintf("h%d", i), 9000+i)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	view := f.tracker.OnlineView()
	require.Len(t, view, n)
	for _, set := range view {
		assert.Len(t, set.Endpoints, 1)
	}

	children, err := f.session.Children(ctx, setsPath)
	require.NoError(t, err)
	assert.Len(t, children, n)
}

func TestRegisterSameKeyAppendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)

	again, err := f.tracker.Register(ctx, "r1", "h2", 9001)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	same, err := f.tracker.Register(ctx, "r1", "h2", 9001)
	require.NoError(t, err)
	assert.Equal(t, id, same)

	set := f.tracker.OnlineView()[id]
	require.NotNil(t, set)
	require.Len(t, set.Endpoints, 2)
	assert.Equal(t, "h1:9001", set.Endpoints[0].Addr())
	assert.Equal(t, "h2:9001", set.Endpoints[1].Addr())
	assert.Equal(t, cluster.StatusActive, set.Endpoints[1].Status)
	assert.Zero(t, set.Endpoints[1].Connections)

	assert.Len(t, f.stored(t, id).Endpoints, 2)
	assert.Len(t, f.meta.Records(), 2)
}

func TestRegisterSameKeyConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.tracker.Register(ctx, "shared", "h", 9000+i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	view := f.tracker.OnlineView()
	require.Len(t, view, 1)
	for _, set := range view {
		assert.Len(t, set.Endpoints, 10)
	}
}

func TestRegisterRejectsEmptyKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Register(context.Background(), "", "h1", 9001)
	assert.Equal(t, ErrEmptyReplicaKey, err)
}

func TestHeartbeatUpdatesEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.tracker.Heartbeat(ctx, id, "", "h1", 9001, 5))

	ep := f.tracker.OnlineView()[id].Endpoints[0]
	assert.Equal(t, 5, ep.Connections)
	assert.Equal(t, f.clock.Now().UTC(), ep.LastHeartbeat)
	assert.Equal(t, 5, f.stored(t, id).Endpoints[0].Connections)
	assert.Equal(t, 5, f.meta.Records()[0].Connections)
}

func TestHeartbeatBeforeRegistrationIsObserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Written by another coordinator; this tracker has not seen it yet.
	other := f.mem.Session()
	defer other.Close()
	data, err := cluster.EncodeReplicaSet(&cluster.ReplicaSet{
		ID:         "rs-remote",
		ReplicaKey: "r9",
		Endpoints:  []cluster.ReplicaEndpoint{{Host: "h9", Port: 9009, Status: cluster.StatusActive}},
	})
	require.NoError(t, err)
	require.NoError(t, other.Create(ctx, coordstore.Join(setsPath, "rs-remote"), data, coordstore.Persistent))

	require.NoError(t, f.tracker.Heartbeat(ctx, "rs-remote", "", "h9", 9009, 4))
	set := f.tracker.OnlineView()["rs-remote"]
	require.NotNil(t, set)
	assert.Equal(t, "r9", set.ReplicaKey)
	require.Len(t, set.Endpoints, 1)
	assert.Equal(t, 4, set.Endpoints[0].Connections)

	require.NoError(t, f.tracker.Heartbeat(ctx, "rs-unknown", "", "h8", 9008, 1))
	set = f.tracker.OnlineView()["rs-unknown"]
	require.NotNil(t, set)
	require.Len(t, set.Endpoints, 1)
	assert.Equal(t, "h8:9008", set.Endpoints[0].Addr())
	assert.Equal(t, "rs-unknown", f.stored(t, "rs-unknown").ID)
}

func TestCheckHeartbeatTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)
	_, err = f.tracker.Register(ctx, "r1", "h2", 9002)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.tracker.Heartbeat(ctx, id, "", "h2", 9002, 1))

	f.clock.Advance(10 * time.Second)
	assert.Zero(t, f.tracker.CheckHeartbeatTimeout(ctx), "exactly the timeout is not yet silent")

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.tracker.CheckHeartbeatTimeout(ctx))
	set := f.tracker.OnlineView()[id]
	require.NotNil(t, set)
	require.Len(t, set.Endpoints, 1)
	assert.Equal(t, "h2", set.Endpoints[0].Host)
	assert.Len(t, f.stored(t, id).Endpoints, 1)
	assert.Len(t, f.meta.Records(), 1)

	f.clock.Advance(25 * time.Second)
	assert.Equal(t, 1, f.tracker.CheckHeartbeatTimeout(ctx))
	assert.Empty(t, f.tracker.OnlineView())

	_, err = f.session.Get(ctx, coordstore.Join(setsPath, id))
	assert.True(t, errors.Is(err, coordstore.ErrNoNode))
	assert.Empty(t, f.meta.Records())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.tracker.metrics.evictions))

	// A heartbeat from the evicted endpoint brings the set back.
	require.NoError(t, f.tracker.Heartbeat(ctx, id, "", "h2", 9002, 0))
	assert.Len(t, f.tracker.OnlineView(), 1)
}

func TestReplicaKeySurvivesLostSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)

	// The leader goes away with its session and the ephemeral node with it.
	f.session.Expire()
	next := f.mem.Session()
	defer next.Close()
	tracker := New(next, Config{Path: setsPath, Timeout: 30 * time.Second},
		WithClock(f.clock), WithIDGenerator(func() string { return "rs-fresh" }))
	require.NoError(t, tracker.Resync(ctx))
	require.Empty(t, tracker.OnlineView())

	require.NoError(t, tracker.Heartbeat(ctx, id, "r1", "h1", 9001, 3))
	again, err := tracker.Register(ctx, "r1", "h2", 9002)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	view := tracker.OnlineView()
	require.Len(t, view, 1)
	set := view[id]
	require.NotNil(t, set)
	assert.Equal(t, "r1", set.ReplicaKey)
	require.Len(t, set.Endpoints, 2)
	assert.Equal(t, "h1:9001", set.Endpoints[0].Addr())
	assert.Equal(t, "h2:9002", set.Endpoints[1].Addr())

	data, err := next.Get(ctx, coordstore.Join(setsPath, id))
	require.NoError(t, err)
	stored, err := cluster.DecodeReplicaSet(data)
	require.NoError(t, err)
	assert.Equal(t, "r1", stored.ReplicaKey)
}

func TestHeartbeatJoinsSetWithSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another replica registered with this tracker before the old id was
	// heard from again.
	id, err := f.tracker.Register(ctx, "r1", "h2", 9002)
	require.NoError(t, err)

	require.NoError(t, f.tracker.Heartbeat(ctx, "rs-old", "r1", "h1", 9001, 2))

	view := f.tracker.OnlineView()
	require.Len(t, view, 1)
	set := view[id]
	require.NotNil(t, set)
	require.Len(t, set.Endpoints, 2)
	assert.Equal(t, "h1:9001", set.Endpoints[1].Addr())
	assert.Equal(t, 2, set.Endpoints[1].Connections)

	_, err = f.session.Get(ctx, coordstore.Join(setsPath, "rs-old"))
	assert.True(t, errors.Is(err, coordstore.ErrNoNode))
	assert.Len(t, f.stored(t, id).Endpoints, 2)
}

func TestHeartbeatAfterEvictionOutlivesRemovalEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := f.session.WatchChildren(wctx, setsPath)
	require.NoError(t, err)

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)
	added := <-events
	require.Equal(t, coordstore.ChildAdded, added.Type)

	f.clock.Advance(31 * time.Second)
	require.Equal(t, 1, f.tracker.CheckHeartbeatTimeout(ctx))
	_, err = f.session.Get(ctx, coordstore.Join(setsPath, id))
	require.True(t, errors.Is(err, coordstore.ErrNoNode), "node is gone once the sweep returns")

	// The endpoint comes back before the watch delivers the removal.
	require.NoError(t, f.tracker.Heartbeat(ctx, id, "r1", "h1", 9001, 1))
	removed := <-events
	require.Equal(t, coordstore.ChildRemoved, removed.Type)
	f.tracker.HandleEvent(ctx, removed)

	set := f.tracker.OnlineView()[id]
	require.NotNil(t, set, "a removal older than the heartbeat must not drop the set")
	assert.Equal(t, "r1", set.ReplicaKey)
	require.Len(t, set.Endpoints, 1)
	assert.Equal(t, "r1", f.stored(t, id).ReplicaKey)
}

func TestHandleEventMergesByEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)
	stale := f.tracker.OnlineView()[id].Clone()

	f.clock.Advance(time.Second)
	require.NoError(t, f.tracker.Heartbeat(ctx, id, "", "h1", 9001, 5))

	stale.Endpoints = append(stale.Endpoints, cluster.ReplicaEndpoint{
		Host: "h2", Port: 9002, Status: cluster.StatusActive, LastHeartbeat: f.clock.Now().UTC(),
	})
	data, err := cluster.EncodeReplicaSet(stale)
	require.NoError(t, err)
	f.tracker.HandleEvent(ctx, coordstore.Event{Type: coordstore.ChildUpdated, Name: id, Data: data})

	set := f.tracker.OnlineView()[id]
	require.Len(t, set.Endpoints, 2)
	assert.Equal(t, 5, set.Endpoints[0].Connections, "stale update must not roll back a heartbeat")
	assert.Equal(t, "h2", set.Endpoints[1].Host)
}

func TestHandleEventAddRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data, err := cluster.EncodeReplicaSet(&cluster.ReplicaSet{
		ID: "rs-x", ReplicaKey: "rx",
		Endpoints: []cluster.ReplicaEndpoint{{Host: "hx", Port: 1}},
	})
	require.NoError(t, err)

	f.tracker.HandleEvent(ctx, coordstore.Event{Type: coordstore.ChildAdded, Name: "rs-x", Data: data})
	assert.Contains(t, f.tracker.OnlineView(), "rs-x")

	f.tracker.HandleEvent(ctx, coordstore.Event{Type: coordstore.ChildAdded, Name: "bad", Data: []byte("{")})
	assert.Len(t, f.tracker.OnlineView(), 1)

	f.tracker.HandleEvent(ctx, coordstore.Event{Type: coordstore.ChildRemoved, Name: "rs-x"})
	assert.Empty(t, f.tracker.OnlineView())

	id, err := f.tracker.Register(ctx, "rx", "hx", 1)
	require.NoError(t, err)
	assert.NotEqual(t, "rs-x", id, "a removed set is not found by its key")
}

func TestConnectionLossAndResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)

	f.tracker.HandleEvent(ctx, coordstore.Event{Type: coordstore.ConnectionLost})
	assert.True(t, f.tracker.Degraded())
	assert.Contains(t, f.tracker.OnlineView(), id, "degraded tracker keeps serving its view")

	// While disconnected the node was removed and another one appeared.
	require.NoError(t, f.session.Delete(ctx, coordstore.Join(setsPath, id)))
	data, err := cluster.EncodeReplicaSet(&cluster.ReplicaSet{
		ID: "rs-new", ReplicaKey: "r2",
		Endpoints: []cluster.ReplicaEndpoint{{Host: "h2", Port: 9002}},
	})
	require.NoError(t, err)
	require.NoError(t, f.session.Create(ctx, coordstore.Join(setsPath, "rs-new"), data, coordstore.Persistent))

	f.tracker.HandleEvent(ctx, coordstore.Event{Type: coordstore.Reconnected})
	assert.False(t, f.tracker.Degraded())
	view := f.tracker.OnlineView()
	assert.NotContains(t, view, id)
	assert.Contains(t, view, "rs-new")
}

type failingMeta struct{ metastore.Memory }

func (*failingMeta) Save(context.Context, *cluster.ReplicaSet) error   { return errors.New("db down") }
func (*failingMeta) Update(context.Context, *cluster.ReplicaSet) error { return errors.New("db down") }

func TestMetadataFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t, WithMetadataStore(&failingMeta{}))
	ctx := context.Background()

	id, err := f.tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)
	require.NoError(t, f.tracker.Heartbeat(ctx, id, "", "h1", 9001, 2))

	assert.Equal(t, 2, f.tracker.OnlineView()[id].Endpoints[0].Connections)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.tracker.metrics.metaFailures))
}

func TestRunAppliesWatchAndSweeps(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()

	// A set written by another participant shows up through the watch.
	other := f.mem.Session()
	defer other.Close()
	data, err := cluster.EncodeReplicaSet(&cluster.ReplicaSet{
		ID: "rs-w", ReplicaKey: "rw",
		Endpoints: []cluster.ReplicaEndpoint{{Host: "hw", Port: 1, LastHeartbeat: f.clock.Now()}},
	})
	require.NoError(t, err)
	require.NoError(t, other.Create(ctx, coordstore.Join(setsPath, "rs-w"), data, coordstore.Ephemeral))

	assert.Eventually(t, func() bool {
		_, ok := f.tracker.OnlineView()["rs-w"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(31 * time.Second)
	assert.Eventually(t, func() bool {
		return len(f.tracker.OnlineView()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
