package router

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/membership"
)

type staticView cluster.View

func (v staticView) OnlineView() cluster.View { return cluster.View(v) }

func set(id string, conns ...int) *cluster.ReplicaSet {
	s := &cluster.ReplicaSet{ID: id, ReplicaKey: "key-" + id}
	for i, c := range conns {
		s.Endpoints = append(s.Endpoints, cluster.ReplicaEndpoint{
			Host: "host-" + id, Port: 9000 + i, Connections: c, Status: cluster.StatusActive,
		})
	}
	return s
}

func TestDispatchEmptyView(t *testing.T) {
	r := New(staticView{}, zerolog.Nop(), nil)

	for _, sql := range []string{"CREATE TABLE t (id int)", "SELECT * FROM t"} {
		res := r.Dispatch(sql)
		assert.Equal(t, Result{Type: ResultError, Message: NoRegionServer}, res, sql)
	}
}

func TestDispatchRejectsUnsupportedBeforeRouting(t *testing.T) {
	r := New(staticView{}, zerolog.Nop(), nil)

	res := r.Dispatch("GRANT ALL ON t TO bob")
	assert.Equal(t, ResultError, res.Type)
	assert.Contains(t, res.Message, "unsupported")

	res = r.Dispatch("")
	assert.Equal(t, ResultError, res.Type)
	assert.NotEqual(t, NoRegionServer, res.Message)
}

func TestDispatchPicksLeastLoaded(t *testing.T) {
	view := staticView{
		"b": set("b", 3, 1),
		"a": set("a", 7),
		"c": set("c", 2, 2),
		"d": set("d", 9, 0),
	}
	r := New(view, zerolog.Nop(), nil)

	dml := r.Dispatch("UPDATE t SET x = 1")
	assert.Equal(t, ResultDMLRedirect, dml.Type)
	assert.Equal(t, "b", dml.ReplicaSetID, "b and c tie at 4, b sorts first")
	assert.Equal(t, "host-b", dml.Host)
	assert.Equal(t, 9000, dml.Port)

	ddl := r.Dispatch("DROP TABLE t")
	assert.Equal(t, ResultDDL, ddl.Type)
	assert.Equal(t, "b", ddl.ReplicaSetID)

	for i := 0; i < 20; i++ {
		assert.Equal(t, dml, r.Dispatch("UPDATE t SET x = 1"))
	}
}

func TestSelectLeastLoadedSkipsEmptySets(t *testing.T) {
	view := cluster.View{"a": set("a"), "z": set("z", 100)}
	got, ok := SelectLeastLoaded(view)
	require.True(t, ok)
	assert.Equal(t, "z", got.ID)

	_, ok = SelectLeastLoaded(cluster.View{"a": set("a")})
	assert.False(t, ok)
}

func TestResultResponse(t *testing.T) {
	ok := Result{Type: ResultDMLRedirect, ReplicaSetID: "rs", Host: "h", Port: 1}.Response()
	assert.Equal(t, cluster.SQLResponse{Status: "ok", Type: "DML_REDIRECT", RegionID: "rs", Host: "h", Port: 1}, ok)

	failed := Result{Type: ResultError, Message: NoRegionServer}.Response()
	assert.Equal(t, cluster.SQLResponse{Status: "error", Message: NoRegionServer}, failed)
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(staticView{"a": set("a", 0)}, zerolog.Nop(), reg)

	r.Dispatch("SELECT 1")
	r.Dispatch("CREATE TABLE t (id int)")
	r.Dispatch("BEGIN")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatches.WithLabelValues("DML_REDIRECT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatches.WithLabelValues("DDL_RESULT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatches.WithLabelValues("ERROR")))
}

func TestEndToEndWithTracker(t *testing.T) {
	ctx := context.Background()
	session := coordstore.NewMemory().Session()
	defer session.Close()
	tracker := membership.New(session, membership.Config{Path: "/tessera/region-servers-meta"},
		membership.WithClock(clockwork.NewFakeClock()))

	r1, err := tracker.Register(ctx, "r1", "h1", 9001)
	require.NoError(t, err)
	require.NoError(t, tracker.Heartbeat(ctx, r1, "", "h1", 9001, 5))

	r2, err := tracker.Register(ctx, "r2", "h2", 9002)
	require.NoError(t, err)
	require.NoError(t, tracker.Heartbeat(ctx, r2, "", "h2", 9002, 2))

	res := New(tracker, zerolog.Nop(), nil).Dispatch("INSERT INTO t VALUES (1)")
	assert.Equal(t, Result{Type: ResultDMLRedirect, ReplicaSetID: r2, Host: "h2", Port: 9002}, res)
}
