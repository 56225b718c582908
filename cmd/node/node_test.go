package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/storage"
)

// fakeCoordinator records what region servers send it.
type fakeCoordinator struct {
	srv        *httptest.Server
	registers  []cluster.RegisterRequest
	heartbeats []cluster.HeartbeatRequest
	mu         sync.Mutex
	failFirst  int
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{}
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failFirst > 0 {
			f.failFirst--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.registers = append(f.registers, req)
		writeJSON(w, http.StatusOK, cluster.RegisterResponse{Status: cluster.StatusOK, RegionServerID: "set-" + req.ReplicaKey})
	})
	mux.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.HeartbeatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.heartbeats = append(f.heartbeats, req)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers), len(f.heartbeats)
}

func (f *fakeCoordinator) lastHeartbeat() cluster.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[len(f.heartbeats)-1]
}

func shortBackoff(t *testing.T) {
	t.Helper()
	attempts, backoff := registerAttempts, registerBackoff
	registerAttempts, registerBackoff = 3, time.Millisecond
	t.Cleanup(func() { registerAttempts, registerBackoff = attempts, backoff })
}

func newAssigner(t *testing.T, tables map[string]int) *shard.Assigner {
	t.Helper()
	engine := storage.NewMemoryEngine()
	for name, rows := range tables {
		engine.Seed(name, rows)
	}
	a := shard.NewAssigner(engine, "rs-1", shard.DefaultConfig, zerolog.Nop())
	require.NoError(t, a.Assign(context.Background()))
	return a
}

func nodeConfig(coordinatorURL string) config.Node {
	return config.Node{
		ID:                "rs-1",
		Listen:            "127.0.0.1:0",
		Host:              "10.0.0.1",
		Port:              9001,
		ReplicaKey:        "rk-1",
		CoordinatorURL:    coordinatorURL,
		HeartbeatInterval: 10 * time.Second,
	}
}

func postSQL(t *testing.T, h http.Handler, stmt string) (int, sqlResponse) {
	t.Helper()
	body, err := json.Marshal(cluster.SQLRequest{Type: cluster.TypeSQL, SQL: stmt})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sql", strings.NewReader(string(body))))
	var resp sqlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestHandleSQL(t *testing.T) {
	n := NewNode(nodeConfig(""), newAssigner(t, map[string]int{"users": 25}))
	h := n.routes()

	tests := []struct {
		name       string
		sql        string
		wantStatus int
		wantRegion string
		wantTag    string
		wantRows   int64
	}{
		{"key in first range", "SELECT * FROM users WHERE id = 3", http.StatusOK, "rs-1-region-0", "SELECT", 1},
		{"key in second range", "SELECT * FROM users WHERE id = 12", http.StatusOK, "rs-1-region-1", "SELECT", 1},
		{"key past the last range", "DELETE FROM users WHERE id = 900", http.StatusOK, "rs-1-region-2", "DELETE", 0},
		{"update by key", "UPDATE users SET v = 1 WHERE id = 24", http.StatusOK, "rs-1-region-2", "UPDATE", 1},
		{"new table", "CREATE TABLE orders (id INT)", http.StatusOK, "rs-1-region-0", "CREATE TABLE", 0},
		{"duplicate table", "CREATE TABLE users (id INT)", http.StatusConflict, "", "", 0},
		{"missing table", "SELECT * FROM nope", http.StatusNotFound, "", "", 0},
		{"unsupported statement", "GRANT ALL ON users TO bob", http.StatusBadRequest, "", "", 0},
		{"empty statement", "   ", http.StatusBadRequest, "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := postSQL(t, h, tt.sql)
			assert.Equal(t, tt.wantStatus, code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, cluster.StatusError, resp.Status)
				assert.NotEmpty(t, resp.Message)
				return
			}
			assert.Equal(t, cluster.StatusOK, resp.Status)
			assert.Equal(t, tt.wantRegion, resp.RegionID)
			assert.Equal(t, tt.wantTag, resp.Tag)
			assert.Equal(t, tt.wantRows, resp.RowsAffected)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sql", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sql", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRegions(t *testing.T) {
	n := NewNode(nodeConfig(""), newAssigner(t, map[string]int{"users": 25, "logs": 0}))
	h := n.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/regions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var layout shard.Layout
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&layout))
	assert.Equal(t, "rs-1", layout.NodeID)
	assert.Len(t, layout.Regions, 3)
	require.Len(t, layout.Shards["users"], 3)
	assert.Equal(t, shard.ShardRange{RegionID: "rs-1-region-1", Start: 10, End: 19}, layout.Shards["users"][1])
	assert.NotContains(t, layout.Shards, "logs")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/regions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterRetriesUntilAccepted(t *testing.T) {
	shortBackoff(t)
	fc := newFakeCoordinator(t)
	fc.failFirst = 2

	n := NewNode(nodeConfig(fc.srv.URL), newAssigner(t, nil))
	require.NoError(t, n.Register(context.Background()))
	assert.Equal(t, "set-rk-1", n.ReplicaSetID())

	regs, _ := fc.counts()
	require.Equal(t, 1, regs)
	assert.Equal(t, cluster.RegisterRequest{Type: cluster.TypeRegister, Host: "10.0.0.1", Port: 9001, ReplicaKey: "rk-1"}, fc.registers[0])
}

func TestRegisterGivesUp(t *testing.T) {
	shortBackoff(t)
	fc := newFakeCoordinator(t)
	fc.failFirst = 100

	n := NewNode(nodeConfig(fc.srv.URL), newAssigner(t, nil))
	err := n.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register with coordinator")
	assert.Empty(t, n.ReplicaSetID())
}

func TestRegisterWithoutCoordinator(t *testing.T) {
	shortBackoff(t)
	n := NewNode(nodeConfig(""), newAssigner(t, nil))
	err := n.Register(context.Background())
	assert.ErrorIs(t, err, ErrNoCoordinator)
}

func TestCoordinatorDiscoveredThroughElection(t *testing.T) {
	shortBackoff(t)
	fc := newFakeCoordinator(t)
	host, port := splitURL(t, fc.srv.URL)

	mem := coordstore.NewMemory()
	leader := mem.Session()
	defer leader.Close()
	record, err := json.Marshal(cluster.CoordinatorRecord{CoordinatorID: "c1", Host: host, Port: port, Role: cluster.RoleActive})
	require.NoError(t, err)
	path := config.Default().Coordination.ElectionPath()
	_, err = leader.Campaign(context.Background(), path, record)
	require.NoError(t, err)

	session := mem.Session()
	defer session.Close()
	n := NewNode(nodeConfig(""), newAssigner(t, nil), WithLeaderSource(session, path))
	require.NoError(t, n.Register(context.Background()))
	assert.Equal(t, "set-rk-1", n.ReplicaSetID())
	assert.Equal(t, fc.srv.URL, n.coordinator)
}

func splitURL(t *testing.T, raw string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(raw, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestHeartbeatsOnEveryTick(t *testing.T) {
	fc := newFakeCoordinator(t)
	clock := clockwork.NewFakeClock()
	n := NewNode(nodeConfig(fc.srv.URL), newAssigner(t, nil), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without a replica set id a tick registers first.
	done := make(chan error, 1)
	go func() { done <- n.RunHeartbeats(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return n.ReplicaSetID() != "" }, 2*time.Second, 5*time.Millisecond)

	n.conns.Store(4)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		_, hbs := fc.counts()
		return hbs == 1
	}, 2*time.Second, 5*time.Millisecond)

	hb := fc.lastHeartbeat()
	assert.Equal(t, cluster.TypeHeartbeat, hb.Type)
	assert.Equal(t, "set-rk-1", hb.RegionServerID)
	assert.Equal(t, "rk-1", hb.ReplicaKey)
	assert.Equal(t, 4, hb.Connections)
	assert.Equal(t, "10.0.0.1", hb.Host)
	assert.Equal(t, 9001, hb.Port)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestHeartbeatFailureForgetsCoordinator(t *testing.T) {
	n := NewNode(nodeConfig(""), newAssigner(t, nil))
	n.replicaSetID = "set-rk-1"
	n.coordinator = "http://127.0.0.1:1"

	err := n.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Empty(t, n.coordinator)
}

func TestServeRegistersAndCountsConnections(t *testing.T) {
	fc := newFakeCoordinator(t)
	n := NewNode(nodeConfig(fc.srv.URL), newAssigner(t, map[string]int{"users": 5}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()

	require.Eventually(t, func() bool { return n.Addr() != "" && n.ReplicaSetID() != "" }, 5*time.Second, 10*time.Millisecond)

	body := strings.NewReader(`{"type":"SQL","sql":"SELECT * FROM users WHERE id = 2"}`)
	resp, err := http.Post("http://"+n.Addr()+"/sql", "application/json", body)
	require.NoError(t, err)
	var out sqlResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rs-1-region-0", out.RegionID)
	assert.Equal(t, int64(1), out.RowsAffected)
	assert.GreaterOrEqual(t, n.Connections(), 0)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Empty(t, n.Addr())
}
