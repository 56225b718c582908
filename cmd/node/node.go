package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/sqlparse"
	"github.com/dreamware/tessera/internal/storage"
)

// Registration retry policy. Variables so tests can shorten the wait.
var (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
)

// ErrNoCoordinator is returned when neither a coordinator URL nor an
// election to discover it from is configured.
var ErrNoCoordinator = errors.New("node: no coordinator configured")

// LeaderSource looks up the record of the current election winner.
type LeaderSource interface {
	Leader(ctx context.Context, path string) ([]byte, error)
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithClock replaces the clock driving heartbeats and retries.
func WithClock(c clockwork.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithLeaderSource makes the node find the coordinator through the
// election at path when no coordinator URL is configured.
func WithLeaderSource(src LeaderSource, path string) Option {
	return func(n *Node) {
		n.leaders = src
		n.electionPath = path
	}
}

// Node is a region server: it executes SQL on its regions, registers with
// the leading coordinator and keeps its registration alive.
//
// The heartbeat reports the number of client connections currently open
// on the node's listener. That is the load figure the coordinator routes
// on.
type Node struct {
	assigner     *shard.Assigner
	leaders      LeaderSource
	clock        clockwork.Clock
	log          zerolog.Logger
	cfg          config.Node
	electionPath string
	coordinator  string
	replicaSetID string
	addr         atomic.Pointer[string]
	mu           sync.Mutex
	conns        atomic.Int64
}

// NewNode creates a node serving the regions of assigner.
func NewNode(cfg config.Node, assigner *shard.Assigner, opts ...Option) *Node {
	n := &Node{
		assigner: assigner,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ReplicaSetID returns the id assigned by the coordinator, or "" before the
// first successful registration.
func (n *Node) ReplicaSetID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.replicaSetID
}

// Connections returns the number of open client connections.
func (n *Node) Connections() int {
	return int(n.conns.Load())
}

// Addr returns the address the node is bound to, or "" when not serving.
func (n *Node) Addr() string {
	if p := n.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// trackConn is the http.Server ConnState hook counting open connections.
func (n *Node) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		n.conns.Add(1)
	case http.StateClosed, http.StateHijacked:
		n.conns.Add(-1)
	}
}

// Serve listens on the configured address, registers with the coordinator
// and heartbeats until ctx is cancelled. Failing to register is fatal for
// the node and is returned.
func (n *Node) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", n.cfg.Listen)
	}
	if n.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, n.cfg.MaxConnections)
	}
	addr := ln.Addr().String()
	n.addr.Store(&addr)
	defer n.addr.Store(nil)

	srv := &http.Server{
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ConnState:         n.trackConn,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.log.Info().Str("addr", addr).Str("public", net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))).
			Msg("node listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		if err := n.Register(gctx); err != nil {
			return err
		}
		return n.RunHeartbeats(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Register announces the node to the coordinator, retrying on failure to
// ride out coordinator startup and leader changes.
//
// Retry strategy:
//   - registerAttempts attempts, registerBackoff apart
//   - the coordinator is looked up again before every attempt
//   - the last error is returned once attempts are exhausted
func (n *Node) Register(ctx context.Context) error {
	req := cluster.RegisterRequest{
		Type:       cluster.TypeRegister,
		Host:       n.cfg.Host,
		Port:       n.cfg.Port,
		ReplicaKey: n.cfg.ReplicaKey,
	}
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = n.registerOnce(ctx, req)
		if lastErr == nil {
			return nil
		}
		n.log.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")
		select {
		case <-n.clock.After(registerBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrap(lastErr, "register with coordinator")
}

func (n *Node) registerOnce(ctx context.Context, req cluster.RegisterRequest) error {
	coord, err := n.coordinatorURL(ctx)
	if err != nil {
		return err
	}
	var resp cluster.RegisterResponse
	if err := cluster.PostJSON(ctx, coord+"/register", req, &resp); err != nil {
		n.forgetCoordinator()
		return err
	}
	if resp.Status != cluster.StatusOK || resp.RegionServerID == "" {
		return errors.Errorf("coordinator refused registration: %s", resp.Message)
	}

	n.mu.Lock()
	n.replicaSetID = resp.RegionServerID
	n.mu.Unlock()
	n.log.Info().Str("coordinator", coord).Str("replicaSet", resp.RegionServerID).Msg("registered with coordinator")
	return nil
}

// Heartbeat reports liveness and load once. Before the node has a replica
// set id it registers instead.
func (n *Node) Heartbeat(ctx context.Context) error {
	id := n.ReplicaSetID()
	if id == "" {
		return n.registerOnce(ctx, cluster.RegisterRequest{
			Type:       cluster.TypeRegister,
			Host:       n.cfg.Host,
			Port:       n.cfg.Port,
			ReplicaKey: n.cfg.ReplicaKey,
		})
	}
	coord, err := n.coordinatorURL(ctx)
	if err != nil {
		return err
	}
	req := cluster.HeartbeatRequest{
		Type:           cluster.TypeHeartbeat,
		RegionServerID: id,
		ReplicaKey:     n.cfg.ReplicaKey,
		Host:           n.cfg.Host,
		Port:           n.cfg.Port,
		Connections:    n.Connections(),
	}
	var resp cluster.StatusResponse
	if err := cluster.PostJSON(ctx, coord+"/heartbeat", req, &resp); err != nil {
		n.forgetCoordinator()
		return err
	}
	if resp.Status != cluster.StatusOK {
		return errors.Errorf("heartbeat rejected: %s", resp.Message)
	}
	return nil
}

// RunHeartbeats sends a heartbeat every HeartbeatInterval until ctx is
// done. Failures are logged; the next tick tries again and finds the
// coordinator anew.
func (n *Node) RunHeartbeats(ctx context.Context) error {
	interval := n.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := n.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				n.log.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// coordinatorURL returns the configured coordinator, or the one currently
// holding the election.
func (n *Node) coordinatorURL(ctx context.Context) (string, error) {
	if n.cfg.CoordinatorURL != "" {
		return n.cfg.CoordinatorURL, nil
	}
	n.mu.Lock()
	cached := n.coordinator
	n.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	if n.leaders == nil {
		return "", ErrNoCoordinator
	}

	raw, err := n.leaders.Leader(ctx, n.electionPath)
	if err != nil {
		return "", errors.Wrap(err, "find coordinator")
	}
	var rec cluster.CoordinatorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", errors.Wrap(err, "decode coordinator record")
	}
	url := "http://" + net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))

	n.mu.Lock()
	n.coordinator = url
	n.mu.Unlock()
	n.log.Info().Str("coordinator", url).Str("coordinatorId", rec.CoordinatorID).Msg("discovered coordinator")
	return url, nil
}

func (n *Node) forgetCoordinator() {
	n.mu.Lock()
	n.coordinator = ""
	n.mu.Unlock()
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sql", n.handleSQL)
	mux.HandleFunc("/regions", n.handleRegions)
	return mux
}

type sqlResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	shard.Execution
}

// handleSQL runs a statement on the region that owns its key range.
func (n *Node) handleSQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.SQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sqlResponse{Status: cluster.StatusError, Message: "bad json"})
		return
	}

	exec, err := n.assigner.Exec(r.Context(), req.SQL)
	if err != nil {
		writeJSON(w, sqlErrorStatus(err), sqlResponse{
			Status:    cluster.StatusError,
			Message:   err.Error(),
			Execution: shard.Execution{RegionID: exec.RegionID},
		})
		return
	}
	writeJSON(w, http.StatusOK, sqlResponse{Status: cluster.StatusOK, Execution: exec})
}

func sqlErrorStatus(err error) int {
	switch {
	case errors.Is(err, sqlparse.ErrEmpty), errors.Is(err, sqlparse.ErrUnsupported), errors.Is(err, sqlparse.ErrNoTable):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrTableExists):
		return http.StatusConflict
	case errors.Is(err, shard.ErrNotAssigned):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (n *Node) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, n.assigner.Layout())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
