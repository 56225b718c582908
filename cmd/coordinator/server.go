package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/membership"
	"github.com/dreamware/tessera/internal/metastore"
	"github.com/dreamware/tessera/internal/router"
)

// server is the leader workload: the HTTP API plus the membership tracker
// behind it. The same server runs again on every term this process wins.
type server struct {
	tracker  *membership.Tracker
	router   *router.Router
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	cfg      config.Coordinator
	addr     atomic.Pointer[string]
}

func newServer(store coordstore.Store, meta metastore.Store, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) *server {
	tracker := membership.New(store, membership.Config{
		Path:          cfg.Coordination.ReplicaSetsPath(),
		Timeout:       cfg.Coordinator.HeartbeatTimeout,
		SweepInterval: cfg.Coordinator.SweepInterval,
	},
		membership.WithLogger(logging.Component(logger, "membership")),
		membership.WithMetadataStore(meta),
		membership.WithRegisterer(reg),
	)
	return &server{
		tracker:  tracker,
		router:   router.New(tracker, logging.Component(logger, "router"), reg),
		gatherer: reg,
		log:      logger,
		cfg:      cfg.Coordinator,
	}
}

func (s *server) record() cluster.CoordinatorRecord {
	return coordinatorRecord(s.cfg)
}

// Addr returns the address the API is bound to, or "" while not leading.
func (s *server) Addr() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// RunAsLeader serves the API and runs the tracker until ctx is cancelled.
// The listener is closed before the tracker stops so no request reaches a
// stopped tracker.
func (s *server) RunAsLeader(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	addr := ln.Addr().String()
	s.addr.Store(&addr)
	defer s.addr.Store(nil)

	httpSrv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	trackerCtx, stopTracker := context.WithCancel(context.Background())
	defer stopTracker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.tracker.Run(trackerCtx)
	})
	g.Go(func() error {
		s.log.Info().Str("addr", addr).Msg("coordinator listening")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		stopTracker()
		return err
	})
	return g.Wait()
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/sql", s.handleSQL)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cluster.RegisterResponse{Status: cluster.StatusError, Message: "bad json"})
		return
	}
	if req.Type != "" && req.Type != cluster.TypeRegister {
		writeJSON(w, http.StatusBadRequest, cluster.RegisterResponse{Status: cluster.StatusError, Message: "unexpected message type " + req.Type})
		return
	}
	if req.Host == "" || req.Port <= 0 {
		writeJSON(w, http.StatusBadRequest, cluster.RegisterResponse{Status: cluster.StatusError, Message: "missing host/port"})
		return
	}

	id, err := s.tracker.Register(r.Context(), req.ReplicaKey, req.Host, req.Port)
	switch {
	case errors.Is(err, membership.ErrEmptyReplicaKey):
		writeJSON(w, http.StatusBadRequest, cluster.RegisterResponse{Status: cluster.StatusError, Message: err.Error()})
		return
	case err != nil:
		s.log.Error().Err(err).Str("replicaKey", req.ReplicaKey).Msg("register failed")
		writeJSON(w, http.StatusServiceUnavailable, cluster.RegisterResponse{Status: cluster.StatusError, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cluster.RegisterResponse{Status: cluster.StatusOK, RegionServerID: id})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cluster.StatusResponse{Status: cluster.StatusError, Message: "bad json"})
		return
	}
	if req.Type != "" && req.Type != cluster.TypeHeartbeat {
		writeJSON(w, http.StatusBadRequest, cluster.StatusResponse{Status: cluster.StatusError, Message: "unexpected message type " + req.Type})
		return
	}
	if req.RegionServerID == "" || req.Host == "" || req.Port <= 0 {
		writeJSON(w, http.StatusBadRequest, cluster.StatusResponse{Status: cluster.StatusError, Message: "missing regionserverId/host/port"})
		return
	}
	if err := s.tracker.Heartbeat(r.Context(), req.RegionServerID, req.ReplicaKey, req.Host, req.Port, req.Connections); err != nil {
		s.log.Warn().Err(err).Str("replicaSet", req.RegionServerID).Msg("heartbeat not persisted")
		writeJSON(w, http.StatusServiceUnavailable, cluster.StatusResponse{Status: cluster.StatusError, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
}

// handleSQL answers with a routing directive. Routing failures are part of
// the response body, not the HTTP status.
func (s *server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.SQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cluster.SQLResponse{Status: cluster.StatusError, Message: "bad json"})
		return
	}
	writeJSON(w, http.StatusOK, s.router.Dispatch(req.SQL).Response())
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view := s.tracker.OnlineView()
	sets := make([]*cluster.ReplicaSet, 0, len(view))
	for _, set := range view {
		sets = append(sets, set)
	}
	slices.SortFunc(sets, func(a, b *cluster.ReplicaSet) int {
		return strings.Compare(a.ID, b.ID)
	})
	writeJSON(w, http.StatusOK, struct {
		ReplicaSets []*cluster.ReplicaSet `json:"replicaSets"`
		Degraded    bool                  `json:"degraded"`
	}{ReplicaSets: sets, Degraded: s.tracker.Degraded()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
