package membership

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/metastore"
)

// DefaultTimeout is how long an endpoint may stay silent before it is
// evicted.
const DefaultTimeout = 30 * time.Second

// ErrEmptyReplicaKey is returned by Register for a blank replica key.
var ErrEmptyReplicaKey = errors.New("membership: replica key is required")

// Config tells the tracker where replica sets live and how quickly silent
// endpoints are dropped.
type Config struct {
	// Path is the parent node of the replica set nodes.
	Path string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// SweepInterval defaults to Timeout.
	SweepInterval time.Duration
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the tracker's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithMetadataStore enables best-effort writes to a durable registry.
func WithMetadataStore(m metastore.Store) Option {
	return func(t *Tracker) { t.meta = m }
}

// WithRegisterer registers the tracker's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) { t.reg = reg }
}

// WithIDGenerator replaces the replica set id generator.
func WithIDGenerator(f func() string) Option {
	return func(t *Tracker) { t.newID = f }
}

// entry owns one replica set. set is nil once the entry has been removed
// from the view; writers that observe that start over with a fresh entry.
type entry struct {
	set atomic.Pointer[cluster.ReplicaSet]
	mu  sync.Mutex
}

// Tracker is the ClusterMembershipTracker. All methods are safe for
// concurrent use.
type Tracker struct {
	store    coordstore.Store
	meta     metastore.Store
	clock    clockwork.Clock
	reg      prometheus.Registerer
	newID    func() string
	metrics  *metrics
	log      zerolog.Logger
	cfg      Config
	entries  sync.Map // id -> *entry
	regMu    sync.Mutex
	degraded atomic.Bool
}

// New creates a tracker that persists replica sets under cfg.Path in store.
func New(store coordstore.Store, cfg Config, opts ...Option) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Timeout
	}
	t := &Tracker{
		store: store,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   zerolog.Nop(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.metrics = newMetrics(t.reg, t)
	return t
}

// OnlineView returns a snapshot of the replica sets currently online. It
// never blocks on writers.
func (t *Tracker) OnlineView() cluster.View {
	view := make(cluster.View)
	t.entries.Range(func(key, value any) bool {
		if set := value.(*entry).set.Load(); set != nil {
			view[key.(string)] = set
		}
		return true
	})
	return view
}

// Degraded reports whether the tracker lost sight of the coordination store
// and is serving a possibly stale view.
func (t *Tracker) Degraded() bool {
	return t.degraded.Load()
}

// Register adds the endpoint host:port to the replica set of replicaKey,
// creating the set when the key is new, and returns the set's id.
// Registering an endpoint that is already present changes nothing.
func (t *Tracker) Register(ctx context.Context, replicaKey, host string, port int) (string, error) {
	if replicaKey == "" {
		return "", ErrEmptyReplicaKey
	}
	now := t.clock.Now().UTC()
	endpoint := cluster.ReplicaEndpoint{
		Host:          host,
		Port:          port,
		Status:        cluster.StatusActive,
		LastHeartbeat: now,
	}

	t.regMu.Lock()
	e, id := t.findByKey(replicaKey)
	if e == nil {
		id = t.newID()
		e = &entry{}
		e.set.Store(&cluster.ReplicaSet{
			ID:         id,
			ReplicaKey: replicaKey,
			CreatedAt:  now,
			Endpoints:  []cluster.ReplicaEndpoint{endpoint},
		})
		t.entries.Store(id, e)
		t.regMu.Unlock()

		t.metrics.registrations.Inc()
		t.log.Info().Str("replicaSet", id).Str("replicaKey", replicaKey).
			Str("endpoint", endpoint.Addr()).Msg("created replica set")
		set := e.set.Load()
		if err := t.createNode(ctx, set); err != nil {
			return id, err
		}
		t.metaWrite(ctx, "save", func(ctx context.Context) error { return t.meta.Save(ctx, set) })
		return id, nil
	}
	set, changed := t.mutate(e, func(s *cluster.ReplicaSet) bool {
		if s.IndexOf(host, port) >= 0 {
			return false
		}
		s.Endpoints = append(s.Endpoints, endpoint)
		return true
	})
	t.regMu.Unlock()

	if !changed {
		return id, nil
	}
	t.metrics.registrations.Inc()
	t.log.Info().Str("replicaSet", id).Str("endpoint", endpoint.Addr()).Msg("added endpoint to replica set")
	if err := t.writeNode(ctx, set); err != nil {
		return id, err
	}
	t.metaWrite(ctx, "update", func(ctx context.Context) error { return t.meta.Update(ctx, set) })
	return id, nil
}

// findByKey scans the view for the set registered under replicaKey.
func (t *Tracker) findByKey(replicaKey string) (*entry, string) {
	var (
		found *entry
		id    string
	)
	t.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if set := e.set.Load(); set != nil && set.ReplicaKey == replicaKey {
			found, id = e, key.(string)
			return false
		}
		return true
	})
	return found, id
}

// Heartbeat records the load and liveness of one endpoint. When the set is
// not in the view yet, because the registration has not been observed here,
// it is recovered from the store or created. replicaKey may be empty; when
// given it labels a rebuilt set, and a heartbeat for an unknown id whose key
// already names another set in the view is applied to that set.
func (t *Tracker) Heartbeat(ctx context.Context, id, replicaKey, host string, port, connections int) error {
	now := t.clock.Now().UTC()
	apply := func(s *cluster.ReplicaSet) bool {
		if s.ReplicaKey == "" {
			s.ReplicaKey = replicaKey
		}
		if i := s.IndexOf(host, port); i >= 0 {
			s.Endpoints[i].Connections = connections
			s.Endpoints[i].LastHeartbeat = now
			s.Endpoints[i].Status = cluster.StatusActive
			return true
		}
		s.Endpoints = append(s.Endpoints, cluster.ReplicaEndpoint{
			Host:          host,
			Port:          port,
			Status:        cluster.StatusActive,
			Connections:   connections,
			LastHeartbeat: now,
		})
		return true
	}

	for {
		var set *cluster.ReplicaSet
		if v, ok := t.entries.Load(id); ok {
			var live bool
			if set, live = t.mutate(v.(*entry), apply); !live {
				// Removed concurrently; start over.
				t.entries.CompareAndDelete(id, v)
				continue
			}
		} else {
			set = t.recover(ctx, id, now)
			apply(set)
			t.regMu.Lock()
			if set.ReplicaKey != "" {
				if _, owner := t.findByKey(set.ReplicaKey); owner != "" && owner != id {
					t.regMu.Unlock()
					t.log.Info().Str("replicaSet", owner).Str("heartbeatID", id).
						Str("replicaKey", set.ReplicaKey).Msg("heartbeat folded into replica set with the same key")
					id = owner
					continue
				}
			}
			e := &entry{}
			e.set.Store(set)
			_, loaded := t.entries.LoadOrStore(id, e)
			t.regMu.Unlock()
			if loaded {
				continue
			}
			t.log.Warn().Str("replicaSet", id).Str("host", host).Int("port", port).
				Msg("heartbeat for unknown replica set, adding it to the view")
		}

		t.metrics.heartbeats.Inc()
		if err := t.writeNode(ctx, set); err != nil {
			return err
		}
		t.metaWrite(ctx, "update", func(ctx context.Context) error { return t.meta.Update(ctx, set) })
		return nil
	}
}

// recover reads the set id from the store, or builds an empty one when the
// store does not have it either.
func (t *Tracker) recover(ctx context.Context, id string, now time.Time) *cluster.ReplicaSet {
	data, err := t.store.Get(ctx, coordstore.Join(t.cfg.Path, id))
	if err == nil {
		if set, derr := cluster.DecodeReplicaSet(data); derr == nil && set.ID == id {
			return set
		}
	}
	return &cluster.ReplicaSet{ID: id, CreatedAt: now}
}

// mutate applies fn to a copy of the entry's set and publishes the copy when
// fn reports a change. It returns the resulting set, and false when the
// entry has already been removed from the view or fn changed nothing.
func (t *Tracker) mutate(e *entry, fn func(*cluster.ReplicaSet) bool) (*cluster.ReplicaSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.set.Load()
	if cur == nil {
		return nil, false
	}
	next := cur.Clone()
	if !fn(next) {
		return cur, false
	}
	e.set.Store(next)
	return next, true
}

// CheckHeartbeatTimeout evicts every endpoint whose last heartbeat is older
// than the timeout and drops sets left without endpoints. It returns the
// number of endpoints evicted.
func (t *Tracker) CheckHeartbeatTimeout(ctx context.Context) int {
	now := t.clock.Now()
	type eviction struct {
		set     *cluster.ReplicaSet
		evicted []cluster.ReplicaEndpoint
		removed bool
	}
	var evictions []eviction

	t.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		defer e.mu.Unlock()
		cur := e.set.Load()
		if cur == nil {
			return true
		}
		var kept, evicted []cluster.ReplicaEndpoint
		for _, ep := range cur.Endpoints {
			if now.Sub(ep.LastHeartbeat) > t.cfg.Timeout {
				evicted = append(evicted, ep)
				continue
			}
			kept = append(kept, ep)
		}
		if len(evicted) == 0 {
			return true
		}
		next := cur.Clone()
		next.Endpoints = kept
		if len(kept) == 0 {
			// Node first, entry second: a racing heartbeat either keeps the
			// set or rebuilds it after the node is gone.
			if err := t.store.Delete(ctx, coordstore.Join(t.cfg.Path, cur.ID)); err != nil {
				t.log.Error().Err(err).Str("replicaSet", cur.ID).Msg("delete replica set node")
			}
			e.set.Store(nil)
			t.entries.CompareAndDelete(key, e)
		} else {
			e.set.Store(next)
		}
		evictions = append(evictions, eviction{set: next, evicted: evicted, removed: len(kept) == 0})
		return true
	})

	count := 0
	for _, ev := range evictions {
		count += len(ev.evicted)
		t.metrics.evictions.Add(float64(len(ev.evicted)))
		for _, ep := range ev.evicted {
			t.log.Warn().Str("replicaSet", ev.set.ID).Str("endpoint", ep.Addr()).
				Time("lastHeartbeat", ep.LastHeartbeat).Msg("evicted silent endpoint")
		}
		if ev.removed {
			t.log.Info().Str("replicaSet", ev.set.ID).Msg("removed replica set with no endpoints")
			id := ev.set.ID
			t.metaWrite(ctx, "delete", func(ctx context.Context) error { return t.meta.Delete(ctx, id) })
			continue
		}
		if err := t.writeNode(ctx, ev.set); err != nil {
			t.log.Error().Err(err).Str("replicaSet", ev.set.ID).Msg("persist replica set after eviction")
		}
		for _, ep := range ev.evicted {
			id, host, port := ev.set.ID, ep.Host, ep.Port
			t.metaWrite(ctx, "delete endpoint", func(ctx context.Context) error {
				return t.meta.DeleteEndpoint(ctx, id, host, port)
			})
		}
	}
	return count
}

// HandleEvent applies one change observed in the coordination store.
func (t *Tracker) HandleEvent(ctx context.Context, ev coordstore.Event) {
	switch ev.Type {
	case coordstore.ChildAdded, coordstore.ChildUpdated:
		set, err := cluster.DecodeReplicaSet(ev.Data)
		if err != nil {
			t.log.Warn().Err(err).Str("path", ev.Path).Msg("ignoring undecodable replica set")
			return
		}
		t.merge(set)
	case coordstore.ChildRemoved:
		if _, err := t.store.Get(ctx, coordstore.Join(t.cfg.Path, ev.Name)); err == nil {
			// Recreated since; its add event is on the way.
			return
		}
		if v, ok := t.entries.LoadAndDelete(ev.Name); ok {
			e := v.(*entry)
			e.mu.Lock()
			e.set.Store(nil)
			e.mu.Unlock()
			t.log.Info().Str("replicaSet", ev.Name).Msg("replica set removed from store")
		}
	case coordstore.ConnectionLost:
		if !t.degraded.Swap(true) {
			t.log.Warn().Msg("lost coordination store watch, serving last known view")
		}
	case coordstore.Reconnected:
		t.log.Info().Msg("coordination store watch re-established, resynchronizing")
		if err := t.Resync(ctx); err != nil {
			t.log.Error().Err(err).Msg("resync after reconnect")
		}
	}
}

// merge folds a set read from the store into the view. Endpoints are
// matched by host:port and the copy with the later heartbeat wins, so a
// stale notification never rolls back a heartbeat applied locally.
func (t *Tracker) merge(incoming *cluster.ReplicaSet) {
	for {
		v, ok := t.entries.Load(incoming.ID)
		if !ok {
			e := &entry{}
			e.set.Store(incoming)
			if _, loaded := t.entries.LoadOrStore(incoming.ID, e); !loaded {
				return
			}
			continue
		}
		_, live := t.mutate(v.(*entry), func(s *cluster.ReplicaSet) bool {
			if s.ReplicaKey == "" {
				s.ReplicaKey = incoming.ReplicaKey
			}
			for _, ep := range incoming.Endpoints {
				i := s.IndexOf(ep.Host, ep.Port)
				switch {
				case i < 0:
					s.Endpoints = append(s.Endpoints, ep)
				case !ep.LastHeartbeat.Before(s.Endpoints[i].LastHeartbeat):
					s.Endpoints[i] = ep
				}
			}
			return true
		})
		if live {
			return
		}
		t.entries.CompareAndDelete(incoming.ID, v)
	}
}

// Resync rebuilds the view from a full read of the store. On failure the
// current view is kept and the tracker stays degraded.
func (t *Tracker) Resync(ctx context.Context) error {
	names, err := t.store.Children(ctx, t.cfg.Path)
	if err != nil {
		t.degraded.Store(true)
		return errors.Wrap(err, "membership: list replica sets")
	}
	fresh := make(map[string]*cluster.ReplicaSet, len(names))
	for _, name := range names {
		data, err := t.store.Get(ctx, coordstore.Join(t.cfg.Path, name))
		if errors.Is(err, coordstore.ErrNoNode) {
			continue
		}
		if err != nil {
			t.degraded.Store(true)
			return errors.Wrapf(err, "membership: read replica set %s", name)
		}
		set, err := cluster.DecodeReplicaSet(data)
		if err != nil {
			t.log.Warn().Err(err).Str("replicaSet", name).Msg("skipping undecodable replica set")
			continue
		}
		fresh[set.ID] = set
	}

	t.entries.Range(func(key, value any) bool {
		if _, keep := fresh[key.(string)]; !keep {
			t.entries.Delete(key)
			e := value.(*entry)
			e.mu.Lock()
			e.set.Store(nil)
			e.mu.Unlock()
		}
		return true
	})
	for id, set := range fresh {
		e := &entry{}
		e.set.Store(set)
		if old, loaded := t.entries.Swap(id, e); loaded {
			oe := old.(*entry)
			oe.mu.Lock()
			oe.set.Store(nil)
			oe.mu.Unlock()
		}
	}
	t.degraded.Store(false)
	t.log.Info().Int("replicaSets", len(fresh)).Msg("resynchronized view")
	return nil
}

// Run keeps the view in step with the store until ctx is done: it
// resynchronizes once, applies watch events as they arrive and sweeps for
// silent endpoints every SweepInterval.
func (t *Tracker) Run(ctx context.Context) error {
	events, err := t.store.WatchChildren(ctx, t.cfg.Path)
	if err != nil {
		return errors.Wrap(err, "membership: watch replica sets")
	}
	if err := t.Resync(ctx); err != nil {
		t.log.Warn().Err(err).Msg("initial resync failed, waiting for watch events")
	}
	t.log.Info().Dur("timeout", t.cfg.Timeout).Dur("sweepInterval", t.cfg.SweepInterval).
		Msg("membership tracker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				t.HandleEvent(gctx, ev)
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		ticker := t.clock.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if n := t.CheckHeartbeatTimeout(gctx); n > 0 {
					t.log.Info().Int("evicted", n).Msg("heartbeat sweep")
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	err = g.Wait()
	t.log.Info().Msg("membership tracker stopped")
	return err
}

// createNode writes a new set as an ephemeral node.
func (t *Tracker) createNode(ctx context.Context, set *cluster.ReplicaSet) error {
	data, err := cluster.EncodeReplicaSet(set)
	if err != nil {
		return err
	}
	path := coordstore.Join(t.cfg.Path, set.ID)
	err = t.store.Create(ctx, path, data, coordstore.Ephemeral)
	if errors.Is(err, coordstore.ErrNodeExists) {
		err = t.store.Set(ctx, path, data)
	}
	return errors.Wrapf(err, "membership: create %s", path)
}

// writeNode overwrites the node of set, creating it when it has gone
// missing.
func (t *Tracker) writeNode(ctx context.Context, set *cluster.ReplicaSet) error {
	data, err := cluster.EncodeReplicaSet(set)
	if err != nil {
		return err
	}
	path := coordstore.Join(t.cfg.Path, set.ID)
	err = t.store.Set(ctx, path, data)
	if errors.Is(err, coordstore.ErrNoNode) {
		return t.createNode(ctx, set)
	}
	return errors.Wrapf(err, "membership: write %s", path)
}

// metaWrite runs a metadata store write and swallows its failure.
func (t *Tracker) metaWrite(ctx context.Context, op string, write func(context.Context) error) {
	if t.meta == nil {
		return
	}
	if err := write(ctx); err != nil {
		t.metrics.metaFailures.Inc()
		t.log.Warn().Err(err).Str("op", op).Msg("metadata store write failed")
	}
}
