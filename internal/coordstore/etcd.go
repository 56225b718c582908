package coordstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdConfig configures the etcd-backed store.
type EtcdConfig struct {
	Logger      zerolog.Logger
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL bounds how long ephemeral nodes and leadership outlive a
	// crashed process.
	SessionTTL time.Duration
	// WatchRetry is the pause before a failed watch is re-established.
	WatchRetry time.Duration
}

// Etcd implements Store on top of etcd v3. Ephemeral nodes are bound to the
// lease of a concurrency.Session; when that session expires a new one is
// created on the next ephemeral write or campaign.
type Etcd struct {
	cli     *clientv3.Client
	session *concurrency.Session
	log     zerolog.Logger
	cfg     EtcdConfig
	mu      sync.Mutex
	closed  bool
}

var _ Store = (*Etcd)(nil)

// NewEtcd connects to the cluster and opens the first session.
func NewEtcd(ctx context.Context, cfg EtcdConfig) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints configured")
	}
	if cfg.WatchRetry <= 0 {
		cfg.WatchRetry = time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd: connect")
	}
	e := &Etcd{cli: cli, cfg: cfg, log: cfg.Logger}
	if _, err := e.currentSession(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return e, nil
}

// currentSession returns the live session, opening a new one when the
// previous lease expired. Sessions are not tied to any request context.
func (e *Etcd) currentSession() (*concurrency.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.session != nil {
		select {
		case <-e.session.Done():
			e.log.Warn().Int64("lease", int64(e.session.Lease())).Msg("etcd session expired, opening a new one")
			e.session = nil
		default:
			return e.session, nil
		}
	}
	s, err := concurrency.NewSession(e.cli,
		concurrency.WithTTL(int(e.cfg.SessionTTL/time.Second)))
	if err != nil {
		return nil, errors.Wrap(err, "etcd: open session")
	}
	e.session = s
	return s, nil
}

func (e *Etcd) Create(ctx context.Context, path string, data []byte, mode Mode) error {
	var opts []clientv3.OpOption
	if mode == Ephemeral {
		s, err := e.currentSession()
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(s.Lease()))
	}
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), opts...)).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "etcd: create %s", path)
	}
	if !resp.Succeeded {
		return errors.Wrap(ErrNodeExists, path)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.cli.Get(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "etcd: get %s", path)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrap(ErrNoNode, path)
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Set(ctx context.Context, path string, data []byte) error {
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "etcd: set %s", path)
	}
	if !resp.Succeeded {
		return errors.Wrap(ErrNoNode, path)
	}
	return nil
}

func (e *Etcd) Delete(ctx context.Context, path string) error {
	if _, err := e.cli.Delete(ctx, path); err != nil {
		return errors.Wrapf(err, "etcd: delete %s", path)
	}
	return nil
}

func (e *Etcd) Children(ctx context.Context, parent string) ([]string, error) {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "etcd: children %s", parent)
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name := childName(parent, string(kv.Key)); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// WatchChildren watches parent's prefix. A broken watch is reported as
// ConnectionLost and, once a new watch is in place, as Reconnected; events
// in between are not replayed.
func (e *Etcd) WatchChildren(ctx context.Context, parent string) (<-chan Event, error) {
	out := make(chan Event)
	go e.watchLoop(ctx, parent, out)
	return out, nil
}

func (e *Etcd) watchLoop(ctx context.Context, parent string, out chan<- Event) {
	defer close(out)
	prefix := strings.TrimSuffix(parent, "/") + "/"
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	lost := false
	for ctx.Err() == nil {
		wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
		wch := e.cli.Watch(wctx, prefix, clientv3.WithPrefix())
		if lost {
			e.log.Info().Str("path", parent).Msg("watch re-established")
			if !emit(Event{Type: Reconnected, Path: parent}) {
				cancel()
				return
			}
			lost = false
		}

		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.log.Warn().Err(err).Str("path", parent).Msg("watch failed")
				break
			}
			for _, ev := range resp.Events {
				key := string(ev.Kv.Key)
				name := childName(parent, key)
				if name == "" {
					continue
				}
				change := Event{Path: key, Name: name}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					change.Type = ChildRemoved
				case ev.IsCreate():
					change.Type, change.Data = ChildAdded, ev.Kv.Value
				default:
					change.Type, change.Data = ChildUpdated, ev.Kv.Value
				}
				if !emit(change) {
					cancel()
					return
				}
			}
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !lost {
			if !emit(Event{Type: ConnectionLost, Path: parent}) {
				return
			}
			lost = true
		}
		select {
		case <-time.After(e.cfg.WatchRetry):
		case <-ctx.Done():
			return
		}
	}
}

// Campaign blocks until this store's session leads the election at path.
// The leadership is lost when the session expires.
func (e *Etcd) Campaign(ctx context.Context, path string, value []byte) (Leadership, error) {
	s, err := e.currentSession()
	if err != nil {
		return nil, err
	}
	el := concurrency.NewElection(s, path)
	if err := el.Campaign(ctx, string(value)); err != nil {
		return nil, errors.Wrapf(err, "etcd: campaign %s", path)
	}
	return &etcdLeadership{el: el, session: s}, nil
}

// Leader returns the value published by the current leader at path.
func (e *Etcd) Leader(ctx context.Context, path string) ([]byte, error) {
	s, err := e.currentSession()
	if err != nil {
		return nil, err
	}
	resp, err := concurrency.NewElection(s, path).Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return nil, errors.Wrap(ErrNoNode, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "etcd: leader %s", path)
	}
	return resp.Kvs[0].Value, nil
}

// Close revokes the session lease, removing every ephemeral node and
// candidacy this process owns, and disconnects.
func (e *Etcd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.log.Warn().Err(err).Msg("revoke session lease")
		}
	}
	return e.cli.Close()
}

type etcdLeadership struct {
	el      *concurrency.Election
	session *concurrency.Session
}

func (l *etcdLeadership) Done() <-chan struct{} { return l.session.Done() }

func (l *etcdLeadership) Resign(ctx context.Context) error {
	return errors.Wrap(l.el.Resign(ctx), "etcd: resign")
}
