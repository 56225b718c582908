// Package election runs a workload on exactly one member of the cluster at
// a time.
//
// An Elector enrolls its process in a named election held in the
// coordination store. When the store grants leadership the workload is
// called synchronously and keeps running until leadership is lost or the
// elector is closed. Afterwards the elector re-enrolls on its own, so a
// process that lost leadership becomes a candidate again without any help
// from its caller.
//
// Loss of the store session is treated as immediate loss of leadership: the
// workload's context is cancelled before the elector campaigns again. Two
// coordinators therefore never run their workloads for longer than the
// session TTL at the same time, but there is a gap between a leader's crash
// and the next promotion during which no workload runs.
package election

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/coordstore"
)

// Workload is what the leader runs. RunAsLeader must return promptly once
// ctx is cancelled.
type Workload interface {
	RunAsLeader(ctx context.Context) error
}

// WorkloadFunc adapts a function to Workload.
type WorkloadFunc func(ctx context.Context) error

// RunAsLeader calls f(ctx).
func (f WorkloadFunc) RunAsLeader(ctx context.Context) error { return f(ctx) }

// Campaigner is the election primitive of the coordination store.
type Campaigner interface {
	Campaign(ctx context.Context, path string, value []byte) (coordstore.Leadership, error)
}

// Option customizes an Elector.
type Option func(*Elector)

// WithLogger sets the elector's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Elector) { e.log = l }
}

// WithClock replaces the wall clock used for the requeue delay and the
// record's timestamp.
func WithClock(c clockwork.Clock) Option {
	return func(e *Elector) { e.clock = c }
}

// WithRequeueDelay sets the pause between losing leadership (or failing to
// campaign) and enrolling again.
func WithRequeueDelay(d time.Duration) Option {
	return func(e *Elector) { e.requeueDelay = d }
}

// Elector campaigns for leadership at one election path and runs a
// Workload while it leads.
type Elector struct {
	campaigner   Campaigner
	workload     Workload
	ctx          context.Context
	cancel       context.CancelFunc
	log          zerolog.Logger
	clock        clockwork.Clock
	path         string
	record       cluster.CoordinatorRecord
	wg           sync.WaitGroup
	requeueDelay time.Duration
	leading      atomic.Bool
	started      atomic.Bool
	terms        atomic.Int64
}

// New creates an elector. record is published as the election value while
// this process leads.
func New(c Campaigner, path string, record cluster.CoordinatorRecord, w Workload, opts ...Option) *Elector {
	ctx, cancel := context.WithCancel(context.Background())
	record.Role = cluster.RoleActive
	e := &Elector{
		campaigner:   c,
		workload:     w,
		path:         path,
		record:       record,
		log:          zerolog.Nop(),
		clock:        clockwork.NewRealClock(),
		requeueDelay: 500 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start enrolls in the election and returns immediately. Calling Start more
// than once has no effect.
func (e *Elector) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go e.loop()
}

// Close withdraws from the election. If this process is leading, the
// workload is stopped and leadership released before Close returns, or
// before ctx expires.
func (e *Elector) Close(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "election: close")
	}
}

// IsLeader reports whether the workload is currently running here.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Terms returns how many times this elector has been granted leadership.
func (e *Elector) Terms() int64 {
	return e.terms.Load()
}

func (e *Elector) loop() {
	defer e.wg.Done()
	for e.ctx.Err() == nil {
		if err := e.term(); err != nil && e.ctx.Err() == nil {
			e.log.Warn().Err(err).Str("path", e.path).Msg("election term ended with error")
		}
		select {
		case <-e.clock.After(e.requeueDelay):
		case <-e.ctx.Done():
		}
	}
	e.log.Info().Str("path", e.path).Msg("withdrew from election")
}

// term campaigns once and, if elected, runs the workload until leadership
// ends.
func (e *Elector) term() error {
	rec := e.record
	rec.CreatedAt = e.clock.Now().UTC()
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "election: encode coordinator record")
	}

	e.log.Debug().Str("path", e.path).Msg("campaigning")
	leadership, err := e.campaigner.Campaign(e.ctx, e.path, value)
	if err != nil {
		return errors.Wrap(err, "election: campaign")
	}

	wctx, stop := context.WithCancel(e.ctx)
	defer stop()
	lost := make(chan struct{})
	go func() {
		select {
		case <-leadership.Done():
			e.log.Warn().Str("path", e.path).Msg("coordination session lost, stopping workload")
			close(lost)
			stop()
		case <-wctx.Done():
		}
	}()

	e.terms.Add(1)
	e.leading.Store(true)
	e.log.Info().Str("path", e.path).Str("coordinator", rec.CoordinatorID).Msg("elected leader")
	runErr := e.workload.RunAsLeader(wctx)
	e.leading.Store(false)
	stop()

	select {
	case <-lost:
		// The session is gone; there is nothing left to resign.
	default:
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := leadership.Resign(rctx); err != nil {
			e.log.Warn().Err(err).Msg("resign leadership")
		}
		cancel()
		e.log.Info().Str("path", e.path).Msg("released leadership")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Wrap(runErr, "election: workload")
	}
	return nil
}
