package coordstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrSessionExpired is returned by a Campaign interrupted by session loss.
var ErrSessionExpired = errors.New("coordstore: session expired")

// Memory is an in-process coordination service. Each participant talks to
// it through its own MemorySession, which owns ephemeral nodes, watches and
// election candidacies the way a client session does against a real
// service.
type Memory struct {
	nodes     map[string]*memNode
	watchers  map[*memWatcher]struct{}
	elections map[string][]*candidate
	mu        sync.Mutex
	nextID    int64
}

type memNode struct {
	data  []byte
	owner int64 // session id for ephemeral nodes, 0 otherwise
}

type candidate struct {
	granted chan struct{}
	lost    <-chan struct{}
	value   []byte
	owner   int64
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]*memNode),
		watchers:  make(map[*memWatcher]struct{}),
		elections: make(map[string][]*candidate),
	}
}

// Session opens a new client session.
func (m *Memory) Session() *MemorySession {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	return &MemorySession{m: m, id: id, done: make(chan struct{})}
}

func (m *Memory) newSessionID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// notifyLocked fans an event for key out to every watcher of its parent.
func (m *Memory) notifyLocked(typ EventType, key string, data []byte) {
	for w := range m.watchers {
		if name := childName(w.parent, key); name != "" {
			w.push(Event{Type: typ, Path: key, Name: name, Data: append([]byte(nil), data...)})
		}
	}
}

// removeCandidateLocked drops c from the election at path and grants
// leadership to the next candidate when c was the leader.
func (m *Memory) removeCandidateLocked(path string, c *candidate) {
	queue := m.elections[path]
	for i, other := range queue {
		if other != c {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if i == 0 && len(queue) > 0 {
			close(queue[0].granted)
		}
		break
	}
	if len(queue) == 0 {
		delete(m.elections, path)
		return
	}
	m.elections[path] = queue
}

// dropSessionLocked deletes everything owned by session id.
func (m *Memory) dropSessionLocked(id int64) {
	for key, n := range m.nodes {
		if n.owner == id {
			delete(m.nodes, key)
			m.notifyLocked(ChildRemoved, key, nil)
		}
	}
	for path, queue := range m.elections {
		for _, c := range append([]*candidate(nil), queue...) {
			if c.owner == id {
				m.removeCandidateLocked(path, c)
			}
		}
	}
}

// MemorySession is one client's connection to a Memory store. It implements
// Store and can campaign in elections.
type MemorySession struct {
	m      *Memory
	done   chan struct{}
	mu     sync.Mutex
	id     int64
	closed bool
}

var _ Store = (*MemorySession)(nil)

func (s *MemorySession) current() (int64, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrClosed
	}
	return s.id, s.done, nil
}

func (s *MemorySession) Create(_ context.Context, path string, data []byte, mode Mode) error {
	id, _, err := s.current()
	if err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.nodes[path]; ok {
		return errors.Wrap(ErrNodeExists, path)
	}
	n := &memNode{data: append([]byte(nil), data...)}
	if mode == Ephemeral {
		n.owner = id
	}
	s.m.nodes[path] = n
	s.m.notifyLocked(ChildAdded, path, data)
	return nil
}

func (s *MemorySession) Get(_ context.Context, path string) ([]byte, error) {
	if _, _, err := s.current(); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n, ok := s.m.nodes[path]
	if !ok {
		return nil, errors.Wrap(ErrNoNode, path)
	}
	return append([]byte(nil), n.data...), nil
}

func (s *MemorySession) Set(_ context.Context, path string, data []byte) error {
	if _, _, err := s.current(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n, ok := s.m.nodes[path]
	if !ok {
		return errors.Wrap(ErrNoNode, path)
	}
	n.data = append([]byte(nil), data...)
	s.m.notifyLocked(ChildUpdated, path, data)
	return nil
}

func (s *MemorySession) Delete(_ context.Context, path string) error {
	if _, _, err := s.current(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.nodes[path]; !ok {
		return nil
	}
	delete(s.m.nodes, path)
	s.m.notifyLocked(ChildRemoved, path, nil)
	return nil
}

func (s *MemorySession) Children(_ context.Context, parent string) ([]string, error) {
	if _, _, err := s.current(); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var names []string
	for key := range s.m.nodes {
		if name := childName(parent, key); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemorySession) WatchChildren(ctx context.Context, parent string) (<-chan Event, error) {
	if _, _, err := s.current(); err != nil {
		return nil, err
	}
	w := &memWatcher{
		parent: parent,
		owner:  s,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	s.m.mu.Lock()
	s.m.watchers[w] = struct{}{}
	s.m.mu.Unlock()
	go w.pump(ctx, s.m)
	return w.out, nil
}

// Campaign blocks until the session leads the election at path, ctx is
// done or the session expires.
func (s *MemorySession) Campaign(ctx context.Context, path string, value []byte) (Leadership, error) {
	id, done, err := s.current()
	if err != nil {
		return nil, err
	}
	c := &candidate{
		granted: make(chan struct{}),
		lost:    done,
		value:   append([]byte(nil), value...),
		owner:   id,
	}
	s.m.mu.Lock()
	s.m.elections[path] = append(s.m.elections[path], c)
	if len(s.m.elections[path]) == 1 {
		close(c.granted)
	}
	s.m.mu.Unlock()

	select {
	case <-c.granted:
		return &memLeadership{m: s.m, path: path, c: c}, nil
	case <-done:
		s.m.mu.Lock()
		s.m.removeCandidateLocked(path, c)
		s.m.mu.Unlock()
		return nil, ErrSessionExpired
	case <-ctx.Done():
		s.m.mu.Lock()
		s.m.removeCandidateLocked(path, c)
		s.m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Leader returns the value published by the current leader at path.
func (s *MemorySession) Leader(_ context.Context, path string) ([]byte, error) {
	if _, _, err := s.current(); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	queue := s.m.elections[path]
	if len(queue) == 0 {
		return nil, errors.Wrap(ErrNoNode, path)
	}
	return append([]byte(nil), queue[0].value...), nil
}

// Expire simulates the loss of the session: its ephemeral nodes and
// candidacies are dropped, held leadership is lost, and its watchers
// observe ConnectionLost followed by Reconnected. The session stays usable
// under a fresh identity, as a client does after reconnecting.
func (s *MemorySession) Expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.id
	close(s.done)
	s.id = s.m.newSessionID()
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for w := range s.m.watchers {
		if w.owner == s {
			w.push(Event{Type: ConnectionLost, Path: w.parent})
		}
	}
	s.m.dropSessionLocked(old)
	for w := range s.m.watchers {
		if w.owner == s {
			w.push(Event{Type: Reconnected, Path: w.parent})
		}
	}
}

// Close ends the session and removes everything it owns.
func (s *MemorySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	id := s.id
	s.mu.Unlock()

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.dropSessionLocked(id)
	return nil
}

type memLeadership struct {
	m    *Memory
	c    *candidate
	path string
}

func (l *memLeadership) Done() <-chan struct{} { return l.c.lost }

func (l *memLeadership) Resign(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.removeCandidateLocked(l.path, l.c)
	return nil
}

// memWatcher queues events without bound so notifiers never block on a
// slow consumer; pump delivers them in order.
type memWatcher struct {
	owner  *MemorySession
	notify chan struct{}
	out    chan Event
	parent string
	queue  []Event
	mu     sync.Mutex
}

func (w *memWatcher) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *memWatcher) pump(ctx context.Context, m *Memory) {
	defer func() {
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
		close(w.out)
	}()
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
			continue
		}
		w.mu.Unlock()
		select {
		case <-w.notify:
		case <-ctx.Done():
			return
		}
	}
}
