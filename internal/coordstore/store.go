// Package coordstore abstracts the hierarchical, watch-capable coordination
// service the cluster relies on for membership and leader election.
//
// Two implementations are provided: Etcd, backed by an etcd v3 cluster, and
// Memory, an in-process store used by tests and single-process deployments.
package coordstore

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNodeExists is returned by Create when the path is already taken.
	ErrNodeExists = errors.New("coordstore: node already exists")
	// ErrNoNode is returned when the path does not exist.
	ErrNoNode = errors.New("coordstore: no such node")
	// ErrClosed is returned by a store or session after Close.
	ErrClosed = errors.New("coordstore: closed")
)

// Mode selects the lifetime of a created node.
type Mode int

const (
	// Persistent nodes survive their creator's session.
	Persistent Mode = iota
	// Ephemeral nodes are deleted when their creator's session ends.
	Ephemeral
)

// EventType identifies what a watch Event reports.
type EventType int

const (
	ChildAdded EventType = iota + 1
	ChildUpdated
	ChildRemoved
	// ConnectionLost is delivered when the watch can no longer observe the
	// store. Events may have been missed from this point on.
	ConnectionLost
	// Reconnected follows ConnectionLost once the watch is re-established.
	// Consumers should resynchronize from a full read.
	Reconnected
)

func (t EventType) String() string {
	switch t {
	case ChildAdded:
		return "child-added"
	case ChildUpdated:
		return "child-updated"
	case ChildRemoved:
		return "child-removed"
	case ConnectionLost:
		return "connection-lost"
	case Reconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Event is a single change observed under a watched parent path. Name and
// Data are empty for connection events; Data is empty for ChildRemoved.
type Event struct {
	Type EventType
	Path string
	Name string
	Data []byte
}

// Store is the node CRUD and watch surface of the coordination service.
type Store interface {
	Create(ctx context.Context, path string, data []byte, mode Mode) error
	Get(ctx context.Context, path string) ([]byte, error)
	// Set replaces the value of an existing node, keeping its mode.
	Set(ctx context.Context, path string, data []byte) error
	// Delete removes a node. Deleting a missing node is not an error.
	Delete(ctx context.Context, path string) error
	// Children lists the names of the direct children of parent, sorted.
	Children(ctx context.Context, parent string) ([]string, error)
	// WatchChildren streams changes to the direct children of parent on a
	// single channel until ctx is done, then closes the channel.
	WatchChildren(ctx context.Context, parent string) (<-chan Event, error)
	Close() error
}

// Leadership is held by the winner of a Campaign.
type Leadership interface {
	// Done is closed when leadership is lost without Resign, typically
	// because the holder's session expired.
	Done() <-chan struct{}
	// Resign gives up leadership voluntarily.
	Resign(ctx context.Context) error
}

// Join builds a store path from its elements.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// childName returns the direct child name of parent that key refers to, or
// "" if key is not a direct child.
func childName(parent, key string) string {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	name := key[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	return name
}

// Client is a store session that can also take part in elections. Both
// Etcd and MemorySession implement it.
type Client interface {
	Store
	// Campaign blocks until this session leads the election at path and
	// publishes value as the leader's record.
	Campaign(ctx context.Context, path string, value []byte) (Leadership, error)
	// Leader returns the record of the current leader at path, or
	// ErrNoNode when nobody leads.
	Leader(ctx context.Context, path string) ([]byte, error)
}

var (
	_ Client = (*Etcd)(nil)
	_ Client = (*MemorySession)(nil)
)

// Dial connects to the etcd cluster described by cfg. Without endpoints it
// returns a session on a fresh in-process store, which only serves a
// single-process deployment.
func Dial(ctx context.Context, cfg EtcdConfig) (Client, error) {
	if len(cfg.Endpoints) == 0 {
		cfg.Logger.Warn().Msg("no etcd endpoints configured, using in-process coordination store")
		return NewMemory().Session(), nil
	}
	return NewEtcd(ctx, cfg)
}
