// Package coordstore defines the coordination-store adapter contract: the
// hierarchical, watchable key/value service every other component in this
// module treats as an opaque external collaborator. store/redisstore
// provides the concrete implementation; callers should depend on this
// interface so the backend can be swapped without touching the cache,
// registry, or RPC layers.
package coordstore

import (
	"context"
	"errors"
)

// ErrNodeNotFound is returned by Get, Children, and Delete when the
// requested path does not exist.
var ErrNodeNotFound = errors.New("coordstore: node not found")

// ErrNodeExists is returned by Create when the target path already exists.
var ErrNodeExists = errors.New("coordstore: node already exists")

// ErrSessionExpired is returned by any operation attempted after the
// adapter's session has expired; callers must re-open a new Store.
var ErrSessionExpired = errors.New("coordstore: session expired")

// EventKind identifies the lifecycle transition an Event reports.
type EventKind int

const (
	// ChangedValue reports that a watched node's value changed.
	ChangedValue EventKind = iota
	// ChangedChildren reports that a watched node's child list changed.
	ChangedChildren
	// Deleted reports that a watched node was removed.
	Deleted
	// Created reports that a node re-appeared; in this adapter's model
	// this is always folded into the parent's ChangedChildren instead,
	// but the event kind exists so callers can exhaustively switch.
	Created
	// SessionExpired reports the end of the current session: every watch
	// is gone and the subscriber must re-bootstrap against a new Store.
	SessionExpired
	// Disconnected reports a transient connectivity loss that the
	// adapter is expected to recover from within the same session.
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case ChangedValue:
		return "changed_value"
	case ChangedChildren:
		return "changed_children"
	case Deleted:
		return "deleted"
	case Created:
		return "created"
	case SessionExpired:
		return "session_expired"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered on the single watcher sink returned by Store.Events.
type Event struct {
	Kind EventKind
	Path string
}

// Stat is a node's metadata: the modification version (bumped on every
// Set), the current number of children, and whether the node is
// ephemeral. spec.md §3 ties Ephemeral to "no children and deleted
// automatically when its creator's session ends"; callers use it to tell
// an instance-record leaf from a durable registry directory without a
// side channel.
type Stat struct {
	Version     int
	NumChildren int
	Ephemeral   bool
}

// Store is the hierarchical, watchable key-value contract a coordination
// store (Redis, ZooKeeper, Doozer, or a compatible alternative) must
// satisfy. All operations take a context so a caller can bound how long it
// waits on a slow or partitioned backend.
type Store interface {
	// Create writes a new node at path with the given data. If ephemeral
	// is true, the node is automatically removed when the session that
	// created it ends. Returns ErrNodeExists if path already exists.
	Create(ctx context.Context, path string, data []byte, ephemeral bool) error

	// Set overwrites the value at an existing path. Returns
	// ErrNodeNotFound if path does not exist.
	Set(ctx context.Context, path string, data []byte) error

	// Get reads a node's value and stat. If watch is true, a future
	// change to this path (value or deletion) produces exactly one Event
	// on the sink returned by Events; the watch must be re-armed by
	// calling Get or Children again with watch=true. Returns
	// ErrNodeNotFound if path does not exist.
	Get(ctx context.Context, path string, watch bool) ([]byte, Stat, error)

	// Children lists the immediate child names of path. If watch is
	// true, a future change to the child set produces exactly one
	// ChangedChildren Event; the watch must be re-armed the same way as
	// Get's. Returns ErrNodeNotFound if path does not exist.
	Children(ctx context.Context, path string, watch bool) ([]string, error)

	// Delete removes path. Returns ErrNodeNotFound if path does not
	// exist.
	Delete(ctx context.Context, path string) error

	// Exists reports whether path currently exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Events returns the single watcher sink for this session. It is
	// closed when Close is called or the session is permanently lost.
	Events() <-chan Event

	// Close releases the session, removing any ephemeral nodes it owns
	// and closing the Events channel.
	Close() error
}
