// Package watchedcache mirrors a subtree of a coordstore.Store in memory,
// keeping watches re-armed across every event and fanning out de-duplicated
// create/update/delete callbacks to subscribers.
package watchedcache

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/skynetservices/skynet/store/coordstore"
)

// Pair is one (relative path, value) result from EachPair.
type Pair struct {
	Relative string
	Value    []byte
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the logger used for subscriber panics and connectivity
// events.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// node is the cache's in-memory mirror of one coordstore path.
type node struct {
	value    []byte
	hasValue bool
	version  int
	children map[string]bool
}

// Cache is a watched, in-memory mirror of a coordstore.Store subtree.
type Cache struct {
	store coordstore.Store
	root  string

	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*node

	subs *dispatcher

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	errChan chan error
}

// Open creates the root node if absent, performs the initial depth-first
// snapshot of the subtree, and starts the event loop that keeps watches
// re-armed.
func Open(ctx context.Context, store coordstore.Store, root string, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		store:   store,
		root:    normalize(root),
		logger:  slog.Default(),
		nodes:   make(map[string]*node),
		subs:    newDispatcher(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		errChan: make(chan error, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.bootstrap(ctx); err != nil {
		return nil, err
	}

	go c.eventLoop()

	return c, nil
}

// bootstrap performs the initial snapshot: root creation, then a
// depth-first traversal installing watches on every node.
func (c *Cache) bootstrap(ctx context.Context) error {
	exists, err := c.store.Exists(ctx, c.root)
	if err != nil {
		return fmt.Errorf("watchedcache: failed to check root %s; %w", c.root, err)
	}
	if !exists {
		if err := c.store.Create(ctx, c.root, nil, false); err != nil && err != coordstore.ErrNodeExists {
			return fmt.Errorf("watchedcache: failed to create root %s; %w", c.root, err)
		}
	}

	c.mu.Lock()
	c.nodes = make(map[string]*node)
	c.mu.Unlock()

	return c.snapshotNode(ctx, c.root, false)
}

// snapshotNode reads value+stat with a watch installed, invokes on_create
// for a non-empty value, and recurses into children unless the node is
// ephemeral (ephemeral nodes never have meaningful children here).
func (c *Cache) snapshotNode(ctx context.Context, absPath string, ephemeral bool) error {
	value, stat, err := c.store.Get(ctx, absPath, true)
	if err == coordstore.ErrNodeNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watchedcache: failed to read %s; %w", absPath, err)
	}

	n := &node{value: value, hasValue: len(value) > 0, version: stat.Version, children: make(map[string]bool)}

	c.mu.Lock()
	c.nodes[absPath] = n
	c.mu.Unlock()

	if n.hasValue {
		c.subs.dispatch(coordstore.Created, c.relative(absPath), value, stat.Version)
	}

	if ephemeral || stat.Ephemeral {
		return nil
	}

	children, err := c.store.Children(ctx, absPath, true)
	if err != nil {
		return fmt.Errorf("watchedcache: failed to read children of %s; %w", absPath, err)
	}

	c.mu.Lock()
	for _, child := range children {
		n.children[child] = true
	}
	c.mu.Unlock()

	for _, child := range children {
		if err := c.snapshotNode(ctx, path.Join(absPath, child), false); err != nil {
			return err
		}
	}

	return nil
}

// eventLoop is the single goroutine processing the store's watcher sink.
// It re-arms every watch on the event that fired it, per this cache's
// one-shot watch contract.
func (c *Cache) eventLoop() {
	defer close(c.doneCh)

	ctx := context.Background()

	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.store.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Cache) handleEvent(ctx context.Context, ev coordstore.Event) {
	switch ev.Kind {
	case coordstore.ChangedValue:
		c.handleChangedValue(ctx, ev.Path)
	case coordstore.ChangedChildren:
		c.handleChangedChildren(ctx, ev.Path)
	case coordstore.Deleted:
		c.handleDeleted(ev.Path)
	case coordstore.Created:
		// No-op: re-appearance is reported through the parent's
		// ChangedChildren instead.
	case coordstore.SessionExpired:
		c.handleSessionExpired(ctx)
	case coordstore.Disconnected:
		c.logger.Warn("watchedcache: coordination store disconnected; resuming watches on reconnect")
	default:
		c.logger.Warn("watchedcache: unrecognized event kind, ignoring", "kind", ev.Kind)
	}
}

func (c *Cache) handleChangedValue(ctx context.Context, absPath string) {
	value, stat, err := c.store.Get(ctx, absPath, true)
	if err == coordstore.ErrNodeNotFound {
		return
	}
	if err != nil {
		c.logger.Error("watchedcache: failed to re-read changed value", "path", absPath, "error", err)
		c.reportFatal(err)
		return
	}

	c.mu.Lock()
	n, ok := c.nodes[absPath]
	if !ok {
		n = &node{children: make(map[string]bool)}
		c.nodes[absPath] = n
	}
	previousVersion := n.version
	n.value = value
	n.hasValue = len(value) > 0
	n.version = stat.Version
	c.mu.Unlock()

	// The re-arm read above always returns the node's latest value, so no
	// write is ever silently lost even when several happened between the
	// event that fired and this read — but a gap wider than one version
	// means those intermediate writes were coalesced into a single
	// delivery rather than delivered individually, worth a note for
	// anyone debugging a missing-looking update.
	if ok && stat.Version > previousVersion+1 {
		c.logger.Debug("watchedcache: coalesced multiple writes across one re-arm",
			"path", absPath, "previous_version", previousVersion, "version", stat.Version)
	}

	c.subs.dispatch(coordstore.ChangedValue, c.relative(absPath), value, stat.Version)
}

func (c *Cache) handleChangedChildren(ctx context.Context, absPath string) {
	children, err := c.store.Children(ctx, absPath, true)
	if err == coordstore.ErrNodeNotFound {
		return
	}
	if err != nil {
		c.logger.Error("watchedcache: failed to re-read changed children", "path", absPath, "error", err)
		c.reportFatal(err)
		return
	}

	c.mu.Lock()
	n, ok := c.nodes[absPath]
	if !ok {
		n = &node{children: make(map[string]bool)}
		c.nodes[absPath] = n
	}
	previous := n.children
	current := make(map[string]bool, len(children))
	for _, child := range children {
		current[child] = true
	}
	n.children = current
	c.mu.Unlock()

	for child := range current {
		if !previous[child] {
			if err := c.snapshotNode(ctx, path.Join(absPath, child), false); err != nil {
				c.logger.Error("watchedcache: failed to snapshot new child", "path", child, "error", err)
			}
		}
	}
	// Deleted children are intentionally ignored here; they are reported
	// through their own Deleted event.
}

func (c *Cache) handleDeleted(absPath string) {
	c.mu.Lock()
	delete(c.nodes, absPath)
	c.mu.Unlock()

	c.subs.dispatch(coordstore.Deleted, c.relative(absPath), nil, 0)
}

func (c *Cache) handleSessionExpired(ctx context.Context) {
	c.logger.Warn("watchedcache: session expired; re-bootstrapping")
	if err := c.bootstrap(ctx); err != nil {
		c.logger.Error("watchedcache: re-bootstrap after session expiry failed", "error", err)
		c.reportFatal(err)
	}
}

func (c *Cache) reportFatal(err error) {
	select {
	case c.errChan <- err:
	default:
	}
}

// Errors reports fatal cache errors — failures the event loop could not
// recover from on its own.
func (c *Cache) Errors() <-chan error {
	return c.errChan
}

// Get performs a single-node read of key, relative to the cache's root.
// The second return value is false if the node does not exist.
func (c *Cache) Get(key string) ([]byte, bool) {
	absPath := c.absolute(key)

	c.mu.RLock()
	defer c.mu.RUnlock()

	n, ok := c.nodes[absPath]
	if !ok {
		return nil, false
	}
	return n.value, true
}

// Put writes value at key. If any ancestor path is missing, ancestors are
// created with empty values first, then the leaf.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	absPath := c.absolute(key)

	segments := strings.Split(strings.TrimPrefix(absPath, c.root), "/")
	cur := c.root
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		if cur == absPath {
			break
		}
		exists, err := c.store.Exists(ctx, cur)
		if err != nil {
			return fmt.Errorf("watchedcache: put %s failed checking ancestor %s; %w", key, cur, err)
		}
		if !exists {
			if err := c.store.Create(ctx, cur, nil, false); err != nil && err != coordstore.ErrNodeExists {
				return fmt.Errorf("watchedcache: put %s failed creating ancestor %s; %w", key, cur, err)
			}
			c.touch(cur, nil)
		}
	}

	exists, err := c.store.Exists(ctx, absPath)
	if err != nil {
		return fmt.Errorf("watchedcache: put %s failed; %w", key, err)
	}
	if exists {
		if err := c.store.Set(ctx, absPath, value); err != nil {
			return fmt.Errorf("watchedcache: put %s failed; %w", key, err)
		}
		c.touch(absPath, value)
		return nil
	}
	if err := c.store.Create(ctx, absPath, value, false); err != nil && err != coordstore.ErrNodeExists {
		return fmt.Errorf("watchedcache: put %s failed; %w", key, err)
	}
	c.touch(absPath, value)
	return nil
}

// touch reflects a local write immediately in the in-memory mirror so a
// Get right after a Put observes it, instead of waiting on the store's
// watch notification to loop back.
func (c *Cache) touch(absPath string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[absPath]
	if !ok {
		n = &node{children: make(map[string]bool)}
		c.nodes[absPath] = n
	}
	n.value = value
	n.hasValue = len(value) > 0

	parent := path.Dir(absPath)
	if parent != absPath {
		pn, ok := c.nodes[parent]
		if !ok {
			pn = &node{children: make(map[string]bool)}
			c.nodes[parent] = pn
		}
		pn.children[path.Base(absPath)] = true
	}
}

// Delete removes key. If removeEmptyParents is true, ancestors with no
// value and no remaining children are removed as well, walking upward
// from the leaf.
func (c *Cache) Delete(ctx context.Context, key string, removeEmptyParents bool) error {
	absPath := c.absolute(key)

	if err := c.store.Delete(ctx, absPath); err != nil {
		return fmt.Errorf("watchedcache: delete %s failed; %w", key, err)
	}
	c.untouch(absPath)

	if !removeEmptyParents {
		return nil
	}

	cur := path.Dir(absPath)
	for strings.HasPrefix(cur, c.root) && cur != path.Dir(c.root) {
		children, err := c.store.Children(ctx, cur, false)
		if err == coordstore.ErrNodeNotFound {
			break
		}
		if err != nil {
			return fmt.Errorf("watchedcache: delete %s failed walking ancestors; %w", key, err)
		}
		if len(children) > 0 {
			break
		}

		value, _, err := c.store.Get(ctx, cur, false)
		if err == coordstore.ErrNodeNotFound {
			break
		}
		if err != nil {
			return fmt.Errorf("watchedcache: delete %s failed reading ancestor %s; %w", key, cur, err)
		}
		if len(value) > 0 {
			break
		}

		if err := c.store.Delete(ctx, cur); err != nil {
			return fmt.Errorf("watchedcache: delete %s failed removing empty ancestor %s; %w", key, cur, err)
		}
		c.untouch(cur)

		if cur == c.root {
			break
		}
		cur = path.Dir(cur)
	}

	return nil
}

// untouch drops absPath from the in-memory mirror and from its parent's
// child set, mirroring a local delete immediately rather than waiting on
// the store's Deleted event to loop back.
func (c *Cache) untouch(absPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.nodes, absPath)

	parent := path.Dir(absPath)
	if pn, ok := c.nodes[parent]; ok {
		delete(pn.children, path.Base(absPath))
	}
}

// EachPair walks subpath depth-first, returning every node whose value is
// non-empty as a (relative path, value) pair. Intermediate nodes with an
// empty value are skipped but still traversed.
func (c *Cache) EachPair(subpath string) []Pair {
	root := c.absolute(subpath)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var pairs []Pair
	c.walk(root, &pairs)

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Relative < pairs[j].Relative })
	return pairs
}

func (c *Cache) walk(absPath string, pairs *[]Pair) {
	n, ok := c.nodes[absPath]
	if !ok {
		return
	}

	if n.hasValue {
		*pairs = append(*pairs, Pair{Relative: c.relative(absPath), Value: n.value})
	}

	children := make([]string, 0, len(n.children))
	for child := range n.children {
		children = append(children, child)
	}
	sort.Strings(children)

	for _, child := range children {
		c.walk(path.Join(absPath, child), pairs)
	}
}

// OnCreate registers a handler for node-creation events matching pattern
// (an exact relative path or the wildcard "*"). cb receives the node's
// value and the store version it was created at, so a subscriber that
// tracks versions itself can detect a gap against its own last-seen
// value. Returns an unsubscribe function.
func (c *Cache) OnCreate(pattern string, cb func(relative string, value []byte, version int)) func() {
	return c.subs.subscribe(coordstore.Created, pattern, cb)
}

// OnUpdate registers a handler for value-change events matching pattern.
// cb receives the node's value and the store version it changed to.
func (c *Cache) OnUpdate(pattern string, cb func(relative string, value []byte, version int)) func() {
	return c.subs.subscribe(coordstore.ChangedValue, pattern, cb)
}

// OnDelete registers a handler for deletion events matching pattern. A
// deleted node has no version; cb's version argument is always 0.
func (c *Cache) OnDelete(pattern string, cb func(relative string, value []byte, version int)) func() {
	return c.subs.subscribe(coordstore.Deleted, pattern, cb)
}

// Close releases the underlying session and stops all callbacks.
func (c *Cache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		err = c.store.Close()
		c.subs.closeAll()
	})
	return err
}

func (c *Cache) absolute(key string) string {
	if key == "" {
		return c.root
	}
	return path.Join(c.root, key)
}

func (c *Cache) relative(absPath string) string {
	rel := strings.TrimPrefix(absPath, c.root)
	return strings.TrimPrefix(rel, "/")
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
