// Package redisstore implements store/coordstore.Store on top of Redis,
// using keyspace notifications for watches and key TTL (refreshed by a
// session heartbeat) for ephemeral-node semantics.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skynetservices/skynet/store/coordstore"
)

const (
	valuePrefix    = "skynet:node:"
	childrenPrefix = "skynet:children:"
	versionPrefix  = "skynet:version:"

	// heartbeatInterval refreshes every ephemeral node's TTL well before
	// it could expire from a merely slow heartbeat tick.
	heartbeatInterval = 10 * time.Second
	// ephemeralTTL is how long an ephemeral node survives without a
	// heartbeat refresh; several multiples of heartbeatInterval so one
	// missed tick is not fatal.
	ephemeralTTL = 30 * time.Second
)

// Option configures a Store.
type Option func(*Store)

// WithDialTimeout bounds how long the initial connection attempt waits.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// Store is a coordstore.Store backed by Redis.
type Store struct {
	client      *redis.Client
	sessionID   string
	dialTimeout time.Duration

	events  chan coordstore.Event
	closeCh chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	ephemeral map[string]bool
}

// Open connects to the Redis server at addr and starts the session's
// keyspace-notification watcher and ephemeral-node heartbeat.
func Open(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	s := &Store{
		sessionID:   uuid.NewString(),
		dialTimeout: 5 * time.Second,
		events:      make(chan coordstore.Event, 64),
		closeCh:     make(chan struct{}),
		ephemeral:   make(map[string]bool),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: s.dialTimeout,
	})

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	if err := s.client.Ping(dialCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: failed to connect to %s; %w", addr, err)
	}

	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "KEA").Err(); err != nil {
		return nil, fmt.Errorf("redisstore: failed to enable keyspace notifications; %w", err)
	}

	go s.watch()
	go s.heartbeat()

	return s, nil
}

func valueKey(p string) string {
	return valuePrefix + normalize(p)
}

func childrenKey(p string) string {
	return childrenPrefix + normalize(p)
}

func versionKey(p string) string {
	return versionPrefix + normalize(p)
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Create writes a new node at path with the given data. Ancestors are not
// created implicitly; store/watchedcache is responsible for that per
// spec.md's put() ancestor-creation rule.
func (s *Store) Create(ctx context.Context, p string, data []byte, ephemeral bool) error {
	key := valueKey(p)

	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redisstore: create %s failed; %w", p, err)
	}
	if !ok {
		return coordstore.ErrNodeExists
	}

	if err := s.client.Set(ctx, versionKey(p), 1, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: create %s failed initializing version; %w", p, err)
	}

	parent := path.Dir(normalize(p))
	if parent != normalize(p) {
		if err := s.client.SAdd(ctx, childrenKey(parent), path.Base(normalize(p))).Err(); err != nil {
			return fmt.Errorf("redisstore: failed to index %s under parent %s; %w", p, parent, err)
		}
	}

	if ephemeral {
		s.mu.Lock()
		s.ephemeral[normalize(p)] = true
		s.mu.Unlock()
		if err := s.client.Expire(ctx, key, ephemeralTTL).Err(); err != nil {
			return fmt.Errorf("redisstore: failed to arm ephemeral ttl for %s; %w", p, err)
		}
		if err := s.client.Expire(ctx, versionKey(p), ephemeralTTL).Err(); err != nil {
			return fmt.Errorf("redisstore: failed to arm ephemeral ttl for %s version key; %w", p, err)
		}
	}

	return nil
}

// Set overwrites the value at an existing path.
func (s *Store) Set(ctx context.Context, p string, data []byte) error {
	key := valueKey(p)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redisstore: set %s failed; %w", p, err)
	}
	if exists == 0 {
		return coordstore.ErrNodeNotFound
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redisstore: set %s failed reading ttl; %w", p, err)
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s failed; %w", p, err)
	}

	if err := s.client.Incr(ctx, versionKey(p)).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s failed bumping version; %w", p, err)
	}

	if ttl > 0 {
		_ = s.client.Expire(ctx, key, ttl).Err()
		_ = s.client.Expire(ctx, versionKey(p), ttl).Err()
	}

	return nil
}

// Get reads a node's value and stat. The watch parameter is honored by the
// caller re-issuing Get; this adapter's watches are keyspace-notification
// driven and always active once Open has run, so watch only determines
// whether the caller intends to treat the read as (re-)arming interest.
func (s *Store) Get(ctx context.Context, p string, watch bool) ([]byte, coordstore.Stat, error) {
	key := valueKey(p)

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, coordstore.Stat{}, coordstore.ErrNodeNotFound
	}
	if err != nil {
		return nil, coordstore.Stat{}, fmt.Errorf("redisstore: get %s failed; %w", p, err)
	}

	numChildren, err := s.client.SCard(ctx, childrenKey(p)).Result()
	if err != nil {
		return nil, coordstore.Stat{}, fmt.Errorf("redisstore: get %s failed reading children; %w", p, err)
	}

	version, err := s.client.Get(ctx, versionKey(p)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, coordstore.Stat{}, fmt.Errorf("redisstore: get %s failed reading version; %w", p, err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return nil, coordstore.Stat{}, fmt.Errorf("redisstore: get %s failed reading ttl; %w", p, err)
	}

	stat := coordstore.Stat{
		Version:     version,
		NumChildren: int(numChildren),
		Ephemeral:   ttl > 0,
	}
	return data, stat, nil
}

// Children lists the immediate child names of path.
func (s *Store) Children(ctx context.Context, p string, watch bool) ([]string, error) {
	key := valueKey(p)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: children %s failed; %w", p, err)
	}
	if exists == 0 {
		return nil, coordstore.ErrNodeNotFound
	}

	names, err := s.client.SMembers(ctx, childrenKey(p)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: children %s failed; %w", p, err)
	}
	return names, nil
}

// Delete removes path, its ephemeral bookkeeping, and its entry in its
// parent's children index.
func (s *Store) Delete(ctx context.Context, p string) error {
	key := valueKey(p)

	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redisstore: delete %s failed; %w", p, err)
	}
	if n == 0 {
		return coordstore.ErrNodeNotFound
	}

	_ = s.client.Del(ctx, childrenKey(p)).Err()
	_ = s.client.Del(ctx, versionKey(p)).Err()

	norm := normalize(p)
	parent := path.Dir(norm)
	if parent != norm {
		_ = s.client.SRem(ctx, childrenKey(parent), path.Base(norm)).Err()
	}

	s.mu.Lock()
	delete(s.ephemeral, norm)
	s.mu.Unlock()

	return nil
}

// Exists reports whether path currently exists.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	n, err := s.client.Exists(ctx, valueKey(p)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: exists %s failed; %w", p, err)
	}
	return n > 0, nil
}

// Events returns the single watcher sink for this session.
func (s *Store) Events() <-chan coordstore.Event {
	return s.events
}

// Close releases the session: ephemeral nodes are deleted immediately
// rather than left to expire, and the watcher/heartbeat goroutines stop.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.mu.Lock()
		paths := make([]string, 0, len(s.ephemeral))
		for p := range s.ephemeral {
			paths = append(paths, p)
		}
		s.mu.Unlock()

		for _, p := range paths {
			_ = s.Delete(ctx, p)
		}

		err = s.client.Close()
		close(s.events)
	})
	return err
}

// watch subscribes to keyspace notifications for node value and children
// keys, translating Redis's set/del/sadd/srem/expired events into
// coordstore.Event values on the single watcher sink. If the subscription
// drops outside of Close, it reports Disconnected and keeps retrying; a
// reconnect that fails long enough that the session can no longer be
// trusted is reported as SessionExpired so the cache re-bootstraps.
func (s *Store) watch() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	const sessionLostAfter = 2 * time.Minute

	var disconnectedSince time.Time

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		pubsub := s.client.PSubscribe(context.Background(), "__keyevent@0__:*")
		if _, err := pubsub.Receive(context.Background()); err != nil {
			pubsub.Close()
			if disconnectedSince.IsZero() {
				disconnectedSince = time.Now()
				s.emit(coordstore.Disconnected, "")
			} else if time.Since(disconnectedSince) > sessionLostAfter {
				s.emit(coordstore.SessionExpired, "")
				return
			}
			select {
			case <-s.closeCh:
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		disconnectedSince = time.Time{}
		ch := pubsub.Channel()

	receive:
		for {
			select {
			case <-s.closeCh:
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					pubsub.Close()
					break receive
				}
				s.dispatch(msg)
			}
		}
	}
}

func (s *Store) dispatch(msg *redis.Message) {
	op := strings.TrimPrefix(msg.Channel, "__keyevent@0__:")
	key := msg.Payload

	switch {
	case strings.HasPrefix(key, valuePrefix):
		p := strings.TrimPrefix(key, valuePrefix)
		switch op {
		case "set":
			s.emit(coordstore.ChangedValue, p)
		case "del", "expired":
			s.emit(coordstore.Deleted, p)
		}
	case strings.HasPrefix(key, childrenPrefix):
		p := strings.TrimPrefix(key, childrenPrefix)
		switch op {
		case "sadd", "srem":
			s.emit(coordstore.ChangedChildren, p)
		}
	}
}

func (s *Store) emit(kind coordstore.EventKind, p string) {
	select {
	case s.events <- coordstore.Event{Kind: kind, Path: p}:
	case <-s.closeCh:
	}
}

// heartbeat refreshes the TTL of every ephemeral node this session owns so
// they survive for as long as the session stays alive, and expire shortly
// after it does not.
func (s *Store) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.refreshEphemeral()
		}
	}
}

func (s *Store) refreshEphemeral() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.ephemeral))
	for p := range s.ephemeral {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval)
	defer cancel()

	for _, p := range paths {
		_ = s.client.Expire(ctx, valueKey(p), ephemeralTTL).Err()
		_ = s.client.Expire(ctx, versionKey(p), ephemeralTTL).Err()
	}
}
