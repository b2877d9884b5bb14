package watchedcache

import (
	"context"
	"path"
	"sync"

	"github.com/skynetservices/skynet/store/coordstore"
)

// fakeStore is a minimal in-memory coordstore.Store used to exercise the
// cache's snapshot and event-handling logic without a real backend. It
// only emits events when told to by a test via push; it does not simulate
// the watch/re-arm contract on its own.
type fakeStore struct {
	mu        sync.Mutex
	values    map[string][]byte
	versions  map[string]int
	ephemeral map[string]bool
	children  map[string]map[string]bool

	events chan coordstore.Event
	closed bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values:    make(map[string][]byte),
		versions:  make(map[string]int),
		ephemeral: make(map[string]bool),
		children:  make(map[string]map[string]bool),
		events:    make(chan coordstore.Event, 64),
	}
}

func (f *fakeStore) Create(ctx context.Context, p string, data []byte, ephemeral bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.values[p]; ok {
		return coordstore.ErrNodeExists
	}
	f.values[p] = data
	f.versions[p] = 1
	f.ephemeral[p] = ephemeral
	f.children[p] = make(map[string]bool)

	parent := path.Dir(p)
	if parent != p {
		if f.children[parent] == nil {
			f.children[parent] = make(map[string]bool)
		}
		f.children[parent][path.Base(p)] = true
	}
	return nil
}

func (f *fakeStore) Set(ctx context.Context, p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.values[p]; !ok {
		return coordstore.ErrNodeNotFound
	}
	f.values[p] = data
	f.versions[p]++
	return nil
}

func (f *fakeStore) Get(ctx context.Context, p string, watch bool) ([]byte, coordstore.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[p]
	if !ok {
		return nil, coordstore.Stat{}, coordstore.ErrNodeNotFound
	}
	stat := coordstore.Stat{
		Version:     f.versions[p],
		NumChildren: len(f.children[p]),
		Ephemeral:   f.ephemeral[p],
	}
	return v, stat, nil
}

func (f *fakeStore) Children(ctx context.Context, p string, watch bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.children[p]
	if !ok {
		return nil, coordstore.ErrNodeNotFound
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeStore) Delete(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.values[p]; !ok {
		return coordstore.ErrNodeNotFound
	}
	delete(f.values, p)
	delete(f.versions, p)
	delete(f.ephemeral, p)
	delete(f.children, p)

	parent := path.Dir(p)
	if set, ok := f.children[parent]; ok {
		delete(set, path.Base(p))
	}
	return nil
}

func (f *fakeStore) Exists(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[p]
	return ok, nil
}

func (f *fakeStore) Events() <-chan coordstore.Event {
	return f.events
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// push injects a node directly (bypassing Create) and optionally emits an
// event for it, simulating an out-of-band write by another process.
func (f *fakeStore) push(p string, data []byte, parent string) {
	f.mu.Lock()
	f.values[p] = data
	f.versions[p]++
	if f.children[p] == nil {
		f.children[p] = make(map[string]bool)
	}
	if parent != "" {
		if f.children[parent] == nil {
			f.children[parent] = make(map[string]bool)
		}
		f.children[parent][path.Base(p)] = true
	}
	f.mu.Unlock()
}

func (f *fakeStore) emit(ev coordstore.Event) {
	f.events <- ev
}
