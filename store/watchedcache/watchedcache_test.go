package watchedcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skynetservices/skynet/store/coordstore"
)

func TestCache_PutThenGet(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	if err := cache.Put(context.Background(), "echo/1.0/region/uuid1/addr", []byte("10.0.0.1:9000")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	value, ok := cache.Get("echo/1.0/region/uuid1/addr")
	if !ok {
		t.Fatal("Get() ok = false, want true after Put")
	}
	if string(value) != "10.0.0.1:9000" {
		t.Errorf("Get() = %q, want %q", value, "10.0.0.1:9000")
	}
}

func TestCache_Put_CreatesMissingAncestors(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	if err := cache.Put(context.Background(), "echo/1.0/region/uuid1/addr", []byte("v")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	exists, err := store.Exists(context.Background(), "/services/echo/1.0/region/uuid1")
	if err != nil {
		t.Fatalf("Exists() returned error: %v", err)
	}
	if !exists {
		t.Error("ancestor node was not created by Put")
	}
}

func TestCache_EachPair_SkipsEmptyIntermediates(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	_ = cache.Put(ctx, "a/leaf1", []byte("v1"))
	_ = cache.Put(ctx, "a/b/leaf2", []byte("v2"))

	// Re-snapshot so the cache's in-memory state reflects everything
	// just written through the store directly (Put already updates
	// cache.nodes for the paths it touches via store calls routed
	// through the same store, but the initial bootstrap ran before
	// these writes existed).
	cache2, err := Open(ctx, store, "/services")
	if err != nil {
		t.Fatalf("second Open() returned error: %v", err)
	}
	defer cache2.Close()

	pairs := cache2.EachPair("a")
	if len(pairs) != 2 {
		t.Fatalf("EachPair() returned %d pairs, want 2: %+v", len(pairs), pairs)
	}
	// EachPair returns pairs sorted lexicographically by relative path, so
	// "a/b/leaf2" sorts before "a/leaf1" ('b' < 'l').
	if pairs[0].Relative != "a/b/leaf2" || string(pairs[0].Value) != "v2" {
		t.Errorf("pairs[0] = %+v, want {a/b/leaf2 v2}", pairs[0])
	}
	if pairs[1].Relative != "a/leaf1" || string(pairs[1].Value) != "v1" {
		t.Errorf("pairs[1] = %+v, want {a/leaf1 v1}", pairs[1])
	}
}

func TestCache_OnUpdate_FiresOnChangedValue(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "node", []byte("v1")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	type delivery struct {
		value   []byte
		version int
	}
	received := make(chan delivery, 1)
	unsubscribe := cache.OnUpdate("node", func(relative string, value []byte, version int) {
		received <- delivery{value, version}
	})
	defer unsubscribe()

	_ = store.Set(ctx, "/services/node", []byte("v2"))
	store.emit(coordstore.Event{Kind: coordstore.ChangedValue, Path: "/services/node"})

	select {
	case d := <-received:
		if string(d.value) != "v2" {
			t.Errorf("OnUpdate delivered %q, want %q", d.value, "v2")
		}
		if d.version != 2 {
			t.Errorf("OnUpdate delivered version %d, want 2", d.version)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnUpdate callback")
	}
}

func TestCache_OnUpdate_DetectsVersionGapAcrossCoalescedWrites(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "node", []byte("v1")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	received := make(chan int, 1)
	unsubscribe := cache.OnUpdate("node", func(relative string, value []byte, version int) {
		received <- version
	})
	defer unsubscribe()

	// Two writes land between the event that fires and the re-arm read,
	// so the watcher only observes one ChangedValue notification but the
	// version jumps by two.
	_ = store.Set(ctx, "/services/node", []byte("v2"))
	_ = store.Set(ctx, "/services/node", []byte("v3"))
	store.emit(coordstore.Event{Kind: coordstore.ChangedValue, Path: "/services/node"})

	select {
	case version := <-received:
		if version != 3 {
			t.Errorf("OnUpdate delivered version %d, want 3 (latest, despite the gap)", version)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnUpdate callback")
	}
}

func TestCache_OnDelete_FiresOnDeletedEvent(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "node", []byte("v1")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	var fired atomic.Bool
	unsubscribe := cache.OnDelete("node", func(relative string, value []byte, version int) {
		fired.Store(true)
	})
	defer unsubscribe()

	store.emit(coordstore.Event{Kind: coordstore.Deleted, Path: "/services/node"})
	time.Sleep(50 * time.Millisecond)

	if !fired.Load() {
		t.Error("OnDelete callback was not invoked")
	}

	if _, ok := cache.Get("node"); ok {
		t.Error("Get() still reports node present after Deleted event")
	}
}

func TestCache_OnCreate_SpecificBeforeWildcard(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	var order []string
	unsubSpecific := cache.OnCreate("parent/child", func(relative string, value []byte, version int) {
		order = append(order, "specific")
	})
	defer unsubSpecific()
	unsubWildcard := cache.OnCreate("*", func(relative string, value []byte, version int) {
		order = append(order, "wildcard")
	})
	defer unsubWildcard()

	ctx := context.Background()
	if err := cache.Put(ctx, "parent", []byte("p")); err != nil {
		t.Fatalf("Put(parent) returned error: %v", err)
	}

	store.push("/services/parent/child", []byte("c"), "/services/parent")
	store.emit(coordstore.Event{Kind: coordstore.ChangedChildren, Path: "/services/parent"})

	time.Sleep(50 * time.Millisecond)

	if len(order) != 2 {
		t.Fatalf("order = %v, want 2 entries", order)
	}
	if order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("order = %v, want [specific wildcard]", order)
	}
}

func TestCache_Delete_RemovesEmptyParents(t *testing.T) {
	store := newFakeStore()
	cache, err := Open(context.Background(), store, "/services")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "a/b/leaf", []byte("v")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	if err := cache.Delete(ctx, "a/b/leaf", true); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}

	for _, p := range []string{"/services/a/b/leaf", "/services/a/b", "/services/a"} {
		exists, err := store.Exists(ctx, p)
		if err != nil {
			t.Fatalf("Exists(%s) returned error: %v", p, err)
		}
		if exists {
			t.Errorf("%s still exists after Delete with removeEmptyParents", p)
		}
	}
}
