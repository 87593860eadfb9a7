package tiercache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/quanvm/tiercache/invalidation"
)

func newTestClient(t *testing.T, mutate func(*Config)) *Client {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.SweepInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.KeyPrefix != "cache:" {
		t.Errorf("KeyPrefix = %q", cfg.KeyPrefix)
	}
	if cfg.DefaultTTL != time.Hour {
		t.Errorf("DefaultTTL = %v", cfg.DefaultTTL)
	}
	if cfg.TierTTLRatio != 0.5 {
		t.Errorf("TierTTLRatio = %v", cfg.TierTTLRatio)
	}
	if cfg.InvalidationChannel != "cache:invalidate" {
		t.Errorf("InvalidationChannel = %q", cfg.InvalidationChannel)
	}
	if cfg.LockLease != 30*time.Second {
		t.Errorf("LockLease = %v", cfg.LockLease)
	}
}

func TestNewWiresFullStack(t *testing.T) {
	client := newTestClient(t, nil)

	if client.Cache == nil || client.Coordinator == nil ||
		client.Invalidation == nil || client.Events == nil {
		t.Fatal("client has unwired components")
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"

	if _, err := New(cfg); err == nil {
		t.Fatal("New succeeded without a reachable Redis")
	}
}

func TestClientRoundTrip(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	type profile struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	in := profile{Name: "alice", Age: 30}
	if !client.Cache.Set(ctx, "users", "42", in, SetOptions{TTL: time.Minute, Tags: []string{"user"}}) {
		t.Fatal("set failed")
	}

	var out profile
	if !client.Cache.Get(ctx, "users", "42", &out) {
		t.Fatal("get missed")
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}

	if n := client.Cache.InvalidateByTags(ctx, []string{"user"}); n != 1 {
		t.Fatalf("invalidated %d entries, want 1", n)
	}
	if client.Cache.Get(ctx, "users", "42", &out) {
		t.Fatal("get hit after tag invalidation")
	}
}

func TestClientSharedTier(t *testing.T) {
	client := newTestClient(t, func(cfg *Config) {
		cfg.EnableSharedTier = true
	})
	ctx := context.Background()

	if !client.Cache.Set(ctx, "", "k", "v", SetOptions{TTL: time.Minute}) {
		t.Fatal("set failed")
	}

	var got string
	if !client.Cache.Get(ctx, "", "k", &got) || got != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

func TestClientWriteAround(t *testing.T) {
	client := newTestClient(t, func(cfg *Config) {
		cfg.WriteAround = true
	})
	ctx := context.Background()

	if !client.Cache.Set(ctx, "", "k", "v", SetOptions{TTL: time.Minute}) {
		t.Fatal("set failed")
	}

	// The value lives on the remote tier only until a read backfills.
	var got string
	if !client.Cache.Get(ctx, "", "k", &got) || got != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

func TestClientDistributedLock(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	ran := false
	err := client.Coordinator.WithLock(ctx, "refresh", time.Minute, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if !ran {
		t.Fatal("critical section did not run")
	}
}

func TestClientNamespaceInvalidation(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	client.Cache.Set(ctx, "books", "1", "old", SetOptions{TTL: time.Minute})
	if !client.Cache.InvalidateNamespace(ctx, "books") {
		t.Fatal("namespace invalidation failed")
	}

	var got string
	if client.Cache.Get(ctx, "books", "1", &got) {
		t.Fatal("get hit after namespace invalidation")
	}
}

func TestPeerObservesOverwrite(t *testing.T) {
	mr := miniredis.RunT(t)

	newNode := func() *Client {
		cfg := DefaultConfig()
		cfg.RedisAddr = mr.Addr()
		cfg.SweepInterval = time.Hour
		client, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		return client
	}

	a := newNode()
	b := newNode()
	ctx := context.Background()

	if !a.Cache.Set(ctx, "", "k", "v1", SetOptions{TTL: time.Minute}) {
		t.Fatal("set failed")
	}

	// The read pulls the value into b's local tier.
	var got string
	if !b.Cache.Get(ctx, "", "k", &got) || got != "v1" {
		t.Fatalf("got %q, want %q", got, "v1")
	}

	if !a.Cache.Set(ctx, "", "k", "v2", SetOptions{TTL: time.Minute}) {
		t.Fatal("overwrite failed")
	}

	// The overwrite broadcast evicts b's local copy; the next read
	// falls through to the shared store.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Cache.Get(ctx, "", "k", &got) && got == "v2" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer still serves %q after overwrite", got)
}

func TestClientEventStrategy(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	strategy := invalidation.NewModelEventStrategy("books", client.Events, "Book", nil, nil)
	if err := client.Invalidation.Register(strategy); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := client.Invalidation.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	client.Cache.Set(ctx, "", "book:1", "x", SetOptions{TTL: time.Minute, Tags: []string{"book"}})
	client.Events.Trigger(invalidation.ModelUpdated("Book"), nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var got string
		if !client.Cache.Get(ctx, "", "book:1", &got) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tagged entry survived the model event")
}
