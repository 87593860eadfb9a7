package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanvm/tiercache/cache"
	"github.com/quanvm/tiercache/types"
)

func newTestCoordinator(t *testing.T, mr *miniredis.Miniredis) *Coordinator {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := New(client, Config{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return c
}

// recordingApplier captures what the listener replays locally.
type recordingApplier struct {
	mu       sync.Mutex
	deletes  []string
	clears   []string
	tagCalls [][]string
	dropped  []string
}

func (r *recordingApplier) Delete(_ context.Context, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, key)
	return true
}

func (r *recordingApplier) Clear(_ context.Context, pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears = append(r.clears, pattern)
	return 1
}

func (r *recordingApplier) InvalidateByTags(_ context.Context, tags []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tagCalls = append(r.tagCalls, tags)
	return len(tags)
}

func (r *recordingApplier) DropNamespaceVersion(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, namespace)
}

func (r *recordingApplier) snapshot() (deletes, clears, dropped []string, tagCalls [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deletes...),
		append([]string(nil), r.clears...),
		append([]string(nil), r.dropped...),
		append([][]string(nil), r.tagCalls...)
}

func TestCoordinatorRequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)
	ctx := context.Background()

	token, err := c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, c.NodeID()+":"))

	require.NoError(t, c.ReleaseLock(ctx, "job", token))

	// Released locks are immediately re-acquirable.
	token2, err := c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestAcquireLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	_, err := a.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	_, err = b.AcquireLock(ctx, "job", time.Minute)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestReleaseLockWrongToken(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)
	ctx := context.Background()

	token, err := c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, c.ReleaseLock(ctx, "job", "bogus"), ErrNotHeld)

	// The real holder can still release.
	assert.NoError(t, c.ReleaseLock(ctx, "job", token))
}

func TestReleaseLockNeverAcquired(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)

	assert.ErrorIs(t, c.ReleaseLock(context.Background(), "nope", "token"), ErrNotHeld)
}

func TestLeaseExpiryReclaimsLock(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	tokenA, err := a.AcquireLock(ctx, "job", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = b.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	// A's lease expired and the key is owned elsewhere now.
	assert.ErrorIs(t, a.ReleaseLock(ctx, "job", tokenA), ErrNotHeld)
}

func TestAcquireLockWaitTimesOut(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)

	_, err := a.AcquireLock(context.Background(), "job", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = b.AcquireLockWait(ctx, "job", time.Minute)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestAcquireLockWaitSucceedsAfterRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	token, err := a.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		a.ReleaseLock(ctx, "job", token)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err = b.AcquireLockWait(waitCtx, "job", time.Minute)
	assert.NoError(t, err)
}

func TestWithLock(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)
	ctx := context.Background()

	ran := false
	err := c.WithLock(ctx, "job", time.Minute, func() error {
		ran = true

		// Held for the duration of fn.
		_, lockErr := c.AcquireLock(ctx, "job", time.Minute)
		assert.ErrorIs(t, lockErr, ErrLockUnavailable)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released on return.
	_, err = c.AcquireLock(ctx, "job", time.Minute)
	assert.NoError(t, err)
}

func TestWithLockPropagatesError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)
	ctx := context.Background()

	wantErr := assert.AnError
	err := c.WithLock(ctx, "job", time.Minute, func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// Still released despite the failure.
	_, err = c.AcquireLock(ctx, "job", time.Minute)
	assert.NoError(t, err)
}

func TestPublishInvalidationEventShape(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)
	ctx := context.Background()

	sub := c.client.Subscribe(ctx, "cache:invalidate")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.PublishInvalidation(ctx, types.OpDelete, "books:1:42"))

	select {
	case msg := <-sub.Channel():
		var event types.InvalidationEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, types.OpDelete, event.Op)
		assert.Equal(t, "books:1:42", event.Payload)
		assert.Equal(t, c.NodeID(), event.Origin)
		assert.NotZero(t, event.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestListenerAppliesPeerEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	rec := &recordingApplier{}
	b.SetApplier(rec)
	b.SetVersionDropper(rec)

	require.NoError(t, b.StartListener(ctx))
	t.Cleanup(func() { b.StopListener() })

	require.NoError(t, a.PublishInvalidation(ctx, types.OpDelete, "books:1:42"))
	require.NoError(t, a.PublishInvalidation(ctx, types.OpClearPattern, "books:1:*"))
	require.NoError(t, a.PublishInvalidation(ctx, types.OpInvalidateTags, `["author:7"]`))
	require.NoError(t, a.PublishInvalidation(ctx, types.OpInvalidateNamespace, "books"))

	require.Eventually(t, func() bool {
		deletes, clears, dropped, tagCalls := rec.snapshot()
		return len(deletes) == 1 && len(clears) == 1 && len(dropped) == 1 && len(tagCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	deletes, clears, dropped, tagCalls := rec.snapshot()
	assert.Equal(t, []string{"books:1:42"}, deletes)
	assert.Equal(t, []string{"books:1:*"}, clears)
	assert.Equal(t, []string{"books"}, dropped)
	assert.Equal(t, [][]string{{"author:7"}}, tagCalls)
}

func TestListenerIgnoresOwnEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)
	ctx := context.Background()

	rec := &recordingApplier{}
	c.SetApplier(rec)

	require.NoError(t, c.StartListener(ctx))
	t.Cleanup(func() { c.StopListener() })

	require.NoError(t, c.PublishInvalidation(ctx, types.OpDelete, "books:1:42"))

	time.Sleep(100 * time.Millisecond)
	deletes, _, _, _ := rec.snapshot()
	assert.Empty(t, deletes)
}

func TestStopListenerTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCoordinator(t, mr)

	require.NoError(t, c.StartListener(context.Background()))
	require.NoError(t, c.StopListener())
	assert.NoError(t, c.StopListener())
}

func TestListenerSurvivesMalformedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	rec := &recordingApplier{}
	b.SetApplier(rec)

	require.NoError(t, b.StartListener(ctx))
	t.Cleanup(func() { b.StopListener() })

	require.NoError(t, a.client.Publish(ctx, "cache:invalidate", "not json").Err())
	require.NoError(t, a.PublishInvalidation(ctx, types.OpDelete, "still-works"))

	require.Eventually(t, func() bool {
		deletes, _, _, _ := rec.snapshot()
		return len(deletes) == 1 && deletes[0] == "still-works"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorDeleteAppliesRemoteThenPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	shared := cache.NewMemoryStore(cache.MemoryStoreConfig{MaxSize: 10, SweepInterval: time.Hour})
	t.Cleanup(func() { shared.Close() })
	a.SetRemote(shared)

	rec := &recordingApplier{}
	b.SetApplier(rec)
	require.NoError(t, b.StartListener(ctx))
	t.Cleanup(func() { b.StopListener() })

	shared.Set(ctx, "k", []byte("v"), cache.SetOptions{TTL: time.Minute})
	assert.True(t, a.Delete(ctx, "k"))
	assert.False(t, shared.Exists(ctx, "k"))

	require.Eventually(t, func() bool {
		deletes, _, _, _ := rec.snapshot()
		return len(deletes) == 1 && deletes[0] == "k"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorInvalidateByTagsBroadcastsJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr)
	b := newTestCoordinator(t, mr)
	ctx := context.Background()

	rec := &recordingApplier{}
	b.SetApplier(rec)
	require.NoError(t, b.StartListener(ctx))
	t.Cleanup(func() { b.StopListener() })

	a.InvalidateByTags(ctx, []string{"book", "author:7"})

	require.Eventually(t, func() bool {
		_, _, _, tagCalls := rec.snapshot()
		return len(tagCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, _, tagCalls := rec.snapshot()
	assert.Equal(t, [][]string{{"book", "author:7"}}, tagCalls)
}
