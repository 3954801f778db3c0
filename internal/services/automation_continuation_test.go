package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveContinuation(t *testing.T, store *ContinuationStore, id string, resumeAt time.Time) {
	t.Helper()
	err := store.Save(context.Background(), &Continuation{
		ID:          id,
		ExecutionID: "exec-" + id,
		TenantID:    "acme",
		RuleID:      1,
		Event:       leadCreated("acme", "lead-1", map[string]Value{"email": StringValue("a@b.c")}),
		Remaining:   []ActionSpec{emailAction("email", "nudge")},
		ResumeAt:    resumeAt,
	})
	require.NoError(t, err)
}

func TestContinuationStore_SaveAndGet(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	saveContinuation(t, store, "c1", testNow)

	c, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, ContinuationPending, c.Status)
	assert.Equal(t, "lead-1", c.Event.EntityID)
	assert.Equal(t, StringValue("a@b.c"), c.Event.Fields["email"])
	require.Len(t, c.Remaining, 1)
	assert.Equal(t, "nudge", c.Remaining[0].Email.Template)
}

func TestContinuationStore_ClaimOnce(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	saveContinuation(t, store, "c1", testNow)
	ctx := context.Background()

	first, err := store.Claim(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, ContinuationRunning, first.Status)
	assert.Equal(t, 1, first.Attempts)

	second, err := store.Claim(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, store.Release(ctx, "c1", errors.New("boom")))
	again, err := store.Claim(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	require.NoError(t, store.Complete(ctx, "c1"))
	done, err := store.Claim(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestContinuationStore_Due(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	saveContinuation(t, store, "late", testNow.Add(2*time.Hour))
	saveContinuation(t, store, "older", testNow.Add(-2*time.Hour))
	saveContinuation(t, store, "recent", testNow.Add(-time.Hour))
	ctx := context.Background()

	ids, err := store.Due(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"older", "recent"}, ids)

	ids, err = store.Due(ctx, testNow, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"older"}, ids)

	_, err = store.Claim(ctx, "older")
	require.NoError(t, err)
	ids, err = store.Due(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, ids)
}

func TestContinuationStore_ClaimStale(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	saveContinuation(t, store, "running", testNow)
	saveContinuation(t, store, "pending", testNow)
	ctx := context.Background()

	_, err := store.Claim(ctx, "running")
	require.NoError(t, err)

	stale, err := store.ClaimStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale, "recently claimed rows are still in flight")

	stale, err = store.ClaimStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "running", stale[0].ID)
	assert.Equal(t, ContinuationDone, stale[0].Status)
	require.Len(t, stale[0].Remaining, 1)

	again, err := store.ClaimStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)

	c, err := store.Get(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, ContinuationPending, c.Status)
}

type fakeResumer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *fakeResumer) Resume(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

type fakeRecoverer struct {
	fakeResumer
	cutoffs []time.Time
}

func (r *fakeRecoverer) RecoverInterrupted(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, olderThan)
	return 0, nil
}

func TestContinuationPoller_PollOnce(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	for _, id := range []string{"a", "b", "c"} {
		saveContinuation(t, store, id, testNow.Add(-time.Minute))
	}
	saveContinuation(t, store, "future", testNow.Add(time.Hour))

	resumer := &fakeResumer{err: errors.New("resume failed")}
	poller := NewContinuationPoller(store, resumer, time.Second, 2, 2, quietLogger())
	poller.now = func() time.Time { return testNow }

	n, err := poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	resumer.mu.Lock()
	assert.Len(t, resumer.ids, 2)
	assert.NotContains(t, resumer.ids, "future")
	resumer.mu.Unlock()

	assert.NoError(t, poller.Schedule(context.Background(), &Continuation{ID: "x"}))
}

func TestContinuationPoller_RunStopsOnCancel(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	poller := NewContinuationPoller(store, &fakeResumer{}, 10*time.Millisecond, 10, 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestContinuationPoller_RunSweepsInterruptedAtStartup(t *testing.T) {
	store := NewContinuationStore(newAutomationTestDB(t))
	recoverer := &fakeRecoverer{}
	poller := NewContinuationPoller(store, recoverer, time.Hour, 10, 1, quietLogger())
	poller.now = func() time.Time { return testNow }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		recoverer.mu.Lock()
		defer recoverer.mu.Unlock()
		return len(recoverer.cutoffs) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	recoverer.mu.Lock()
	defer recoverer.mu.Unlock()
	assert.Equal(t, testNow.Add(-ContinuationStaleAfter), recoverer.cutoffs[0])
}
