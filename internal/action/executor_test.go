package action

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrivanolabs/scrivano/internal/record"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// fakeHandler is a scriptable capability handler that counts invocations.
type fakeHandler struct {
	typ Type

	mu    sync.Mutex
	calls int

	execute func(ctx context.Context, rec record.Record,
		params map[string]string) (map[string]any, error)
}

func (f *fakeHandler) Type() Type {
	return f.typ
}

func (f *fakeHandler) Execute(ctx context.Context, rec record.Record,
	params map[string]string) (map[string]any, error) {

	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.execute != nil {
		return f.execute(ctx, rec, params)
	}

	return map[string]any{"ok": true}, nil
}

func (f *fakeHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type executorHarness struct {
	store *store.MockStore
	exec  *Executor

	tagger    *fakeHandler
	forwarder *fakeHandler

	recordID int64
}

func newExecutorHarness(t *testing.T, cfg ExecutorConfig) *executorHarness {
	t.Helper()

	h := &executorHarness{
		store:     store.NewMockStore(),
		tagger:    &fakeHandler{typ: TypeTag},
		forwarder: &fakeHandler{typ: TypeForward},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.exec = NewExecutor(
		cfg, h.store, NewRegistry(h.tagger, h.forwarder), log,
	)

	rec, err := h.store.CreateRecord(
		context.Background(), store.CreateRecordParams{
			MessageID: "<exec@example.com>",
			Sender:    "preside@scuola.it",
			Subject:   "Convocazione",
		},
	)
	require.NoError(t, err)
	h.recordID = rec.ID

	return h
}

func (h *executorHarness) enqueue(t *testing.T, typ Type,
	key string) store.Action {

	t.Helper()

	act, err := h.store.CreateAction(
		context.Background(), store.CreateActionParams{
			RecordID:       h.recordID,
			IdempotencyKey: key,
			Type:           string(typ),
			ParamsJSON:     `{"tag-name":"x","to":"a@b.it"}`,
		},
	)
	require.NoError(t, err)

	return act
}

// TestExecuteBatchIsolation verifies one failing handler does not stop the
// rest of the batch.
func TestExecuteBatchIsolation(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	h.forwarder.execute = func(context.Context, record.Record,
		map[string]string) (map[string]any, error) {

		return nil, errors.New("smtp unreachable")
	}

	ok1 := h.enqueue(t, TypeTag, "b-1")
	bad := h.enqueue(t, TypeForward, "b-2")
	ok2 := h.enqueue(t, TypeTag, "b-3")

	res, err := h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, BatchResult{
		Claimed:   3,
		Completed: 2,
		Failed:    1,
	}, res)

	for _, id := range []int64{ok1.ID, ok2.ID} {
		row, err := h.store.GetAction(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "completed", row.State)
		require.Equal(t, `{"ok":true}`, row.ResultJSON)
	}

	row, err := h.store.GetAction(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
	require.Equal(t, "smtp unreachable", row.LastError)
	require.Equal(t, int64(1), row.AttemptCount)

	// Nothing left to claim.
	res, err = h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Claimed)
}

// TestExecuteBatchUnknownType verifies an action with no registered
// handler fails cleanly.
func TestExecuteBatchUnknownType(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	act, err := h.store.CreateAction(ctx, store.CreateActionParams{
		RecordID:       h.recordID,
		IdempotencyKey: "u-1",
		Type:           "teleport",
		ParamsJSON:     "{}",
	})
	require.NoError(t, err)

	_, err = h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)

	row, err := h.store.GetAction(ctx, act.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
	require.Contains(t, row.LastError, "unknown action type")
}

// TestExecuteOne covers the manual trigger paths.
func TestExecuteOne(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	t.Run("nonexistent id", func(t *testing.T) {
		_, err := h.exec.ExecuteOne(ctx, 9999)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("pending runs once", func(t *testing.T) {
		act := h.enqueue(t, TypeTag, "one-1")

		done, err := h.exec.ExecuteOne(ctx, act.ID)
		require.NoError(t, err)
		require.Equal(t, StateCompleted, done.State)
		require.Equal(t, true, done.Result["ok"])
		require.Equal(t, 1, h.tagger.callCount())
	})

	t.Run("completed is a no-op", func(t *testing.T) {
		act := h.enqueue(t, TypeTag, "one-2")

		_, err := h.exec.ExecuteOne(ctx, act.ID)
		require.NoError(t, err)

		before := h.tagger.callCount()

		again, err := h.exec.ExecuteOne(ctx, act.ID)
		require.NoError(t, err)
		require.Equal(t, StateCompleted, again.State)

		// The handler was not re-invoked.
		require.Equal(t, before, h.tagger.callCount())
	})

	t.Run("cancelled is rejected", func(t *testing.T) {
		act := h.enqueue(t, TypeTag, "one-3")
		require.NoError(t, h.exec.CancelAction(ctx, act.ID))

		_, err := h.exec.ExecuteOne(ctx, act.ID)
		require.ErrorIs(t, err, ErrNotExecutable)
	})
}

// TestRetryAfterRepeatedFailure drives an action through two failed
// attempts and a successful third, checking the attempt accounting.
func TestRetryAfterRepeatedFailure(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	failing := true
	h.tagger.execute = func(context.Context, record.Record,
		map[string]string) (map[string]any, error) {

		if failing {
			return nil, errors.New("transient")
		}

		return map[string]any{"tagged": true}, nil
	}

	act := h.enqueue(t, TypeTag, "retry-1")

	// Two failing passes: one from the batch loop, one via retry.
	_, err := h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)

	_, err = h.exec.RetryAction(ctx, act.ID)
	require.NoError(t, err)

	row, err := h.store.GetAction(ctx, act.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
	require.Equal(t, int64(2), row.AttemptCount)
	require.Equal(t, "transient", row.LastError)

	// The third attempt succeeds.
	failing = false

	done, err := h.exec.RetryAction(ctx, act.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)
	require.Equal(t, int64(3), done.AttemptCount)
	require.Empty(t, done.LastError)
	require.Equal(t, true, done.Result["tagged"])
}

// TestRetryActionRejectsNonFailed verifies retry only applies to failed
// actions.
func TestRetryActionRejectsNonFailed(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	act := h.enqueue(t, TypeTag, "retry-2")

	_, err := h.exec.RetryAction(ctx, act.ID)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.exec.ExecuteOne(ctx, act.ID)
	require.NoError(t, err)

	_, err = h.exec.RetryAction(ctx, act.ID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

// TestRetrySweep verifies failed actions are reset and re-executed in one
// pass.
func TestRetrySweep(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	attempts := make(map[string]int)
	var mu sync.Mutex
	h.tagger.execute = func(_ context.Context, _ record.Record,
		params map[string]string) (map[string]any, error) {

		mu.Lock()
		defer mu.Unlock()

		attempts[params["tag-name"]]++
		if attempts[params["tag-name"]] == 1 {
			return nil, errors.New("first attempt fails")
		}

		return map[string]any{"ok": true}, nil
	}

	mkTag := func(key, tag string) store.Action {
		act, err := h.store.CreateAction(
			ctx, store.CreateActionParams{
				RecordID:       h.recordID,
				IdempotencyKey: key,
				Type:           string(TypeTag),
				ParamsJSON:     `{"tag-name":"` + tag + `"}`,
			},
		)
		require.NoError(t, err)

		return act
	}
	a1 := mkTag("sweep-1", "uno")
	a2 := mkTag("sweep-2", "due")

	res, err := h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)

	res, err = h.exec.RetrySweep(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, BatchResult{
		Reset:     2,
		Claimed:   2,
		Completed: 2,
	}, res)

	for _, id := range []int64{a1.ID, a2.ID} {
		row, err := h.store.GetAction(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "completed", row.State)
		require.Equal(t, int64(2), row.AttemptCount)
	}

	// A sweep over an empty failed set is a no-op.
	res, err = h.exec.RetrySweep(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, BatchResult{}, res)
}

// TestRetrySweepRecoversStaleClaims verifies actions orphaned in the
// in_progress state by a dead executor are returned to pending by the sweep
// and executed, while fresh claims are left to their owner.
func TestRetrySweepRecoversStaleClaims(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	orphaned := h.enqueue(t, TypeTag, "orphan-1")
	owned := h.enqueue(t, TypeTag, "owned-1")

	// An executor claimed both and died an hour ago on the first; the
	// second was claimed just now by a live executor.
	ok, err := h.store.ClaimAction(
		ctx, orphaned.ID, time.Now().Add(-time.Hour),
	)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.store.ClaimAction(ctx, owned.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.exec.RetrySweep(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, BatchResult{
		Reset:     1,
		Claimed:   1,
		Completed: 1,
	}, res)

	row, err := h.store.GetAction(ctx, orphaned.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", row.State)
	require.Equal(t, int64(2), row.AttemptCount)

	row, err = h.store.GetAction(ctx, owned.ID)
	require.NoError(t, err)
	require.Equal(t, "in_progress", row.State)
	require.Equal(t, int64(1), row.AttemptCount)

	require.Equal(t, 1, h.tagger.callCount())
}

// TestHandlerTimeout verifies a hung handler is cut off and the action
// marked failed with a timeout error.
func TestHandlerTimeout(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{
		HandlerTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	h.tagger.execute = func(ctx context.Context, _ record.Record,
		_ map[string]string) (map[string]any, error) {

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{"ok": true}, nil
		}
	}

	act := h.enqueue(t, TypeTag, "slow-1")

	_, err := h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)

	row, err := h.store.GetAction(ctx, act.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
	require.Contains(t, row.LastError, "timed out")
}

// TestHandlerIgnoringContextCannotStallBatch verifies the timeout holds
// even for a handler that never looks at its context: the batch moves on,
// the action fails with a timeout error, and the abandoned call finishes
// in the background without effect.
func TestHandlerIgnoringContextCannotStallBatch(t *testing.T) {
	t.Parallel()

	const timeout = 20 * time.Millisecond

	h := newExecutorHarness(t, ExecutorConfig{
		HandlerTimeout: timeout,
	})
	ctx := context.Background()

	release := make(chan struct{})
	h.tagger.execute = func(_ context.Context, _ record.Record,
		_ map[string]string) (map[string]any, error) {

		<-release
		return map[string]any{"ok": true}, nil
	}

	act := h.enqueue(t, TypeTag, "deaf-1")
	healthy := h.enqueue(t, TypeForward, "deaf-2")

	start := time.Now()
	res, err := h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second,
		"batch must not wait for the hung handler")
	require.Equal(t, 2, res.Claimed)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 1, res.Failed)

	row, err := h.store.GetAction(ctx, act.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
	require.Contains(t, row.LastError, "timed out")

	// The rest of the batch still ran.
	healthyRow, err := h.store.GetAction(ctx, healthy.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", healthyRow.State)

	// Let the abandoned call finish; the failed state must stand.
	close(release)
	require.Eventually(t, func() bool {
		return h.tagger.callCount() == 1
	}, time.Second, time.Millisecond)

	row, err = h.store.GetAction(ctx, act.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
}

// TestHandlerPanicIsolation verifies a panicking handler is converted into
// a failed action instead of taking down the executor.
func TestHandlerPanicIsolation(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	ctx := context.Background()

	h.tagger.execute = func(context.Context, record.Record,
		map[string]string) (map[string]any, error) {

		panic("handler bug")
	}

	bad := h.enqueue(t, TypeTag, "panic-1")
	good := h.enqueue(t, TypeForward, "panic-2")

	res, err := h.exec.ExecuteBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 1, res.Failed)

	row, err := h.store.GetAction(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.State)
	require.Contains(t, row.LastError, "handler panic")

	row, err = h.store.GetAction(ctx, good.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", row.State)
}
