package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrivanolabs/scrivano/internal/metrics"
	"github.com/scrivanolabs/scrivano/internal/record"
	"github.com/scrivanolabs/scrivano/internal/store"
)

const (
	// DefaultBatchSize is the number of pending actions claimed per
	// execution pass when the config does not say otherwise.
	DefaultBatchSize = 10

	// DefaultHandlerTimeout bounds a single handler execution so one
	// hung external call cannot stall the batch.
	DefaultHandlerTimeout = 30 * time.Second

	// staleClaimFactor scales the handler timeout into the age past which
	// an in_progress claim is treated as orphaned. Generous enough that a
	// slow but live handler can never be reclaimed out from under its
	// executor.
	staleClaimFactor = 4
)

// ExecutorConfig tunes an Executor.
type ExecutorConfig struct {
	// BatchSize is the maximum number of actions claimed per pass.
	BatchSize int

	// HandlerTimeout bounds each handler execution.
	HandlerTimeout time.Duration
}

// BatchResult summarizes one execution or retry pass.
type BatchResult struct {
	// Reset is the number of actions returned to pending before the
	// pass, counting both retried failures and recovered stale claims.
	// Only set by retry sweeps.
	Reset int

	// Claimed is the number of actions claimed for execution.
	Claimed int

	// Completed and Failed partition the claimed actions by outcome.
	Completed int
	Failed    int
}

// Executor drives claimed actions through their capability handlers. It is
// safe for concurrent use, and multiple executors may share one store: the
// claim transition is an atomic compare-and-swap, so an action is only ever
// executed by the claimer.
type Executor struct {
	cfg      ExecutorConfig
	store    store.Store
	handlers Registry

	log *slog.Logger

	now func() time.Time
}

// NewExecutor creates an Executor over the passed store and handler
// registry.
func NewExecutor(cfg ExecutorConfig, s store.Store, handlers Registry,
	log *slog.Logger) *Executor {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}

	return &Executor{
		cfg:      cfg,
		store:    s,
		handlers: handlers,
		log:      log,
		now:      time.Now,
	}
}

// ExecuteBatch claims up to the configured batch size of pending actions
// and executes each one. A handler failure marks that action failed and
// moves on; only store errors abort the pass.
func (e *Executor) ExecuteBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	claimed, err := e.store.ClaimNextActions(
		ctx, e.cfg.BatchSize, e.now(),
	)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}

	res.Claimed = len(claimed)
	metrics.ActionsClaimed.Add(float64(len(claimed)))

	for _, row := range claimed {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if e.executeClaimed(ctx, row) {
			res.Completed++
		} else {
			res.Failed++
		}
	}

	return res, nil
}

// RetrySweep recovers stale in_progress claims, resets up to maxBatch
// failed actions back to pending, and then immediately runs an execution
// pass. Attempt counts are preserved for observability but do not gate
// retries.
func (e *Executor) RetrySweep(ctx context.Context,
	maxBatch int) (BatchResult, error) {

	if maxBatch <= 0 {
		maxBatch = e.cfg.BatchSize
	}

	metrics.RetrySweeps.Inc()

	// An executor that crashed or was cancelled after claiming leaves
	// its actions in_progress with no one to finish them. Claims older
	// than several handler timeouts cannot still be running, so they go
	// back to pending for the next pass.
	cutoff := e.now().Add(-staleClaimFactor * e.cfg.HandlerTimeout)
	stale, err := e.store.ResetStaleActions(ctx, cutoff)
	if err != nil {
		return BatchResult{}, fmt.Errorf("reset stale actions: %w", err)
	}
	if stale > 0 {
		e.log.Warn("reset stale in-progress actions",
			"count", stale, "cutoff", cutoff)
	}

	failed, err := e.store.ListActionsByState(ctx, string(StateFailed),
		maxBatch, 0)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list failed actions: %w",
			err)
	}

	var reset int
	for _, row := range failed {
		ok, err := e.store.ResetActionForRetry(ctx, row.ID)
		if err != nil {
			return BatchResult{}, fmt.Errorf("reset action %d: "+
				"%w", row.ID, err)
		}
		if ok {
			reset++
			metrics.ActionsRetried.Inc()

			e.log.Info("reset failed action for retry",
				"action_id", row.ID,
				"attempt_count", row.AttemptCount)
		}
	}

	res, err := e.ExecuteBatch(ctx)
	res.Reset = reset + int(stale)

	return res, err
}

// ExecuteOne manually triggers a single action. An already completed
// action is a successful no-op. A pending action is claimed and executed.
// Anything else is rejected.
func (e *Executor) ExecuteOne(ctx context.Context, id int64) (Action, error) {
	row, err := e.store.GetAction(ctx, id)
	if err != nil {
		return Action{}, fmt.Errorf("get action %d: %w", id, err)
	}

	switch State(row.State) {
	case StateCompleted:
		// Already done, nothing to redo.
		return FromStore(row)

	case StatePending:

	default:
		return Action{}, fmt.Errorf("action %d is %s: %w",
			id, row.State, ErrNotExecutable)
	}

	ok, err := e.store.ClaimAction(ctx, id, e.now())
	if err != nil {
		return Action{}, fmt.Errorf("claim action %d: %w", id, err)
	}
	if !ok {
		// Another executor got there first.
		return Action{}, fmt.Errorf("action %d was claimed "+
			"concurrently: %w", id, ErrNotExecutable)
	}

	metrics.ActionsClaimed.Inc()
	e.executeClaimed(ctx, row)

	refreshed, err := e.store.GetAction(ctx, id)
	if err != nil {
		return Action{}, fmt.Errorf("get action %d: %w", id, err)
	}

	return FromStore(refreshed)
}

// RetryAction resets a failed action to pending and immediately
// re-attempts it. Only failed actions are retryable.
func (e *Executor) RetryAction(ctx context.Context,
	id int64) (Action, error) {

	ok, err := e.store.ResetActionForRetry(ctx, id)
	if err != nil {
		return Action{}, fmt.Errorf("reset action %d: %w", id, err)
	}
	if !ok {
		row, err := e.store.GetAction(ctx, id)
		if err != nil {
			return Action{}, fmt.Errorf("get action %d: %w",
				id, err)
		}

		return Action{}, fmt.Errorf("action %d is %s: %w",
			id, row.State, ErrNotRetryable)
	}

	metrics.ActionsRetried.Inc()

	return e.ExecuteOne(ctx, id)
}

// CancelAction cancels a pending action. Actions in any other state cannot
// be cancelled.
func (e *Executor) CancelAction(ctx context.Context, id int64) error {
	ok, err := e.store.CancelAction(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel action %d: %w", id, err)
	}
	if !ok {
		row, err := e.store.GetAction(ctx, id)
		if err != nil {
			return fmt.Errorf("get action %d: %w", id, err)
		}

		return fmt.Errorf("action %d is %s, only pending actions "+
			"can be cancelled", id, row.State)
	}

	e.log.Info("cancelled action", "action_id", id)

	return nil
}

// executeClaimed runs one already claimed action to a terminal outcome and
// reports whether it completed. All handler failures, including panics and
// timeouts, land in the failed state with the error recorded.
func (e *Executor) executeClaimed(ctx context.Context,
	row store.Action) bool {

	start := e.now()

	payload, execErr := e.runHandler(ctx, row)

	duration := e.now().Sub(start)
	metrics.ActionDuration.WithLabelValues(row.Type).
		Observe(duration.Seconds())

	if execErr != nil {
		metrics.ActionsExecuted.WithLabelValues(
			row.Type, "failed",
		).Inc()

		e.log.Error("action execution failed",
			"action_id", row.ID,
			"type", row.Type,
			"attempt_count", row.AttemptCount+1,
			"err", execErr)

		err := e.store.MarkActionFailed(ctx, row.ID, execErr.Error())
		if err != nil {
			e.log.Error("unable to mark action failed",
				"action_id", row.ID, "err", err)
		}

		return false
	}

	resultJSON, err := json.Marshal(payload)
	if err != nil {
		resultJSON = []byte("{}")
	}

	err = e.store.MarkActionCompleted(
		ctx, row.ID, string(resultJSON), e.now(),
	)
	if err != nil {
		e.log.Error("unable to mark action completed",
			"action_id", row.ID, "err", err)

		return false
	}

	metrics.ActionsExecuted.WithLabelValues(row.Type, "completed").Inc()

	e.log.Info("action completed",
		"action_id", row.ID,
		"type", row.Type,
		"duration", duration)

	return true
}

// handlerResult carries a handler's outcome across the goroutine that
// isolates it from the batch.
type handlerResult struct {
	payload map[string]any
	err     error
}

// runHandler resolves the handler and record for an action and executes it
// under the configured timeout, converting panics into errors. The handler
// runs in its own goroutine so a call that ignores the context cannot
// stall the batch: when the deadline fires the action fails with a timeout
// error and the in-flight call is abandoned.
func (e *Executor) runHandler(ctx context.Context,
	row store.Action) (map[string]any, error) {

	act, err := FromStore(row)
	if err != nil {
		return nil, err
	}

	handler, ok := e.handlers[act.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, act.Type)
	}

	recRow, err := e.store.GetRecord(ctx, act.RecordID)
	if err != nil {
		return nil, fmt.Errorf("load record %d: %w",
			act.RecordID, err)
	}

	rec, err := record.FromStore(recRow)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	resCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- handlerResult{
					err: fmt.Errorf("handler panic: %v",
						r),
				}
			}
		}()

		payload, err := handler.Execute(execCtx, rec, act.Params)
		resCh <- handlerResult{payload: payload, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			if errors.Is(execCtx.Err(),
				context.DeadlineExceeded) {

				return nil, fmt.Errorf("handler timed out "+
					"after %v: %w", e.cfg.HandlerTimeout,
					res.err)
			}

			return nil, res.err
		}

		return res.payload, nil

	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("handler timed out after %v",
				e.cfg.HandlerTimeout)
		}

		return nil, execCtx.Err()
	}
}
