package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrivanolabs/scrivano/internal/condition"
	"github.com/scrivanolabs/scrivano/internal/db"
	"github.com/scrivanolabs/scrivano/internal/metrics"
	"github.com/scrivanolabs/scrivano/internal/record"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// Outcome reports the result of evaluating one rule against a record.
type Outcome struct {
	RuleID   int64
	RuleName string

	Matched bool

	// ActionIDs are the pending actions enqueued for this match.
	ActionIDs []int64
}

// Engine evaluates active rules against records and enqueues the resulting
// actions. All writes of one evaluation pass happen in a single
// transaction, so the rule counters and the enqueued actions cannot drift
// apart.
type Engine struct {
	store store.Store
	eval  *condition.Evaluator

	log *slog.Logger

	now func() time.Time
}

// NewEngine creates an Engine over the passed store.
func NewEngine(s store.Store, log *slog.Logger) *Engine {
	return &Engine{
		store: s,
		eval:  condition.NewEvaluator(log),
		log:   log,
		now:   time.Now,
	}
}

// EvaluateRecord runs every active rule against the record in priority
// order and persists an action for each matched spec. A single rule's
// parse or evaluation failure is logged and treated as a non-match; only
// store failures abort the pass.
func (e *Engine) EvaluateRecord(ctx context.Context,
	recordID int64) ([]Outcome, error) {

	var outcomes []Outcome

	err := e.store.WithTx(ctx, func(ctx context.Context,
		tx store.Store) error {

		recRow, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return fmt.Errorf("load record %d: %w", recordID, err)
		}

		rec, err := record.FromStore(recRow)
		if err != nil {
			return err
		}

		rules, err := tx.ListActiveRules(ctx)
		if err != nil {
			return fmt.Errorf("list active rules: %w", err)
		}

		for _, row := range rules {
			outcome, stop, err := e.applyRule(ctx, tx, row, rec)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)

			if stop {
				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcomes, nil
}

// applyRule evaluates one rule and, on a match, enqueues its actions and
// bumps the rule counters. It reports whether evaluation of lower priority
// rules should stop. A persistence error aborts the whole pass so the
// surrounding transaction rolls back rather than committing partial state.
func (e *Engine) applyRule(ctx context.Context, tx store.Store,
	row store.Rule, rec record.Record) (Outcome, bool, error) {

	outcome := Outcome{
		RuleID:   row.ID,
		RuleName: row.Name,
	}

	metrics.RulesEvaluated.Inc()

	parsed, err := FromStore(row)
	if err != nil {
		// A rule that no longer parses is skipped, not fatal for
		// the record.
		metrics.RuleEvalErrors.Inc()
		e.log.Error("skipping unparsable rule",
			"rule_id", row.ID,
			"rule_name", row.Name,
			"err", err)

		return outcome, false, nil
	}

	if !e.eval.Evaluate(parsed.Condition, rec) {
		return outcome, false, nil
	}

	outcome.Matched = true
	metrics.RulesMatched.Inc()

	e.log.Info("rule matched",
		"rule_id", row.ID,
		"rule_name", row.Name,
		"record_id", rec.ID)

	for i, spec := range parsed.ActionSpecs {
		id, err := e.enqueueAction(ctx, tx, parsed, rec, i, spec)
		if err != nil {
			metrics.RuleEvalErrors.Inc()

			return outcome, false, fmt.Errorf("enqueue action "+
				"%v for rule %d: %w", spec.Type, row.ID, err)
		}
		if id != 0 {
			outcome.ActionIDs = append(outcome.ActionIDs, id)
		}
	}

	if err := tx.MarkRuleApplied(ctx, row.ID, e.now()); err != nil {
		return outcome, false, fmt.Errorf("mark rule %d applied: %w",
			row.ID, err)
	}

	return outcome, condition.StopOnMatch(parsed.Condition), nil
}

// enqueueAction materializes one action spec into a pending action. The
// idempotency key is derived from the rule, record and spec position, so
// re-evaluating a record cannot enqueue the same action twice. A duplicate
// returns id 0 with no error.
func (e *Engine) enqueueAction(ctx context.Context, tx store.Store,
	parsed Rule, rec record.Record, idx int,
	spec ActionSpec) (int64, error) {

	params := ResolveParams(spec.Params, rec)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("encode params: %w", err)
	}

	key := fmt.Sprintf("rule-%d:record-%d:%d", parsed.ID, rec.ID, idx)

	created, err := tx.CreateAction(ctx, store.CreateActionParams{
		RecordID:       rec.ID,
		RuleID:         &parsed.ID,
		IdempotencyKey: key,
		Type:           string(spec.Type),
		ParamsJSON:     string(paramsJSON),
	})
	if err != nil {
		if db.IsUniqueConstraintError(err) {
			e.log.Debug("action already enqueued",
				"idempotency_key", key)

			return 0, nil
		}

		return 0, err
	}

	return created.ID, nil
}

// TestRule is a pure dry run: it evaluates the rule's condition against
// the record and reports the result without enqueueing actions or touching
// the rule counters.
func (e *Engine) TestRule(ctx context.Context, ruleID,
	recordID int64) (bool, error) {

	row, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return false, fmt.Errorf("load rule %d: %w", ruleID, err)
	}

	parsed, err := FromStore(row)
	if err != nil {
		return false, err
	}

	recRow, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("load record %d: %w", recordID, err)
	}

	rec, err := record.FromStore(recRow)
	if err != nil {
		return false, err
	}

	return e.eval.Evaluate(parsed.Condition, rec), nil
}
