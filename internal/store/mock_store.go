package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scrivanolabs/scrivano/internal/db"
)

// MockStore provides an in-memory implementation of the Store interface for
// testing purposes. All data is stored in maps and protected by a mutex.
type MockStore struct {
	mu sync.Mutex

	// Data stores.
	records            map[int64]Record
	recordsByMessageID map[string]int64
	rules              map[int64]Rule
	actions            map[int64]Action
	actionsByKey       map[string]int64

	// Counters for auto-incrementing IDs.
	nextRecordID int64
	nextRuleID   int64
	nextActionID int64
}

// NewMockStore creates a new in-memory mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		records:            make(map[int64]Record),
		recordsByMessageID: make(map[string]int64),
		rules:              make(map[int64]Rule),
		actions:            make(map[int64]Action),
		actionsByKey:       make(map[string]int64),
		nextRecordID:       1,
		nextRuleID:         1,
		nextActionID:       1,
	}
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// WithTx executes the function within a "transaction" (just runs the
// function for the mock).
func (m *MockStore) WithTx(
	ctx context.Context,
	fn func(ctx context.Context, s Store) error,
) error {
	return fn(ctx, m)
}

// =============================================================================
// Record operations
// =============================================================================

// CreateRecord inserts a new record snapshot.
func (m *MockStore) CreateRecord(ctx context.Context,
	params CreateRecordParams) (Record, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recordsByMessageID[params.MessageID]; ok {
		return Record{}, &db.ErrSQLUniqueConstraintViolation{
			DBError: fmt.Errorf("record %q already exists",
				params.MessageID),
		}
	}

	attachments := params.AttachmentsJSON
	if attachments == "" {
		attachments = "[]"
	}

	rec := Record{
		ID:                 m.nextRecordID,
		MessageID:          params.MessageID,
		Account:            params.Account,
		Sender:             params.Sender,
		Recipient:          params.Recipient,
		Subject:            params.Subject,
		BodyText:           params.BodyText,
		BodyHTML:           params.BodyHTML,
		Category:           params.Category,
		ReceivedAt:         params.ReceivedAt,
		AttachmentsJSON:    attachments,
		InterpretationJSON: params.InterpretationJSON,
		CreatedAt:          time.Now(),
	}
	m.nextRecordID++

	m.records[rec.ID] = rec
	m.recordsByMessageID[rec.MessageID] = rec.ID

	return rec, nil
}

// GetRecord retrieves a record by its ID.
func (m *MockStore) GetRecord(ctx context.Context, id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}

	return rec, nil
}

// GetRecordByMessageID retrieves a record by its message ID.
func (m *MockStore) GetRecordByMessageID(ctx context.Context,
	messageID string) (Record, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.recordsByMessageID[messageID]
	if !ok {
		return Record{}, ErrNotFound
	}

	return m.records[id], nil
}

// ListRecords retrieves records ordered by receipt time descending.
func (m *MockStore) ListRecords(ctx context.Context, limit,
	offset int) ([]Record, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].ReceivedAt.Equal(records[j].ReceivedAt) {
			return records[i].ReceivedAt.After(records[j].ReceivedAt)
		}
		return records[i].ID > records[j].ID
	})

	return paginate(records, limit, offset), nil
}

// SetRecordInterpretation attaches or replaces the structured interpretation
// of a record.
func (m *MockStore) SetRecordInterpretation(ctx context.Context, id int64,
	interpretationJSON string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}

	rec.InterpretationJSON = interpretationJSON
	m.records[id] = rec

	return nil
}

// =============================================================================
// Rule operations
// =============================================================================

// CreateRule inserts a new rule.
func (m *MockStore) CreateRule(ctx context.Context,
	params CreateRuleParams) (Rule, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rule := Rule{
		ID:            m.nextRuleID,
		Name:          params.Name,
		Description:   params.Description,
		Active:        params.Active,
		Priority:      params.Priority,
		ConditionJSON: params.ConditionJSON,
		ActionsJSON:   params.ActionsJSON,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.nextRuleID++

	m.rules[rule.ID] = rule

	return rule, nil
}

// GetRule retrieves a rule by its ID.
func (m *MockStore) GetRule(ctx context.Context, id int64) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}

	return rule, nil
}

// ListRules retrieves all rules in evaluation order.
func (m *MockStore) ListRules(ctx context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedRules(false), nil
}

// ListActiveRules retrieves active rules in deterministic evaluation order.
func (m *MockStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedRules(true), nil
}

// sortedRules returns rules ordered by priority descending, ties broken by
// id ascending. The caller must hold the lock.
func (m *MockStore) sortedRules(activeOnly bool) []Rule {
	rules := make([]Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		if activeOnly && !rule.Active {
			continue
		}
		rules = append(rules, rule)
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	return rules
}

// UpdateRule replaces the mutable fields of a rule.
func (m *MockStore) UpdateRule(ctx context.Context,
	params UpdateRuleParams) (Rule, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[params.ID]
	if !ok {
		return Rule{}, fmt.Errorf("rule %d: %w", params.ID, ErrNotFound)
	}

	rule.Name = params.Name
	rule.Description = params.Description
	rule.Active = params.Active
	rule.Priority = params.Priority
	rule.ConditionJSON = params.ConditionJSON
	rule.ActionsJSON = params.ActionsJSON
	rule.UpdatedAt = time.Now()

	m.rules[params.ID] = rule

	return rule, nil
}

// DeleteRule removes a rule.
func (m *MockStore) DeleteRule(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}

	delete(m.rules, id)

	return nil
}

// MarkRuleApplied increments times_applied and sets last_applied_at.
func (m *MockStore) MarkRuleApplied(ctx context.Context, id int64,
	appliedAt time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}

	rule.TimesApplied++
	rule.LastAppliedAt = &appliedAt
	m.rules[id] = rule

	return nil
}

// =============================================================================
// Action operations
// =============================================================================

// CreateAction inserts a new action in the pending state.
func (m *MockStore) CreateAction(ctx context.Context,
	params CreateActionParams) (Action, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.actionsByKey[params.IdempotencyKey]; ok {
		return Action{}, &db.ErrSQLUniqueConstraintViolation{
			DBError: fmt.Errorf("action %q already exists",
				params.IdempotencyKey),
		}
	}

	action := Action{
		ID:             m.nextActionID,
		RecordID:       params.RecordID,
		RuleID:         params.RuleID,
		IdempotencyKey: params.IdempotencyKey,
		Type:           params.Type,
		ParamsJSON:     params.ParamsJSON,
		State:          "pending",
		CreatedAt:      time.Now(),
	}
	m.nextActionID++

	m.actions[action.ID] = action
	m.actionsByKey[action.IdempotencyKey] = action.ID

	return action, nil
}

// GetAction retrieves an action by its ID.
func (m *MockStore) GetAction(ctx context.Context, id int64) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[id]
	if !ok {
		return Action{}, ErrNotFound
	}

	return action, nil
}

// ListActionsByState retrieves actions in the given state in FIFO order.
func (m *MockStore) ListActionsByState(ctx context.Context, state string,
	limit, offset int) ([]Action, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	actions := m.actionsInState(state)

	return paginate(actions, limit, offset), nil
}

// actionsInState returns actions in the given state ordered by id ascending.
// The caller must hold the lock.
func (m *MockStore) actionsInState(state string) []Action {
	var actions []Action
	for _, action := range m.actions {
		if action.State == state {
			actions = append(actions, action)
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].ID < actions[j].ID
	})

	return actions
}

// ListActionsByRecord retrieves all actions generated for a record.
func (m *MockStore) ListActionsByRecord(ctx context.Context,
	recordID int64) ([]Action, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var actions []Action
	for _, action := range m.actions {
		if action.RecordID == recordID {
			actions = append(actions, action)
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].ID < actions[j].ID
	})

	return actions, nil
}

// ClaimAction attempts the pending -> in_progress transition for a single
// action.
func (m *MockStore) ClaimAction(ctx context.Context, id int64,
	claimedAt time.Time) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.claimLocked(id, claimedAt), nil
}

// claimLocked performs the claim compare-and-swap. The caller must hold the
// lock.
func (m *MockStore) claimLocked(id int64, claimedAt time.Time) bool {
	action, ok := m.actions[id]
	if !ok || action.State != "pending" {
		return false
	}

	action.State = "in_progress"
	action.ClaimedAt = &claimedAt
	action.AttemptCount++
	m.actions[id] = action

	return true
}

// ClaimNextActions claims up to batchSize pending actions in FIFO order.
func (m *MockStore) ClaimNextActions(ctx context.Context, batchSize int,
	claimedAt time.Time) ([]Action, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.actionsInState("pending")
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	var claimed []Action
	for _, action := range pending {
		if m.claimLocked(action.ID, claimedAt) {
			claimed = append(claimed, m.actions[action.ID])
		}
	}

	return claimed, nil
}

// MarkActionCompleted transitions an in_progress action to completed.
func (m *MockStore) MarkActionCompleted(ctx context.Context, id int64,
	resultJSON string, completedAt time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[id]
	if !ok {
		return fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	if action.State != "in_progress" {
		return fmt.Errorf("action %d: %w", id, ErrNotFound)
	}

	action.State = "completed"
	action.ResultJSON = resultJSON
	action.LastError = ""
	action.CompletedAt = &completedAt
	m.actions[id] = action

	return nil
}

// MarkActionFailed transitions an in_progress action to failed and records
// the error message.
func (m *MockStore) MarkActionFailed(ctx context.Context, id int64,
	errMsg string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[id]
	if !ok {
		return fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	if action.State != "in_progress" {
		return fmt.Errorf("action %d: %w", id, ErrNotFound)
	}

	action.State = "failed"
	action.LastError = errMsg
	m.actions[id] = action

	return nil
}

// ResetActionForRetry transitions a failed action back to pending.
func (m *MockStore) ResetActionForRetry(ctx context.Context,
	id int64) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[id]
	if !ok || action.State != "failed" {
		return false, nil
	}

	action.State = "pending"
	action.LastError = ""
	action.ClaimedAt = nil
	m.actions[id] = action

	return true, nil
}

// ResetStaleActions returns in_progress actions claimed before the cutoff
// back to pending.
func (m *MockStore) ResetStaleActions(ctx context.Context,
	before time.Time) (int64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var reset int64
	for id, action := range m.actions {
		if action.State != "in_progress" || action.ClaimedAt == nil {
			continue
		}
		if !action.ClaimedAt.Before(before) {
			continue
		}

		action.State = "pending"
		action.ClaimedAt = nil
		m.actions[id] = action
		reset++
	}

	return reset, nil
}

// CancelAction transitions a pending action to cancelled.
func (m *MockStore) CancelAction(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[id]
	if !ok || action.State != "pending" {
		return false, nil
	}

	action.State = "cancelled"
	m.actions[id] = action

	return true, nil
}

// GetActionStats returns aggregate per-state action counts.
func (m *MockStore) GetActionStats(ctx context.Context) (ActionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats ActionStats
	for _, action := range m.actions {
		switch action.State {
		case "pending":
			stats.PendingCount++
		case "in_progress":
			stats.InProgressCount++
		case "completed":
			stats.CompletedCount++
		case "failed":
			stats.FailedCount++
		case "cancelled":
			stats.CancelledCount++
		}
	}

	return stats, nil
}

// IsConsistent verifies that the store's internal state is consistent. Used
// for property-based testing.
func (m *MockStore) IsConsistent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// All actions must reference valid records and carry a known state.
	for _, action := range m.actions {
		if _, ok := m.records[action.RecordID]; !ok {
			return false
		}

		switch action.State {
		case "pending", "in_progress", "completed", "failed",
			"cancelled":
		default:
			return false
		}
	}

	// The idempotency key index must be in sync with the action map.
	if len(m.actionsByKey) != len(m.actions) {
		return false
	}

	return true
}

// paginate applies limit/offset to a sorted slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return items
}

// Ensure MockStore implements the Store interface.
var _ Store = (*MockStore)(nil)
