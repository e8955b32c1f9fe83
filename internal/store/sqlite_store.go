package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrivanolabs/scrivano/internal/db"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx. It
// lets the same query methods run both inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string,
		args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string,
		args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string,
		args ...any) *sql.Row
}

// SQLiteStore implements the Store interface with hand-written SQL against a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
	q  querier
}

// NewSQLiteStore creates a new SQLiteStore wrapping the given database
// connection.
func NewSQLiteStore(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db: sqlDB,
		q:  sqlDB,
	}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx executes the given function within a database transaction. The
// callback receives a Store bound to the transaction.
func (s *SQLiteStore) WithTx(
	ctx context.Context,
	fn func(ctx context.Context, txStore Store) error,
) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Create a new store instance bound to this transaction.
	txStore := &SQLiteStore{
		db: s.db,
		q:  tx,
	}

	// Execute the callback.
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf(
				"tx error: %w, rollback error: %v", err, rbErr,
			)
		}
		return err
	}

	// Commit the transaction.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// =============================================================================
// Record operations
// =============================================================================

// CreateRecord inserts a new record snapshot.
func (s *SQLiteStore) CreateRecord(ctx context.Context,
	params CreateRecordParams) (Record, error) {

	attachments := params.AttachmentsJSON
	if attachments == "" {
		attachments = "[]"
	}

	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO records (message_id, account, sender, recipient,
		                     subject, body_text, body_html, category,
		                     received_at, attachments, interpretation,
		                     created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, params.MessageID, params.Account, params.Sender, params.Recipient,
		params.Subject, params.BodyText, params.BodyHTML,
		params.Category, params.ReceivedAt.Unix(), attachments,
		nullString(params.InterpretationJSON), now.Unix())
	if err != nil {
		return Record{}, fmt.Errorf("failed to create record: %w",
			db.MapSQLError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("failed to get record id: %w", err)
	}

	return s.GetRecord(ctx, id)
}

// GetRecord retrieves a record by its ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (Record, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, message_id, account, sender, recipient, subject,
		       body_text, body_html, category, received_at, attachments,
		       interpretation, created_at
		FROM records
		WHERE id = ?
	`, id)

	return scanRecord(row)
}

// GetRecordByMessageID retrieves a record by its message ID.
func (s *SQLiteStore) GetRecordByMessageID(ctx context.Context,
	messageID string) (Record, error) {

	row := s.q.QueryRowContext(ctx, `
		SELECT id, message_id, account, sender, recipient, subject,
		       body_text, body_html, category, received_at, attachments,
		       interpretation, created_at
		FROM records
		WHERE message_id = ?
	`, messageID)

	return scanRecord(row)
}

// ListRecords retrieves records ordered by receipt time descending.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit,
	offset int) ([]Record, error) {

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, message_id, account, sender, recipient, subject,
		       body_text, body_html, category, received_at, attachments,
		       interpretation, created_at
		FROM records
		ORDER BY received_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// SetRecordInterpretation attaches or replaces the structured interpretation
// of a record.
func (s *SQLiteStore) SetRecordInterpretation(ctx context.Context, id int64,
	interpretationJSON string) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE records SET interpretation = ? WHERE id = ?
	`, nullString(interpretationJSON), id)
	if err != nil {
		return fmt.Errorf("failed to set interpretation: %w", err)
	}

	return requireRowAffected(res, "record", id)
}

// =============================================================================
// Rule operations
// =============================================================================

// CreateRule inserts a new rule.
func (s *SQLiteStore) CreateRule(ctx context.Context,
	params CreateRuleParams) (Rule, error) {

	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO rules (name, description, active, priority,
		                   condition_json, actions_json, created_at,
		                   updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, params.Name, params.Description, boolToInt(params.Active),
		params.Priority, params.ConditionJSON, params.ActionsJSON,
		now.Unix(), now.Unix())
	if err != nil {
		return Rule{}, fmt.Errorf("failed to create rule: %w",
			db.MapSQLError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Rule{}, fmt.Errorf("failed to get rule id: %w", err)
	}

	return s.GetRule(ctx, id)
}

// GetRule retrieves a rule by its ID.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (Rule, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, description, active, priority, condition_json,
		       actions_json, times_applied, last_applied_at, created_at,
		       updated_at
		FROM rules
		WHERE id = ?
	`, id)

	return scanRule(row)
}

// ListRules retrieves all rules in evaluation order.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, name, description, active, priority, condition_json,
		       actions_json, times_applied, last_applied_at, created_at,
		       updated_at
		FROM rules
		ORDER BY priority DESC, id ASC
	`)
}

// ListActiveRules retrieves active rules in deterministic evaluation order:
// priority descending, ties broken by id ascending.
func (s *SQLiteStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, name, description, active, priority, condition_json,
		       actions_json, times_applied, last_applied_at, created_at,
		       updated_at
		FROM rules
		WHERE active = 1
		ORDER BY priority DESC, id ASC
	`)
}

// queryRules runs a rule query and scans all rows.
func (s *SQLiteStore) queryRules(ctx context.Context, query string,
	args ...any) ([]Rule, error) {

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// UpdateRule replaces the mutable fields of a rule.
func (s *SQLiteStore) UpdateRule(ctx context.Context,
	params UpdateRuleParams) (Rule, error) {

	res, err := s.q.ExecContext(ctx, `
		UPDATE rules
		SET name = ?, description = ?, active = ?, priority = ?,
		    condition_json = ?, actions_json = ?, updated_at = ?
		WHERE id = ?
	`, params.Name, params.Description, boolToInt(params.Active),
		params.Priority, params.ConditionJSON, params.ActionsJSON,
		time.Now().Unix(), params.ID)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to update rule: %w", err)
	}

	if err := requireRowAffected(res, "rule", params.ID); err != nil {
		return Rule{}, err
	}

	return s.GetRule(ctx, params.ID)
}

// DeleteRule removes a rule.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	return requireRowAffected(res, "rule", id)
}

// MarkRuleApplied increments times_applied in place and sets last_applied_at
// to the given time. The increment happens inside the UPDATE so concurrent
// evaluation passes cannot lose updates.
func (s *SQLiteStore) MarkRuleApplied(ctx context.Context, id int64,
	appliedAt time.Time) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE rules
		SET times_applied = times_applied + 1, last_applied_at = ?
		WHERE id = ?
	`, appliedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark rule applied: %w", err)
	}

	return requireRowAffected(res, "rule", id)
}

// =============================================================================
// Action operations
// =============================================================================

// CreateAction inserts a new action in the pending state.
func (s *SQLiteStore) CreateAction(ctx context.Context,
	params CreateActionParams) (Action, error) {

	var ruleID sql.NullInt64
	if params.RuleID != nil {
		ruleID = sql.NullInt64{Int64: *params.RuleID, Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO actions (record_id, rule_id, idempotency_key,
		                     action_type, params_json, state, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, params.RecordID, ruleID, params.IdempotencyKey, params.Type,
		params.ParamsJSON, time.Now().Unix())
	if err != nil {
		return Action{}, fmt.Errorf("failed to create action: %w",
			db.MapSQLError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Action{}, fmt.Errorf("failed to get action id: %w", err)
	}

	return s.GetAction(ctx, id)
}

// GetAction retrieves an action by its ID.
func (s *SQLiteStore) GetAction(ctx context.Context, id int64) (Action, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, record_id, rule_id, idempotency_key, action_type,
		       params_json, state, result_json, last_error,
		       attempt_count, created_at, claimed_at, completed_at
		FROM actions
		WHERE id = ?
	`, id)

	return scanAction(row)
}

// ListActionsByState retrieves actions in the given state in FIFO order.
func (s *SQLiteStore) ListActionsByState(ctx context.Context, state string,
	limit, offset int) ([]Action, error) {

	return s.queryActions(ctx, `
		SELECT id, record_id, rule_id, idempotency_key, action_type,
		       params_json, state, result_json, last_error,
		       attempt_count, created_at, claimed_at, completed_at
		FROM actions
		WHERE state = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, state, limit, offset)
}

// ListActionsByRecord retrieves all actions generated for a record.
func (s *SQLiteStore) ListActionsByRecord(ctx context.Context,
	recordID int64) ([]Action, error) {

	return s.queryActions(ctx, `
		SELECT id, record_id, rule_id, idempotency_key, action_type,
		       params_json, state, result_json, last_error,
		       attempt_count, created_at, claimed_at, completed_at
		FROM actions
		WHERE record_id = ?
		ORDER BY id ASC
	`, recordID)
}

// queryActions runs an action query and scans all rows.
func (s *SQLiteStore) queryActions(ctx context.Context, query string,
	args ...any) ([]Action, error) {

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// ClaimAction attempts the pending -> in_progress transition for a single
// action. The conditional UPDATE is the compare-and-swap that guarantees at
// most one claimer wins.
func (s *SQLiteStore) ClaimAction(ctx context.Context, id int64,
	claimedAt time.Time) (bool, error) {

	res, err := s.q.ExecContext(ctx, `
		UPDATE actions
		SET state = 'in_progress', claimed_at = ?,
		    attempt_count = attempt_count + 1
		WHERE id = ? AND state = 'pending'
	`, claimedAt.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// ClaimNextActions claims up to batchSize pending actions in FIFO order and
// returns the claimed rows. Each claim is an individual compare-and-swap, so
// a concurrent executor racing over the same candidates simply claims a
// disjoint subset.
func (s *SQLiteStore) ClaimNextActions(ctx context.Context, batchSize int,
	claimedAt time.Time) ([]Action, error) {

	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM actions
		WHERE state = 'pending'
		ORDER BY id ASC
		LIMIT ?
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending actions: %w",
			err)
	}

	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan action id: %w",
				err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating pending actions: %w",
			err)
	}
	rows.Close()

	var claimed []Action
	for _, id := range candidates {
		ok, err := s.ClaimAction(ctx, id, claimedAt)
		if err != nil {
			return claimed, err
		}
		if !ok {
			// Lost the race against another claimer.
			continue
		}

		action, err := s.GetAction(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, action)
	}

	return claimed, nil
}

// MarkActionCompleted transitions an in_progress action to completed with
// the given result payload.
func (s *SQLiteStore) MarkActionCompleted(ctx context.Context, id int64,
	resultJSON string, completedAt time.Time) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE actions
		SET state = 'completed', result_json = ?, last_error = NULL,
		    completed_at = ?
		WHERE id = ? AND state = 'in_progress'
	`, nullString(resultJSON), completedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete action: %w", err)
	}

	return requireRowAffected(res, "action", id)
}

// MarkActionFailed transitions an in_progress action to failed and records
// the error message. The attempt counter was already bumped at claim time.
func (s *SQLiteStore) MarkActionFailed(ctx context.Context, id int64,
	errMsg string) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE actions
		SET state = 'failed', last_error = ?
		WHERE id = ? AND state = 'in_progress'
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark action failed: %w", err)
	}

	return requireRowAffected(res, "action", id)
}

// ResetActionForRetry transitions a failed action back to pending and clears
// the recorded error.
func (s *SQLiteStore) ResetActionForRetry(ctx context.Context,
	id int64) (bool, error) {

	res, err := s.q.ExecContext(ctx, `
		UPDATE actions
		SET state = 'pending', last_error = NULL, claimed_at = NULL
		WHERE id = ? AND state = 'failed'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset action: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// ResetStaleActions returns in_progress actions claimed before the cutoff
// back to pending. An executor that dies after claiming leaves its actions
// in_progress forever; the periodic sweep hands them back to the next
// claimer. Attempt counts are preserved.
func (s *SQLiteStore) ResetStaleActions(ctx context.Context,
	before time.Time) (int64, error) {

	res, err := s.q.ExecContext(ctx, `
		UPDATE actions
		SET state = 'pending', claimed_at = NULL
		WHERE state = 'in_progress'
		  AND claimed_at IS NOT NULL AND claimed_at < ?
	`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale actions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// CancelAction transitions a pending action to cancelled.
func (s *SQLiteStore) CancelAction(ctx context.Context, id int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE actions
		SET state = 'cancelled'
		WHERE id = ? AND state = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel action: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// GetActionStats returns aggregate per-state action counts.
func (s *SQLiteStore) GetActionStats(ctx context.Context) (ActionStats, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT
		    COUNT(CASE WHEN state = 'pending' THEN 1 END),
		    COUNT(CASE WHEN state = 'in_progress' THEN 1 END),
		    COUNT(CASE WHEN state = 'completed' THEN 1 END),
		    COUNT(CASE WHEN state = 'failed' THEN 1 END),
		    COUNT(CASE WHEN state = 'cancelled' THEN 1 END)
		FROM actions
	`)

	var stats ActionStats
	err := row.Scan(
		&stats.PendingCount, &stats.InProgressCount,
		&stats.CompletedCount, &stats.FailedCount,
		&stats.CancelledCount,
	)
	if err != nil {
		return ActionStats{}, fmt.Errorf(
			"failed to get action stats: %w", err,
		)
	}

	return stats, nil
}

// =============================================================================
// Scan helpers
// =============================================================================

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single record row.
func scanRecord(row rowScanner) (Record, error) {
	var (
		rec            Record
		receivedAt     int64
		createdAt      int64
		interpretation sql.NullString
	)

	err := row.Scan(
		&rec.ID, &rec.MessageID, &rec.Account, &rec.Sender,
		&rec.Recipient, &rec.Subject, &rec.BodyText, &rec.BodyHTML,
		&rec.Category, &receivedAt, &rec.AttachmentsJSON,
		&interpretation, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.ReceivedAt = time.Unix(receivedAt, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	if interpretation.Valid {
		rec.InterpretationJSON = interpretation.String
	}

	return rec, nil
}

// scanRule scans a single rule row.
func scanRule(row rowScanner) (Rule, error) {
	var (
		rule          Rule
		active        int64
		lastAppliedAt sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &active,
		&rule.Priority, &rule.ConditionJSON, &rule.ActionsJSON,
		&rule.TimesApplied, &lastAppliedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, fmt.Errorf("failed to scan rule: %w", err)
	}

	rule.Active = active != 0
	rule.CreatedAt = time.Unix(createdAt, 0)
	rule.UpdatedAt = time.Unix(updatedAt, 0)
	if lastAppliedAt.Valid {
		t := time.Unix(lastAppliedAt.Int64, 0)
		rule.LastAppliedAt = &t
	}

	return rule, nil
}

// scanAction scans a single action row.
func scanAction(row rowScanner) (Action, error) {
	var (
		action      Action
		ruleID      sql.NullInt64
		resultJSON  sql.NullString
		lastError   sql.NullString
		createdAt   int64
		claimedAt   sql.NullInt64
		completedAt sql.NullInt64
	)

	err := row.Scan(
		&action.ID, &action.RecordID, &ruleID, &action.IdempotencyKey,
		&action.Type, &action.ParamsJSON, &action.State, &resultJSON,
		&lastError, &action.AttemptCount, &createdAt, &claimedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, ErrNotFound
	}
	if err != nil {
		return Action{}, fmt.Errorf("failed to scan action: %w", err)
	}

	if ruleID.Valid {
		id := ruleID.Int64
		action.RuleID = &id
	}
	if resultJSON.Valid {
		action.ResultJSON = resultJSON.String
	}
	if lastError.Valid {
		action.LastError = lastError.String
	}
	action.CreatedAt = time.Unix(createdAt, 0)
	if claimedAt.Valid {
		t := time.Unix(claimedAt.Int64, 0)
		action.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		action.CompletedAt = &t
	}

	return action, nil
}

// nullString converts an empty string to a NULL value.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// boolToInt converts a bool to the integer form SQLite stores.
func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// requireRowAffected returns ErrNotFound when the given exec result touched
// no rows.
func requireRowAffected(res sql.Result, kind string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}

	return nil
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
