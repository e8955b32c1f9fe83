package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Record is the persisted snapshot of an inbound message plus its optional
// structured interpretation. Rows are written once at ingest time and are
// read-only for the engine.
type Record struct {
	ID        int64
	MessageID string
	Account   string
	Sender    string
	Recipient string
	Subject   string
	BodyText  string
	BodyHTML  string
	Category  string

	// ReceivedAt is the original receipt time of the message.
	ReceivedAt time.Time

	// AttachmentsJSON is a JSON array of attachment descriptors.
	AttachmentsJSON string

	// InterpretationJSON is a JSON object of extracted key/value fields,
	// or empty when no interpretation exists for the record.
	InterpretationJSON string

	CreatedAt time.Time
}

// Rule is the persisted representation of an automation rule. The condition
// tree and the action specs are stored as JSON blobs which are validated
// before insert; see the condition and rule packages for the typed forms.
type Rule struct {
	ID            int64
	Name          string
	Description   string
	Active        bool
	Priority      int64
	ConditionJSON string
	ActionsJSON   string

	// TimesApplied counts how often the rule matched a record. Updated
	// with an atomic in-place increment, never read-modify-write.
	TimesApplied  int64
	LastAppliedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Action is a persisted unit of work generated by a matched rule. Params are
// materialized at creation time and never re-derived.
type Action struct {
	ID       int64
	RecordID int64

	// RuleID references the rule that generated this action, or nil for
	// actions created directly by an operator.
	RuleID *int64

	// IdempotencyKey uniquely identifies the action across retries of the
	// creating pass.
	IdempotencyKey string

	Type       string
	ParamsJSON string
	State      string
	ResultJSON string
	LastError  string

	// AttemptCount is incremented on every claim. It is recorded for
	// observability and does not gate retries.
	AttemptCount int64

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// ActionStats holds aggregate counts of actions per state.
type ActionStats struct {
	PendingCount    int64
	InProgressCount int64
	CompletedCount  int64
	FailedCount     int64
	CancelledCount  int64
}

// CreateRecordParams holds the fields for creating a record snapshot.
type CreateRecordParams struct {
	MessageID          string
	Account            string
	Sender             string
	Recipient          string
	Subject            string
	BodyText           string
	BodyHTML           string
	Category           string
	ReceivedAt         time.Time
	AttachmentsJSON    string
	InterpretationJSON string
}

// CreateRuleParams holds the fields for creating a rule.
type CreateRuleParams struct {
	Name          string
	Description   string
	Active        bool
	Priority      int64
	ConditionJSON string
	ActionsJSON   string
}

// UpdateRuleParams holds the fields for updating a rule. Counter fields are
// excluded on purpose; they only move through MarkRuleApplied.
type UpdateRuleParams struct {
	ID            int64
	Name          string
	Description   string
	Active        bool
	Priority      int64
	ConditionJSON string
	ActionsJSON   string
}

// CreateActionParams holds the fields for creating a pending action.
type CreateActionParams struct {
	RecordID       int64
	RuleID         *int64
	IdempotencyKey string
	Type           string
	ParamsJSON     string
}

// RecordStore handles record snapshot persistence.
type RecordStore interface {
	// CreateRecord inserts a new record snapshot.
	CreateRecord(ctx context.Context, params CreateRecordParams) (Record, error)

	// GetRecord retrieves a record by its ID.
	GetRecord(ctx context.Context, id int64) (Record, error)

	// GetRecordByMessageID retrieves a record by its message ID.
	GetRecordByMessageID(ctx context.Context, messageID string) (Record, error)

	// ListRecords retrieves records ordered by receipt time descending.
	ListRecords(ctx context.Context, limit, offset int) ([]Record, error)

	// SetRecordInterpretation attaches or replaces the structured
	// interpretation of a record.
	SetRecordInterpretation(
		ctx context.Context, id int64, interpretationJSON string,
	) error
}

// RuleStore handles rule persistence.
type RuleStore interface {
	// CreateRule inserts a new rule.
	CreateRule(ctx context.Context, params CreateRuleParams) (Rule, error)

	// GetRule retrieves a rule by its ID.
	GetRule(ctx context.Context, id int64) (Rule, error)

	// ListRules retrieves all rules ordered by priority descending, ties
	// broken by id ascending.
	ListRules(ctx context.Context) ([]Rule, error)

	// ListActiveRules retrieves active rules in deterministic evaluation
	// order: priority descending, ties broken by id ascending.
	ListActiveRules(ctx context.Context) ([]Rule, error)

	// UpdateRule replaces the mutable fields of a rule.
	UpdateRule(ctx context.Context, params UpdateRuleParams) (Rule, error)

	// DeleteRule removes a rule.
	DeleteRule(ctx context.Context, id int64) error

	// MarkRuleApplied increments times_applied in place and sets
	// last_applied_at to the given time.
	MarkRuleApplied(ctx context.Context, id int64, appliedAt time.Time) error
}

// ActionStore handles action persistence and the state transitions of the
// action lifecycle.
type ActionStore interface {
	// CreateAction inserts a new action in the pending state.
	CreateAction(ctx context.Context, params CreateActionParams) (Action, error)

	// GetAction retrieves an action by its ID.
	GetAction(ctx context.Context, id int64) (Action, error)

	// ListActionsByState retrieves actions in the given state in FIFO
	// order.
	ListActionsByState(
		ctx context.Context, state string, limit, offset int,
	) ([]Action, error)

	// ListActionsByRecord retrieves all actions generated for a record.
	ListActionsByRecord(ctx context.Context, recordID int64) ([]Action, error)

	// ClaimAction attempts the pending -> in_progress transition for a
	// single action, incrementing attempt_count. Returns false when the
	// action was not in the pending state, so two concurrent claimers
	// can never both win.
	ClaimAction(ctx context.Context, id int64, claimedAt time.Time) (bool, error)

	// ClaimNextActions claims up to batchSize pending actions in FIFO
	// order, transitioning each to in_progress, and returns the claimed
	// rows.
	ClaimNextActions(
		ctx context.Context, batchSize int, claimedAt time.Time,
	) ([]Action, error)

	// MarkActionCompleted transitions an in_progress action to completed
	// with the given result payload.
	MarkActionCompleted(
		ctx context.Context, id int64, resultJSON string,
		completedAt time.Time,
	) error

	// MarkActionFailed transitions an in_progress action to failed and
	// records the error message.
	MarkActionFailed(ctx context.Context, id int64, errMsg string) error

	// ResetActionForRetry transitions a failed action back to pending and
	// clears the recorded error. Returns false when the action was not in
	// the failed state.
	ResetActionForRetry(ctx context.Context, id int64) (bool, error)

	// ResetStaleActions returns in_progress actions claimed before the
	// cutoff back to pending, recovering work orphaned by an executor
	// that died after claiming. Returns the number of actions reset.
	ResetStaleActions(ctx context.Context, before time.Time) (int64, error)

	// CancelAction transitions a pending action to cancelled. Returns
	// false when the action was not in the pending state.
	CancelAction(ctx context.Context, id int64) (bool, error)

	// GetActionStats returns aggregate per-state action counts.
	GetActionStats(ctx context.Context) (ActionStats, error)
}

// Store is the combined persistence interface consumed by the rule engine
// and the action executor.
type Store interface {
	RecordStore
	RuleStore
	ActionStore

	// WithTx executes the given function within a database transaction.
	// The callback receives a Store bound to the transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	// Close closes the underlying database connection.
	Close() error
}
