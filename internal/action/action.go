// Package action defines persisted action work units, their lifecycle
// state machine, and the executor that drives them through capability
// handlers.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrivanolabs/scrivano/internal/store"
)

var (
	// ErrUnknownType is returned when an action names a type no handler
	// is registered for.
	ErrUnknownType = errors.New("unknown action type")

	// ErrNotRetryable is returned when a retry is requested for an
	// action that is not in the failed state.
	ErrNotRetryable = errors.New("action is not in a retryable state")

	// ErrNotExecutable is returned when a manual execution is requested
	// for an action in a terminal non-completed state.
	ErrNotExecutable = errors.New("action is not in an executable state")
)

// Type enumerates the capabilities an action can invoke.
type Type string

const (
	// TypeDraftReply prepares a reply draft in the user's mailbox.
	TypeDraftReply Type = "draft-reply"

	// TypeCreateCalendarEvent creates a calendar event from the
	// message.
	TypeCreateCalendarEvent Type = "create-calendar-event"

	// TypeUploadAttachments copies the message's attachments to blob
	// storage under a named folder.
	TypeUploadAttachments Type = "upload-attachments"

	// TypeForward forwards the message to other recipients.
	TypeForward Type = "forward"

	// TypeTag records a tag against the message's interpretation.
	TypeTag Type = "tag"
)

// requiredParams maps each action type to the parameter keys it cannot run
// without. Optional keys are validated by the handlers themselves.
var requiredParams = map[Type][]string{
	TypeDraftReply:          {"to", "subject", "body-template"},
	TypeCreateCalendarEvent: {"title", "date"},
	TypeUploadAttachments:   {"destination-folder-name"},
	TypeForward:             {"to"},
	TypeTag:                 {"tag-name"},
}

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	_, ok := requiredParams[t]
	return ok
}

// ValidateParams checks that every required parameter key for the type is
// present and non-empty.
func ValidateParams(t Type, params map[string]string) error {
	required, ok := requiredParams[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	for _, key := range required {
		if params[key] == "" {
			return fmt.Errorf("action type %q: missing "+
				"required param %q", t, key)
		}
	}

	return nil
}

// Types returns the known action types, for validation error messages.
func Types() []Type {
	return []Type{
		TypeDraftReply, TypeCreateCalendarEvent,
		TypeUploadAttachments, TypeForward, TypeTag,
	}
}

// State enumerates the lifecycle states of an action.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
// A failed action can still be reset, so failed is not terminal.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Action is the domain view of a persisted action work unit.
type Action struct {
	ID       int64
	RecordID int64

	// RuleID references the rule that generated this action, nil for
	// actions created directly by an operator.
	RuleID *int64

	// IdempotencyKey uniquely identifies this materialization so a
	// re-run of rule evaluation cannot enqueue duplicates.
	IdempotencyKey string

	Type   Type
	Params map[string]string

	State State

	// Result holds the handler's success payload, nil until completed.
	Result map[string]any

	LastError    string
	AttemptCount int64

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// FromStore converts a persisted action row into the domain form.
func FromStore(row store.Action) (Action, error) {
	act := Action{
		ID:             row.ID,
		RecordID:       row.RecordID,
		RuleID:         row.RuleID,
		IdempotencyKey: row.IdempotencyKey,
		Type:           Type(row.Type),
		State:          State(row.State),
		LastError:      row.LastError,
		AttemptCount:   row.AttemptCount,
		CreatedAt:      row.CreatedAt,
		ClaimedAt:      row.ClaimedAt,
		CompletedAt:    row.CompletedAt,
	}

	if row.ParamsJSON != "" {
		err := json.Unmarshal([]byte(row.ParamsJSON), &act.Params)
		if err != nil {
			return Action{}, fmt.Errorf("action %d: decode "+
				"params: %w", row.ID, err)
		}
	}

	if row.ResultJSON != "" {
		err := json.Unmarshal([]byte(row.ResultJSON), &act.Result)
		if err != nil {
			return Action{}, fmt.Errorf("action %d: decode "+
				"result: %w", row.ID, err)
		}
	}

	return act, nil
}
