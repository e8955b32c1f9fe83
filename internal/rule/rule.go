// Package rule implements the rule engine: declarative rules gating
// condition trees, and the evaluation pass that materializes matched rules
// into pending actions.
package rule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/condition"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// ActionSpec describes one action a matched rule enqueues. Param values may
// contain placeholders resolved against the record at materialization time.
type ActionSpec struct {
	Type   action.Type       `json:"type"`
	Params map[string]string `json:"params"`
}

// rawActionSpec tolerates the historical "tipo" key for the action type.
type rawActionSpec struct {
	Type   action.Type       `json:"type"`
	Tipo   action.Type       `json:"tipo"`
	Params map[string]string `json:"params"`
}

// ParseActionSpecs decodes and validates the action list of a rule. Every
// spec must name a known action type and carry its required params, with
// placeholders counting as present.
func ParseActionSpecs(data []byte) ([]ActionSpec, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var raw []rawActionSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("action specs: %w", err)
	}

	specs := make([]ActionSpec, 0, len(raw))
	for i, r := range raw {
		spec := ActionSpec{
			Type:   r.Type,
			Params: r.Params,
		}
		if spec.Type == "" {
			spec.Type = r.Tipo
		}
		if spec.Params == nil {
			spec.Params = make(map[string]string)
		}

		if err := action.ValidateParams(
			spec.Type, spec.Params,
		); err != nil {
			return nil, fmt.Errorf("action spec %d: %w", i, err)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

// Rule is the domain view of a persisted rule with its condition tree and
// action specs already parsed.
type Rule struct {
	ID          int64
	Name        string
	Description string

	Active   bool
	Priority int64

	Condition   condition.Node
	ActionSpecs []ActionSpec

	TimesApplied  int64
	LastAppliedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FromStore converts a persisted rule row into the domain form, parsing
// and validating both JSON documents.
func FromStore(row store.Rule) (Rule, error) {
	cond, err := condition.Parse([]byte(row.ConditionJSON))
	if err != nil {
		return Rule{}, fmt.Errorf("rule %d: %w", row.ID, err)
	}

	specs, err := ParseActionSpecs([]byte(row.ActionsJSON))
	if err != nil {
		return Rule{}, fmt.Errorf("rule %d: %w", row.ID, err)
	}

	return Rule{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		Active:        row.Active,
		Priority:      row.Priority,
		Condition:     cond,
		ActionSpecs:   specs,
		TimesApplied:  row.TimesApplied,
		LastAppliedAt: row.LastAppliedAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// ValidateDefinition checks a rule's condition and action documents before
// they are stored. Malformed schemas are rejected here so they can never
// reach evaluation.
func ValidateDefinition(conditionJSON, actionsJSON []byte) error {
	if _, err := condition.Parse(conditionJSON); err != nil {
		return err
	}

	specs, err := ParseActionSpecs(actionsJSON)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("rule has no actions")
	}

	return nil
}
