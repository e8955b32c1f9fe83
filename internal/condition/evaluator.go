package condition

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/scrivanolabs/scrivano/internal/record"
)

// Evaluator evaluates condition trees against records. Evaluation is total:
// malformed patterns, unparsable numbers and absent fields all resolve to
// false rather than surfacing an error.
type Evaluator struct {
	log *slog.Logger
}

// NewEvaluator creates a new Evaluator that logs evaluation anomalies to
// the passed logger.
func NewEvaluator(log *slog.Logger) *Evaluator {
	return &Evaluator{
		log: log,
	}
}

// Evaluate returns whether the record satisfies the condition tree.
func (e *Evaluator) Evaluate(node Node, rec record.Record) bool {
	switch n := node.(type) {
	case *Leaf:
		return e.evalLeaf(n, rec)

	case *Group:
		return e.evalGroup(n, rec)

	default:
		e.log.Warn("unknown condition node type",
			"type", fmt.Sprintf("%T", node))

		return false
	}
}

func (e *Evaluator) evalGroup(group *Group, rec record.Record) bool {
	switch group.Op {
	case GroupAnd:
		// Vacuously true: an empty AND group imposes no constraint.
		for _, child := range group.Children {
			if !e.Evaluate(child, rec) {
				return false
			}
		}

		return true

	case GroupOr:
		// Vacuously false: an empty OR group has nothing to satisfy.
		for _, child := range group.Children {
			if e.Evaluate(child, rec) {
				return true
			}
		}

		return false

	default:
		e.log.Warn("unknown group operator",
			"operator", string(group.Op))

		return false
	}
}

func (e *Evaluator) evalLeaf(leaf *Leaf, rec record.Record) bool {
	// Unknown fields and absent interpretation keys resolve to null,
	// which every operator treats as the empty string.
	fieldVal := rec.Field(leaf.Field).UnwrapOr("")
	a := strings.ToLower(fieldVal)
	b := strings.ToLower(record.Stringify(leaf.Value))

	switch leaf.Op {
	case OpEquals:
		return a == b

	case OpNotEquals:
		return a != b

	case OpContains:
		return strings.Contains(a, b)

	case OpNotContains:
		return !strings.Contains(a, b)

	case OpStartsWith:
		return strings.HasPrefix(a, b)

	case OpEndsWith:
		return strings.HasSuffix(a, b)

	case OpRegex:
		return e.evalRegex(leaf, fieldVal)

	case OpGreaterThan, OpLessThan:
		return e.evalNumeric(leaf, fieldVal)

	case OpInList:
		return e.evalInList(leaf, a)

	case OpEmpty:
		return fieldVal == ""

	case OpNotEmpty:
		return fieldVal != ""

	default:
		e.log.Warn("unknown operator",
			"operator", string(leaf.Op),
			"field", leaf.Field)

		return false
	}
}

// evalRegex applies a case-insensitive search of the pattern against the
// field value. An uncompilable pattern resolves to false.
func (e *Evaluator) evalRegex(leaf *Leaf, fieldVal string) bool {
	pattern, ok := leaf.Value.(string)
	if !ok {
		pattern = record.Stringify(leaf.Value)
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.log.Error("condition regex does not compile",
			"field", leaf.Field,
			"pattern", pattern,
			"err", err)

		return false
	}

	return re.MatchString(fieldVal)
}

// evalNumeric compares the field value and the comparand as floats. Either
// side failing to parse resolves to false.
func (e *Evaluator) evalNumeric(leaf *Leaf, fieldVal string) bool {
	a, errA := strconv.ParseFloat(strings.TrimSpace(fieldVal), 64)
	b, errB := strconv.ParseFloat(
		strings.TrimSpace(record.Stringify(leaf.Value)), 64,
	)
	if errA != nil || errB != nil {
		e.log.Debug("non-numeric operand in numeric comparison",
			"field", leaf.Field,
			"field_value", fieldVal)

		return false
	}

	if leaf.Op == OpGreaterThan {
		return a > b
	}

	return a < b
}

// evalInList checks membership of the field value in the comparand,
// coercing a scalar comparand to a single element list.
func (e *Evaluator) evalInList(leaf *Leaf, a string) bool {
	var items []any
	if list, ok := leaf.Value.([]any); ok {
		items = list
	} else {
		items = []any{leaf.Value}
	}

	for _, item := range items {
		if a == strings.ToLower(record.Stringify(item)) {
			return true
		}
	}

	return false
}
