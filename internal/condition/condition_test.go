package condition

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrivanolabs/scrivano/internal/record"
)

func testEvaluator() *Evaluator {
	return NewEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func schoolRecord() record.Record {
	return record.Record{
		Sender:   "preside@scuola.it",
		Subject:  "Convocazione consiglio di istituto",
		BodyText: "Si comunica la convocazione per il giorno 12.",
		Category: "convocazione_scuola",
		Interpretation: map[string]any{
			"scuola":  "Liceo Virgilio",
			"urgenza": "alta",
			"piano":   2.0,
		},
	}
}

// TestLeafOperators covers the full operator truth table against
// representative field and value pairs.
func TestLeafOperators(t *testing.T) {
	t.Parallel()

	eval := testEvaluator()
	rec := schoolRecord()

	tests := []struct {
		name  string
		field string
		op    Operator
		value any
		want  bool
	}{
		{"equals ci", "categoria", OpEquals, "CONVOCAZIONE_SCUOLA",
			true},
		{"equals miss", "categoria", OpEquals, "spam", false},
		{"not_equals", "categoria", OpNotEquals, "spam", true},
		{"not_equals same", "categoria", OpNotEquals,
			"convocazione_scuola", false},
		{"contains ci", "mittente", OpContains, "SCUOLA.IT", true},
		{"contains miss", "mittente", OpContains, "snals", false},
		{"not_contains", "mittente", OpNotContains, "snals", true},
		{"starts_with", "oggetto", OpStartsWith, "convocazione",
			true},
		{"starts_with miss", "oggetto", OpStartsWith, "urgente",
			false},
		{"ends_with", "oggetto", OpEndsWith, "ISTITUTO", true},
		{"regex search", "corpo", OpRegex, `giorno \d+`, true},
		{"regex ci", "mittente", OpRegex, `PRESIDE@`, true},
		{"regex miss", "corpo", OpRegex, `giorno [a-z]+\.$`, false},
		{"greater_than", "interpretation.piano", OpGreaterThan, 1,
			true},
		{"greater_than eq", "interpretation.piano", OpGreaterThan, 2,
			false},
		{"less_than", "interpretation.piano", OpLessThan, "3", true},
		{"numeric non-numeric field", "oggetto", OpGreaterThan, 1,
			false},
		{"numeric non-numeric value", "interpretation.piano",
			OpGreaterThan, "tanto", false},
		{"in_list", "categoria", OpInList,
			[]any{"spam", "Convocazione_Scuola"}, true},
		{"in_list miss", "categoria", OpInList,
			[]any{"spam", "altro"}, false},
		{"in_list scalar coerce", "categoria", OpInList,
			"convocazione_scuola", true},
		{"empty on set field", "categoria", OpEmpty, nil, false},
		{"not_empty on set field", "categoria", OpNotEmpty, nil,
			true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			leaf := &Leaf{
				Field: tc.field,
				Op:    tc.op,
				Value: tc.value,
			}
			require.Equal(t, tc.want, eval.Evaluate(leaf, rec))
		})
	}
}

// TestNullFieldEdgeCases pins down how operators behave when the field
// resolves to null or the empty string.
func TestNullFieldEdgeCases(t *testing.T) {
	t.Parallel()

	eval := testEvaluator()

	// No category, no interpretation.
	rec := record.Record{Sender: "a@b.it"}

	cases := []struct {
		op    Operator
		value any
		want  bool
	}{
		{OpEmpty, nil, true},
		{OpNotEmpty, nil, false},
		{OpEquals, "", true},
		{OpEquals, "x", false},
		{OpNotEquals, "x", true},
		{OpContains, "x", false},
		{OpStartsWith, "x", false},
		{OpGreaterThan, 0, false},
		{OpInList, []any{"x"}, false},
	}
	for _, tc := range cases {
		leaf := &Leaf{Field: "categoria", Op: tc.op, Value: tc.value}
		require.Equal(t, tc.want, eval.Evaluate(leaf, rec),
			string(tc.op))

		// An absent interpretation key behaves identically.
		leaf.Field = "interpretation.missing"
		require.Equal(t, tc.want, eval.Evaluate(leaf, rec),
			"interp "+string(tc.op))
	}
}

// TestGroupSemantics verifies AND/OR combination including the vacuous
// cases for empty child lists.
func TestGroupSemantics(t *testing.T) {
	t.Parallel()

	eval := testEvaluator()
	rec := schoolRecord()

	yes := &Leaf{Field: "categoria", Op: OpNotEmpty}
	no := &Leaf{Field: "categoria", Op: OpEquals, Value: "spam"}

	tests := []struct {
		name string
		node Node
		want bool
	}{
		{"empty AND", &Group{Op: GroupAnd}, true},
		{"empty OR", &Group{Op: GroupOr}, false},
		{"AND all true", &Group{Op: GroupAnd,
			Children: []Node{yes, yes}}, true},
		{"AND one false", &Group{Op: GroupAnd,
			Children: []Node{yes, no}}, false},
		{"OR one true", &Group{Op: GroupOr,
			Children: []Node{no, yes}}, true},
		{"OR all false", &Group{Op: GroupOr,
			Children: []Node{no, no}}, false},
		{"nested", &Group{Op: GroupAnd, Children: []Node{
			yes,
			&Group{Op: GroupOr, Children: []Node{no, yes}},
		}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, eval.Evaluate(tc.node, rec))
		})
	}
}

// TestScenarioSchoolSummons walks the realistic end-to-end condition
// shapes: a single leaf, a two-leaf AND, and the same AND after the sender
// changes.
func TestScenarioSchoolSummons(t *testing.T) {
	t.Parallel()

	eval := testEvaluator()
	rec := record.Record{
		Sender:   "preside@scuola.it",
		Category: "convocazione_scuola",
	}

	leaf, err := Parse([]byte(`{
		"field": "categoria",
		"operator": "equals",
		"value": "convocazione_scuola"
	}`))
	require.NoError(t, err)
	require.True(t, eval.Evaluate(leaf, rec))

	group, err := Parse([]byte(`{
		"operator": "AND",
		"children": [
			{"field": "mittente", "operator": "contains",
			 "value": "scuola.it"},
			{"field": "categoria", "operator": "equals",
			 "value": "convocazione_scuola"}
		]
	}`))
	require.NoError(t, err)
	require.True(t, eval.Evaluate(group, rec))

	rec.Sender = "altro@example.com"
	require.False(t, eval.Evaluate(group, rec))
}

// TestRegexNeverRaises feeds an unterminated pattern through evaluation.
func TestRegexNeverRaises(t *testing.T) {
	t.Parallel()

	eval := testEvaluator()

	leaf := &Leaf{
		Field: "oggetto",
		Op:    OpRegex,
		Value: "[unterminated",
	}
	require.False(t, eval.Evaluate(leaf, schoolRecord()))
}

// TestParse verifies wire decoding including the legacy child key and the
// rejection paths.
func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("legacy conditions key", func(t *testing.T) {
		node, err := Parse([]byte(`{
			"operator": "or",
			"conditions": [
				{"field": "categoria", "operator": "equals",
				 "value": "spam"}
			]
		}`))
		require.NoError(t, err)

		group, ok := node.(*Group)
		require.True(t, ok)
		require.Equal(t, GroupOr, group.Op)
		require.Len(t, group.Children, 1)
	})

	t.Run("stop_on_match", func(t *testing.T) {
		node, err := Parse([]byte(`{
			"operator": "AND",
			"children": [],
			"stop_on_match": true
		}`))
		require.NoError(t, err)
		require.True(t, StopOnMatch(node))
	})

	t.Run("empty documents match everything", func(t *testing.T) {
		eval := testEvaluator()
		for _, doc := range []string{"", "null", "{}",
			`{"operator":"AND"}`} {

			node, err := Parse([]byte(doc))
			require.NoError(t, err, doc)
			require.True(t,
				eval.Evaluate(node, record.Record{}), doc)
		}
	})

	t.Run("unknown operator rejected", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"field": "categoria", "operator": "matches",
			"value": "x"
		}`))
		require.ErrorContains(t, err, "unknown operator")
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"field": "frobnicator", "operator": "equals",
			"value": "x"
		}`))
		require.ErrorContains(t, err, "unknown field")
	})

	t.Run("bad group child rejected", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"operator": "AND",
			"children": [
				{"field": "nope", "operator": "equals",
				 "value": "x"}
			]
		}`))
		require.Error(t, err)
	})
}

// TestMarshalRoundTrip verifies a tree survives the canonical wire form.
func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	node := &Group{
		Op:          GroupAnd,
		StopOnMatch: true,
		Children: []Node{
			&Leaf{Field: "categoria", Op: OpEquals,
				Value: "spam"},
			&Group{Op: GroupOr, Children: []Node{
				&Leaf{Field: "mittente", Op: OpContains,
					Value: "scuola.it"},
			}},
		},
	}

	data, err := json.Marshal(node)
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)

	group, ok := back.(*Group)
	require.True(t, ok)
	require.True(t, group.StopOnMatch)
	require.Len(t, group.Children, 2)

	leaf, ok := group.Children[0].(*Leaf)
	require.True(t, ok)
	require.Equal(t, OpEquals, leaf.Op)
	require.Equal(t, "spam", leaf.Value)
}

// TestValidate exercises validation of trees built in code.
func TestValidate(t *testing.T) {
	t.Parallel()

	good := &Group{Op: GroupAnd, Children: []Node{
		&Leaf{Field: "oggetto", Op: OpContains, Value: "x"},
	}}
	require.NoError(t, Validate(good))

	require.Error(t, Validate(&Leaf{Field: "oggetto", Op: "bogus"}))
	require.Error(t, Validate(&Leaf{Field: "nope", Op: OpEquals}))
	require.Error(t, Validate(&Group{Op: "XOR"}))
	require.Error(t, Validate(&Group{Op: GroupAnd, Children: []Node{
		&Leaf{Field: "nope", Op: OpEquals},
	}}))
}
