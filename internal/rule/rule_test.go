package rule

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/record"
)

func TestParseActionSpecs(t *testing.T) {
	t.Parallel()

	t.Run("canonical form", func(t *testing.T) {
		specs, err := ParseActionSpecs([]byte(`[
			{"type": "tag", "params": {"tag-name": "urgente"}},
			{"type": "forward",
			 "params": {"to": "ufficio@snals.it",
				    "note": "per competenza"}}
		]`))
		require.NoError(t, err)
		require.Len(t, specs, 2)
		require.Equal(t, action.TypeTag, specs[0].Type)
		require.Equal(t, "ufficio@snals.it", specs[1].Params["to"])
	})

	t.Run("legacy tipo key", func(t *testing.T) {
		specs, err := ParseActionSpecs([]byte(`[
			{"tipo": "tag", "params": {"tag-name": "x"}}
		]`))
		require.NoError(t, err)
		require.Equal(t, action.TypeTag, specs[0].Type)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := ParseActionSpecs([]byte(`[
			{"type": "teleport", "params": {}}
		]`))
		require.ErrorIs(t, err, action.ErrUnknownType)
	})

	t.Run("missing required param rejected", func(t *testing.T) {
		_, err := ParseActionSpecs([]byte(`[
			{"type": "draft-reply", "params": {"to": "a@b.it"}}
		]`))
		require.ErrorContains(t, err, "missing required param")
	})

	t.Run("placeholders satisfy required params", func(t *testing.T) {
		_, err := ParseActionSpecs([]byte(`[
			{"type": "forward", "params": {"to": "{mittente}"}}
		]`))
		require.NoError(t, err)
	})

	t.Run("empty documents", func(t *testing.T) {
		for _, doc := range []string{"", "null"} {
			specs, err := ParseActionSpecs([]byte(doc))
			require.NoError(t, err, doc)
			require.Empty(t, specs, doc)
		}
	})
}

func TestValidateDefinition(t *testing.T) {
	t.Parallel()

	cond := []byte(`{"field": "categoria", "operator": "equals",
		"value": "spam"}`)
	actions := []byte(`[{"type": "tag", "params": {"tag-name": "spam"}}]`)

	require.NoError(t, ValidateDefinition(cond, actions))

	// A rule must do something when it matches.
	err := ValidateDefinition(cond, []byte("[]"))
	require.ErrorContains(t, err, "no actions")

	err = ValidateDefinition(
		[]byte(`{"field": "categoria", "operator": "matches"}`),
		actions,
	)
	require.ErrorContains(t, err, "unknown operator")
}

func TestResolveTemplate(t *testing.T) {
	t.Parallel()

	rec := record.Record{
		Sender:  "preside@scuola.it",
		Subject: "Consiglio",
		Interpretation: map[string]any{
			"data":  "2026-09-12",
			"piano": 2.0,
		},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"Re: {oggetto}", "Re: Consiglio"},
		{"{mittente}", "preside@scuola.it"},
		{"{interpretation.data} p{interpretation.piano}",
			"2026-09-12 p2"},
		{"niente placeholder", "niente placeholder"},
		// Unresolved references stay literal.
		{"rif {sconosciuto}", "rif {sconosciuto}"},
		{"{interpretation.assente}", "{interpretation.assente}"},
		// Malformed braces are left alone.
		{"graffa { sola }", "graffa { sola }"},
		{"{}", "{}"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, ResolveTemplate(tc.in, rec), tc.in)
	}
}

func TestResolveParams(t *testing.T) {
	t.Parallel()

	rec := record.Record{Sender: "a@b.it"}

	out := ResolveParams(map[string]string{
		"to":   "{mittente}",
		"note": "inoltro automatico",
	}, rec)

	require.Equal(t, map[string]string{
		"to":   "a@b.it",
		"note": "inoltro automatico",
	}, out)
}
