// Package record defines the read-only snapshot of an inbound message that
// the rule engine evaluates against. A record combines the raw message
// fields with an optional structured interpretation extracted upstream.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/scrivanolabs/scrivano/internal/store"
)

// Attachment describes a single file attached to the original message.
type Attachment struct {
	// Filename is the name the attachment was sent with.
	Filename string `json:"filename"`

	// ContentType is the declared MIME type.
	ContentType string `json:"content_type"`

	// Size is the decoded size in bytes.
	Size int64 `json:"size"`

	// StorageKey locates the attachment body in blob storage. Empty if
	// the body was not persisted.
	StorageKey string `json:"storage_key,omitempty"`
}

// Record is an immutable view of an inbound message plus any derived
// structured fields. The engine only ever reads from it.
type Record struct {
	ID        int64
	MessageID string

	// Account is the mailbox the message arrived on.
	Account string

	Sender    string
	Recipient string
	Subject   string

	// BodyText is the plain text body. When the message only carried an
	// HTML part this is derived from it.
	BodyText string
	BodyHTML string

	// Category is the classification assigned upstream, empty if the
	// message has not been classified.
	Category string

	ReceivedAt time.Time

	Attachments []Attachment

	// Interpretation holds arbitrary key to value pairs extracted from
	// the message by upstream analysis. Nil when absent.
	Interpretation map[string]any
}

// FromStore converts a persisted record row into the domain form, decoding
// the JSON columns.
func FromStore(row store.Record) (Record, error) {
	rec := Record{
		ID:         row.ID,
		MessageID:  row.MessageID,
		Account:    row.Account,
		Sender:     row.Sender,
		Recipient:  row.Recipient,
		Subject:    row.Subject,
		BodyText:   row.BodyText,
		BodyHTML:   row.BodyHTML,
		Category:   row.Category,
		ReceivedAt: row.ReceivedAt,
	}

	if row.AttachmentsJSON != "" {
		err := json.Unmarshal(
			[]byte(row.AttachmentsJSON), &rec.Attachments,
		)
		if err != nil {
			return Record{}, fmt.Errorf("record %d: decode "+
				"attachments: %w", row.ID, err)
		}
	}

	if row.InterpretationJSON != "" {
		err := json.Unmarshal(
			[]byte(row.InterpretationJSON), &rec.Interpretation,
		)
		if err != nil {
			return Record{}, fmt.Errorf("record %d: decode "+
				"interpretation: %w", row.ID, err)
		}
	}

	// Fall back to a text rendering of the HTML part when no plain text
	// body was captured.
	if rec.BodyText == "" && rec.BodyHTML != "" {
		rec.BodyText = html2text.HTML2Text(rec.BodyHTML)
	}

	return rec, nil
}

// InterpretationPrefix marks condition fields and placeholders that resolve
// against the structured interpretation rather than the message itself.
const InterpretationPrefix = "interpretation."

// fieldAccessors is the closed table of message fields a condition may
// reference. Both the historical Italian names and their English
// counterparts resolve to the same accessor.
var fieldAccessors = map[string]func(Record) string{
	"mittente":     func(r Record) string { return r.Sender },
	"sender":       func(r Record) string { return r.Sender },
	"destinatario": func(r Record) string { return r.Recipient },
	"recipient":    func(r Record) string { return r.Recipient },
	"oggetto":      func(r Record) string { return r.Subject },
	"subject":      func(r Record) string { return r.Subject },
	"corpo":        func(r Record) string { return r.BodyText },
	"body":         func(r Record) string { return r.BodyText },
	"categoria":    func(r Record) string { return r.Category },
	"category":     func(r Record) string { return r.Category },
	"account":      func(r Record) string { return r.Account },
	"message_id":   func(r Record) string { return r.MessageID },
}

// KnownField reports whether a condition field name is resolvable. Any key
// under the interpretation prefix is accepted since interpretation shapes
// are open-ended.
func KnownField(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(name, InterpretationPrefix) {
		return len(name) > len(InterpretationPrefix)
	}

	_, ok := fieldAccessors[name]
	return ok
}

// FieldNames returns the message field names accepted by the accessor
// table, for error messages and validation output.
func FieldNames() []string {
	names := make([]string, 0, len(fieldAccessors))
	for name := range fieldAccessors {
		names = append(names, name)
	}

	return names
}

// Field resolves a condition field against the record. It returns None when
// the field is unknown or the interpretation key is absent, which callers
// treat as a null value.
func (r Record) Field(name string) fn.Option[string] {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)

	// Message field names are case-insensitive, but the interpretation
	// key after the prefix is looked up verbatim: payload keys are
	// open-ended and arrive with whatever casing the extractor wrote.
	if strings.HasPrefix(lower, InterpretationPrefix) {
		return r.interpretationValue(
			name[len(InterpretationPrefix):],
		)
	}

	accessor, ok := fieldAccessors[lower]
	if !ok {
		return fn.None[string]()
	}

	return fn.Some(accessor(r))
}

// interpretationValue looks up a key in the structured interpretation and
// renders it as a string.
func (r Record) interpretationValue(key string) fn.Option[string] {
	if r.Interpretation == nil {
		return fn.None[string]()
	}

	val, ok := r.Interpretation[key]
	if !ok || val == nil {
		return fn.None[string]()
	}

	return fn.Some(Stringify(val))
}

// Stringify renders an arbitrary JSON-decoded value the way condition
// operators and placeholders expect to see it. Whole numbers drop the
// trailing ".0" that JSON decoding introduces.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	}
}
