package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/mailclient"
	"github.com/scrivanolabs/scrivano/internal/record"
)

// ForwardHandler forwards the record's message to other recipients.
// Sending is not idempotent: a retry after an ambiguous SMTP failure may
// deliver the forward twice. Operators accept that risk for this type.
type ForwardHandler struct {
	sender mailclient.Sender
	from   string
}

// NewForwardHandler creates the forward handler.
func NewForwardHandler(sender mailclient.Sender,
	from string) *ForwardHandler {

	return &ForwardHandler{
		sender: sender,
		from:   from,
	}
}

// Type returns the action type this handler serves.
func (h *ForwardHandler) Type() action.Type {
	return action.TypeForward
}

// Execute sends one forward per call covering all recipients.
func (h *ForwardHandler) Execute(ctx context.Context, rec record.Record,
	params map[string]string) (map[string]any, error) {

	if err := action.ValidateParams(h.Type(), params); err != nil {
		return nil, err
	}

	to := splitAddresses(params["to"])
	if len(to) == 0 {
		return nil, fmt.Errorf("forward: no valid recipients in %q",
			params["to"])
	}

	msg, err := mailclient.Build(mailclient.Message{
		From:     h.from,
		To:       to,
		Subject:  "Fwd: " + rec.Subject,
		TextBody: forwardBody(rec, params["note"]),
	})
	if err != nil {
		return nil, fmt.Errorf("build forward: %w", err)
	}

	if err := h.sender.Send(ctx, h.from, to, msg); err != nil {
		return nil, fmt.Errorf("send forward: %w", err)
	}

	return map[string]any{
		"to":      to,
		"subject": "Fwd: " + rec.Subject,
	}, nil
}

// forwardBody quotes the original message under an optional operator note.
func forwardBody(rec record.Record, note string) string {
	var b strings.Builder

	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("--- Messaggio originale ---\n")
	b.WriteString("Da: " + rec.Sender + "\n")
	b.WriteString("Oggetto: " + rec.Subject + "\n")
	if !rec.ReceivedAt.IsZero() {
		b.WriteString("Data: " +
			rec.ReceivedAt.Format("02/01/2006 15:04") + "\n")
	}
	b.WriteString("\n")
	b.WriteString(rec.BodyText)

	return b.String()
}
