// Package capability implements the action handlers: one per action type,
// each wrapping a single external side effect.
package capability

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/mailclient"
	"github.com/scrivanolabs/scrivano/internal/record"
)

// DraftHandler prepares a reply draft in the user's mailbox. The body
// template is treated as markdown and rendered to an HTML alternative, so
// simple formatting in rule definitions carries through to the draft.
type DraftHandler struct {
	appender mailclient.DraftAppender
	from     string

	log *slog.Logger
}

// NewDraftHandler creates the draft-reply handler. from is the address
// drafts are authored as.
func NewDraftHandler(appender mailclient.DraftAppender, from string,
	log *slog.Logger) *DraftHandler {

	return &DraftHandler{
		appender: appender,
		from:     from,
		log:      log,
	}
}

// Type returns the action type this handler serves.
func (h *DraftHandler) Type() action.Type {
	return action.TypeDraftReply
}

// Execute builds the reply and appends it to the drafts mailbox. Appending
// is idempotent only at the mailbox level: a retry after an ambiguous
// failure may leave a duplicate draft, which is harmless since drafts are
// reviewed by a human before sending.
func (h *DraftHandler) Execute(ctx context.Context, rec record.Record,
	params map[string]string) (map[string]any, error) {

	if err := action.ValidateParams(h.Type(), params); err != nil {
		return nil, err
	}

	body := params["body-template"]

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(body), &html); err != nil {
		// Fall back to a text-only draft.
		h.log.Warn("draft body does not render as markdown",
			"record_id", rec.ID, "err", err)
		html.Reset()
	}

	msg, err := mailclient.Build(mailclient.Message{
		From:      h.from,
		To:        splitAddresses(params["to"]),
		Subject:   params["subject"],
		TextBody:  body,
		HTMLBody:  html.String(),
		InReplyTo: rec.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("build draft: %w", err)
	}

	if err := h.appender.AppendDraft(ctx, msg); err != nil {
		return nil, fmt.Errorf("append draft: %w", err)
	}

	return map[string]any{
		"to":          params["to"],
		"subject":     params["subject"],
		"in_reply_to": rec.MessageID,
	}, nil
}

// splitAddresses splits a comma separated recipient list.
func splitAddresses(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}

	return out
}
