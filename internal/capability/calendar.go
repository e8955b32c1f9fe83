package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/mailclient"
	"github.com/scrivanolabs/scrivano/internal/record"
)

// CalendarHandler creates a calendar event by mailing an iCalendar
// invitation to the account's own mailbox, where any standards compliant
// calendar client picks it up.
type CalendarHandler struct {
	sender mailclient.Sender
	from   string
}

// NewCalendarHandler creates the create-calendar-event handler.
func NewCalendarHandler(sender mailclient.Sender,
	from string) *CalendarHandler {

	return &CalendarHandler{
		sender: sender,
		from:   from,
	}
}

// Type returns the action type this handler serves.
func (h *CalendarHandler) Type() action.Type {
	return action.TypeCreateCalendarEvent
}

// Execute builds the invite and submits it. The event UID is derived from
// the record and title, so a retried action produces the same event rather
// than a second one.
func (h *CalendarHandler) Execute(ctx context.Context, rec record.Record,
	params map[string]string) (map[string]any, error) {

	if err := action.ValidateParams(h.Type(), params); err != nil {
		return nil, err
	}

	start, allDay, err := parseEventStart(params["date"], params["time"])
	if err != nil {
		return nil, err
	}

	uid := eventUID(rec, params["title"])

	ics := buildICS(icsEvent{
		UID:         uid,
		Title:       params["title"],
		Start:       start,
		AllDay:      allDay,
		Location:    params["location"],
		Description: params["description"],
		Organizer:   h.from,
	})

	msg, err := mailclient.Build(mailclient.Message{
		From:     h.from,
		To:       []string{rec.Account},
		Subject:  "Evento: " + params["title"],
		TextBody: "Evento creato automaticamente da una regola.",
		Attachments: []mailclient.MessageAttachment{{
			Filename:    "invite.ics",
			ContentType: "text/calendar",
			Body:        []byte(ics),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("build invite: %w", err)
	}

	err = h.sender.Send(ctx, h.from, []string{rec.Account}, msg)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}

	return map[string]any{
		"event_uid": uid,
		"title":     params["title"],
		"start":     start.Format(time.RFC3339),
		"all_day":   allDay,
	}, nil
}

// parseEventStart combines the date and optional time params. With no time
// the event is all-day.
func parseEventStart(date, clock string) (time.Time, bool, error) {
	if clock == "" {
		start, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf(
				"bad event date %q: %w", date, err)
		}

		return start, true, nil
	}

	start, err := time.Parse("2006-01-02 15:04", date+" "+clock)
	if err != nil {
		return time.Time{}, false, fmt.Errorf(
			"bad event date/time %q %q: %w", date, clock, err)
	}

	return start, false, nil
}

// eventUID derives a stable UID from the source record and the event
// title.
func eventUID(rec record.Record, title string) string {
	sum := blake3.Sum256([]byte(rec.MessageID + "\x00" + title))

	return fmt.Sprintf("%x@scrivano", sum[:16])
}

type icsEvent struct {
	UID         string
	Title       string
	Start       time.Time
	AllDay      bool
	Location    string
	Description string
	Organizer   string
}

// buildICS renders a minimal single event VCALENDAR document.
func buildICS(ev icsEvent) string {
	var b strings.Builder

	line := func(s string) {
		b.WriteString(s)
		b.WriteString("\r\n")
	}

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:-//scrivano//rule engine//IT")
	line("METHOD:REQUEST")
	line("BEGIN:VEVENT")
	line("UID:" + ev.UID)
	line("DTSTAMP:" + time.Now().UTC().Format("20060102T150405Z"))

	if ev.AllDay {
		line("DTSTART;VALUE=DATE:" + ev.Start.Format("20060102"))
	} else {
		line("DTSTART:" + ev.Start.Format("20060102T150405"))
	}

	line("SUMMARY:" + escapeICS(ev.Title))
	if ev.Location != "" {
		line("LOCATION:" + escapeICS(ev.Location))
	}
	if ev.Description != "" {
		line("DESCRIPTION:" + escapeICS(ev.Description))
	}
	if ev.Organizer != "" {
		line("ORGANIZER:mailto:" + ev.Organizer)
	}

	line("END:VEVENT")
	line("END:VCALENDAR")

	return b.String()
}

// escapeICS escapes the characters iCalendar text values reserve.
func escapeICS(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\n", `\n`,
	)

	return r.Replace(s)
}
