package capability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/require"

	"github.com/scrivanolabs/scrivano/internal/blobstore"
	"github.com/scrivanolabs/scrivano/internal/record"
	"github.com/scrivanolabs/scrivano/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	from string
	to   []string
	msg  []byte
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, from string, to []string,
	msg []byte) error {

	if f.err != nil {
		return f.err
	}

	f.sent = append(f.sent, sentMessage{from: from, to: to, msg: msg})

	return nil
}

type fakeAppender struct {
	drafts [][]byte
	err    error
}

func (f *fakeAppender) AppendDraft(_ context.Context, msg []byte) error {
	if f.err != nil {
		return f.err
	}

	f.drafts = append(f.drafts, msg)

	return nil
}

type fakeBlobStore struct {
	objects map[string][]byte
	getErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(_ context.Context, key string, body []byte,
	_ string) error {

	f.objects[key] = body

	return nil
}

func (f *fakeBlobStore) Get(_ context.Context,
	key string) ([]byte, error) {

	if f.getErr != nil {
		return nil, f.getErr
	}

	body, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}

	return body, nil
}

func testRecord() record.Record {
	return record.Record{
		ID:         1,
		MessageID:  "<orig@scuola.it>",
		Account:    "studio@snals.it",
		Sender:     "preside@scuola.it",
		Subject:    "Convocazione consiglio",
		BodyText:   "Si comunica la convocazione.",
		ReceivedAt: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestDraftHandler(t *testing.T) {
	t.Parallel()

	appender := &fakeAppender{}
	h := NewDraftHandler(appender, "studio@snals.it", testLogger())

	payload, err := h.Execute(context.Background(), testRecord(),
		map[string]string{
			"to":            "preside@scuola.it",
			"subject":       "Re: Convocazione consiglio",
			"body-template": "Gentile Preside,\n\n**confermo**.",
		})
	require.NoError(t, err)
	require.Equal(t, "<orig@scuola.it>", payload["in_reply_to"])
	require.Len(t, appender.drafts, 1)

	mr, err := mail.CreateReader(bytes.NewReader(appender.drafts[0]))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	require.Equal(t, "Re: Convocazione consiglio", subject)

	// Text part carries the raw template, html part the rendered
	// markdown.
	var sawHTML bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		hdr, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := hdr.ContentType()
		require.NoError(t, err)

		body, err := io.ReadAll(part.Body)
		require.NoError(t, err)

		if ct == "text/html" {
			sawHTML = true
			require.Contains(t, string(body),
				"<strong>confermo</strong>")
		}
	}
	require.True(t, sawHTML)
}

func TestDraftHandlerMissingParams(t *testing.T) {
	t.Parallel()

	h := NewDraftHandler(&fakeAppender{}, "studio@snals.it",
		testLogger())

	_, err := h.Execute(context.Background(), testRecord(),
		map[string]string{"to": "a@b.it"})
	require.ErrorContains(t, err, "missing required param")
}

func TestDraftHandlerAppendFailure(t *testing.T) {
	t.Parallel()

	h := NewDraftHandler(&fakeAppender{err: errors.New("imap down")},
		"studio@snals.it", testLogger())

	_, err := h.Execute(context.Background(), testRecord(),
		map[string]string{
			"to":            "a@b.it",
			"subject":       "Re:",
			"body-template": "x",
		})
	require.ErrorContains(t, err, "imap down")
}

func TestCalendarHandler(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	h := NewCalendarHandler(sender, "studio@snals.it")

	payload, err := h.Execute(context.Background(), testRecord(),
		map[string]string{
			"title":    "Consiglio di istituto",
			"date":     "2026-09-12",
			"time":     "17:30",
			"location": "Liceo Virgilio",
		})
	require.NoError(t, err)
	require.Equal(t, false, payload["all_day"])
	require.NotEmpty(t, payload["event_uid"])

	require.Len(t, sender.sent, 1)
	require.Equal(t, []string{"studio@snals.it"}, sender.sent[0].to)

	// A retry produces the same event UID.
	again, err := h.Execute(context.Background(), testRecord(),
		map[string]string{
			"title": "Consiglio di istituto",
			"date":  "2026-09-12",
			"time":  "17:30",
		})
	require.NoError(t, err)
	require.Equal(t, payload["event_uid"], again["event_uid"])
}

func TestCalendarHandlerAllDayAndBadDate(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	h := NewCalendarHandler(sender, "studio@snals.it")

	payload, err := h.Execute(context.Background(), testRecord(),
		map[string]string{
			"title": "Scadenza ricorso",
			"date":  "2026-10-01",
		})
	require.NoError(t, err)
	require.Equal(t, true, payload["all_day"])

	_, err = h.Execute(context.Background(), testRecord(),
		map[string]string{
			"title": "x",
			"date":  "non-una-data",
		})
	require.ErrorContains(t, err, "bad event date")
}

func TestBuildICS(t *testing.T) {
	t.Parallel()

	ics := buildICS(icsEvent{
		UID:       "abc@scrivano",
		Title:     "Riunione; verbale, note",
		Start:     time.Date(2026, 9, 12, 17, 30, 0, 0, time.UTC),
		Location:  "Aula 3",
		Organizer: "studio@snals.it",
	})

	require.Contains(t, ics, "BEGIN:VCALENDAR\r\n")
	require.Contains(t, ics, "UID:abc@scrivano\r\n")
	require.Contains(t, ics, "DTSTART:20260912T173000\r\n")
	require.Contains(t, ics, `SUMMARY:Riunione\; verbale\, note`)
	require.Contains(t, ics, "END:VEVENT\r\n")
}

func TestUploadHandler(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobStore()
	blobs.objects["staging/a1"] = []byte("contenuto pdf")

	h := NewUploadHandler(blobs, testLogger())

	rec := testRecord()
	rec.Attachments = []record.Attachment{
		{
			Filename:    "ricorso.pdf",
			ContentType: "application/pdf",
			StorageKey:  "staging/a1",
		},
		{
			// Never staged, skipped.
			Filename: "nota.txt",
		},
	}

	payload, err := h.Execute(context.Background(), rec,
		map[string]string{
			"destination-folder-name": "contenzioso",
		})
	require.NoError(t, err)

	uploaded := payload["uploaded"].([]string)
	require.Len(t, uploaded, 1)
	require.Equal(t, blobstore.ContentKey(
		"contenzioso", "ricorso.pdf", []byte("contenuto pdf"),
	), uploaded[0])
	require.Equal(t, []byte("contenuto pdf"), blobs.objects[uploaded[0]])

	require.Equal(t, []string{"nota.txt"}, payload["skipped"].([]string))

	// Re-running lands on the same key.
	again, err := h.Execute(context.Background(), rec,
		map[string]string{
			"destination-folder-name": "contenzioso",
		})
	require.NoError(t, err)
	require.Equal(t, uploaded, again["uploaded"].([]string))
}

func TestUploadHandlerFetchFailure(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobStore()
	blobs.getErr = errors.New("s3 unreachable")

	h := NewUploadHandler(blobs, testLogger())

	rec := testRecord()
	rec.Attachments = []record.Attachment{{
		Filename:   "ricorso.pdf",
		StorageKey: "staging/a1",
	}}

	_, err := h.Execute(context.Background(), rec,
		map[string]string{
			"destination-folder-name": "contenzioso",
		})
	require.ErrorContains(t, err, "s3 unreachable")
}

func TestForwardHandler(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	h := NewForwardHandler(sender, "studio@snals.it")

	payload, err := h.Execute(context.Background(), testRecord(),
		map[string]string{
			"to":   "legale@snals.it, segreteria@snals.it",
			"note": "Per competenza.",
		})
	require.NoError(t, err)
	require.Equal(t, "Fwd: Convocazione consiglio", payload["subject"])

	require.Len(t, sender.sent, 1)
	require.Equal(t, []string{
		"legale@snals.it", "segreteria@snals.it",
	}, sender.sent[0].to)

	mr, err := mail.CreateReader(bytes.NewReader(sender.sent[0].msg))
	require.NoError(t, err)

	part, err := mr.NextPart()
	require.NoError(t, err)

	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Per competenza.")
	require.Contains(t, string(body), "--- Messaggio originale ---")
	require.Contains(t, string(body), "Da: preside@scuola.it")
	require.Contains(t, string(body), "Si comunica la convocazione.")
}

func TestForwardHandlerNoRecipients(t *testing.T) {
	t.Parallel()

	h := NewForwardHandler(&fakeSender{}, "studio@snals.it")

	_, err := h.Execute(context.Background(), testRecord(),
		map[string]string{"to": " , "})
	require.Error(t, err)
}

func TestTagHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMockStore()

	row, err := s.CreateRecord(ctx, store.CreateRecordParams{
		MessageID:          "<tag@example.com>",
		InterpretationJSON: `{"urgenza":"alta","tags":["spam"]}`,
	})
	require.NoError(t, err)

	rec, err := record.FromStore(row)
	require.NoError(t, err)

	h := NewTagHandler(s)

	payload, err := h.Execute(ctx, rec, map[string]string{
		"tag-name": "contenzioso",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"contenzioso", "spam"}, payload["tags"])

	// The interpretation keeps its other keys.
	stored, err := s.GetRecord(ctx, row.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"urgenza": "alta",
		"tags": ["contenzioso", "spam"]
	}`, stored.InterpretationJSON)

	// Tagging again with the same tag is a no-op on the set.
	rec, err = record.FromStore(stored)
	require.NoError(t, err)

	payload, err = h.Execute(ctx, rec, map[string]string{
		"tag-name": "contenzioso",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"contenzioso", "spam"}, payload["tags"])
}
