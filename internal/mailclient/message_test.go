package mailclient

import (
	"bytes"
	"io"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := Build(Message{
		From:      "scrivano@studio.it",
		To:        []string{"preside@scuola.it", "vice@scuola.it"},
		Subject:   "Re: Convocazione",
		TextBody:  "Confermo la presenza.",
		HTMLBody:  "<p>Confermo la presenza.</p>",
		InReplyTo: "<orig@scuola.it>",
		Attachments: []MessageAttachment{{
			Filename:    "delega.pdf",
			ContentType: "application/pdf",
			Body:        []byte("%PDF-1.4 fake"),
		}},
	})
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	require.Equal(t, "Re: Convocazione", subject)

	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)

	inReplyTo, err := mr.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	require.Equal(t, []string{"orig@scuola.it"}, inReplyTo)

	var texts, htmls, attachments int
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		switch hdr := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, err := hdr.ContentType()
			require.NoError(t, err)

			body, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			require.Contains(t, string(body), "Confermo")

			switch ct {
			case "text/plain":
				texts++
			case "text/html":
				htmls++
			}

		case *mail.AttachmentHeader:
			filename, err := hdr.Filename()
			require.NoError(t, err)
			require.Equal(t, "delega.pdf", filename)

			body, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			require.Equal(t, []byte("%PDF-1.4 fake"), body)

			attachments++
		}
	}

	require.Equal(t, 1, texts)
	require.Equal(t, 1, htmls)
	require.Equal(t, 1, attachments)
}

func TestBuildTextOnly(t *testing.T) {
	t.Parallel()

	raw, err := Build(Message{
		From:     "scrivano@studio.it",
		To:       []string{"x@y.it"},
		Subject:  "Fwd: nota",
		TextBody: "Inoltro.",
	})
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	part, err := mr.NextPart()
	require.NoError(t, err)

	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	require.Equal(t, "Inoltro.", string(body))
}
