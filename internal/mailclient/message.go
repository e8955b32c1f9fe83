package mailclient

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message describes an outbound message before MIME encoding.
type Message struct {
	From    string
	To      []string
	Subject string

	// TextBody is required. HTMLBody, when set, is added as the second
	// part of a multipart/alternative body.
	TextBody string
	HTMLBody string

	// InReplyTo threads the message under the referenced message id.
	InReplyTo string

	// Attachments are appended after the body parts.
	Attachments []MessageAttachment
}

// MessageAttachment is one file carried by an outbound message.
type MessageAttachment struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Build encodes the message into wire form.
func Build(msg Message) ([]byte, error) {
	var buf bytes.Buffer

	from := []*mail.Address{{Address: msg.From}}
	to := make([]*mail.Address, len(msg.To))
	for i, addr := range msg.To {
		to[i] = &mail.Address{Address: addr}
	}

	var hdr mail.Header
	hdr.SetDate(time.Now())
	hdr.SetAddressList("From", from)
	hdr.SetAddressList("To", to)
	hdr.SetSubject(msg.Subject)
	if msg.InReplyTo != "" {
		// SetMsgIDList brackets the ids itself.
		id := strings.Trim(msg.InReplyTo, "<>")
		hdr.SetMsgIDList("In-Reply-To", []string{id})
		hdr.SetMsgIDList("References", []string{id})
	}

	mw, err := mail.CreateWriter(&buf, hdr)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if err := writeBody(mw, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	return buf.Bytes(), nil
}

func writeBody(mw *mail.Writer, msg Message) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create body: %w", err)
	}

	var textHdr mail.InlineHeader
	textHdr.SetContentType("text/plain", map[string]string{
		"charset": "utf-8",
	})

	part, err := iw.CreatePart(textHdr)
	if err != nil {
		return fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(part, msg.TextBody); err != nil {
		return fmt.Errorf("write text part: %w", err)
	}
	if err := part.Close(); err != nil {
		return fmt.Errorf("close text part: %w", err)
	}

	if msg.HTMLBody != "" {
		var htmlHdr mail.InlineHeader
		htmlHdr.SetContentType("text/html", map[string]string{
			"charset": "utf-8",
		})

		part, err := iw.CreatePart(htmlHdr)
		if err != nil {
			return fmt.Errorf("create html part: %w", err)
		}
		if _, err := io.WriteString(part, msg.HTMLBody); err != nil {
			return fmt.Errorf("write html part: %w", err)
		}
		if err := part.Close(); err != nil {
			return fmt.Errorf("close html part: %w", err)
		}
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}

	return nil
}

func writeAttachment(mw *mail.Writer, att MessageAttachment) error {
	var hdr mail.AttachmentHeader
	hdr.SetFilename(att.Filename)
	if att.ContentType != "" {
		hdr.SetContentType(att.ContentType, nil)
	}

	aw, err := mw.CreateAttachment(hdr)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w",
			att.Filename, err)
	}
	if _, err := aw.Write(att.Body); err != nil {
		return fmt.Errorf("write attachment %s: %w",
			att.Filename, err)
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("close attachment %s: %w",
			att.Filename, err)
	}

	return nil
}
