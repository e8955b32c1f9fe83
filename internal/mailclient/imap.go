package mailclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// DraftAppender places a built message into a mailbox as a draft.
type DraftAppender interface {
	AppendDraft(ctx context.Context, msg []byte) error
}

// IMAPConfig holds the settings for the draft mailbox connection.
type IMAPConfig struct {
	// Host is the host:port of the IMAP endpoint.
	Host string

	Username string
	Password string

	// Mailbox is the folder drafts are appended to.
	Mailbox string

	TLSVerify bool
}

// IMAPClient appends drafts over a fresh IMAP connection per call.
type IMAPClient struct {
	cfg IMAPConfig
	log *slog.Logger
}

// NewIMAPClient creates a DraftAppender against the configured endpoint.
func NewIMAPClient(cfg IMAPConfig, log *slog.Logger) *IMAPClient {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "Drafts"
	}

	return &IMAPClient{
		cfg: cfg,
		log: log,
	}
}

// AppendDraft stores the message in the draft mailbox with the \Draft flag
// set. The dial honors the context, and the context deadline bounds the
// whole IMAP session.
func (c *IMAPClient) AppendDraft(ctx context.Context, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Host)
	if err != nil {
		return fmt.Errorf("imap dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(c.cfg.Host)
	if err != nil {
		host = c.cfg.Host
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.cfg.TLSVerify,
	})

	client := imapclient.New(tlsConn, &imapclient.Options{})
	defer client.Close()

	err = client.Login(c.cfg.Username, c.cfg.Password).Wait()
	if err != nil {
		return fmt.Errorf("imap login: %w", err)
	}

	appendCmd := client.Append(
		c.cfg.Mailbox, int64(len(msg)),
		&imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagDraft},
		},
	)
	if _, err := appendCmd.Write(msg); err != nil {
		return fmt.Errorf("imap append write: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("imap append close: %w", err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("imap append: %w", err)
	}

	if err := client.Logout().Wait(); err != nil {
		c.log.Warn("imap logout failed", "err", err)
	}

	return nil
}
