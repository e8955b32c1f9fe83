// Package mailclient wraps the outbound mail surfaces the capability
// handlers depend on: SMTP submission and IMAP draft placement.
package mailclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Sender submits a fully built message to a set of recipients.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPConfig holds the submission endpoint settings.
type SMTPConfig struct {
	// Host is the host:port of the submission endpoint.
	Host string

	Username string
	Password string

	// UseTLS dials an implicit TLS connection. UseStartTLS upgrades a
	// plain connection. With neither set the connection stays plain,
	// which is only sensible against localhost.
	UseTLS      bool
	UseStartTLS bool

	// TLSVerify disables certificate verification when false.
	TLSVerify bool
}

// SMTPClient is a Sender that dials the configured submission endpoint per
// message. Submission volume here is low enough that connection reuse is
// not worth the session state.
type SMTPClient struct {
	cfg SMTPConfig
	log *slog.Logger
}

// NewSMTPClient creates a Sender for the given submission endpoint.
func NewSMTPClient(cfg SMTPConfig, log *slog.Logger) *SMTPClient {
	return &SMTPClient{
		cfg: cfg,
		log: log,
	}
}

// Send submits the message. SMTP submission is not idempotent: a failure
// after DATA was accepted may duplicate the message on retry.
func (c *SMTPClient) Send(ctx context.Context, from string, to []string,
	msg []byte) error {

	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if c.cfg.Username != "" {
		auth := sasl.NewPlainClient(
			"", c.cfg.Username, c.cfg.Password,
		)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	// The message is accepted at this point. A failed QUIT does not
	// affect delivery.
	if err := client.Quit(); err != nil {
		c.log.Warn("smtp quit failed", "err", err)
	}

	return nil
}

// dial connects to the submission endpoint honoring the context: the dial
// itself is cancellable, and the context deadline bounds the whole SMTP
// session so a stalled server cannot outlive the handler timeout.
func (c *SMTPClient) dial(ctx context.Context) (*smtp.Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(c.cfg.Host)
	if err != nil {
		host = c.cfg.Host
	}

	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.cfg.TLSVerify,
	}

	switch {
	case c.cfg.UseTLS:
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil

	case c.cfg.UseStartTLS:
		client, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}

		return client, nil

	default:
		return smtp.NewClient(conn), nil
	}
}
