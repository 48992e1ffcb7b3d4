package notify

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/fileloader-io/fileloader/internal/config"
)

// implicitTLSPort selects a TLS-from-byte-one connection; every other
// port dials plain and upgrades with STARTTLS when the server offers
// it.
const implicitTLSPort = 465

// smtpTimeout bounds the whole SMTP conversation.
const smtpTimeout = 30 * time.Second

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("email has no recipients")

type (
	// Attachment is one file attached to a stakeholder email.
	Attachment struct {
		Filename    string
		ContentType string
		Data        []byte
	}

	// EmailSender delivers stakeholder mail over SMTP.
	EmailSender struct {
		cfg config.SMTPConfig
		log *slog.Logger

		// dial is swapped by tests to avoid a live SMTP server.
		dial func(ctx context.Context) (smtpClient, error)
	}

	// smtpClient is the slice of *smtp.Client the sender uses.
	smtpClient interface {
		Hello(localName string) error
		Extension(ext string) (bool, string)
		StartTLS(config *tls.Config) error
		Auth(a smtp.Auth) error
		Mail(from string) error
		Rcpt(to string) error
		Data() (writeCloser, error)
		Quit() error
		Close() error
	}

	writeCloser interface {
		Write(p []byte) (int, error)
		Close() error
	}
)

// NewEmailSender creates an EmailSender for the given transport
// settings.
func NewEmailSender(cfg config.SMTPConfig, log *slog.Logger) *EmailSender {
	s := &EmailSender{cfg: cfg, log: log}
	s.dial = s.dialSMTP

	return s
}

// Send delivers one message. CC addresses receive a copy and appear
// in the header; the envelope covers both lists.
func (s *EmailSender) Send(ctx context.Context, to, cc []string, subject, body string, attachments ...Attachment) error {
	recipients := append(append([]string{}, to...), cc...)
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	client, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to smtp %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	defer func() { _ = client.Close() }()

	if err := s.handshake(client); err != nil {
		return err
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}

	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}

	if _, err := w.Write(buildMessage(s.cfg.From, to, cc, subject, body, attachments)); err != nil {
		_ = w.Close()

		return fmt.Errorf("writing message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}

	return client.Quit()
}

// handshake runs EHLO, the TLS upgrade and authentication.
func (s *EmailSender) handshake(client smtpClient) error {
	if err := client.Hello("fileloader"); err != nil {
		return fmt.Errorf("smtp EHLO: %w", err)
	}

	if s.cfg.Port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}

	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp AUTH: %w", err)
		}
	}

	return nil
}

// dialSMTP opens the transport connection: implicit TLS on 465, plain
// otherwise.
func (s *EmailSender) dialSMTP(ctx context.Context) (smtpClient, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialer := &net.Dialer{Timeout: smtpTimeout}

	var (
		conn net.Conn
		err  error
	)

	if s.cfg.Port == implicitTLSPort {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}

	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(smtpTimeout))

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return &smtpClientAdapter{client}, nil
}

// smtpClientAdapter narrows *smtp.Client's Data return type to the
// local interface.
type smtpClientAdapter struct {
	*smtp.Client
}

func (a *smtpClientAdapter) Data() (writeCloser, error) {
	return a.Client.Data()
}

// buildMessage renders the RFC 5322 message: plain text when there
// are no attachments, multipart/mixed with base64 parts otherwise.
func buildMessage(from string, to, cc []string, subject, body string, attachments []Attachment) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))

	if len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(cc, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(body)

		return []byte(b.String())
	}

	const boundary = "fileloader-mixed-boundary"

	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	for _, att := range attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n\r\n", att.Filename)
		b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(att.Data)))
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return []byte(b.String())
}

// wrapBase64 folds encoded content at the 76-column MIME limit.
func wrapBase64(encoded string) string {
	const lineLen = 76

	var b strings.Builder

	for len(encoded) > lineLen {
		b.WriteString(encoded[:lineLen])
		b.WriteString("\r\n")
		encoded = encoded[lineLen:]
	}

	b.WriteString(encoded)

	return b.String()
}
