package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTPNotifier mails alerts to a fixed recipient list.
type SMTPNotifier struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
}

// NewSMTPNotifier creates an SMTPNotifier.
func NewSMTPNotifier(host string, port int, username, password, from string, recipients []string) *SMTPNotifier {
	return &SMTPNotifier{
		host:       host,
		port:       port,
		username:   username,
		password:   password,
		from:       from,
		recipients: recipients,
	}
}

// Notify delivers a as a plain-text email to every recipient.
func (s *SMTPNotifier) Notify(_ context.Context, a Alert) error {
	if len(s.recipients) == 0 {
		return errors.New("smtp notifier: no recipients configured")
	}
	msg := s.message(a)
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	// Port 465 uses implicit TLS; 587 uses STARTTLS (smtp.SendMail handles this).
	if s.port == 465 {
		return s.sendImplicitTLS(addr, auth, msg)
	}
	return smtp.SendMail(addr, auth, s.from, s.recipients, msg)
}

func (s *SMTPNotifier) message(a Alert) []byte {
	subject := fmt.Sprintf("[audit-ledger %s] %s", a.Severity, a.Subject)
	return []byte(strings.Join([]string{
		"From: " + s.from,
		"To: " + strings.Join(s.recipients, ", "),
		"Subject: " + sanitizeHeader(subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		strings.ReplaceAll(a.Text(), "\n", "\r\n"),
	}, "\r\n"))
}

// sanitizeHeader strips CR and LF so alert text cannot inject headers.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func (s *SMTPNotifier) sendImplicitTLS(addr string, auth smtp.Auth, msg []byte) error {
	host, _, _ := net.SplitHostPort(addr)
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, to := range s.recipients {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", to, err)
		}
	}
	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}
	return client.Quit()
}
