package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"changealerts/internal/shared"
)

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
}

// SMTPConfigFromEnv reads SMTP_HOST, SMTP_PORT, SMTP_USER and SMTP_PASSWORD.
func SMTPConfigFromEnv() SMTPConfig {
	return SMTPConfig{
		Host:     shared.GetEnvOrDefault("SMTP_HOST", "localhost"),
		Port:     shared.GetEnvOrDefault("SMTP_PORT", "1025"),
		User:     shared.GetEnvOrDefault("SMTP_USER", ""),
		Password: shared.GetEnvOrDefault("SMTP_PASSWORD", ""),
	}
}

// SMTPProvider sends email over SMTP. Port 465 uses implicit TLS; other ports upgrade with
// STARTTLS when the server offers it.
type SMTPProvider struct {
	cfg SMTPConfig
}

// NewSMTPProvider creates an SMTP provider.
func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

// Name returns the provider name.
func (p *SMTPProvider) Name() string {
	return "smtp"
}

// IsConfigured returns true when a host and port are set.
func (p *SMTPProvider) IsConfigured() bool {
	return p.cfg.Host != "" && p.cfg.Port != ""
}

// Send delivers req over a new SMTP session bounded by ctx.
func (p *SMTPProvider) Send(ctx context.Context, req *Request) error {
	if len(req.To) == 0 {
		return fmt.Errorf("email recipient is required")
	}
	for _, rcpt := range req.To {
		if !strings.Contains(rcpt, "@") {
			return fmt.Errorf("invalid email address format: %q (missing @ symbol)", rcpt)
		}
	}

	addr := net.JoinHostPort(p.cfg.Host, p.cfg.Port)
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if p.cfg.Port != "465" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if p.cfg.User != "" && p.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", p.cfg.User, p.cfg.Password, p.cfg.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(req.From); err != nil {
		return fmt.Errorf("failed to set sender %s: %w", req.From, err)
	}
	for _, rcpt := range req.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := writer.Write(buildMessage(req, time.Now())); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write email data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Warn("Error during SMTP QUIT", "error", err)
	}

	slog.Info("Email sent via SMTP",
		"smtp_server", addr,
		"to", strings.Join(req.To, ", "),
		"subject", req.Subject,
	)
	return nil
}

func (p *SMTPProvider) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if p.cfg.Port == "465" {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: p.cfg.Host}}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server with TLS: %w", err)
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return conn, nil
}

// buildMessage renders req as an RFC 822 plain text message.
func buildMessage(req *Request, now time.Time) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", req.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(req.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(req.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", now.Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(req.Body, "\n", "\r\n"))
	return msg.Bytes()
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
