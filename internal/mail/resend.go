package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"changealerts/internal/shared"
)

type resendAPI interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendProvider sends email through the Resend API.
type ResendProvider struct {
	emails resendAPI
}

// NewResendProvider reads RESEND_API_KEY. Without a key the provider is unconfigured.
func NewResendProvider() *ResendProvider {
	apiKey := shared.GetEnvOrDefault("RESEND_API_KEY", "")
	if apiKey == "" {
		return &ResendProvider{}
	}
	return &ResendProvider{emails: resend.NewClient(apiKey).Emails}
}

// Name returns the provider name.
func (p *ResendProvider) Name() string {
	return "resend"
}

// IsConfigured returns true if an API key was provided.
func (p *ResendProvider) IsConfigured() bool {
	return p.emails != nil
}

// Send sends an email via the Resend API.
func (p *ResendProvider) Send(ctx context.Context, req *Request) error {
	if p.emails == nil {
		return fmt.Errorf("Resend client not initialized")
	}
	if len(req.To) == 0 {
		return fmt.Errorf("email recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := p.emails.Send(&resend.SendEmailRequest{
		From:    req.From,
		To:      req.To,
		Subject: req.Subject,
		Text:    req.Body,
	})
	if err != nil {
		return fmt.Errorf("Resend send failed: %w", err)
	}

	slog.Info("Email sent via Resend",
		"email_id", result.Id,
		"to", req.To,
		"subject", req.Subject,
	)
	return nil
}
