package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"changealerts/internal/shared"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends email through AWS SES.
type SESProvider struct {
	client sesAPI
	region string
}

// NewSESProvider loads the default AWS configuration for AWS_REGION. The provider reports
// itself unconfigured when no configuration can be loaded.
func NewSESProvider(ctx context.Context) *SESProvider {
	region := shared.GetEnvOrDefault("AWS_REGION", "us-east-1")

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Warn("Failed to load AWS config, SES provider will be unavailable", "error", err)
		return &SESProvider{region: region}
	}
	return &SESProvider{client: sesv2.NewFromConfig(cfg), region: region}
}

// Name returns the provider name.
func (p *SESProvider) Name() string {
	return "ses"
}

// IsConfigured returns true if SES is properly configured.
func (p *SESProvider) IsConfigured() bool {
	return p.client != nil
}

// Send sends an email via AWS SES.
func (p *SESProvider) Send(ctx context.Context, req *Request) error {
	if p.client == nil {
		return fmt.Errorf("SES client not initialized")
	}
	if len(req.To) == 0 {
		return fmt.Errorf("email recipient is required")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination: &types.Destination{
			ToAddresses: req.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(req.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES send failed: %w", err)
	}

	slog.Info("Email sent via SES",
		"message_id", aws.ToString(result.MessageId),
		"to", req.To,
		"subject", req.Subject,
	)
	return nil
}
