// Package mail sends alert emails through a registry of providers (SES, Resend, SMTP) with
// retry and ordered fallback.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"changealerts/internal/shared"
)

// Request is an email to be sent.
type Request struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Provider is implemented by every email backend.
type Provider interface {
	// Name returns the provider name (e.g., "ses", "resend", "smtp").
	Name() string
	Send(ctx context.Context, req *Request) error
	// IsConfigured returns true if the provider has the settings it needs.
	IsConfigured() bool
}

// Registry manages email providers with fallback support.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  []string
	retry     RetryConfig
}

// NewRegistry creates an empty registry that retries each provider with cfg.
func NewRegistry(cfg RetryConfig) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		retry:     cfg,
	}
}

// NewRegistryFromEnv registers the SES, Resend and SMTP providers and picks the primary and
// fallback order from EMAIL_PROVIDER and EMAIL_FALLBACK.
func NewRegistryFromEnv(ctx context.Context) (*Registry, error) {
	r := NewRegistry(DefaultRetryConfig())
	r.Register(NewSESProvider(ctx))
	r.Register(NewResendProvider())
	r.Register(NewSMTPProvider(SMTPConfigFromEnv()))

	if err := r.SetPrimary(shared.GetEnvOrDefault("EMAIL_PROVIDER", "smtp")); err != nil {
		return nil, err
	}
	var fallback []string
	for _, name := range strings.Split(shared.GetEnvOrDefault("EMAIL_FALLBACK", ""), ",") {
		if name = strings.TrimSpace(name); name != "" {
			fallback = append(fallback, name)
		}
	}
	if err := r.SetFallback(fallback...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	slog.Info("Registered email provider", "name", p.Name(), "configured", p.IsConfigured())
}

// SetPrimary sets the primary provider by name.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.primary = name
	return nil
}

// SetFallback sets the fallback providers in order.
func (r *Registry) SetFallback(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("provider %q not registered", name)
		}
	}
	r.fallback = names
	return nil
}

// order returns the configured providers to try, primary first.
func (r *Registry) order() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Provider
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if p, ok := r.providers[name]; ok && p.IsConfigured() {
			out = append(out, p)
		}
	}
	if r.primary != "" {
		add(r.primary)
	}
	for _, name := range r.fallback {
		add(name)
	}
	if len(out) == 0 {
		// Any configured provider, in a stable order.
		names := make([]string, 0, len(r.providers))
		for name := range r.providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(name)
		}
	}
	return out
}

// Send delivers req with the first provider that succeeds. Each provider is retried on
// transient errors before moving to the next one. The first provider's error is returned when
// all fail.
func (r *Registry) Send(ctx context.Context, req *Request) error {
	providers := r.order()
	if len(providers) == 0 {
		return fmt.Errorf("no configured email provider available")
	}

	var firstErr error
	for i, p := range providers {
		err := WithRetry(ctx, r.retry, p.Name()+" send", func() error {
			return p.Send(ctx, req)
		})
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(providers) {
			slog.Warn("Email provider failed, trying fallback",
				"provider", p.Name(),
				"fallback", providers[i+1].Name(),
				"error", err,
			)
		}
	}
	return firstErr
}

// Mailer adapts a Registry to the dispatcher's send contract.
type Mailer struct {
	registry *Registry
}

// NewMailer wraps a registry.
func NewMailer(registry *Registry) *Mailer {
	return &Mailer{registry: registry}
}

// Send emails body to recipients.
func (m *Mailer) Send(ctx context.Context, subject, body, from string, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("email recipient is required")
	}
	return m.registry.Send(ctx, &Request{
		From:    from,
		To:      recipients,
		Subject: subject,
		Body:    body,
	})
}
