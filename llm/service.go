/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/logging"
	"github.com/PivotLLM/Surveyor/telemetry"
)

// Factory builds an adapter for one credential
type Factory func(cred Credential, hc *http.Client) Adapter

// Service resolves credentials to vendor adapters and performs bounded calls
type Service struct {
	logger        *logging.Logger
	client        *http.Client
	quotaPatterns []string
	factories     map[string]Factory
}

// Option is a functional option for Service
type Option func(*Service)

// WithHTTPClient sets the HTTP client used by all adapters
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) {
		if hc != nil {
			s.client = hc
		}
	}
}

// WithQuotaPatterns adds phrases that classify a vendor error as quota exhaustion
func WithQuotaPatterns(patterns []string) Option {
	return func(s *Service) {
		s.quotaPatterns = append(s.quotaPatterns, patterns...)
	}
}

// WithAdapter registers or replaces the adapter factory for a vendor
func WithAdapter(vendor string, f Factory) Option {
	return func(s *Service) {
		s.factories[strings.ToLower(vendor)] = f
	}
}

// NewService creates a Service with the built-in vendor adapters
func NewService(logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		logger: logger,
		// Per-call deadlines come from the context
		client: &http.Client{},
		factories: map[string]Factory{
			global.VendorOpenAI:    newOpenAI,
			global.VendorAnthropic: newAnthropic,
			global.VendorGemini:    newGemini,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Vendors returns the supported vendor names, sorted
func (s *Service) Vendors() []string {
	vendors := make([]string, 0, len(s.factories))
	for v := range s.factories {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	return vendors
}

// Supports reports whether an adapter exists for vendor
func (s *Service) Supports(vendor string) bool {
	_, ok := s.factories[strings.ToLower(strings.TrimSpace(vendor))]
	return ok
}

// Credential resolves a provider row into an immutable Credential
func (s *Service) Credential(p *global.Provider) (Credential, error) {
	if p != nil && !s.Supports(p.Vendor) {
		return Credential{}, fmt.Errorf("provider %d (%s) vendor %q: %w", p.ID, p.Name, p.Vendor, ErrUnsupportedVendor)
	}
	return newCredential(p)
}

// Adapter returns the vendor adapter for cred
func (s *Service) Adapter(cred Credential) (Adapter, error) {
	f, ok := s.factories[cred.Vendor]
	if !ok {
		return nil, fmt.Errorf("vendor %q: %w", cred.Vendor, ErrUnsupportedVendor)
	}
	return f(cred, s.client), nil
}

// Invoke calls the vendor with a bounded timeout. Vendor errors are returned
// as *APIError with QuotaExhausted classified; a timeout is an ordinary error.
func (s *Service) Invoke(ctx context.Context, cred Credential, model, prompt string, opts InvokeOptions) (*Result, error) {
	adapter, err := s.Adapter(cred)
	if err != nil {
		return nil, err
	}

	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(global.DefaultProviderTimeoutSeconds) * time.Second
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = global.DefaultMaxOutputTokens
	}

	ctx, span := telemetry.Tracer(telemetry.ScopeLLM).Start(ctx, "llm.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.vendor", cred.Vendor),
		attribute.String("llm.model", model),
		attribute.Int64("llm.provider_id", cred.ProviderID),
		attribute.Int("llm.prompt_bytes", len(prompt)),
		attribute.Bool("llm.native_search", opts.NativeSearch),
	)

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	s.logger.Debugf("Invoking %s model %s (prompt %d bytes, timeout %s, native search %v)",
		cred, model, len(prompt), opts.Timeout, opts.NativeSearch)

	start := time.Now()
	result, err := adapter.Invoke(callCtx, model, prompt, opts)
	latency := time.Since(start)

	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.QuotaExhausted = MatchesQuota(apiErr.Message+"\n"+apiErr.Body, s.quotaPatterns)
			span.SetAttributes(
				attribute.Int("http.status_code", apiErr.StatusCode),
				attribute.Bool("llm.quota_exhausted", apiErr.QuotaExhausted),
			)
		} else if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s call timed out after %s: %w", cred.Vendor, opts.Timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warnf("%s model %s call failed after %dms: %v", cred, model, latency.Milliseconds(), err)
		return nil, err
	}

	result.Latency = latency
	span.SetAttributes(
		attribute.Int("llm.tokens_in", result.Tokens.In),
		attribute.Int("llm.tokens_out", result.Tokens.Out),
		attribute.Bool("llm.format_invalid", result.FormatInvalid),
	)
	span.SetStatus(codes.Ok, "")
	s.logger.Debugf("%s model %s returned %d chars in %dms (tokens in=%d out=%d)",
		cred, model, len(result.RawText), latency.Milliseconds(), result.Tokens.In, result.Tokens.Out)

	return result, nil
}
