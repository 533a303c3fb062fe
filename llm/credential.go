/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package llm

import (
	"fmt"
	"strings"

	"github.com/PivotLLM/Surveyor/global"
)

// Credential is the immutable call descriptor resolved from a provider row.
// It is passed by value and never written back.
type Credential struct {
	ProviderID int64
	Name       string
	Vendor     string
	APIKey     string
	BaseURL    string
}

// String identifies the credential without the key
func (c Credential) String() string {
	return fmt.Sprintf("%s/%s", c.Vendor, c.Name)
}

// baseURL returns the configured base URL without a trailing slash, or def
func (c Credential) baseURL(def string) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return def
}

// newCredential resolves the provider's key (literal or env:NAME)
func newCredential(p *global.Provider) (Credential, error) {
	if p == nil {
		return Credential{}, fmt.Errorf("provider is required")
	}
	cred := Credential{
		ProviderID: p.ID,
		Name:       p.Name,
		Vendor:     strings.ToLower(strings.TrimSpace(p.Vendor)),
		APIKey:     global.ResolveSecret(p.APIKey),
		BaseURL:    strings.TrimSpace(p.BaseURL),
	}
	if cred.APIKey == "" {
		return Credential{}, fmt.Errorf("provider %d (%s): %w", p.ID, p.Name, ErrMissingCredential)
	}
	return cred, nil
}
