// Package agent implements the signed toggle client that asks an edge agent to
// switch ModSecurity enforcement for a domain.
//
// Every command is the string "<domain>|<enabled>" signed with RSA-PSS (SHA-256,
// maximum salt) and POSTed to <agent url>/waf/toggle with a bearer token. The
// client fails closed: without a loaded key, on a transport error, on a non-2xx
// response or on a status other than "OK" it returns an *UpstreamError, and
// callers must not persist any local enforcement change.
//
// The key is held behind an atomic pointer so a KeyWatcher can swap it while
// toggles are in flight. There is no retry; callers that need a deadline pass
// one in ctx.
package agent

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/waflog/waflog-backend/internal/telemetry"
)

const (
	togglePath      = "/waf/toggle"
	statusOK        = "OK"
	maxResponseBody = 1 << 20
)

// Config configures a Client.
type Config struct {
	URL       string
	AuthToken string
	// Timeout of zero leaves the transport default in place.
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// ToggleResult is the agent's acknowledgement.
type ToggleResult struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	Domain            string `json:"domain"`
	EnforcementStatus string `json:"enforcement_status"`
}

type toggleRequest struct {
	Domain    string `json:"domain"`
	Enabled   bool   `json:"enabled"`
	Signature string `json:"signature"`
}

type toggleResponse struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	Domain            string `json:"domain"`
	ModSecurityStatus string `json:"modsecurity_status"`
}

// Client sends signed toggle commands.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	signer     atomic.Pointer[Signer]
}

// NewClient creates a Client with no key loaded. Until SetKey is called every
// toggle fails with ErrSigningKeyUnavailable.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		authToken:  cfg.AuthToken,
		httpClient: hc,
	}
}

// SetKey installs key for subsequent toggles. A nil key puts the client back into
// fail-closed mode.
func (c *Client) SetKey(key *rsa.PrivateKey) {
	if key == nil {
		c.signer.Store(nil)
		return
	}
	c.signer.Store(NewSigner(key))
}

// Ready reports whether a signing key is loaded.
func (c *Client) Ready() bool {
	return c.signer.Load() != nil
}

// PublicKey returns the public half of the loaded key, or nil.
func (c *Client) PublicKey() *rsa.PublicKey {
	if s := c.signer.Load(); s != nil {
		return s.Public()
	}
	return nil
}

// ToggleEnforcement asks the agent to enable or disable enforcement for domain.
func (c *Client) ToggleEnforcement(ctx context.Context, domain string, enabled bool) (*ToggleResult, error) {
	if err := ValidateDomain(domain); err != nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	signer := c.signer.Load()
	if signer == nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("no_key").Inc()
		return nil, &UpstreamError{Domain: domain, Err: ErrSigningKeyUnavailable}
	}
	if c.baseURL == "" {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("unreachable").Inc()
		return nil, &UpstreamError{Domain: domain, Err: ErrAgentUnreachable, Detail: "agent URL is not configured"}
	}

	signature, err := signer.Sign(domain, enabled)
	if err != nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("no_key").Inc()
		return nil, &UpstreamError{Domain: domain, Err: ErrSigningKeyUnavailable, Detail: err.Error()}
	}

	body, err := json.Marshal(toggleRequest{Domain: domain, Enabled: enabled, Signature: signature})
	if err != nil {
		return nil, fmt.Errorf("failed to encode toggle request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+togglePath, bytes.NewReader(body))
	if err != nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("unreachable").Inc()
		return nil, &UpstreamError{Domain: domain, Err: ErrAgentUnreachable, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("unreachable").Inc()
		return nil, &UpstreamError{Domain: domain, Err: ErrAgentUnreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("unreachable").Inc()
		return nil, &UpstreamError{Domain: domain, StatusCode: resp.StatusCode, Err: ErrAgentUnreachable, Detail: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, &UpstreamError{Domain: domain, StatusCode: resp.StatusCode, Err: ErrAgentRejected, Detail: snippet(respBody)}
	}

	var out toggleResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, &UpstreamError{Domain: domain, StatusCode: resp.StatusCode, Err: ErrAgentRejected, Detail: "malformed response body"}
	}
	if out.Status != statusOK {
		telemetry.WAFToggleRequestsTotal.WithLabelValues("rejected").Inc()
		detail := fmt.Sprintf("status %q", out.Status)
		if out.Message != "" {
			detail += ": " + out.Message
		}
		return nil, &UpstreamError{Domain: domain, StatusCode: resp.StatusCode, Err: ErrAgentRejected, Detail: detail}
	}

	telemetry.WAFToggleRequestsTotal.WithLabelValues("ok").Inc()
	result := &ToggleResult{
		Status:            out.Status,
		Message:           out.Message,
		Domain:            out.Domain,
		EnforcementStatus: out.ModSecurityStatus,
	}
	if result.Domain == "" {
		result.Domain = domain
	}
	slog.Info("waf enforcement toggled", "domain", domain, "enabled", enabled, "enforcement_status", result.EnforcementStatus)
	return result, nil
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// ValidateDomain accepts DNS names and IPv4 literals: dot-separated labels of
// 1 to 63 letters, digits, '-' or '_', not starting or ending with '-'.
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
		}
		for i := 0; i < len(label); i++ {
			ch := label[i]
			switch {
			case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			default:
				return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
			}
		}
	}
	return nil
}
