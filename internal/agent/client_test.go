package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent records requests and answers with a canned response.
type fakeAgent struct {
	hits   atomic.Int32
	status int
	body   any
	last   toggleRequest
	auth   string
}

func (f *fakeAgent) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/waf/toggle", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		f.auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.last))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(f.body)
	}
}

func newAgentServer(t *testing.T, f *fakeAgent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return srv
}

func okBody(domain string) map[string]any {
	return map[string]any{
		"status":             "OK",
		"message":            "ModSecurity engine set to On",
		"domain":             domain,
		"modsecurity_status": "On",
	}
}

func TestToggleEnforcement_Success(t *testing.T) {
	key, _ := testKeys(t)
	f := &fakeAgent{status: http.StatusOK, body: okBody("example.com")}
	srv := newAgentServer(t, f)

	c := NewClient(Config{URL: srv.URL + "/", AuthToken: "s3cret"})
	c.SetKey(key)
	require.True(t, c.Ready())

	res, err := c.ToggleEnforcement(context.Background(), "example.com", true)
	require.NoError(t, err)
	assert.Equal(t, &ToggleResult{
		Status:            "OK",
		Message:           "ModSecurity engine set to On",
		Domain:            "example.com",
		EnforcementStatus: "On",
	}, res)

	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, "Bearer s3cret", f.auth)
	assert.Equal(t, "example.com", f.last.Domain)
	assert.True(t, f.last.Enabled)
	assert.NoError(t, Verify(&key.PublicKey, "example.com", true, f.last.Signature))
}

func TestToggleEnforcement_DomainDefaultsToRequested(t *testing.T) {
	key, _ := testKeys(t)
	f := &fakeAgent{status: http.StatusAccepted, body: map[string]any{"status": "OK", "modsecurity_status": "DetectionOnly"}}
	srv := newAgentServer(t, f)

	c := NewClient(Config{URL: srv.URL})
	c.SetKey(key)
	res, err := c.ToggleEnforcement(context.Background(), "shop.example.com", false)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", res.Domain)
	assert.Equal(t, "DetectionOnly", res.EnforcementStatus)
	assert.NoError(t, Verify(&key.PublicKey, "shop.example.com", false, f.last.Signature))
}

func TestToggleEnforcement_NoKeyMakesNoNetworkCall(t *testing.T) {
	f := &fakeAgent{status: http.StatusOK, body: okBody("example.com")}
	srv := newAgentServer(t, f)

	c := NewClient(Config{URL: srv.URL, AuthToken: "t"})
	res, err := c.ToggleEnforcement(context.Background(), "example.com", true)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrSigningKeyUnavailable)
	assert.True(t, IsUpstream(err))
	assert.Equal(t, int32(0), f.hits.Load())

	key, _ := testKeys(t)
	c.SetKey(key)
	c.SetKey(nil)
	_, err = c.ToggleEnforcement(context.Background(), "example.com", true)
	assert.ErrorIs(t, err, ErrSigningKeyUnavailable)
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestToggleEnforcement_Failures(t *testing.T) {
	key, _ := testKeys(t)

	tests := []struct {
		name       string
		status     int
		body       any
		wantStatus int
	}{
		{"non-2xx", http.StatusUnauthorized, map[string]any{"status": "ERROR", "message": "bad token"}, http.StatusUnauthorized},
		{"server error even with OK body", http.StatusInternalServerError, okBody("example.com"), http.StatusInternalServerError},
		{"non-OK status", http.StatusOK, map[string]any{"status": "ERROR", "message": "invalid signature"}, http.StatusOK},
		{"lowercase ok", http.StatusOK, map[string]any{"status": "ok"}, http.StatusOK},
		{"missing status", http.StatusOK, map[string]any{"message": "done"}, http.StatusOK},
		{"not an object", http.StatusOK, "OK", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeAgent{status: tt.status, body: tt.body}
			srv := newAgentServer(t, f)
			c := NewClient(Config{URL: srv.URL})
			c.SetKey(key)

			res, err := c.ToggleEnforcement(context.Background(), "example.com", true)
			assert.Nil(t, res)
			require.ErrorIs(t, err, ErrAgentRejected)

			var ue *UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, tt.wantStatus, ue.StatusCode)
			assert.Equal(t, "example.com", ue.Domain)
		})
	}
}

func TestToggleEnforcement_Unreachable(t *testing.T) {
	key, _ := testKeys(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url})
	c.SetKey(key)
	_, err := c.ToggleEnforcement(context.Background(), "example.com", true)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.True(t, IsUpstream(err))

	c = NewClient(Config{})
	c.SetKey(key)
	_, err = c.ToggleEnforcement(context.Background(), "example.com", true)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
}

func TestToggleEnforcement_CancelledContext(t *testing.T) {
	key, _ := testKeys(t)
	f := &fakeAgent{status: http.StatusOK, body: okBody("example.com")}
	srv := newAgentServer(t, f)

	c := NewClient(Config{URL: srv.URL})
	c.SetKey(key)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ToggleEnforcement(ctx, "example.com", true)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestToggleEnforcement_InvalidDomainIsNotUpstream(t *testing.T) {
	key, _ := testKeys(t)
	f := &fakeAgent{status: http.StatusOK, body: okBody("x")}
	srv := newAgentServer(t, f)
	c := NewClient(Config{URL: srv.URL})
	c.SetKey(key)

	for _, d := range []string{"", "example.com|true", "-bad.com", "a..b", "has space.com", "example.com/path"} {
		_, err := c.ToggleEnforcement(context.Background(), d, true)
		assert.ErrorIs(t, err, ErrInvalidDomain, d)
		assert.False(t, IsUpstream(err), d)
	}
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestValidateDomain_Accepts(t *testing.T) {
	for _, d := range []string{"example.com", "196.188.250.141", "a-b.example.co.uk", "_dmarc.example.com", "localhost"} {
		assert.NoError(t, ValidateDomain(d), d)
	}
}

func TestUpstreamError_Message(t *testing.T) {
	err := &UpstreamError{Domain: "example.com", StatusCode: 502, Detail: "bad gateway", Err: ErrAgentRejected}
	assert.Equal(t, "waf toggle for example.com: agent rejected the toggle (HTTP 502): bad gateway", err.Error())
}
