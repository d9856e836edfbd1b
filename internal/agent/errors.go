package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDomain is a caller error; it never reaches the agent.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrSigningKeyUnavailable means no usable private key is loaded.
	ErrSigningKeyUnavailable = errors.New("agent signing key is not available")
	// ErrAgentUnreachable covers transport failures and a missing agent URL.
	ErrAgentUnreachable = errors.New("agent is unreachable")
	// ErrAgentRejected covers non-2xx responses and a status other than "OK".
	ErrAgentRejected = errors.New("agent rejected the toggle")
)

// UpstreamError is the failure class for everything that went wrong on the way to
// or at the edge agent. Err is one of ErrSigningKeyUnavailable, ErrAgentUnreachable
// or ErrAgentRejected.
type UpstreamError struct {
	Domain     string
	StatusCode int
	Detail     string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("waf toggle for %s: %v", e.Domain, e.Err)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream reports whether err belongs to the upstream agent failure class.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
