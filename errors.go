package keygate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoEligibleCredential    = errors.New("keygate: no eligible credential")
	ErrAllCredentialsExhausted = errors.New("keygate: all credentials exhausted")
	ErrRetriesExhausted        = errors.New("keygate: retries exhausted")
	ErrCeilingExceeded         = errors.New("keygate: ceiling exceeded")
	ErrVirtualKeyNotFound      = errors.New("keygate: virtual key not found")
	ErrCredentialNotFound      = errors.New("keygate: credential not found")
	ErrProviderNotConfigured   = errors.New("keygate: provider not configured")

	// OAuth session and token lifecycle errors.
	ErrInvalidSession      = errors.New("keygate: invalid session")
	ErrSessionExpired      = errors.New("keygate: session expired")
	ErrInvalidState        = errors.New("keygate: invalid state")
	ErrTokenExchangeFailed = errors.New("keygate: token exchange failed")
	ErrRefreshTokenInvalid = errors.New("keygate: refresh token invalid")
)

// GatewayError wraps a terminal failure with routing context. Terminal is
// one of ErrAllCredentialsExhausted, ErrRetriesExhausted or
// ErrCeilingExceeded; Last carries the final attempt's error when there was
// one. errors.Is matches either.
type GatewayError struct {
	VirtualKeyID string
	CredentialID string
	Attempts     int
	Terminal     error
	Last         error
}

func (e *GatewayError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("keygate: virtual_key=%s credential=%s attempts=%d: %v (last: %v)",
			e.VirtualKeyID, e.CredentialID, e.Attempts, e.Terminal, e.Last)
	}
	return fmt.Sprintf("keygate: virtual_key=%s credential=%s attempts=%d: %v",
		e.VirtualKeyID, e.CredentialID, e.Attempts, e.Terminal)
}

func (e *GatewayError) Unwrap() []error {
	if e.Last != nil {
		return []error{e.Terminal, e.Last}
	}
	return []error{e.Terminal}
}

// IsAdmission reports whether err is a terminal admission failure: nothing
// was forwarded and the caller should not retry through the gateway.
func IsAdmission(err error) bool {
	return errors.Is(err, ErrAllCredentialsExhausted) ||
		errors.Is(err, ErrNoEligibleCredential) ||
		errors.Is(err, ErrCeilingExceeded)
}
