package venue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized is returned by Client calls when the session is not
	// (or no longer) accepted.
	ErrUnauthorized = errors.New("venue: unauthorized")
	// ErrCodeRejected is returned by VerifyCode for a wrong one-time code.
	ErrCodeRejected = errors.New("venue: verification code rejected")

	ErrNotAuthenticated = errors.New("venue: not authenticated")
	// ErrAuthRetryPending means re-authentication failed after an
	// unauthorized response. The caller should wait for the next heartbeat.
	ErrAuthRetryPending = errors.New("venue: authentication failed, will retry later")
	ErrOTPNotProvided   = errors.New("venue: one-time code not provided")
	ErrUnexpected       = errors.New("venue: unexpected error")
)

// SecondFactorRequired is returned by Login when the account needs a
// one-time code. Kinds lists what the platform accepts (e.g. "totp", "emailOtp").
type SecondFactorRequired struct {
	Kinds []string
}

func (e *SecondFactorRequired) Error() string {
	return "venue: second factor required (" + strings.Join(e.Kinds, ",") + ")"
}

// Kind picks the factor to prompt for. Email codes win over TOTP.
func (e *SecondFactorRequired) Kind() string {
	for _, k := range e.Kinds {
		if strings.EqualFold(k, KindEmailOTP) {
			return KindEmailOTP
		}
	}
	for _, k := range e.Kinds {
		if strings.EqualFold(k, KindTOTP) {
			return KindTOTP
		}
	}
	if len(e.Kinds) > 0 {
		return e.Kinds[0]
	}
	return KindTOTP
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("venue: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("venue: %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Is makes a 401 match ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == 401
}

// FailureKind is the caller-facing failure class.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureNotAuthenticated FailureKind = "not-authenticated"
	FailureAuthRetryPending FailureKind = "auth-retry-pending"
	FailureOTPNotProvided   FailureKind = "otp-not-provided"
	FailureAPI              FailureKind = "api-error"
	FailureUnexpected       FailureKind = "unexpected-error"
)

// Classify maps err onto the failure taxonomy.
func Classify(err error) FailureKind {
	var apiErr *APIError
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNotAuthenticated):
		return FailureNotAuthenticated
	case errors.Is(err, ErrAuthRetryPending):
		return FailureAuthRetryPending
	case errors.Is(err, ErrOTPNotProvided):
		return FailureOTPNotProvided
	case errors.As(err, &apiErr):
		return FailureAPI
	default:
		return FailureUnexpected
	}
}
