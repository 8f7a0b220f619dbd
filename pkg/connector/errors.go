// Package connector fans out to the five listing platforms: per-platform
// adapters behind a registry, symbolic credential resolution, anti-bot
// pacing, a per-account circuit breaker, and retry composition with session
// refresh on captcha and auth failures.
package connector

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Normalized error codes. These are the only codes the worker and the retry
// policy ever see; raw adapter errors are mapped before they escape.
const (
	CodeCaptchaRequired     = "CAPTCHA_REQUIRED"
	CodeBotChallenge        = "BOT_CHALLENGE"
	CodeSessionExpired      = "SESSION_EXPIRED"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeCredentialMissing   = "CREDENTIAL_MISSING"
	CodeCredentialPlaintext = "CREDENTIAL_PLAINTEXT_FORBIDDEN"
	CodeUnknownPlatform     = "UNKNOWN_PLATFORM"
	CodePlatformUnavailable = "PLATFORM_UNAVAILABLE"
)

// PlatformError is a normalized adapter failure.
//
//nolint:govet // struct alignment optimization not critical for this type
type PlatformError struct {
	Code         string
	Platform     string
	Message      string
	RetryAfterMs int64
	HTTPStatus   int
	Cause        error
}

func (e *PlatformError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *PlatformError) Unwrap() error {
	return e.Cause
}

// Retryable implements the retry package's classifier hook. Session expiry
// is always retryable (refresh fixes it); captcha retryability is bounded
// separately by the registry's captcha counter.
func (e *PlatformError) Retryable() bool {
	switch e.Code {
	case CodeSessionExpired, CodePlatformUnavailable:
		return true
	case CodeCircuitOpen, CodeCredentialMissing, CodeCredentialPlaintext, CodeUnknownPlatform:
		return false
	default:
		return e.HTTPStatus == 429 || e.HTTPStatus >= 500
	}
}

// ErrorCode extracts the normalized code from err, or "" when err is not a
// PlatformError.
func ErrorCode(err error) string {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

var (
	captchaPattern   = regexp.MustCompile(`(?i)(captcha|recaptcha|hcaptcha|verify you are human|i'?m not a robot)`)
	challengePattern = regexp.MustCompile(`(?i)(challenge|cloudflare|attention required|access denied|bot detect|unusual traffic)`)
	sessionPattern   = regexp.MustCompile(`(?i)(session (has )?expired|not authenticated|please (log|sign) in|login required|unauthorized)`)
)

// Normalize maps a raw adapter error onto the normalized taxonomy. Already
// normalized errors pass through unchanged.
func Normalize(platform string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return err
	}

	msg := err.Error()
	status := httpStatusOf(err)

	switch {
	case captchaPattern.MatchString(msg):
		return &PlatformError{Code: CodeCaptchaRequired, Platform: platform, Message: msg, Cause: err}
	case challengePattern.MatchString(msg):
		return &PlatformError{Code: CodeBotChallenge, Platform: platform, Message: msg, Cause: err}
	case status == 401 || status == 419 || sessionPattern.MatchString(msg):
		return &PlatformError{Code: CodeSessionExpired, Platform: platform, Message: msg, HTTPStatus: status, Cause: err}
	case status == 429 || status >= 500:
		return &PlatformError{Code: CodePlatformUnavailable, Platform: platform, Message: msg, HTTPStatus: status, Cause: err}
	default:
		return fmt.Errorf("%s adapter error: %w", platform, err)
	}
}

type statusCarrier interface {
	HTTPStatus() int
}

func httpStatusOf(err error) int {
	var sc statusCarrier
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsAuthError reports whether err warrants a session refresh before the next
// attempt.
func IsAuthError(err error) bool {
	switch ErrorCode(err) {
	case CodeCaptchaRequired, CodeBotChallenge, CodeSessionExpired:
		return true
	}
	return false
}

// refreshReason labels the session refresh trigger for observability.
func refreshReason(err error) string {
	return strings.ToLower(ErrorCode(err))
}
