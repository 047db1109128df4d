// Package errs defines the pipeline error taxonomy. Errors are classified
// at the innermost layer and carried upward with context; the kind decides
// retry vs. skip vs. abort.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfig           Kind = "config"
	KindAuth             Kind = "auth"
	KindRateLimit        Kind = "rate_limit"
	KindTransientNetwork Kind = "transient_network"
	KindProxyUnavailable Kind = "proxy_unavailable"
	KindScrapeStructure  Kind = "scrape_structure"
	KindCaptchaRequired  Kind = "captcha_required"
	KindLLMUnavailable   Kind = "llm_unavailable"
	KindLLMParse         Kind = "llm_parse"
	KindValidation       Kind = "validation"
	KindRepository       Kind = "repository"
	KindBudgetExceeded   Kind = "budget_exceeded"
)

// Error is a classified pipeline error with collection context and a
// chained cause. Credentials must never appear in any field.
type Error struct {
	Kind     Kind
	Source   string
	Region   string
	Endpoint string
	Attempt  int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Source != "" {
		msg += fmt.Sprintf(" (source=%s", e.Source)
		if e.Region != "" {
			msg += fmt.Sprintf(" region=%s", e.Region)
		}
		if e.Endpoint != "" {
			msg += fmt.Sprintf(" endpoint=%s", e.Endpoint)
		}
		if e.Attempt > 0 {
			msg += fmt.Sprintf(" attempt=%d", e.Attempt)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can use errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds a classified error with no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a classified error chaining cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// WithContext returns a copy carrying collection context.
func (e *Error) WithContext(source, region, endpoint string, attempt int) *Error {
	clone := *e
	clone.Source = source
	clone.Region = region
	clone.Endpoint = endpoint
	clone.Attempt = attempt
	return &clone
}

// KindOf extracts the classification, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the failure should be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimit:
		return true
	}
	return false
}

// IsFatal reports whether the failure must abort the whole run. Only
// configuration errors refuse to start; auth errors disable one collector.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfig
}
