package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_ChainAndKind(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransientNetwork, "page fetch failed", cause).
		WithContext("mls_scrape", "85031", "/search", 2)

	if KindOf(err) != KindTransientNetwork {
		t.Errorf("kind = %s", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if !IsRetryable(err) {
		t.Error("transient network errors are retryable")
	}
	if IsFatal(err) {
		t.Error("transient network errors are not fatal")
	}

	msg := err.Error()
	for _, want := range []string{"transient_network", "mls_scrape", "85031", "attempt=2", "connection reset"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q: %s", want, msg)
		}
	}
}

func TestError_WrappedThroughFmt(t *testing.T) {
	inner := New(KindAuth, "403 from assessor")
	outer := fmt.Errorf("collect region: %w", inner)

	if KindOf(outer) != KindAuth {
		t.Errorf("kind should survive fmt wrapping, got %s", KindOf(outer))
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(KindConfig, "missing assessor.api_key")) {
		t.Error("config errors are fatal")
	}
	if IsFatal(New(KindRepository, "write failed")) {
		t.Error("repository errors are not fatal")
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindCaptchaRequired, "challenge page"))
	if !errors.Is(err, New(KindCaptchaRequired, "")) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, New(KindValidation, "")) {
		t.Error("errors.Is must not match a different kind")
	}
}
