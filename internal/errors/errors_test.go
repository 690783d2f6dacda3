package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapKeepsCodeThroughFmtWrapping(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := fmt.Errorf("commit: %w", Wrap(CodeStorageFailure, cause, "write balance"))

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable")
	}
}

func TestRegisterAndMetadata(t *testing.T) {
	const code Code = "TEST_ONLY_CODE"
	Register(code, Attributes{Message: "test only", Severity: SeverityWarning})

	err := New(code, "", WithMetadata("account", "0xabc"), WithMetadata("handler", "0xdef"))
	if err.Message() != "test only" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	text := err.Error()
	if !strings.Contains(text, "account=0xabc handler=0xdef") {
		t.Fatalf("metadata missing from %q", text)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}
