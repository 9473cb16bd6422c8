package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeStorageUnavailable, "open store", stderrors.New("disk full"))
	if got := err.Error(); got != "open store: disk full" {
		t.Fatalf("error = %q, want %q", got, "open store: disk full")
	}
	if got := New(CodeRemoteRejected, "missing").Error(); got != "missing" {
		t.Fatalf("error = %q, want %q", got, "missing")
	}
}

func TestGetCodeTraversesWrappedChain(t *testing.T) {
	base := WithMetadata(CodeRemoteUnreachable, "dial remote", map[string]string{"item_id": "7"})
	wrapped := fmt.Errorf("apply item: %w", base)

	if code := GetCode(wrapped); code != CodeRemoteUnreachable {
		t.Fatalf("code = %q, want %q", code, CodeRemoteUnreachable)
	}
	if !HasCode(wrapped, CodeRemoteUnreachable) {
		t.Fatal("expected wrapped error to carry unreachable code")
	}
	if HasCode(wrapped, CodeRemoteRejected) {
		t.Fatal("did not expect rejected code")
	}
	if code := GetCode(stderrors.New("plain")); code != CodeUnknown {
		t.Fatalf("code = %q, want %q", code, CodeUnknown)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := stderrors.New("root")
	err := Wrap(CodeStorageCorrupt, "decode record", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
}
