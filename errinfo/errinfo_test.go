package errinfo

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"security", SecurityViolation("outside roots", "/etc/passwd"), KindSecurityViolation},
		{"wrapped", fmt.Errorf("load: %w", NotFound("missing", "/a.ipynb")), KindNotFound},
		{"plain", errors.New("boom"), KindInternal},
		{"out of range", OutOfRange("index", 7, 3), KindOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutOfRange_Details(t *testing.T) {
	err := OutOfRange("from_index", 5, 2)
	if err.Index == nil || *err.Index != 5 {
		t.Fatalf("Index = %v, want 5", err.Index)
	}
	d := err.Details()
	if d["field"] != "from_index" {
		t.Errorf("field = %v, want from_index", d["field"])
	}
	if d["index"] != 5 {
		t.Errorf("index = %v, want 5", d["index"])
	}
	if !strings.Contains(err.Error(), "out of range (0-1)") {
		t.Errorf("Error() = %q, want range text", err.Error())
	}
}

func TestStorageFailure_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := StorageFailure("write notebook", "/tmp/a.ipynb", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	msg := err.Error()
	for _, want := range []string{"operation: write notebook", "path: /tmp/a.ipynb", "disk full"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestIs(t *testing.T) {
	if Is(nil, KindInternal) {
		t.Error("nil error should never match a kind")
	}
	if !Is(InvariantViolation("last cell"), KindInvariantViolation) {
		t.Error("expected invariant violation")
	}
}

func TestKind_Summary(t *testing.T) {
	if KindSecurityViolation.Summary() != "Access denied or invalid path" {
		t.Errorf("unexpected summary %q", KindSecurityViolation.Summary())
	}
	if KindInternal.Summary() != "An unexpected error occurred" {
		t.Errorf("unexpected summary %q", KindInternal.Summary())
	}
}
