package zds_test

import (
	"errors"
	"testing"

	"github.com/zippydata/zippy/pkg/zds"
)

func Test_ValidateDocID_Rejects_Empty(t *testing.T) {
	t.Parallel()

	if err := zds.ValidateDocID(""); err == nil {
		t.Fatalf("expected error for empty doc id")
	}
}

func Test_ValidateDocID_Rejects_Path_Separators(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"a/b", `a\b`, "..", ".", "a/../b"} {
		if err := zds.ValidateDocID(id); err == nil {
			t.Errorf("ValidateDocID(%q) = nil, want error", id)
		}
	}
}

func Test_ValidateDocID_Accepts_Ordinary_Ids(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"a", "doc-123", "user_456", "550e8400-e29b-41d4-a716-446655440000"} {
		if err := zds.ValidateDocID(id); err != nil {
			t.Errorf("ValidateDocID(%q) = %v, want nil", id, err)
		}
	}
}

func Test_ValidateDocID_Error_Kind_Is_InvalidDocID(t *testing.T) {
	t.Parallel()

	err := zds.ValidateDocID("")
	if !errors.Is(err, zds.ErrInvalidDocID) {
		t.Fatalf("expected errors.Is(err, zds.ErrInvalidDocID) to hold")
	}
}
