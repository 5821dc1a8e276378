package aff4

import (
	"testing"

	"golang.org/x/xerrors"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{ErrNotFound, StatusNotFound},
		{xerrors.Errorf("opening <x>: %w", ErrNotFound), StatusNotFound},
		{ErrIncompatibleTypes, StatusIncompatibleTypes},
		{ErrNotImplemented, StatusNotImplemented},
		{xerrors.New("anything else"), StatusGenericError},
	} {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d", got)
	}
	if got := ExitCode(ErrIOError); got != 8 {
		t.Errorf("ExitCode(ErrIOError) = %d, want 8", got)
	}
}
