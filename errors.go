package aff4

import "golang.org/x/xerrors"

// The error taxonomy. Errors are returned in-band and wrapped with
// context via xerrors; callers test them with xerrors.Is.
var (
	ErrNotFound          = xerrors.New("not found")
	ErrIncompatibleTypes = xerrors.New("incompatible types")
	ErrGenericError      = xerrors.New("invariant violation")
	ErrInvalidInput      = xerrors.New("invalid input")
	ErrParsingError      = xerrors.New("parsing error")
	ErrNotImplemented    = xerrors.New("not implemented")
	ErrIOError           = xerrors.New("io error")
	ErrAborted           = xerrors.New("aborted")
)

// Status is the numeric form of the taxonomy, used at the CLI boundary and
// in the C ABI.
type Status int

const (
	StatusOK                Status = 0
	StatusContinue          Status = 1
	StatusNotFound          Status = -1
	StatusIncompatibleTypes Status = -2
	StatusGenericError      Status = -4
	StatusInvalidInput      Status = -5
	StatusParsingError      Status = -6
	StatusNotImplemented    Status = -7
	StatusIOError           Status = -8
	StatusAborted           Status = -10
)

// StatusOf maps an error chain onto its Status. nil maps to StatusOK;
// unrecognized errors map to StatusGenericError.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case xerrors.Is(err, ErrNotFound):
		return StatusNotFound
	case xerrors.Is(err, ErrIncompatibleTypes):
		return StatusIncompatibleTypes
	case xerrors.Is(err, ErrInvalidInput):
		return StatusInvalidInput
	case xerrors.Is(err, ErrParsingError):
		return StatusParsingError
	case xerrors.Is(err, ErrNotImplemented):
		return StatusNotImplemented
	case xerrors.Is(err, ErrIOError):
		return StatusIOError
	case xerrors.Is(err, ErrAborted):
		return StatusAborted
	default:
		return StatusGenericError
	}
}

// ExitCode converts an error into a process exit code: 0 for success,
// otherwise the absolute numeric status.
func ExitCode(err error) int {
	s := StatusOf(err)
	if s == StatusOK || s == StatusContinue {
		return 0
	}
	if s < 0 {
		return int(-s)
	}
	return int(s)
}
