// Package mediaerr defines the error taxonomy the pipeline raises and the
// CLI's mapping of those errors to process exit codes.
package mediaerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the named failure modes the pipeline can raise.
type Kind int

const (
	KindCancelled Kind = iota
	KindDrmProtected
	KindUnsupportedEncryption
	KindUnclassifiedPlaylist
	KindEmptyPlaylist
	KindFetch
	KindDecryptionFailed
	KindNoFragmentsDownloaded
	KindExcessiveFragmentFailures
	KindMuxError
	KindMuxTimeout
	KindFileSaveInterrupted
	KindNoSegmentsRecorded
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "Cancelled"
	case KindDrmProtected:
		return "DrmProtected"
	case KindUnsupportedEncryption:
		return "UnsupportedEncryption"
	case KindUnclassifiedPlaylist:
		return "UnclassifiedPlaylist"
	case KindEmptyPlaylist:
		return "EmptyPlaylist"
	case KindFetch:
		return "Fetch"
	case KindDecryptionFailed:
		return "DecryptionFailed"
	case KindNoFragmentsDownloaded:
		return "NoFragmentsDownloaded"
	case KindExcessiveFragmentFailures:
		return "ExcessiveFragmentFailures"
	case KindMuxError:
		return "MuxError"
	case KindMuxTimeout:
		return "MuxTimeout"
	case KindFileSaveInterrupted:
		return "FileSaveInterrupted"
	case KindNoSegmentsRecorded:
		return "NoSegmentsRecorded"
	default:
		return "Unknown"
	}
}

// Error is the concrete type carried by every pipeline failure. Op names the
// operation or resource involved (a fragment URI for KindFetch, a message
// for KindMuxError), and Err, when present, is the wrapped underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, mediaerr.Cancelled()) without caring about Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Cancelled() *Error { return &Error{Kind: KindCancelled} }

func DrmProtected() *Error { return &Error{Kind: KindDrmProtected} }

func UnsupportedEncryption() *Error { return &Error{Kind: KindUnsupportedEncryption} }

func UnclassifiedPlaylist() *Error { return &Error{Kind: KindUnclassifiedPlaylist} }

func EmptyPlaylist() *Error { return &Error{Kind: KindEmptyPlaylist} }

func Fetch(uri string, cause error) *Error {
	return &Error{Kind: KindFetch, Op: uri, Err: cause}
}

func DecryptionFailed(cause error) *Error {
	return &Error{Kind: KindDecryptionFailed, Err: cause}
}

func NoFragmentsDownloaded(firstErr error) *Error {
	return &Error{Kind: KindNoFragmentsDownloaded, Err: firstErr}
}

func ExcessiveFragmentFailures(failed, total int) *Error {
	return &Error{Kind: KindExcessiveFragmentFailures, Op: fmt.Sprintf("%d/%d fragments failed", failed, total)}
}

func MuxErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindMuxError, Op: fmt.Sprintf(format, args...)}
}

func MuxTimeout() *Error { return &Error{Kind: KindMuxTimeout} }

func FileSaveInterrupted(reason string) *Error {
	return &Error{Kind: KindFileSaveInterrupted, Op: reason}
}

func NoSegmentsRecorded() *Error { return &Error{Kind: KindNoSegmentsRecorded} }

// IsCancelled reports whether err (or anything it wraps) is a Cancelled error.
func IsCancelled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCancelled
}

// Exit codes per the CLI contract.
const (
	ExitOK                       = 0
	ExitCancelled                = 10
	ExitDrmOrUnsupported         = 20
	ExitExcessiveFragmentFailure = 30
	ExitMux                      = 40
	ExitNoFragments              = 50
	ExitOther                    = 1
)

// ExitCode maps a pipeline error to its process exit code. A nil error maps
// to ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return ExitOther
	}
	switch e.Kind {
	case KindCancelled:
		return ExitCancelled
	case KindDrmProtected, KindUnsupportedEncryption:
		return ExitDrmOrUnsupported
	case KindExcessiveFragmentFailures:
		return ExitExcessiveFragmentFailure
	case KindMuxError, KindMuxTimeout:
		return ExitMux
	case KindNoFragmentsDownloaded, KindNoSegmentsRecorded:
		return ExitNoFragments
	default:
		return ExitOther
	}
}
