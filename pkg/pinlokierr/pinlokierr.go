// Package pinlokierr defines the error kinds the core's components
// raise, and the policy each kind implies for its owning component
// (fatal-to-session, recoverable-with-reconnect, or surfaced to the
// downstream protocol).
package pinlokierr

import "errors"

// Kind classifies an error so a caller's switch on errors.Is/As can
// decide whether to abort, reconnect, or report a protocol error
// without string-matching error messages.
type Kind int

const (
	KindBinlogRead Kind = iota
	KindBinlogWrite
	KindEncryption
	KindDatabase
	KindGtidNotFound
	KindChecksumDisabled
)

func (k Kind) String() string {
	switch k {
	case KindBinlogRead:
		return "BinlogReadError"
	case KindBinlogWrite:
		return "BinlogWriteError"
	case KindEncryption:
		return "EncryptionError"
	case KindDatabase:
		return "DatabaseError"
	case KindGtidNotFound:
		return "GtidNotFoundError"
	case KindChecksumDisabled:
		return "ChecksumDisabledError"
	default:
		return "UnknownError"
	}
}

// Error is a pinloki error tagged with the Kind that determines how its
// owning component must react (spec.md §7).
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "filewriter.Append"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Op
	}
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func new(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// BinlogRead wraps err as a BinlogReadError: cannot open, short read,
// decompression failure, inotify setup failure, STOP without successor.
// Fatal to the Reader; aborts the downstream.
func BinlogRead(op string, err error) *Error { return new(KindBinlogRead, op, err) }

// BinlogWrite wraps err as a BinlogWriteError: write/flush failure,
// rotation close did not flush, index rename failed. Fatal to the
// Writer; the Writer restarts its connection loop after logging.
func BinlogWrite(op string, err error) *Error { return new(KindBinlogWrite, op, err) }

// Encryption wraps err as an EncryptionError: missing key, key-manager
// unavailable, RNG failure, cipher error, encrypted file opened without
// a configured key. Fatal; the owning Writer or Reader stops.
func Encryption(op string, err error) *Error { return new(KindEncryption, op, err) }

// Database wraps err as a DatabaseError: upstream connection failure,
// authentication, protocol desync. Recoverable at the Writer: record
// the error, wait, reconnect.
func Database(op string, err error) *Error { return new(KindDatabase, op, err) }

// GtidNotFound reports that a Reader's requested GtidList is older than
// any retained file's state. Surfaced as a protocol error to the
// downstream; no retry.
func GtidNotFound(op string, err error) *Error { return new(KindGtidNotFound, op, err) }

// ChecksumDisabled reports that the upstream's format description event
// indicates no CRC. Fatal to the Writer; it refuses to persist.
func ChecksumDisabled(op string) *Error { return new(KindChecksumDisabled, op, nil) }

// Is reports whether err (or something it wraps) is a pinloki Error of
// the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Recoverable reports whether the policy for err's kind is
// reconnect-and-continue rather than abort. Only DatabaseError is
// recoverable at the Writer (spec.md §7); everything else is fatal to
// its owning session.
func Recoverable(err error) bool {
	return Is(err, KindDatabase)
}
