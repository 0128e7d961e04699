// Package chronerr defines the abstract error kinds shared by every core
// component and every protocol adapter. Each kind is a sentinel error
// checked with errors.Is; wrap with fmt.Errorf("...: %w", chronerr.NotFound)
// to add context without losing the kind.
package chronerr

import "errors"

var (
	// NotFound means an object, ref, or document is absent.
	NotFound = errors.New("not found")

	// BadDocument means a JSON decode/encode failure on a document body.
	BadDocument = errors.New("bad document")

	// VersionConflict means an OCC expected-version check failed.
	VersionConflict = errors.New("version conflict")

	// WriteContention means the ref CAS retry budget was exhausted.
	WriteContention = errors.New("write contention")

	// StoreCorrupt means an object's hash disagreed with its bytes, or the
	// bytes could not be decoded at all.
	StoreCorrupt = errors.New("object store corrupt")

	// IndexUnavailable means an index read or write failed; callers may
	// degrade to a full table-prefix scan.
	IndexUnavailable = errors.New("index unavailable")

	// RemoteError means a transport, auth, or diverged-history failure
	// talking to a remote. Wrap with Remote(kind, err) to attach a kind.
	RemoteError = errors.New("remote error")

	// SchemaExists means a CREATE TABLE precondition failed.
	SchemaExists = errors.New("schema already exists")

	// SchemaAbsent means a DROP TABLE/DESCRIBE precondition failed.
	SchemaAbsent = errors.New("schema does not exist")

	// Timeout means a deadline elapsed before an I/O-bearing operation
	// completed.
	Timeout = errors.New("timeout")

	// Conflict means a branch operation conflicts with existing branch
	// state: a merge between two branches where neither is an ancestor of
	// the other, creating a branch that already exists, or dropping the
	// default branch.
	Conflict = errors.New("conflict")
)

// RemoteKind classifies a RemoteError.
type RemoteKind string

const (
	RemoteTransport  RemoteKind = "transport"
	RemoteAuth       RemoteKind = "auth"
	RemoteDiverged   RemoteKind = "diverged"
	RemoteNotesFatal RemoteKind = "notes"
)

// remoteError wraps RemoteError with a kind and an underlying cause so
// callers can both errors.Is(err, chronerr.RemoteError) and inspect Kind.
type remoteError struct {
	kind RemoteKind
	err  error
}

func Remote(kind RemoteKind, err error) error {
	return &remoteError{kind: kind, err: err}
}

func (e *remoteError) Error() string {
	if e.err == nil {
		return "remote error: " + string(e.kind)
	}
	return "remote error (" + string(e.kind) + "): " + e.err.Error()
}

func (e *remoteError) Unwrap() error {
	return e.err
}

func (e *remoteError) Is(target error) bool {
	return target == RemoteError
}

func RemoteKindOf(err error) (RemoteKind, bool) {
	var re *remoteError
	if errors.As(err, &re) {
		return re.kind, true
	}
	return "", false
}
