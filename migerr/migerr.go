// Package migerr collects the sentinel error kinds shared by every layer of
// the migration stack (spec §7). Each kind is a distinct sentinel so callers
// can test with errors.Is regardless of how many layers of fmt.Errorf("%w")
// wrapping sit in between.
package migerr

import "errors"

var (
	// ErrFormat means the stream's magic number did not match.
	ErrFormat = errors.New("migerr: bad magic (not a migration stream)")

	// ErrUnsupportedVersion means the stream's version header is not one
	// this reader understands.
	ErrUnsupportedVersion = errors.New("migerr: unsupported stream version")

	// ErrObsoleteVersion is a distinguished case of ErrUnsupportedVersion
	// for the retired v2 wire format. wire.ReadHeader wraps it together with
	// ErrUnsupportedVersion, so errors.Is matches either sentinel on that
	// error; this sentinel on its own does not wrap ErrUnsupportedVersion.
	ErrObsoleteVersion = errors.New("migerr: obsolete v2 stream format")

	// ErrUnknownSection means a section or command referenced a section id
	// or idstr with no matching registry entry.
	ErrUnknownSection = errors.New("migerr: unknown section")

	// ErrProtocolViolation means a command arrived that is illegal in the
	// current state (e.g. postcopy state machine, REQACK cookie mismatch).
	ErrProtocolViolation = errors.New("migerr: protocol violation")

	// ErrBlocked means a registered state entry declared itself
	// non-migratable.
	ErrBlocked = errors.New("migerr: migration blocked by non-migratable device")

	// ErrIO means the underlying transport returned an error; the stream's
	// sticky error bit is now latched.
	ErrIO = errors.New("migerr: stream I/O error")

	// ErrHostUnsupported means a postcopy capability check failed (missing
	// kernel userfaultfd features, oversized target page size, ...).
	ErrHostUnsupported = errors.New("migerr: host does not support postcopy")

	// ErrMemory means an allocation failed.
	ErrMemory = errors.New("migerr: allocation failure")

	// ErrCancelled means the user or peer requested an abort.
	ErrCancelled = errors.New("migerr: migration cancelled")
)

// Wrap is a thin helper mirroring the teacher's fmt.Errorf("...: %w", err)
// idiom, used where a kind sentinel needs a dynamic detail attached without
// every call site repeating the format string.
func Wrap(kind error, detail string) error {
	if detail == "" {
		return kind
	}

	return &wrapped{kind: kind, detail: detail}
}

type wrapped struct {
	kind   error
	detail string
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.detail }
func (w *wrapped) Unwrap() error { return w.kind }
