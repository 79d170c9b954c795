// Package savevm implements the savevm state machine (spec §4.4): the
// begin/iterate/complete phases that walk a vmstate.Registry and write a
// versioned migration stream.
//
// The round-bounded iterate loop is grounded on the teacher's
// vmm/migrate.go MigrateTo precopy loop (fixed maxPreCopyRounds, a
// convergence threshold, pause-and-finalize once satisfied) generalized
// from one hardcoded dirty-bitmap check to the registry's per-entry
// LiveIterate hooks.
package savevm

import (
	"fmt"

	"github.com/bobuhiro11/vmmigrate/migerr"
	"github.com/bobuhiro11/vmmigrate/vmstate"
	"github.com/bobuhiro11/vmmigrate/wire"
)

// RateLimiter decides whether the iterate phase may write n more bytes in
// this pass (spec §4.4 point 4: "rate limiter denies further writes").
type RateLimiter interface {
	Allow(n int) bool
}

// Unlimited never denies a write; the default when no limiter is supplied.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(int) bool { return true }

// Params carries the per-session migration parameters notified to every
// entry before the begin phase (spec §4.4 point 1).
type Params struct {
	Blk    bool
	Shared bool

	// Postcopy marks this as a postcopy session: entries marked
	// PostcopyCapable are skipped in the first complete pass (spec §4.4
	// point 5).
	Postcopy bool

	// SyncCPUState, if set, is invoked at the start of the complete phase
	// (spec §4.4 point 5: "cpu state is synchronized").
	SyncCPUState func() error
}

// SaveVM drives save(stream, params) over a registry (spec §4.4).
type SaveVM struct {
	reg     *vmstate.Registry
	w       *wire.Writer
	limiter RateLimiter

	// doneIterating tracks, across repeated calls to IteratePass, which
	// entries have already reported "done" so a caller driving multiple
	// rounds (like the teacher's round loop) doesn't re-emit finished
	// entries. Keyed by SectionID.
	doneIterating map[uint32]bool
}

// New constructs a SaveVM writing to w, walking reg.
func New(reg *vmstate.Registry, w *wire.Writer, limiter RateLimiter) *SaveVM {
	if limiter == nil {
		limiter = Unlimited{}
	}

	return &SaveVM{reg: reg, w: w, limiter: limiter, doneIterating: map[uint32]bool{}}
}

func writeFullHeader(w *wire.Writer, typ byte, e *vmstate.StateEntry) {
	w.PutU8(typ)
	w.PutU32(e.SectionID)
	w.PutIDStr(e.EffectiveIDStr())
	w.PutU32(uint32(e.InstanceID))
	w.PutU32(e.VersionID)
}

func writePartHeader(w *wire.Writer, typ byte, e *vmstate.StateEntry) {
	w.PutU8(typ)
	w.PutU32(e.SectionID)
}

// Begin runs the begin phase: notifies params, writes the file header, then
// emits SECTION_START for every entry with a LiveSetup hook (spec §4.4
// points 1-3).
func (s *SaveVM) Begin(params Params) error {
	// Params notification is a no-op at this layer: devices that care about
	// blk/shared wiring read it from Opaque themselves, the same way the
	// teacher threads *VMM/*Machine through as the opaque handle rather than
	// broadcasting a separate notification.
	_ = params

	if err := wire.WriteHeader(s.w); err != nil {
		return err
	}

	for _, e := range s.reg.Entries() {
		if e.Callbacks == nil || e.Callbacks.LiveSetup == nil {
			continue
		}

		writeFullHeader(s.w, wire.SectionStart, e)

		blob, err := e.Callbacks.LiveSetup(e.Opaque)
		if err != nil {
			s.w.Fail(fmt.Errorf("savevm: live_setup %q: %w", e.EffectiveIDStr(), err))

			return s.w.Err()
		}

		s.w.PutU32(uint32(len(blob)))
		s.w.PutBytes(blob)

		if err := s.w.Flush(); err != nil {
			return err
		}
	}

	return nil
}

// IteratePass runs one full pass over every LiveIterate entry (spec §4.4
// point 4), stopping early if the rate limiter denies a write. It returns
// allDone=true once every entry has reported done in some pass, so callers
// driving multiple rounds (mirroring the teacher's round loop) know when to
// stop calling IteratePass and move to Complete.
func (s *SaveVM) IteratePass() (allDone bool, err error) {
	allDone = true

	for _, e := range s.reg.Entries() {
		if e.Callbacks == nil || e.Callbacks.LiveIterate == nil {
			continue
		}

		if s.doneIterating[e.SectionID] {
			continue
		}

		if !s.limiter.Allow(1) {
			// "not yet": stop this pass, but we are not done overall.
			return false, nil
		}

		writePartHeader(s.w, wire.SectionPart, e)

		blob, done, ierr := e.Callbacks.LiveIterate(e.Opaque)
		if ierr != nil {
			s.w.Fail(fmt.Errorf("savevm: live_iterate %q: %w", e.EffectiveIDStr(), ierr))

			return false, s.w.Err()
		}

		s.w.PutU32(uint32(len(blob)))
		s.w.PutBytes(blob)

		if ferr := s.w.Flush(); ferr != nil {
			return false, ferr
		}

		if done {
			s.doneIterating[e.SectionID] = true
			continue
		}

		// Do not advance past an entry that is still not done: it keeps
		// priority next pass instead of letting a slower entry behind it run.
		return false, nil
	}

	return allDone, nil
}

// Complete runs the complete phase (spec §4.4 point 5): SECTION_END for
// LiveComplete entries, then SECTION_FULL for every entry with a legacy
// Save callback or a Schema, skipping postcopy-capable entries on a
// postcopy session (those complete later, after the flip, via
// CompletePostcopyEntries). Emits EOF and flushes unless the session remains in
// postcopy.
func (s *SaveVM) Complete(params Params) error {
	if params.SyncCPUState != nil {
		if err := params.SyncCPUState(); err != nil {
			s.w.Fail(fmt.Errorf("savevm: SyncCPUState: %w", err))

			return s.w.Err()
		}
	}

	for _, e := range s.reg.Entries() {
		if e.Callbacks == nil || e.Callbacks.LiveComplete == nil {
			continue
		}

		writePartHeader(s.w, wire.SectionEnd, e)

		blob, err := e.Callbacks.LiveComplete(e.Opaque)
		if err != nil {
			s.w.Fail(fmt.Errorf("savevm: live_complete %q: %w", e.EffectiveIDStr(), err))

			return s.w.Err()
		}

		s.w.PutU32(uint32(len(blob)))
		s.w.PutBytes(blob)

		if err := s.w.Flush(); err != nil {
			return err
		}
	}

	if err := s.writeFullSections(params, firstPass); err != nil {
		return err
	}

	if !params.Postcopy {
		s.w.PutU8(wire.SectionEOF)

		return s.w.Flush()
	}

	return s.w.Flush()
}

type passKind int

const (
	firstPass passKind = iota
	postcopyPass
)

func (s *SaveVM) writeFullSections(params Params, pass passKind) error {
	for _, e := range s.reg.Entries() {
		hasFull := (e.Callbacks != nil && e.Callbacks.Save != nil) || e.Schema != nil
		if !hasFull {
			continue
		}

		if params.Postcopy && pass == firstPass && e.PostcopyCapable {
			continue
		}

		if pass == postcopyPass && !e.PostcopyCapable {
			continue
		}

		writeFullHeader(s.w, wire.SectionFull, e)

		var (
			blob []byte
			err  error
		)

		if e.Schema != nil {
			blob, err = e.Schema.Walk(e.Schema.Descriptor, e.Opaque, true, e.VersionID, nil)
		} else {
			blob, err = e.Callbacks.Save(e.Opaque)
		}

		if err != nil {
			s.w.Fail(fmt.Errorf("savevm: save %q: %w", e.EffectiveIDStr(), err))

			return s.w.Err()
		}

		s.w.PutU32(uint32(len(blob)))
		s.w.PutBytes(blob)

		if err := s.w.Flush(); err != nil {
			return err
		}
	}

	return nil
}

// CompletePostcopyEntries finishes the postcopy-capable entries deferred by
// Complete, after the postcopy flip (spec §4.4 point 5), then emits EOF.
func (s *SaveVM) CompletePostcopyEntries(params Params) error {
	if err := s.writeFullSections(params, postcopyPass); err != nil {
		return err
	}

	s.w.PutU8(wire.SectionEOF)

	return s.w.Flush()
}

// Pending returns a split estimate of remaining bytes, used externally to
// schedule the postcopy flip point (spec §4.4 point 6).
func (s *SaveVM) Pending(maxSize int) (nonPostcopiable, postcopiable int) {
	for _, e := range s.reg.Entries() {
		if e.Callbacks == nil || e.Callbacks.EstimateBytes == nil {
			continue
		}

		n := e.Callbacks.EstimateBytes(e.Opaque)

		if e.PostcopyCapable {
			postcopiable += n
		} else {
			nonPostcopiable += n
		}

		if nonPostcopiable+postcopiable >= maxSize {
			break
		}
	}

	return nonPostcopiable, postcopiable
}

// Cancel fans out to every entry's cancel hook (spec §4.4 point 7).
func (s *SaveVM) Cancel() {
	for _, e := range s.reg.Entries() {
		if e.Callbacks != nil && e.Callbacks.Cancel != nil {
			e.Callbacks.Cancel(e.Opaque)
		}
	}
}

// AnyBlocked reports a migration-blocking device (spec §7's BLOCKED kind).
func (s *SaveVM) AnyBlocked() error {
	if blocked, idstr := s.reg.AnyBlocked(); blocked {
		return fmt.Errorf("%w: %q", migerr.ErrBlocked, idstr)
	}

	return nil
}
