// Package loadvm implements the loadvm main loop (spec §4.5): read a section
// type, dispatch to the matching registered entry or to the command
// channel, and repeat until EOF.
//
// The loop/dispatch shape is grounded on the teacher's migration package
// receive-side goroutine in migration/migration.go, generalized from one
// fixed sequence of gob messages to the spec's open-ended section stream
// with nested, command-triggered packaged sub-streams.
package loadvm

import (
	"bytes"
	"fmt"

	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/migerr"
	"github.com/bobuhiro11/vmmigrate/vmstate"
	"github.com/bobuhiro11/vmmigrate/wire"
)

// LoadEntry binds one on-wire section id to the registry entry it was
// resolved to, and the version_id it announced (spec §4.5).
type LoadEntry struct {
	SectionID uint32
	VersionID uint32
	Entry     *vmstate.StateEntry
}

// CommandResult tells the main loop what a dispatched command requests
// (spec §4.5: "a command may signal quit loop... or set a quit-parent bit
// consumed one nesting level up").
type CommandResult struct {
	QuitLoop   bool
	QuitParent bool
}

// CommandHandler dispatches one received command (spec §4.3, §4.7). ch is
// the channel the command arrived on — the main stream, or a packaged
// sub-stream's own channel when nested.
type CommandHandler func(ch *command.Channel, cmd command.Command, payload []byte) (CommandResult, error)

// LoadVM drives load(stream) over a registry (spec §4.5).
type LoadVM struct {
	reg     *vmstate.Registry
	onCmd   CommandHandler
	entries map[uint32]*LoadEntry

	// PostInit, if set, runs once after a clean EOF to synchronize CPU
	// state (spec §4.5: "run post-init hooks that synchronize CPU state").
	PostInit func() error
}

// New constructs a LoadVM reading against reg, dispatching commands to
// onCmd (may be nil if the session never uses the command channel).
func New(reg *vmstate.Registry, onCmd CommandHandler) *LoadVM {
	return &LoadVM{reg: reg, onCmd: onCmd, entries: map[uint32]*LoadEntry{}}
}

// Run executes the main loop over r until EOF or a quit-loop command (spec
// §4.5). replyW, if non-nil, is where command replies are written (a return
// path or the same stream, depending on the session); pass nil for a
// read-only session with no command traffic.
func (l *LoadVM) Run(r *wire.Reader, replyW *wire.Writer) error {
	if err := wire.ReadHeader(r); err != nil {
		return err
	}

	ch := command.NewChannel(replyW, r)

	_, err := l.runLoop(r, ch)
	if err != nil {
		return err
	}

	if l.PostInit != nil {
		if perr := l.PostInit(); perr != nil {
			return fmt.Errorf("loadvm: post_init: %w", perr)
		}
	}

	return nil
}

// runLoop implements one level of the section loop, returning quitParent if
// a nested command requested it (used internally by packaged sub-stream
// recursion via RunSubstream).
func (l *LoadVM) runLoop(r *wire.Reader, ch *command.Channel) (quitParent bool, err error) {
	for {
		typ := r.GetU8()
		if err := r.Err(); err != nil {
			return false, err
		}

		switch typ {
		case wire.SectionEOF:
			return false, nil

		case wire.SectionStart, wire.SectionFull:
			if err := l.handleStartOrFull(r, typ); err != nil {
				return false, err
			}

		case wire.SectionPart, wire.SectionEnd:
			if err := l.handlePartOrEnd(r, typ); err != nil {
				return false, err
			}

		case wire.SectionCommand:
			if l.onCmd == nil || ch == nil {
				return false, fmt.Errorf("%w: COMMAND section with no command handler configured", migerr.ErrProtocolViolation)
			}

			cmd, payload, cerr := ch.Recv()
			if cerr != nil {
				return false, cerr
			}

			result, herr := l.onCmd(ch, cmd, payload)
			if herr != nil {
				return false, fmt.Errorf("loadvm: command %s: %w", cmd, herr)
			}

			if result.QuitParent {
				return true, nil
			}

			if result.QuitLoop {
				return false, nil
			}

		default:
			return false, fmt.Errorf("%w: unrecognised section type %#02x", migerr.ErrProtocolViolation, typ)
		}
	}
}

// RunSubstream runs the main loop recursively over a packaged sub-stream's
// own bytes (spec §4.3's PACKAGED command), returning once it hits its own
// EOF or a nested command sets the quit-parent bit. replyW, if non-nil, is
// where any command reply within the sub-stream is written; the sub-stream
// never carries its own reply channel separately from the parent's.
//
// The reader driving section framing and the reader backing command
// payload reads must be the same object — command.Channel.Recv continues
// reading from exactly where the section-type byte left off — so this
// constructs both from one fresh reader over sub rather than accepting an
// external channel whose reader would silently desynchronise from it.
func (l *LoadVM) RunSubstream(sub []byte, replyW *wire.Writer) error {
	r := wire.NewReader(bytes.NewReader(sub))
	ch := command.NewChannel(replyW, r)

	_, err := l.runLoop(r, ch)

	return err
}

func (l *LoadVM) handleStartOrFull(r *wire.Reader, typ byte) error {
	sectionID := r.GetU32()
	idstr := r.GetIDStr()
	instanceID := int32(r.GetU32())
	versionID := r.GetU32()

	if err := r.Err(); err != nil {
		return err
	}

	entry := l.reg.Find(idstr, instanceID)
	if entry == nil {
		return fmt.Errorf("%w: %q instance %d", migerr.ErrUnknownSection, idstr, instanceID)
	}

	if versionID > entry.VersionID {
		return fmt.Errorf("%w: %q wire version %d exceeds registered version %d",
			migerr.ErrUnsupportedVersion, idstr, versionID, entry.VersionID)
	}

	le := &LoadEntry{SectionID: sectionID, VersionID: versionID, Entry: entry}
	l.entries[sectionID] = le

	return l.invokeLoader(r, le, typ)
}

func (l *LoadVM) handlePartOrEnd(r *wire.Reader, typ byte) error {
	sectionID := r.GetU32()
	if err := r.Err(); err != nil {
		return err
	}

	le, ok := l.entries[sectionID]
	if !ok {
		return fmt.Errorf("%w: section id %d", migerr.ErrUnknownSection, sectionID)
	}

	return l.invokeLoader(r, le, typ)
}

// invokeLoader reads the section's length-prefixed payload (savevm writes a
// u32 byte count ahead of every blob it emits) and dispatches it to the
// entry's legacy Load callback or schema walker.
func (l *LoadVM) invokeLoader(r *wire.Reader, le *LoadEntry, _ byte) error {
	n := r.GetU32()

	payload := r.GetBytes(int(n))
	if err := r.Err(); err != nil {
		return err
	}

	e := le.Entry

	if e.Schema != nil {
		if _, err := e.Schema.Walk(e.Schema.Descriptor, e.Opaque, false, le.VersionID, payload); err != nil {
			return fmt.Errorf("loadvm: schema load %q: %w", e.EffectiveIDStr(), err)
		}

		return nil
	}

	if e.Callbacks == nil || e.Callbacks.Load == nil {
		return fmt.Errorf("%w: %q has no loader", migerr.ErrUnknownSection, e.EffectiveIDStr())
	}

	if err := e.Callbacks.Load(e.Opaque, le.VersionID, payload); err != nil {
		return fmt.Errorf("loadvm: load %q: %w", e.EffectiveIDStr(), err)
	}

	return nil
}

// LoadEntries returns the session's section-id → LoadEntry map as it stands.
// Entries are added as START/FULL sections arrive and are never removed
// while this LoadVM lives.
func (l *LoadVM) LoadEntries() map[uint32]*LoadEntry {
	return l.entries
}
