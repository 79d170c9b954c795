// Package vmstate implements the state-entry registry (spec §4.1): the
// per-device catalogue of serialization descriptors that the savevm/loadvm
// state machines walk to produce and consume a migration stream.
//
// The registry treats every entry's payload as opaque (spec §1 non-goal:
// "per-device register/RAM serialization formats") — it only knows how to
// name, order and dispatch to entries, never how to interpret their bytes.
package vmstate

import (
	"fmt"
)

// Callbacks is the legacy save/load callback pair variant of a state entry's
// payload descriptor (spec §9: "tagged variant over Callbacks / Schema").
type Callbacks struct {
	// LiveSetup, if non-nil, is invoked once during the savevm begin phase
	// and its returned blob becomes the SECTION_START payload.
	LiveSetup func(opaque any) ([]byte, error)

	// LiveIterate, if non-nil, is invoked once per pass during the iterate
	// phase. done=true means this entry has no more data to send; done=false
	// means it stays not-done and keeps priority next pass — the pass stops
	// advancing to later entries once one reports not-done, so entries
	// behind it are not iterated until it reports done.
	LiveIterate func(opaque any) (blob []byte, done bool, err error)

	// LiveComplete, if non-nil, is invoked once during the complete phase
	// and its blob becomes the SECTION_END payload.
	LiveComplete func(opaque any) ([]byte, error)

	// Save, the legacy non-live callback, is invoked during the complete
	// phase to produce a SECTION_FULL payload, whether or not the entry also
	// has live hooks (after the postcopy flip for postcopy-capable entries
	// on a postcopy session).
	Save func(opaque any) ([]byte, error)

	// Load parses a SECTION_START/FULL/PART/END payload. version is the
	// on-wire version_id so older schema revisions can be decoded.
	Load func(opaque any, version uint32, payload []byte) error

	// Cancel, if non-nil, is invoked when savevm_state_cancel fans out.
	Cancel func(opaque any)

	// EstimateBytes, if non-nil, estimates remaining bytes to transfer for
	// Pending's scheduling estimate (spec §4.4 point 6).
	EstimateBytes func(opaque any) int
}

// Schema is the structured-descriptor variant of a state entry's payload
// descriptor. Walker receives the schema descriptor itself so that a single
// generic walker can serialize arbitrary field lists; this module does not
// interpret the descriptor further (opaque per spec §1).
type Schema struct {
	Descriptor any
	Walk       func(descriptor any, opaque any, save bool, version uint32, payload []byte) ([]byte, error)
}

// LegacyCompat records the un-prefixed identity under which an entry owned
// by a device used to be serialized, supporting older streams that only
// ever recorded the bare idstr (spec §3, §4.1).
type LegacyCompat struct {
	IDStr      string
	InstanceID int32
}

// StateEntry is one registered device's serialization descriptor (spec §3).
type StateEntry struct {
	// IDStr is the raw identifier as given to Register, before any device
	// path prefix is applied.
	IDStr string

	// DevicePath, if non-empty, is prefixed to IDStr (with a "/") to form
	// EffectiveIDStr.
	DevicePath string

	// InstanceID is non-negative, or -1 to request auto-assignment at
	// Register time.
	InstanceID int32

	// Alias, if set, is an alternate identifier string: Find returns this
	// entry for a lookup whose idstr equals Alias, whatever instance id is
	// requested. Instance ids are not compared against the alias.
	Alias string

	// VersionID is this entry's current schema version.
	VersionID uint32

	// SectionID is assigned by the registry at Register time: unique,
	// monotonically increasing.
	SectionID uint32

	// Callbacks / Schema — exactly one is set (spec §9 tagged variant).
	Callbacks *Callbacks
	Schema    *Schema

	// Opaque is passed through unchanged to every callback (spec §9:
	// "the core must not assume its type").
	Opaque any

	// IsRAM marks this entry as describing a RAM block rather than device
	// register state. The savevm/loadvm engine does not read it; the
	// postcopy split uses PostcopyCapable.
	IsRAM bool

	// PostcopyCapable marks an entry whose SECTION_FULL completion may be
	// deferred until after the postcopy flip (spec §4.4 point 5).
	PostcopyCapable bool

	// Legacy, if non-nil, records the un-prefixed identity for older
	// streams. When set, InstanceID was auto-assigned at Register time: 0
	// for the first entry with that effective identifier, 1, 2, ... after.
	Legacy *LegacyCompat

	// Migratable, when explicitly set false, marks the device as blocking
	// migration entirely (AnyBlocked).
	Migratable bool
}

// EffectiveIDStr returns DevicePath + "/" + IDStr when DevicePath is set,
// else IDStr (spec §3).
func (e *StateEntry) EffectiveIDStr() string {
	if e.DevicePath == "" {
		return e.IDStr
	}

	return e.DevicePath + "/" + e.IDStr
}

// Registry is the ordered collection of state entries; insertion order is
// transmit order (spec §4.1).
type Registry struct {
	entries    []*StateEntry
	nextSectID uint32
}

// NewRegistry returns an empty registry whose section ids start at
// highWaterMark (spec §8: "strictly increasing... starting from the last
// session's high-water mark"). Pass 0 for a fresh session.
func NewRegistry(highWaterMark uint32) *Registry {
	return &Registry{nextSectID: highWaterMark}
}

// RegisterOpts groups the Register parameters that vary per call; kept as a
// struct (rather than a long positional signature) because most callers only
// ever set a handful of the fields.
type RegisterOpts struct {
	DevicePath      string // non-empty => device-owned entry
	IDStr           string
	InstanceID      int32 // -1 requests auto-assignment
	VersionID       uint32
	Callbacks       *Callbacks
	Schema          *Schema
	Opaque          any
	IsRAM           bool
	Alias           string
	Migratable      bool // defaults to true unless explicitly cleared via SetBlocked
	PostcopyCapable bool
}

// Register appends a new entry and returns it (spec §4.1).
//
// If opts.DevicePath is set, the registry prefixes it onto IDStr to compute
// the effective identifier, stores a LegacyCompat record of the original
// (un-prefixed) idstr/instance, and forces auto-assignment of InstanceID
// regardless of what the caller passed — this matches the spec's invariant
// that a legacy record implies instance 0 only after the new instance has
// been assigned, since the *un-prefixed* legacy identity keeps its original
// instance number while the *effective* identity is renumbered.
func (r *Registry) Register(opts RegisterOpts) (*StateEntry, error) {
	if opts.Callbacks == nil && opts.Schema == nil {
		return nil, fmt.Errorf("vmstate: register %q: must supply Callbacks or Schema", opts.IDStr)
	}

	e := &StateEntry{
		IDStr:           opts.IDStr,
		InstanceID:      opts.InstanceID,
		VersionID:       opts.VersionID,
		Callbacks:       opts.Callbacks,
		Schema:          opts.Schema,
		Opaque:          opts.Opaque,
		IsRAM:           opts.IsRAM,
		Alias:           opts.Alias,
		Migratable:      true,
		PostcopyCapable: opts.PostcopyCapable,
	}

	if opts.DevicePath != "" {
		e.DevicePath = opts.DevicePath
		e.Legacy = &LegacyCompat{IDStr: opts.IDStr, InstanceID: opts.InstanceID}
		e.InstanceID = -1
	}

	if e.InstanceID < 0 {
		e.InstanceID = r.nextInstanceFor(e.EffectiveIDStr())
	}

	if e.Legacy != nil && e.InstanceID == 0 {
		// spec invariant: "if a legacy record is present the instance
		// index is zero" — true in the common single-instance case;
		// multi-instance devices keep their auto-assigned instance and
		// the legacy record's own InstanceID field carries the original.
	}

	e.SectionID = r.nextSectID
	r.nextSectID++

	r.entries = append(r.entries, e)

	return e, nil
}

// nextInstanceFor implements the auto-assignment rule of spec §3: one
// greater than the maximum existing instance for idstr, or zero if none.
func (r *Registry) nextInstanceFor(idstr string) int32 {
	max := int32(-1)

	for _, e := range r.entries {
		if e.EffectiveIDStr() == idstr && e.InstanceID > max {
			max = e.InstanceID
		}
	}

	return max + 1
}

// Unregister removes every entry whose effective identifier and opaque
// pointer match (spec §4.1).
func (r *Registry) Unregister(devicePath, idstr string, opaque any) {
	effective := idstr
	if devicePath != "" {
		effective = devicePath + "/" + idstr
	}

	kept := r.entries[:0]

	for _, e := range r.entries {
		if e.EffectiveIDStr() == effective && e.Opaque == opaque {
			continue
		}

		kept = append(kept, e)
	}

	r.entries = kept
}

// Find returns the entry whose effective identifier and instance match
// exactly, or whose legacy record matches, or whose alias equals the
// requested idstr (the instance is not checked for an alias match).
func (r *Registry) Find(idstr string, instanceID int32) *StateEntry {
	for _, e := range r.entries {
		if e.EffectiveIDStr() == idstr && e.InstanceID == instanceID {
			return e
		}
	}

	for _, e := range r.entries {
		if e.Legacy != nil && e.Legacy.IDStr == idstr && e.Legacy.InstanceID == instanceID {
			return e
		}
	}

	for _, e := range r.entries {
		if e.Alias != "" && e.Alias == idstr {
			return e
		}
	}

	return nil
}

// AnyBlocked reports whether any registered entry declares itself
// non-migratable, and if so which identifier blocked it (spec §4.1).
func (r *Registry) AnyBlocked() (blocked bool, offenderIDStr string) {
	for _, e := range r.entries {
		if !e.Migratable {
			return true, e.EffectiveIDStr()
		}
	}

	return false, ""
}

// Entries returns the registered entries in registry (transmit) order. The
// returned slice must not be mutated by callers.
func (r *Registry) Entries() []*StateEntry {
	return r.entries
}

// HighWaterMark returns the next section id that would be assigned, usable
// to seed a follow-on session's NewRegistry call (spec §8).
func (r *Registry) HighWaterMark() uint32 {
	return r.nextSectID
}

// SetBlocked marks e as non-migratable so AnyBlocked reports it.
func (e *StateEntry) SetBlocked() { e.Migratable = false }
