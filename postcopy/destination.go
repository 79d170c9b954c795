package postcopy

import (
	"context"
	"fmt"
	"sync"

	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/migerr"
	"github.com/bobuhiro11/vmmigrate/ramblock"
)

// State is the destination-side postcopy state (spec §3): transitions are
// strictly one-way and accept only the matching command.
type State int

// States, in the order spec §3 allows them to be entered.
const (
	StateNone State = iota
	StateAdvise
	StateListening
	StateRunning
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateAdvise:
		return "ADVISE"
	case StateListening:
		return "LISTENING"
	case StateRunning:
		return "RUNNING"
	case StateEnd:
		return "END"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Backend abstracts the kernel user-fault API (spec §4.7). destination_linux.go
// implements it over userfaultfd(2); destination_other.go implements it as an
// always-failing stub for HOST_UNSUPPORTED platforms.
type Backend interface {
	// CheckCapability verifies the host can serve postcopy for the given
	// target page size. The Linux backend checks that the target page size
	// does not exceed the host page size and that the UFFDIO_API handshake
	// succeeds; it does not inspect which ioctls (REGISTER/UNREGISTER,
	// WAKE/COPY/ZEROPAGE) the kernel reports as supported.
	CheckCapability(targetPageSize uint64) error

	// Open creates the user-fault descriptor.
	Open() error

	// Register enrolls [addr, addr+length) for missing-page notification.
	Register(addr, length uint64) error

	// Unregister withdraws a previously registered range.
	Unregister(addr, length uint64) error

	// Close releases the user-fault descriptor.
	Close() error

	// ReadFaults blocks up to timeoutMs waiting for fault notifications,
	// returning the faulting host addresses (page-aligned). A timeout with
	// no faults returns (nil, nil) so the caller can recheck for shutdown.
	ReadFaults(timeoutMs int) ([]uint64, error)

	// Place atomically installs a page at hostAddr: the kernel's "copy
	// page" operation from src, or its "install zero page" operation when
	// allZero is true (spec §4.7's place()).
	Place(hostAddr uint64, src []byte, allZero bool) error
}

// Destination drives the destination-side postcopy state machine (spec
// §4.7) and its fault thread.
type Destination struct {
	blocks  *ramblock.List
	backend Backend
	rp      *command.ReturnPath

	mu    sync.Mutex
	state State

	autostart bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	faultErr error
}

// NewDestination constructs a Destination over blocks, driving backend and
// sending request-pages messages on rp.
func NewDestination(blocks *ramblock.List, backend Backend, rp *command.ReturnPath) *Destination {
	return &Destination{blocks: blocks, backend: backend, rp: rp, state: StateNone}
}

// SetAutostart controls whether HandleRun leaves the guest paused (spec
// §4.7: "resume the guest (or leave it paused if autostart is disabled)").
func (d *Destination) SetAutostart(v bool) { d.autostart = v }

// State returns the current state.
func (d *Destination) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Destination) requireState(want State) error {
	if d.state != want {
		return fmt.Errorf("%w: postcopy destination in state %s, expected %s", migerr.ErrProtocolViolation, d.state, want)
	}

	return nil
}

// HandleAdvise handles the ADVISE command (spec §4.7): checks host
// capability, opens the user-fault channel (HandleListen does not open
// it), discards each RAM block's existing contents, and moves to ADVISE.
func (d *Destination) HandleAdvise(targetPageSize uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireState(StateNone); err != nil {
		return err
	}

	if err := d.backend.CheckCapability(targetPageSize); err != nil {
		return fmt.Errorf("%w: %w", migerr.ErrHostUnsupported, err)
	}

	if err := d.backend.Open(); err != nil {
		return fmt.Errorf("%w: %w", migerr.ErrHostUnsupported, err)
	}

	for _, b := range d.blocks.All() {
		if err := b.Discard(0, b.Len); err != nil {
			return fmt.Errorf("postcopy: discarding %q on advise: %w", b.Name, err)
		}
	}

	d.state = StateAdvise

	return nil
}

// HandleDiscard handles a DISCARD command (spec §4.6, §4.7): decode and
// discard the referenced pages. Must be in ADVISE.
func (d *Destination) HandleDiscard(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireState(StateAdvise); err != nil {
		return err
	}

	batch, err := DecodeBatch(payload)
	if err != nil {
		return err
	}

	block := d.blocks.ByName(batch.BlockName)
	if block == nil {
		return fmt.Errorf("%w: discard references unknown block %q", migerr.ErrProtocolViolation, batch.BlockName)
	}

	pageSize := uint64(ramblock.PageSize)

	for _, run := range batch.Runs {
		for bit := uint(0); bit < 64; bit++ {
			if run.Mask&(1<<bit) == 0 {
				continue
			}

			page := run.StartWordIndex*64 + uint64(bit) - uint64(batch.FirstBitOffset)
			if err := block.Discard(page*pageSize, pageSize); err != nil {
				return fmt.Errorf("postcopy: discard page %d of %q: %w", page, batch.BlockName, err)
			}
		}
	}

	return nil
}

// HandleListen handles the LISTEN command (spec §4.7): registers every RAM
// block and spawns the fault thread, moving to LISTENING.
func (d *Destination) HandleListen() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireState(StateAdvise); err != nil {
		return err
	}

	for _, b := range d.blocks.All() {
		if err := d.backend.Register(b.Base, b.Len); err != nil {
			return fmt.Errorf("postcopy: registering %q: %w", b.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)

	go d.faultLoop(ctx)

	d.state = StateListening

	return nil
}

// HandleRun handles the RUN command (spec §4.7): moves to RUNNING. Resuming
// the guest itself is the caller's responsibility, gated on autostart.
func (d *Destination) HandleRun() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireState(StateListening); err != nil {
		return err
	}

	d.state = StateRunning

	return nil
}

// HandleEnd handles the END(status) command (spec §4.7): validates the
// status byte, tears down the fault thread and registered ranges, and
// moves to END.
func (d *Destination) HandleEnd(status uint8) error {
	d.mu.Lock()
	cancel := d.cancel
	blocks := d.blocks.All()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		d.wg.Wait()
	}

	for _, b := range blocks {
		if err := d.backend.Unregister(b.Base, b.Len); err != nil {
			return fmt.Errorf("postcopy: unregistering %q: %w", b.Name, err)
		}
	}

	if err := d.backend.Close(); err != nil {
		return fmt.Errorf("postcopy: closing backend: %w", err)
	}

	d.mu.Lock()
	d.state = StateEnd
	faultErr := d.faultErr
	d.mu.Unlock()

	if status != 0 {
		return fmt.Errorf("%w: source reported postcopy failure (status %d)", migerr.ErrProtocolViolation, status)
	}

	return faultErr
}

// Place installs data at blockName's offset (spec §4.7's place()), used by
// the caller when a requested page's data arrives over the main channel.
func (d *Destination) Place(blockName string, offset uint64, data []byte, allZero bool) error {
	block := d.blocks.ByName(blockName)
	if block == nil {
		return fmt.Errorf("%w: place references unknown block %q", migerr.ErrProtocolViolation, blockName)
	}

	if err := d.backend.Place(block.Base+offset, data, allZero); err != nil {
		return fmt.Errorf("postcopy: place %q+%d: %w", blockName, offset, err)
	}

	return nil
}

// faultLoop is the fault thread (spec §4.7): waits for missing-page
// notifications and requests each one over the return path, eliding a
// repeated block name.
func (d *Destination) faultLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		addrs, err := d.backend.ReadFaults(100)
		if err != nil {
			d.mu.Lock()
			d.faultErr = fmt.Errorf("postcopy: reading faults: %w", err)
			d.mu.Unlock()

			return
		}

		for _, addr := range addrs {
			block, offset, ok := d.blocks.Find(addr)
			if !ok {
				continue
			}

			if err := d.rp.SendRequestPages(block.Name, offset, uint32(ramblock.PageSize)); err != nil {
				d.mu.Lock()
				d.faultErr = fmt.Errorf("postcopy: requesting page: %w", err)
				d.mu.Unlock()

				return
			}
		}
	}
}
