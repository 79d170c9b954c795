// Package colo implements the COLO (coarse-grain lock-step) checkpoint
// coordinator (spec §4.8): the primary and secondary checkpoint-transaction
// loops, failover arbitration with RELAUNCH parking, and the COLO_EXIT
// completion event.
//
// The primary/secondary pause-snapshot-send-resume shape is grounded on the
// teacher's vmm/migrate.go MigrateTo/Incoming pair — structurally one
// migration round, here looped on a timer instead of run once — and the
// primary's checkpoint loop runs under golang.org/x/sync/errgroup, grounded
// on the same file's runRestoredVM. A pending failover request is polled by
// that loop each round; no separate side-channel goroutine is run.
package colo

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/migerr"
)

// Mode identifies which side of the pair a Coordinator drives (spec §4.8).
type Mode int

const (
	ModePrimary Mode = iota
	ModeSecondary
)

func (m Mode) String() string {
	if m == ModePrimary {
		return "primary"
	}

	return "secondary"
}

// ExitReason explains why a COLO session ended (spec §4.8's COLO_EXIT
// event).
type ExitReason int

const (
	ExitReasonError ExitReason = iota
	ExitReasonRequest
)

func (r ExitReason) String() string {
	if r == ExitReasonError {
		return "error"
	}

	return "request"
}

// ExitEvent is emitted once, when a COLO session completes (spec §4.8:
// "emit a COLO_EXIT event tagged with the mode... and reason").
type ExitEvent struct {
	Mode   Mode
	Reason ExitReason
	Err    error
}

// Hooks are the host-specific operations a Coordinator calls into; the
// core package only sequences them (spec §1 non-goal: device/VM-specific
// semantics are the collaborator's concern, as with vmstate's Opaque
// callbacks).
type Hooks struct {
	StopVM     func(ctx context.Context) error
	ResumeVM   func(ctx context.Context) error
	StartGuest func(ctx context.Context) error

	// EnablePacketBuffering installs the default packet-buffering filters
	// (spec §4.8 primary step 1).
	EnablePacketBuffering  func(ctx context.Context) error
	ReleaseBufferedPackets func(ctx context.Context) error

	StartReplicationPrimary   func(ctx context.Context) error
	StartReplicationSecondary func(ctx context.Context) error
	StopReplication           func(ctx context.Context) error

	BlockCheckpoint func(ctx context.Context) error

	// StreamLiveRAM writes (primary) or consumes (secondary) the live RAM
	// transfer that accompanies VMSTATE_SEND (spec §4.8 step 4). Device
	// state goes through SerializeDeviceState/ApplyDeviceState instead,
	// since it is bounded and buffer-friendly.
	StreamLiveRAMOut func(ctx context.Context) error
	StreamLiveRAMIn  func(ctx context.Context) error

	SerializeDeviceState func(ctx context.Context) ([]byte, error)
	ApplyDeviceState     func(ctx context.Context, buf []byte) error

	// PendingShutdown reports whether a shutdown has been requested;
	// checked under the global mutex during checkpoint_transaction step 3
	// (spec §4.8).
	PendingShutdown func() bool

	// LocalShutdown runs when the secondary receives GUEST_SHUTDOWN.
	LocalShutdown func(ctx context.Context) error
}

// Coordinator drives one peer's side of a COLO session (spec §4.8).
type Coordinator struct {
	mode  Mode
	ch    *command.Channel
	rp    *command.ReturnPath
	hooks Hooks

	checkpointDelay time.Duration

	// mu is the process-wide global mutex of spec §5: held across
	// stop/resume VM, block checkpoints, and device-state application.
	mu sync.Mutex

	vmStateLoading    bool
	failoverRequested bool
	failoverParked    bool
	status            string
}

// New constructs a Coordinator. checkpointDelay is X_CHECKPOINT_DELAY
// (spec §5's "single configurable inter-checkpoint delay").
func New(mode Mode, ch *command.Channel, rp *command.ReturnPath, hooks Hooks, checkpointDelay time.Duration) *Coordinator {
	return &Coordinator{mode: mode, ch: ch, rp: rp, hooks: hooks, checkpointDelay: checkpointDelay, status: "initializing"}
}

// RequestFailover asks this Coordinator to take over (spec §4.8's
// "side-channel request"). If a VMSTATE_LOADED transaction is in flight the
// request is parked in RELAUNCH and re-checked once it completes.
func (c *Coordinator) RequestFailover() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failoverRequested = true

	if c.vmStateLoading {
		c.failoverParked = true
	}
}

// Status returns the coordinator's current lifecycle status string (e.g.
// "running", "completed"), for external monitoring.
func (c *Coordinator) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// RunPrimary executes the primary loop (spec §4.8): wait for
// CHECKPOINT_READY, start replication and the guest, then repeat checkpoint
// transactions on the configured delay until failover or ctx cancellation.
func (c *Coordinator) RunPrimary(ctx context.Context) (ExitEvent, error) {
	if c.hooks.EnablePacketBuffering != nil {
		if err := c.hooks.EnablePacketBuffering(ctx); err != nil {
			return ExitEvent{}, fmt.Errorf("colo: enable packet buffering: %w", err)
		}
	}

	cmd, _, err := c.ch.Recv()
	if err != nil {
		return ExitEvent{}, err
	}

	if cmd != command.CmdColoCheckpointReady {
		return ExitEvent{}, fmt.Errorf("%w: expected CHECKPOINT_READY, got %s", migerr.ErrProtocolViolation, cmd)
	}

	if c.hooks.StartReplicationPrimary != nil {
		if err := c.hooks.StartReplicationPrimary(ctx); err != nil {
			return ExitEvent{}, fmt.Errorf("colo: start replication: %w", err)
		}
	}

	if c.hooks.StartGuest != nil {
		if err := c.hooks.StartGuest(ctx); err != nil {
			return ExitEvent{}, fmt.Errorf("colo: start guest: %w", err)
		}
	}

	c.mu.Lock()
	c.status = "running"
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	exitCh := make(chan ExitEvent, 1)

	g.Go(func() error {
		for {
			if c.mu.TryLock() {
				failing := c.failoverRequested
				c.mu.Unlock()

				if failing {
					ev, err := c.completeFailover(gctx, ExitReasonRequest, nil)
					exitCh <- ev

					return err
				}
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(c.checkpointDelay):
			}

			done, err := c.checkpointTransactionPrimary(gctx)
			if err != nil {
				ev, ferr := c.completeFailover(gctx, ExitReasonError, err)
				exitCh <- ev

				if ferr != nil {
					return ferr
				}

				return err
			}

			if done {
				ev, err := c.completeFailover(gctx, ExitReasonRequest, nil)
				exitCh <- ev

				return err
			}
		}
	})

	waitErr := g.Wait()

	select {
	case ev := <-exitCh:
		return ev, nil
	default:
	}

	if waitErr != nil && waitErr != context.Canceled {
		return ExitEvent{}, waitErr
	}

	return ExitEvent{Mode: c.mode, Reason: ExitReasonRequest}, nil
}

// checkpointTransactionPrimary runs one checkpoint_transaction (spec §4.8)
// from the primary side. done=true means a pending shutdown was honoured
// and the caller should stop looping.
func (c *Coordinator) checkpointTransactionPrimary(ctx context.Context) (done bool, err error) {
	if err := c.ch.Send(command.CmdColoCheckpointRequest, nil); err != nil {
		return false, err
	}

	var buf bytes.Buffer

	shutdown := false

	func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.hooks.StopVM != nil {
			if err = c.hooks.StopVM(ctx); err != nil {
				return
			}
		}

		if c.hooks.PendingShutdown != nil && c.hooks.PendingShutdown() {
			shutdown = true
		}

		if c.hooks.BlockCheckpoint != nil {
			if err = c.hooks.BlockCheckpoint(ctx); err != nil {
				return
			}
		}
	}()

	if err != nil {
		return false, fmt.Errorf("colo: stop/checkpoint: %w", err)
	}

	if err := c.ch.Send(command.CmdColoVMStateSend, nil); err != nil {
		return false, err
	}

	if c.hooks.StreamLiveRAMOut != nil {
		if err := c.hooks.StreamLiveRAMOut(ctx); err != nil {
			return false, fmt.Errorf("colo: stream RAM: %w", err)
		}
	}

	if c.hooks.SerializeDeviceState != nil {
		devBuf, err := c.hooks.SerializeDeviceState(ctx)
		if err != nil {
			return false, fmt.Errorf("colo: serialize device state: %w", err)
		}

		buf.Write(devBuf)
	}

	if err := c.ch.Send(command.CmdColoVMStateSize, command.EncodeU64(uint64(buf.Len()))); err != nil {
		return false, err
	}

	c.ch.W.PutBytes(buf.Bytes())

	if err := c.ch.W.Flush(); err != nil {
		return false, err
	}

	if err := c.awaitReturnPathCommand(command.CmdColoVMStateReceived); err != nil {
		return false, err
	}

	if err := c.awaitReturnPathCommand(command.CmdColoVMStateLoaded); err != nil {
		return false, err
	}

	if c.hooks.ReleaseBufferedPackets != nil {
		if err := c.hooks.ReleaseBufferedPackets(ctx); err != nil {
			return false, fmt.Errorf("colo: release buffered packets: %w", err)
		}
	}

	if shutdown {
		if c.hooks.StopReplication != nil {
			if err := c.hooks.StopReplication(ctx); err != nil {
				return false, fmt.Errorf("colo: stop replication: %w", err)
			}
		}

		if err := c.ch.Send(command.CmdColoGuestShutdown, nil); err != nil {
			return false, err
		}

		if err := c.ch.W.Flush(); err != nil {
			return false, err
		}

		return true, nil
	}

	if c.hooks.ResumeVM != nil {
		if err := c.hooks.ResumeVM(ctx); err != nil {
			return false, fmt.Errorf("colo: resume VM: %w", err)
		}
	}

	return false, nil
}

// awaitReturnPathCommand blocks for the named command to arrive on the
// return path (spec §4.8 step 6).
func (c *Coordinator) awaitReturnPathCommand(want command.Command) error {
	cmd, _, err := c.rp.Recv()
	if err != nil {
		return err
	}

	if cmd != want {
		return fmt.Errorf("%w: expected %s on return path, got %s", migerr.ErrProtocolViolation, want, cmd)
	}

	return nil
}

// RunSecondary executes the secondary loop (spec §4.8): send
// CHECKPOINT_READY, then mirror each primary checkpoint transaction until
// GUEST_SHUTDOWN or failover.
func (c *Coordinator) RunSecondary(ctx context.Context) (ExitEvent, error) {
	if c.hooks.StartReplicationSecondary != nil {
		if err := c.hooks.StartReplicationSecondary(ctx); err != nil {
			return ExitEvent{}, fmt.Errorf("colo: start replication: %w", err)
		}
	}

	if err := c.ch.Send(command.CmdColoCheckpointReady, nil); err != nil {
		return ExitEvent{}, err
	}

	c.mu.Lock()
	c.status = "running"
	c.mu.Unlock()

	for {
		cmd, _, err := c.ch.Recv()
		if err != nil {
			return ExitEvent{}, err
		}

		switch cmd {
		case command.CmdColoCheckpointRequest:
			shutdown, err := c.checkpointTransactionSecondary(ctx)
			if err != nil {
				return c.completeFailover(ctx, ExitReasonError, err)
			}

			if shutdown {
				if c.hooks.LocalShutdown != nil {
					if err := c.hooks.LocalShutdown(ctx); err != nil {
						return ExitEvent{}, fmt.Errorf("colo: local shutdown: %w", err)
					}
				}

				return c.completeFailover(ctx, ExitReasonRequest, nil)
			}

			c.mu.Lock()
			parked := c.failoverParked
			c.mu.Unlock()

			if parked {
				return c.completeFailover(ctx, ExitReasonRequest, nil)
			}

		case command.CmdColoGuestShutdown:
			if c.hooks.LocalShutdown != nil {
				if err := c.hooks.LocalShutdown(ctx); err != nil {
					return ExitEvent{}, fmt.Errorf("colo: local shutdown: %w", err)
				}
			}

			return c.completeFailover(ctx, ExitReasonRequest, nil)

		default:
			return ExitEvent{}, fmt.Errorf("%w: unexpected command %s in COLO secondary loop", migerr.ErrProtocolViolation, cmd)
		}
	}
}

// checkpointTransactionSecondary mirrors one primary-driven transaction
// (spec §4.8's "secondary loop mirrors this").
func (c *Coordinator) checkpointTransactionSecondary(ctx context.Context) (shutdown bool, err error) {
	c.mu.Lock()

	if c.hooks.StopVM != nil {
		if err = c.hooks.StopVM(ctx); err != nil {
			c.mu.Unlock()

			return false, fmt.Errorf("colo: stop VM: %w", err)
		}
	}

	c.mu.Unlock()

	cmd, _, err := c.ch.Recv()
	if err != nil {
		return false, err
	}

	if cmd != command.CmdColoVMStateSend {
		return false, fmt.Errorf("%w: expected VMSTATE_SEND, got %s", migerr.ErrProtocolViolation, cmd)
	}

	if c.hooks.StreamLiveRAMIn != nil {
		if err := c.hooks.StreamLiveRAMIn(ctx); err != nil {
			return false, fmt.Errorf("colo: receive RAM: %w", err)
		}
	}

	sizeCmd, sizePayload, err := c.ch.Recv()
	if err != nil {
		return false, err
	}

	if sizeCmd != command.CmdColoVMStateSize {
		return false, fmt.Errorf("%w: expected VMSTATE_SIZE, got %s", migerr.ErrProtocolViolation, sizeCmd)
	}

	n, err := command.DecodeU64(sizePayload)
	if err != nil {
		return false, err
	}

	devBuf := c.ch.R.GetBytes(int(n))
	if err := c.ch.R.Err(); err != nil {
		return false, err
	}

	if err := c.rp.Send(command.CmdColoVMStateReceived, nil); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.vmStateLoading = true

	if c.hooks.ApplyDeviceState != nil {
		err = c.hooks.ApplyDeviceState(ctx, devBuf)
	}

	if err == nil && c.hooks.BlockCheckpoint != nil {
		err = c.hooks.BlockCheckpoint(ctx)
	}

	c.vmStateLoading = false
	c.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("colo: apply device state: %w", err)
	}

	if err := c.rp.Send(command.CmdColoVMStateLoaded, nil); err != nil {
		return false, err
	}

	if c.hooks.ResumeVM != nil {
		if err := c.hooks.ResumeVM(ctx); err != nil {
			return false, fmt.Errorf("colo: resume VM: %w", err)
		}
	}

	return false, nil
}

// completeFailover shuts down replication on both sides' local hooks and
// produces the COLO_EXIT event (spec §4.8's "Completion").
func (c *Coordinator) completeFailover(ctx context.Context, reason ExitReason, cause error) (ExitEvent, error) {
	if c.hooks.StopReplication != nil {
		if err := c.hooks.StopReplication(ctx); err != nil && cause == nil {
			cause = err
		}
	}

	c.mu.Lock()
	c.status = "completed"
	c.failoverParked = false
	c.mu.Unlock()

	if cause != nil {
		reason = ExitReasonError
	}

	return ExitEvent{Mode: c.mode, Reason: reason, Err: cause}, nil
}
