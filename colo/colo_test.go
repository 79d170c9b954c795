package colo_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/vmmigrate/colo"
	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/wire"
)

// pipePair builds two command.Channel values sharing a pair of io.Pipes, one
// per direction, mirroring migration/transport_test.go's io.Pipe-based
// duplex harness in the teacher. The returned closers tear down both
// directions, unblocking any pending Recv on either side.
func pipePair(t *testing.T) (a, b *command.Channel, closeBoth func()) {
	t.Helper()

	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()

	a = command.NewChannel(wire.NewWriter(w1), wire.NewReader(r2))
	b = command.NewChannel(wire.NewWriter(w2), wire.NewReader(r1))

	closeBoth = func() {
		w1.Close()
		w2.Close()
		r1.Close()
		r2.Close()
	}

	return a, b, closeBoth
}

func returnPathPair(t *testing.T) (primary, secondary *command.ReturnPath) {
	t.Helper()

	r, w := io.Pipe()

	primary = command.NewReturnPath(nil, wire.NewReader(r))
	secondary = command.NewReturnPath(wire.NewWriter(w), nil)

	return primary, secondary
}

type counter struct {
	mu                 sync.Mutex
	stopVM             int
	resumeVM           int
	checkpoints        int
	devState           []byte
	applied            [][]byte
	replicationStarted bool
	replicationStopped bool
}

func (c *counter) inc(f *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*f++
}

func TestPrimarySecondaryCheckpointTransaction(t *testing.T) {
	t.Parallel()

	primaryCh, secondaryCh, closeBoth := pipePair(t)
	primaryRP, secondaryRP := returnPathPair(t)

	var pc, sc counter

	devState := []byte("device-state-snapshot")

	primaryHooks := colo.Hooks{
		StopVM:   func(context.Context) error { pc.inc(&pc.stopVM); return nil },
		ResumeVM: func(context.Context) error { pc.inc(&pc.resumeVM); return nil },
		EnablePacketBuffering: func(context.Context) error { return nil },
		ReleaseBufferedPackets: func(context.Context) error { return nil },
		StartReplicationPrimary: func(context.Context) error {
			pc.mu.Lock()
			pc.replicationStarted = true
			pc.mu.Unlock()

			return nil
		},
		StartGuest:            func(context.Context) error { return nil },
		BlockCheckpoint:        func(context.Context) error { return nil },
		SerializeDeviceState:   func(context.Context) ([]byte, error) { return devState, nil },
		PendingShutdown:        func() bool { return false },
		StopReplication: func(context.Context) error {
			pc.mu.Lock()
			pc.replicationStopped = true
			pc.mu.Unlock()

			return nil
		},
	}

	primary := colo.New(colo.ModePrimary, primaryCh, primaryRP, primaryHooks, 5*time.Millisecond)

	secondaryHooks := colo.Hooks{
		StopVM:                    func(context.Context) error { sc.inc(&sc.stopVM); return nil },
		ResumeVM:                  func(context.Context) error { sc.inc(&sc.resumeVM); return nil },
		StartReplicationSecondary: func(context.Context) error { return nil },
		BlockCheckpoint:           func(context.Context) error { return nil },
		ApplyDeviceState: func(_ context.Context, buf []byte) error {
			sc.mu.Lock()
			first := len(sc.applied) == 0
			sc.applied = append(sc.applied, append([]byte(nil), buf...))
			sc.mu.Unlock()

			if first {
				primary.RequestFailover()
			}

			return nil
		},
		StopReplication: func(context.Context) error { return nil },
	}

	secondary := colo.New(colo.ModeSecondary, secondaryCh, secondaryRP, secondaryHooks, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	secDone := make(chan struct{})

	go func() {
		defer close(secDone)

		_, _ = secondary.RunSecondary(ctx)
	}()

	ev, err := primary.RunPrimary(ctx)
	if err != nil {
		t.Fatalf("RunPrimary: %v", err)
	}

	if ev.Mode != colo.ModePrimary {
		t.Fatalf("ev.Mode = %v, want ModePrimary", ev.Mode)
	}

	// Failover completion tears down the primary's replication and
	// command channel; closing the pipe pair unblocks the secondary's
	// pending Recv the same way a torn-down transport would.
	closeBoth()

	<-secDone

	sc.mu.Lock()
	applied := len(sc.applied)
	sc.mu.Unlock()

	if applied == 0 {
		t.Fatalf("secondary never applied any device state")
	}

	if !bytes.Equal(sc.applied[0], devState) {
		t.Fatalf("applied device state = %q, want %q", sc.applied[0], devState)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.stopVM == 0 || pc.resumeVM == 0 {
		t.Fatalf("primary stop/resume counts = %d/%d, want >0/>0", pc.stopVM, pc.resumeVM)
	}

	if !pc.replicationStarted {
		t.Fatalf("replication never started on primary")
	}

	if !pc.replicationStopped {
		t.Fatalf("replication never stopped on primary after failover")
	}
}

func TestRequestFailoverParksDuringVMStateLoading(t *testing.T) {
	t.Parallel()

	primaryCh, secondaryCh, _ := pipePair(t)
	primaryRP, secondaryRP := returnPathPair(t)

	applying := make(chan struct{})
	release := make(chan struct{})

	hooks := colo.Hooks{
		StopVM:                    func(context.Context) error { return nil },
		ResumeVM:                  func(context.Context) error { return nil },
		StartReplicationSecondary: func(context.Context) error { return nil },
		BlockCheckpoint:           func(context.Context) error { return nil },
		ApplyDeviceState: func(context.Context, []byte) error {
			close(applying)
			<-release

			return nil
		},
		StopReplication: func(context.Context) error { return nil },
	}

	secondary := colo.New(colo.ModeSecondary, secondaryCh, secondaryRP, hooks, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)

	go func() {
		_, err := secondary.RunSecondary(ctx)
		runDone <- err
	}()

	// Play the primary's reading side: consume CHECKPOINT_READY, and drain
	// VMSTATE_RECEIVED / VMSTATE_LOADED from the return path so the
	// secondary's writes on the unbuffered pipes do not block.
	_ = primaryCh.R.GetU8()
	_, _, _ = primaryCh.Recv()

	go func() {
		for i := 0; i < 2; i++ {
			_ = primaryRP.R.GetU8()
			_, _, _ = primaryRP.Recv()
		}
	}()

	if err := primaryCh.Send(command.CmdColoCheckpointRequest, nil); err != nil {
		t.Fatalf("Send CHECKPOINT_REQUEST: %v", err)
	}

	if err := primaryCh.Send(command.CmdColoVMStateSend, nil); err != nil {
		t.Fatalf("Send VMSTATE_SEND: %v", err)
	}

	if err := primaryCh.Send(command.CmdColoVMStateSize, command.EncodeU64(4)); err != nil {
		t.Fatalf("Send VMSTATE_SIZE: %v", err)
	}

	primaryCh.W.PutBytes([]byte("data"))
	if err := primaryCh.W.Flush(); err != nil {
		t.Fatalf("Flush device state: %v", err)
	}

	<-applying

	secondary.RequestFailover()

	close(release)

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("RunSecondary: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunSecondary never returned after parked failover")
	}

	if secondary.Status() != "completed" {
		t.Fatalf("Status = %q, want completed", secondary.Status())
	}
}

func TestPrimaryGuestShutdownEndsSession(t *testing.T) {
	t.Parallel()

	primaryCh, secondaryCh, _ := pipePair(t)
	primaryRP, secondaryRP := returnPathPair(t)

	shutdownRequested := false

	var secLocalShutdown int

	primaryHooks := colo.Hooks{
		StopVM:                 func(context.Context) error { return nil },
		ResumeVM:               func(context.Context) error { return nil },
		EnablePacketBuffering:  func(context.Context) error { return nil },
		ReleaseBufferedPackets: func(context.Context) error { return nil },
		StartReplicationPrimary: func(context.Context) error { return nil },
		StartGuest:              func(context.Context) error { return nil },
		BlockCheckpoint:         func(context.Context) error { return nil },
		SerializeDeviceState:    func(context.Context) ([]byte, error) { return nil, nil },
		PendingShutdown:         func() bool { return shutdownRequested },
		StopReplication:         func(context.Context) error { return nil },
	}

	var mu sync.Mutex

	secondaryHooks := colo.Hooks{
		StopVM:                    func(context.Context) error { return nil },
		ResumeVM:                  func(context.Context) error { return nil },
		StartReplicationSecondary: func(context.Context) error { return nil },
		BlockCheckpoint:           func(context.Context) error { return nil },
		ApplyDeviceState:          func(context.Context, []byte) error { return nil },
		StopReplication:           func(context.Context) error { return nil },
		LocalShutdown: func(context.Context) error {
			mu.Lock()
			secLocalShutdown++
			mu.Unlock()

			return nil
		},
	}

	primary := colo.New(colo.ModePrimary, primaryCh, primaryRP, primaryHooks, 5*time.Millisecond)
	secondary := colo.New(colo.ModeSecondary, secondaryCh, secondaryRP, secondaryHooks, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	secDone := make(chan struct{})

	go func() {
		defer close(secDone)
		_, _ = secondary.RunSecondary(ctx)
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		shutdownRequested = true
	}()

	ev, err := primary.RunPrimary(ctx)
	if err != nil {
		t.Fatalf("RunPrimary: %v", err)
	}

	if ev.Reason != colo.ExitReasonRequest {
		t.Fatalf("ev.Reason = %v, want ExitReasonRequest", ev.Reason)
	}

	<-secDone

	mu.Lock()
	defer mu.Unlock()

	if secLocalShutdown == 0 {
		t.Fatalf("secondary never ran LocalShutdown after GUEST_SHUTDOWN")
	}
}

func TestCheckpointTransactionPropagatesApplyError(t *testing.T) {
	t.Parallel()

	primaryCh, secondaryCh, _ := pipePair(t)
	primaryRP, secondaryRP := returnPathPair(t)

	wantErr := errors.New("boom")

	hooks := colo.Hooks{
		StopVM:                    func(context.Context) error { return nil },
		ResumeVM:                  func(context.Context) error { return nil },
		StartReplicationSecondary: func(context.Context) error { return nil },
		BlockCheckpoint:           func(context.Context) error { return nil },
		ApplyDeviceState:          func(context.Context, []byte) error { return wantErr },
		StopReplication:           func(context.Context) error { return nil },
	}

	secondary := colo.New(colo.ModeSecondary, secondaryCh, secondaryRP, hooks, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		// Drive one transaction from the primary's end of the pipes:
		// consume CHECKPOINT_READY, send the transaction, then consume
		// VMSTATE_RECEIVED from the return path.
		_ = primaryCh.R.GetU8()
		_, _, _ = primaryCh.Recv()
		_ = primaryCh.Send(command.CmdColoCheckpointRequest, nil)
		_ = primaryCh.Send(command.CmdColoVMStateSend, nil)
		_ = primaryCh.Send(command.CmdColoVMStateSize, command.EncodeU64(0))
		_ = primaryRP.R.GetU8()
		_, _, _ = primaryRP.Recv()
	}()

	ev, err := secondary.RunSecondary(ctx)
	if err != nil {
		t.Fatalf("RunSecondary: %v", err)
	}

	if ev.Reason != colo.ExitReasonError || !errors.Is(ev.Err, wantErr) {
		t.Fatalf("ev = %+v, want error reason wrapping %v", ev, wantErr)
	}
}
