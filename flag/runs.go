package flag

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/bobuhiro11/vmmigrate/colo"
	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/loadvm"
	"github.com/bobuhiro11/vmmigrate/savevm"
	"github.com/bobuhiro11/vmmigrate/vmstate"
	"github.com/bobuhiro11/vmmigrate/wire"
)

// Parse reads os.Args, dispatches to the matching subcommand, and runs it.
func Parse() error {
	a, err := ParseArgs(os.Args)
	if err != nil {
		return err
	}

	switch {
	case a.Save != nil:
		return runSave(a.Save)
	case a.Load != nil:
		return runLoad(a.Load)
	case a.ColoPrimary != nil:
		return runColoPrimary(a.ColoPrimary)
	case a.ColoSecondary != nil:
		return runColoSecondary(a.ColoSecondary)
	}

	return ErrInvalidSubcommand
}

// demoMemory is the one registered state entry the demonstration CLI drives
// end-to-end through savevm/loadvm/colo. Real device/RAM serialization is
// explicitly out of scope for the core engine (cmd/vmmigrate only needs
// something opaque to push through the pipeline).
type demoMemory struct {
	data        []byte
	dirtyRounds int
}

func demoCallbacks() *vmstate.Callbacks {
	return &vmstate.Callbacks{
		// LiveSetup makes savevm emit SECTION_START, which loadvm needs
		// before it accepts the entry's SECTION_PART/SECTION_END sections.
		LiveSetup: func(any) ([]byte, error) {
			return nil, nil
		},
		LiveIterate: func(opaque any) ([]byte, bool, error) {
			dm := opaque.(*demoMemory) //nolint:forcetypeassert

			if dm.dirtyRounds <= 0 {
				return nil, true, nil
			}

			dm.dirtyRounds--

			return []byte(fmt.Sprintf("dirty-round-%d", dm.dirtyRounds)), dm.dirtyRounds == 0, nil
		},
		LiveComplete: func(opaque any) ([]byte, error) {
			return []byte("live-complete"), nil
		},
		Save: func(opaque any) ([]byte, error) {
			dm := opaque.(*demoMemory) //nolint:forcetypeassert

			return append([]byte(nil), dm.data...), nil
		},
		Load: func(opaque any, _ uint32, payload []byte) error {
			dm := opaque.(*demoMemory) //nolint:forcetypeassert
			dm.data = append([]byte(nil), payload...)

			return nil
		},
		EstimateBytes: func(opaque any) int {
			return len(opaque.(*demoMemory).data) //nolint:forcetypeassert
		},
	}
}

func runSave(a *SaveArgs) error {
	f, err := os.Create(a.StreamPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", a.StreamPath, err)
	}

	defer f.Close()

	reg := vmstate.NewRegistry(0)

	dm := &demoMemory{data: make([]byte, a.DemoRAMSize), dirtyRounds: 2}

	if _, err := reg.Register(vmstate.RegisterOpts{
		IDStr:           "demo-ram",
		VersionID:       1,
		Callbacks:       demoCallbacks(),
		Opaque:          dm,
		IsRAM:           true,
		PostcopyCapable: a.Postcopy,
	}); err != nil {
		return err
	}

	w := wire.NewWriter(f)
	s := savevm.New(reg, w, savevm.Unlimited{})

	params := savevm.Params{Postcopy: a.Postcopy, SyncCPUState: func() error { return nil }}

	if err := s.Begin(params); err != nil {
		return fmt.Errorf("savevm: begin: %w", err)
	}

	for {
		allDone, err := s.IteratePass()
		if err != nil {
			return fmt.Errorf("savevm: iterate: %w", err)
		}

		if allDone {
			break
		}
	}

	if err := s.Complete(params); err != nil {
		return fmt.Errorf("savevm: complete: %w", err)
	}

	if a.Postcopy {
		if err := s.CompletePostcopyEntries(params); err != nil {
			return fmt.Errorf("savevm: complete postcopy entries: %w", err)
		}
	}

	log.Printf("savevm: wrote %s (%d bytes of demo RAM)", a.StreamPath, len(dm.data))

	return nil
}

func runLoad(a *LoadArgs) error {
	f, err := os.Open(a.StreamPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.StreamPath, err)
	}

	defer f.Close()

	reg := vmstate.NewRegistry(0)

	dm := &demoMemory{}

	if _, err := reg.Register(vmstate.RegisterOpts{
		IDStr:     "demo-ram",
		VersionID: 1,
		Callbacks: demoCallbacks(),
		Opaque:    dm,
		IsRAM:     true,
	}); err != nil {
		return err
	}

	r := wire.NewReader(f)
	l := loadvm.New(reg, nil)
	l.PostInit = func() error {
		log.Printf("loadvm: post-init: %d bytes loaded into demo-ram", len(dm.data))

		return nil
	}

	if err := l.Run(r, nil); err != nil {
		return fmt.Errorf("loadvm: run: %w", err)
	}

	log.Printf("loadvm: loaded %s (%d section(s))", a.StreamPath, len(l.LoadEntries()))

	return nil
}

func runColoPrimary(a *ColoArgs) error {
	log.Printf("colo: primary dialing %s", a.Addr)

	conn, err := net.DialTimeout("tcp", a.Addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.Addr, err)
	}

	defer conn.Close()

	w := wire.NewWriter(conn)
	r := wire.NewReader(conn)
	ch := command.NewChannel(w, r)
	rp := command.NewReturnPath(w, r)

	round := 0

	hooks := colo.Hooks{
		StopVM:                 func(context.Context) error { return nil },
		ResumeVM:               func(context.Context) error { return nil },
		StartGuest:             func(context.Context) error { return nil },
		EnablePacketBuffering:  func(context.Context) error { return nil },
		ReleaseBufferedPackets: func(context.Context) error { return nil },
		StartReplicationPrimary: func(context.Context) error {
			log.Printf("colo: replication started")

			return nil
		},
		StopReplication: func(context.Context) error {
			log.Printf("colo: replication stopped")

			return nil
		},
		BlockCheckpoint: func(context.Context) error { return nil },
		SerializeDeviceState: func(context.Context) ([]byte, error) {
			round++

			return []byte(fmt.Sprintf("checkpoint-%d", round)), nil
		},
		PendingShutdown: func() bool { return false },
	}

	coord := colo.New(colo.ModePrimary, ch, rp, hooks, a.CheckpointDelay)

	ev, err := coord.RunPrimary(context.Background())
	if err != nil {
		return fmt.Errorf("colo: primary: %w", err)
	}

	log.Printf("colo: primary exited: mode=%s reason=%s err=%v", ev.Mode, ev.Reason, ev.Err)

	return nil
}

func runColoSecondary(a *ColoArgs) error {
	l, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Addr, err)
	}

	defer l.Close()

	log.Printf("colo: secondary listening on %s", a.Addr)

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	defer conn.Close()

	w := wire.NewWriter(conn)
	r := wire.NewReader(conn)
	ch := command.NewChannel(w, r)
	rp := command.NewReturnPath(w, r)

	hooks := colo.Hooks{
		StopVM:   func(context.Context) error { return nil },
		ResumeVM: func(context.Context) error { return nil },
		StartReplicationSecondary: func(context.Context) error {
			log.Printf("colo: replication started")

			return nil
		},
		StopReplication: func(context.Context) error {
			log.Printf("colo: replication stopped")

			return nil
		},
		BlockCheckpoint: func(context.Context) error { return nil },
		ApplyDeviceState: func(_ context.Context, buf []byte) error {
			log.Printf("colo: applied checkpoint %q", buf)

			return nil
		},
		LocalShutdown: func(context.Context) error {
			log.Printf("colo: local shutdown")

			return nil
		},
	}

	coord := colo.New(colo.ModeSecondary, ch, rp, hooks, 0)

	ev, err := coord.RunSecondary(context.Background())
	if err != nil {
		return fmt.Errorf("colo: secondary: %w", err)
	}

	log.Printf("colo: secondary exited: mode=%s reason=%s err=%v", ev.Mode, ev.Reason, ev.Err)

	return nil
}
