package command_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/wire"
)

func pipeChannel() (send *command.Channel, recv *command.Channel) {
	pr, pw := io.Pipe()

	return command.NewChannel(wire.NewWriter(pw), nil), command.NewChannel(nil, wire.NewReader(pr))
}

func TestSendRecvCommand(t *testing.T) {
	t.Parallel()

	send, recv := pipeChannel()

	go func() {
		if err := send.Send(command.CmdPostcopyAdvise, nil); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	// The main loadvm loop reads the section type byte itself; replicate
	// that here since Recv assumes it has already been consumed.
	typ := recv.R.GetU8()
	if typ != wire.SectionCommand {
		t.Fatalf("section type = %#x, want SectionCommand", typ)
	}

	cmd, payload, err := recv.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if cmd != command.CmdPostcopyAdvise {
		t.Fatalf("cmd = %v, want CmdPostcopyAdvise", cmd)
	}

	if len(payload) != 0 {
		t.Fatalf("payload = %v, want empty", payload)
	}
}

func TestSendRecvPackaged(t *testing.T) {
	t.Parallel()

	send, recv := pipeChannel()

	subStream := []byte("pretend this is a nested migration stream")

	go func() {
		if err := send.SendPackaged(subStream); err != nil {
			t.Errorf("SendPackaged: %v", err)
		}
	}()

	typ := recv.R.GetU8()
	if typ != wire.SectionCommand {
		t.Fatalf("section type = %#x, want SectionCommand", typ)
	}

	cmd, payload, err := recv.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if cmd != command.CmdPackaged {
		t.Fatalf("cmd = %v, want CmdPackaged", cmd)
	}

	got, err := recv.RecvPackagedSubstream(payload)
	if err != nil {
		t.Fatalf("RecvPackagedSubstream: %v", err)
	}

	if !bytes.Equal(got, subStream) {
		t.Fatalf("sub-stream = %q, want %q", got, subStream)
	}
}

func TestReturnPathReqAckRoundTrip(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	sendRP := command.NewReturnPath(wire.NewWriter(pw), nil)
	recvRP := command.NewReturnPath(nil, wire.NewReader(pr))

	go func() {
		if err := sendRP.SendReqAck(0xCAFEBABE); err != nil {
			t.Errorf("SendReqAck: %v", err)
		}
	}()

	typ := recvRP.R.GetU8()
	if typ != wire.SectionCommand {
		t.Fatalf("section type = %#x, want SectionCommand", typ)
	}

	cmd, payload, err := recvRP.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if cmd != command.CmdReqAck {
		t.Fatalf("cmd = %v, want CmdReqAck", cmd)
	}

	cookie, err := recvRP.RecvReqAck(payload)
	if err != nil {
		t.Fatalf("RecvReqAck: %v", err)
	}

	if cookie != 0xCAFEBABE {
		t.Fatalf("cookie = %#x, want 0xCAFEBABE", cookie)
	}
}

func TestRequestPagesElidesRepeatedBlockName(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	sendRP := command.NewReturnPath(wire.NewWriter(pw), nil)
	recvRP := command.NewReturnPath(nil, wire.NewReader(pr))

	go func() {
		if err := sendRP.SendRequestPages("pc.ram", 4096, 4096); err != nil {
			t.Errorf("SendRequestPages 1: %v", err)
		}

		if err := sendRP.SendRequestPages("pc.ram", 8192, 4096); err != nil {
			t.Errorf("SendRequestPages 2: %v", err)
		}
	}()

	name, off, length, err := recvRP.RecvRequestPages("")
	if err != nil {
		t.Fatalf("RecvRequestPages 1: %v", err)
	}

	if name != "pc.ram" || off != 4096 || length != 4096 {
		t.Fatalf("got (%q, %d, %d), want (pc.ram, 4096, 4096)", name, off, length)
	}

	name2, off2, length2, err := recvRP.RecvRequestPages(name)
	if err != nil {
		t.Fatalf("RecvRequestPages 2: %v", err)
	}

	if name2 != "pc.ram" || off2 != 8192 || length2 != 4096 {
		t.Fatalf("got (%q, %d, %d), want (pc.ram, 8192, 4096) [elided name should resolve via prevName]", name2, off2, length2)
	}
}

func TestShutdownAckCarriesLatchedErrorIndicator(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	sendRP := command.NewReturnPath(wire.NewWriter(pw), nil)
	recvRP := command.NewReturnPath(nil, wire.NewReader(pr))

	go func() {
		if err := sendRP.SendShutdownAck(true); err != nil {
			t.Errorf("SendShutdownAck: %v", err)
		}
	}()

	failed, err := recvRP.RecvShutdownAck()
	if err != nil {
		t.Fatalf("RecvShutdownAck: %v", err)
	}

	if !failed {
		t.Fatalf("failed = false, want true")
	}
}
