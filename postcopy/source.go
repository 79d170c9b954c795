package postcopy

import (
	"fmt"

	"github.com/bobuhiro11/vmmigrate/command"
	"github.com/bobuhiro11/vmmigrate/migerr"
)

// Source sequences the postcopy command exchange on the source side (spec
// §4.6): ADVISE, discard batches at the flip point, LISTEN, RUN, then
// END(status). It only emits the commands; precopy RAM transfer and
// non-postcopiable device completion happen externally (savevm) and are
// not this type's concern.
type Source struct {
	ch    *command.Channel
	phase string
}

// NewSource wraps the command channel the savevm session is already using
// to exchange commands with the destination.
func NewSource(ch *command.Channel) *Source {
	return &Source{ch: ch, phase: "none"}
}

func (s *Source) transition(from, to string) error {
	if s.phase != from {
		return fmt.Errorf("%w: postcopy source in phase %q, expected %q before %q",
			migerr.ErrProtocolViolation, s.phase, from, to)
	}

	s.phase = to

	return nil
}

// Advise sends ADVISE, signalling that a postcopy flip may occur (spec
// §4.6 point 1). Must be called exactly once, before any RAM data.
func (s *Source) Advise() error {
	if err := s.transition("none", "advise"); err != nil {
		return err
	}

	return s.ch.Send(command.CmdPostcopyAdvise, nil)
}

// DiscardBatches sends one DISCARD command per batch (spec §4.6 point 3).
// Must follow Advise and precede Listen.
func (s *Source) DiscardBatches(batches []Batch) error {
	if s.phase != "advise" {
		return fmt.Errorf("%w: DiscardBatches called in phase %q, want advise", migerr.ErrProtocolViolation, s.phase)
	}

	for _, b := range batches {
		payload, err := b.Encode()
		if err != nil {
			return err
		}

		if err := s.ch.Send(command.CmdPostcopyDiscard, payload); err != nil {
			return err
		}
	}

	return nil
}

// Listen sends LISTEN, after which the destination registers RAM blocks
// with the user-fault channel it already opened on ADVISE and starts its
// fault thread (spec §4.6 point 3).
func (s *Source) Listen() error {
	if err := s.transition("advise", "listening"); err != nil {
		return err
	}

	return s.ch.Send(command.CmdPostcopyListen, nil)
}

// Run sends RUN, resuming the destination guest (spec §4.6 point 3). The
// caller is expected to have already emitted the postcopy-specific device
// completions (savevm.CompletePostcopyEntries) before calling this.
func (s *Source) Run() error {
	if err := s.transition("listening", "running"); err != nil {
		return err
	}

	return s.ch.Send(command.CmdPostcopyRun, nil)
}

// End sends END(status) and tears down the sequencing state (spec §4.6
// point 3, §4.7: "validate status byte; if non-zero surface a fatal
// error"). May be called from running or listening (an early abort skips
// straight to END without ever sending RUN).
func (s *Source) End(failed bool) error {
	if s.phase != "running" && s.phase != "listening" {
		return fmt.Errorf("%w: End called in phase %q", migerr.ErrProtocolViolation, s.phase)
	}

	s.phase = "end"

	var status uint8
	if failed {
		status = 1
	}

	return s.ch.Send(command.CmdPostcopyEnd, []byte{status})
}
