//go:build !linux

package postcopy

import "github.com/bobuhiro11/vmmigrate/migerr"

// noBackend is the Backend used on platforms without userfaultfd(2) (spec
// §9's HOST_UNSUPPORTED fallback): every call except Close fails immediately so a
// session attempting postcopy here gets a clear, early error rather than a
// hang or an obscure syscall failure.
type noBackend struct{}

// NewLinuxBackend returns a Backend that always reports host-unsupported.
// The name matches the linux build's constructor so callers can select it
// unconditionally; only the build tag differs.
func NewLinuxBackend() Backend { return noBackend{} }

func (noBackend) CheckCapability(uint64) error {
	return migerr.ErrHostUnsupported
}

func (noBackend) Open() error                             { return migerr.ErrHostUnsupported }
func (noBackend) Register(uint64, uint64) error           { return migerr.ErrHostUnsupported }
func (noBackend) Unregister(uint64, uint64) error         { return migerr.ErrHostUnsupported }
func (noBackend) Close() error                            { return nil }
func (noBackend) ReadFaults(int) ([]uint64, error)        { return nil, migerr.ErrHostUnsupported }
func (noBackend) Place(uint64, []byte, bool) error        { return migerr.ErrHostUnsupported }
