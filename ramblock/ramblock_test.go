package ramblock_test

import (
	"testing"

	"github.com/bobuhiro11/vmmigrate/ramblock"
)

func TestListRejectsOverlap(t *testing.T) {
	t.Parallel()

	var l ramblock.List

	if err := l.Add(ramblock.NewBlock("pc.ram", 0, make([]byte, 8192))); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := l.Add(ramblock.NewBlock("pc.rom", 4096, make([]byte, 4096)))
	if err == nil {
		t.Fatalf("Add(overlapping) = nil error, want overlap error")
	}
}

func TestFindMapsAddressToExactlyOneBlock(t *testing.T) {
	t.Parallel()

	var l ramblock.List

	if err := l.Add(ramblock.NewBlock("pc.ram", 0, make([]byte, 8192))); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := l.Add(ramblock.NewBlock("pc.rom", 0x100000, make([]byte, 4096))); err != nil {
		t.Fatalf("Add: %v", err)
	}

	b, off, ok := l.Find(4096 + 100)
	if !ok || b.Name != "pc.ram" || off != 4096+100 {
		t.Fatalf("Find(4196) = (%v, %d, %v), want (pc.ram, 4196, true)", b, off, ok)
	}

	if _, _, ok := l.Find(0x200000); ok {
		t.Fatalf("Find(unmapped address) = true, want false")
	}
}

func TestDiscardZerosRange(t *testing.T) {
	t.Parallel()

	data := make([]byte, 8192)
	for i := range data {
		data[i] = 0xFF
	}

	b := ramblock.NewBlock("pc.ram", 0, data)

	if err := b.Discard(4096, 4096); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	for i, v := range data[:4096] {
		if v != 0xFF {
			t.Fatalf("byte %d outside discard range changed to %#x", i, v)
		}
	}

	for i, v := range data[4096:] {
		if v != 0 {
			t.Fatalf("byte %d inside discard range = %#x, want 0", 4096+i, v)
		}
	}
}

func TestDiscardOutOfRangeErrors(t *testing.T) {
	t.Parallel()

	b := ramblock.NewBlock("pc.ram", 0, make([]byte, 4096))

	if err := b.Discard(0, 8192); err == nil {
		t.Fatalf("Discard(out of range) = nil error, want error")
	}
}
