// Package postcopy implements the postcopy RAM fault-handling protocol
// (spec §4.6, §4.7, §3): the source-side advise/discard/listen/run/end
// command sequencing and the destination-side userfaultfd-backed state
// machine and fault thread.
package postcopy

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bobuhiro11/vmmigrate/migerr"
)

// DiscardVersion is the current discard-message encoding version (spec §4.6).
const DiscardVersion uint8 = 0

// MaxPairsPerBatch bounds a single DISCARD message to at most 12
// (start_word_index, mask) pairs, to bound worst-case memory (spec §4.6).
const MaxPairsPerBatch = 12

// Run is one (start_word_index, mask) pair: up to 64 pages starting at
// start_word_index*64 less the batch's FirstBitOffset (applied to every
// word), each set bit meaning "discard that page" (spec §4.6).
type Run struct {
	StartWordIndex uint64
	Mask           uint64
}

// Batch is one DISCARD command payload: a RAM block name plus up to
// MaxPairsPerBatch runs (spec §4.6).
type Batch struct {
	BlockName      string
	FirstBitOffset uint8
	Runs           []Run
}

// Encode serializes b per the wire layout in spec §4.6:
//
//	u8  version
//	u8  first_bit_offset
//	u8  name_len
//	name_len bytes of name
//	N x { u64 start_word_index ; u64 mask }
func (b Batch) Encode() ([]byte, error) {
	if len(b.Runs) > MaxPairsPerBatch {
		return nil, fmt.Errorf("%w: discard batch carries %d pairs, max %d",
			migerr.ErrProtocolViolation, len(b.Runs), MaxPairsPerBatch)
	}

	if len(b.BlockName) > 255 {
		return nil, fmt.Errorf("%w: discard block name %q exceeds 255 bytes",
			migerr.ErrProtocolViolation, b.BlockName)
	}

	out := make([]byte, 0, 3+len(b.BlockName)+16*len(b.Runs))
	out = append(out, DiscardVersion, b.FirstBitOffset, uint8(len(b.BlockName)))
	out = append(out, b.BlockName...)

	for _, run := range b.Runs {
		var word [16]byte
		binary.BigEndian.PutUint64(word[0:8], run.StartWordIndex)
		binary.BigEndian.PutUint64(word[8:16], run.Mask)
		out = append(out, word[:]...)
	}

	return out, nil
}

// DecodeBatch is the dual of Batch.Encode.
func DecodeBatch(payload []byte) (Batch, error) {
	if len(payload) < 3 {
		return Batch{}, fmt.Errorf("%w: discard payload too short (%d bytes)", migerr.ErrProtocolViolation, len(payload))
	}

	version := payload[0]
	if version != DiscardVersion {
		return Batch{}, fmt.Errorf("%w: discard version %d, want %d", migerr.ErrProtocolViolation, version, DiscardVersion)
	}

	firstBitOffset := payload[1]
	nameLen := int(payload[2])

	payload = payload[3:]
	if len(payload) < nameLen {
		return Batch{}, fmt.Errorf("%w: discard name truncated", migerr.ErrProtocolViolation)
	}

	name := string(payload[:nameLen])
	payload = payload[nameLen:]

	if len(payload)%16 != 0 {
		return Batch{}, fmt.Errorf("%w: discard run data not a multiple of 16 bytes", migerr.ErrProtocolViolation)
	}

	n := len(payload) / 16
	if n > MaxPairsPerBatch {
		return Batch{}, fmt.Errorf("%w: discard batch carries %d pairs, max %d", migerr.ErrProtocolViolation, n, MaxPairsPerBatch)
	}

	runs := make([]Run, n)

	for i := 0; i < n; i++ {
		word := payload[i*16 : i*16+16]
		runs[i] = Run{
			StartWordIndex: binary.BigEndian.Uint64(word[0:8]),
			Mask:           binary.BigEndian.Uint64(word[8:16]),
		}
	}

	return Batch{BlockName: name, FirstBitOffset: firstBitOffset, Runs: runs}, nil
}

// BatchPageRanges groups consecutive discarded page indices (relative to
// blockName's start, page granularity) into Runs, then splits the result
// into Batches of at most MaxPairsPerBatch runs each. firstBitOffset shifts
// where page 0 sits within word 0's bitmask (spec §4.6); every run, in every
// batch, is expressed relative to the same offset, matching the decoder's
// page = start_word_index*64 + bit - first_bit_offset.
func BatchPageRanges(blockName string, firstBitOffset uint8, pageIndices []uint64) []Batch {
	wordOf := func(page uint64) (word uint64, bit uint) {
		shifted := page + uint64(firstBitOffset)

		return shifted / 64, uint(shifted % 64)
	}

	masks := map[uint64]uint64{}

	for _, p := range pageIndices {
		w, bit := wordOf(p)
		masks[w] |= 1 << bit
	}

	words := make([]uint64, 0, len(masks))
	for w := range masks {
		words = append(words, w)
	}

	sort.Slice(words, func(i, j int) bool { return words[i] < words[j] })

	runs := make([]Run, 0, len(words))
	for _, w := range words {
		runs = append(runs, Run{StartWordIndex: w, Mask: masks[w]})
	}

	var batches []Batch

	for len(runs) > 0 {
		n := len(runs)
		if n > MaxPairsPerBatch {
			n = MaxPairsPerBatch
		}

		batches = append(batches, Batch{BlockName: blockName, FirstBitOffset: firstBitOffset, Runs: runs[:n]})
		runs = runs[n:]
	}

	return batches
}
