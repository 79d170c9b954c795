package postcopy_test

import (
	"reflect"
	"testing"

	"github.com/bobuhiro11/vmmigrate/postcopy"
)

func TestBatchEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	b := postcopy.Batch{
		BlockName:      "pc.ram",
		FirstBitOffset: 3,
		Runs: []postcopy.Run{
			{StartWordIndex: 0, Mask: 0xF0F0},
			{StartWordIndex: 5, Mask: 1},
		},
	}

	payload, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := postcopy.DecodeBatch(payload)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}

	if !reflect.DeepEqual(got, b) {
		t.Fatalf("DecodeBatch = %+v, want %+v", got, b)
	}
}

func TestEncodeRejectsOversizedBatch(t *testing.T) {
	t.Parallel()

	runs := make([]postcopy.Run, postcopy.MaxPairsPerBatch+1)

	b := postcopy.Batch{BlockName: "pc.ram", Runs: runs}

	if _, err := b.Encode(); err == nil {
		t.Fatalf("Encode(%d pairs) = nil error, want error", len(runs))
	}
}

func TestBatchPageRangesSplitsAtMaxPairs(t *testing.T) {
	t.Parallel()

	// 13 distinct words (1 page each, in different 64-page words) forces a
	// 12-pair batch followed by a 1-pair batch.
	pages := make([]uint64, 13)
	for i := range pages {
		pages[i] = uint64(i) * 64
	}

	batches := postcopy.BatchPageRanges("pc.ram", 0, pages)

	if len(batches) != 2 {
		t.Fatalf("len(batches) = %d, want 2", len(batches))
	}

	if len(batches[0].Runs) != postcopy.MaxPairsPerBatch {
		t.Fatalf("len(batches[0].Runs) = %d, want %d", len(batches[0].Runs), postcopy.MaxPairsPerBatch)
	}

	if len(batches[1].Runs) != 1 {
		t.Fatalf("len(batches[1].Runs) = %d, want 1", len(batches[1].Runs))
	}
}

func TestBatchPageRangesMergesPagesIntoSameWord(t *testing.T) {
	t.Parallel()

	batches := postcopy.BatchPageRanges("pc.ram", 0, []uint64{0, 1, 2, 63})

	if len(batches) != 1 || len(batches[0].Runs) != 1 {
		t.Fatalf("batches = %+v, want a single run merging all 4 pages into one word", batches)
	}

	want := uint64(1<<0 | 1<<1 | 1<<2 | 1<<63)
	if batches[0].Runs[0].Mask != want {
		t.Fatalf("mask = %#x, want %#x", batches[0].Runs[0].Mask, want)
	}
}
