package fulfiller

import (
	"github.com/orneryd/databank/pkg/databank"
)

// Register packing for ids and result sets. Entry ids are 64-bit and
// registers carry int32, so ids travel as (high, low) pairs; result sets
// are length-prefixed flat arrays.

// EntryIDToPair splits an entry id into (high, low) register halves.
func EntryIDToPair(id databank.EntryID) (high, low int32) {
	raw := uint64(id)
	return int32(raw >> 32), int32(raw & 0xFFFFFFFF)
}

// PairToEntryID reassembles an entry id from its register halves.
func PairToEntryID(high, low int32) databank.EntryID {
	return databank.EntryID(uint64(uint32(high))<<32 | uint64(uint32(low)))
}

// PackQueryResults flattens similarity hits into register layout:
//
//	[count, score_0, id_high_0, id_low_0, score_1, ...]
func PackQueryResults(results []databank.QueryResult) []int32 {
	out := make([]int32, 0, 1+len(results)*3)
	out = append(out, int32(len(results)))
	for _, r := range results {
		high, low := EntryIDToPair(r.EntryID)
		out = append(out, r.Score, high, low)
	}
	return out
}

// TraverseHit is one traversal result mapped back into slot space.
type TraverseHit struct {
	Slot  uint8
	Entry databank.EntryID
}

// PackTraverseResults flattens traversal hits into register layout:
//
//	[count, slot_0, id_high_0, id_low_0, slot_1, ...]
func PackTraverseResults(hits []TraverseHit) []int32 {
	out := make([]int32, 0, 1+len(hits)*3)
	out = append(out, int32(len(hits)))
	for _, h := range hits {
		high, low := EntryIDToPair(h.Entry)
		out = append(out, int32(h.Slot), high, low)
	}
	return out
}
