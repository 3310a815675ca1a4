package databank

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/orneryd/databank/pkg/ternary"
)

// BankEntry is one stored fragment of a distributed concept: a fixed-width
// signal vector, typed edges to related entries (cross-bank allowed), and
// lifecycle metadata.
//
// The Checksum field is a CRC32 (IEEE) over the vector and edge bytes and
// must match at the end of every mutation; the codec verifies it on load
// and rejects individual entries that fail.
type BankEntry struct {
	// ID is the temporally sortable entry identifier.
	ID EntryID
	// Vector is the representational pattern. Width is fixed per bank.
	Vector []ternary.Signal
	// Edges are typed, weighted references to other entries.
	Edges []Edge
	// Origin is the bank that created this entry.
	Origin BankID
	// Temperature is the lifecycle stage.
	Temperature Temperature
	// CreatedTick is the tick the entry was created.
	CreatedTick uint64
	// LastAccessedTick is the tick of the most recent touch.
	LastAccessedTick uint64
	// AccessCount counts touches. Saturates at the uint32 ceiling.
	AccessCount uint32
	// Confidence is a 0-255 reliability score. 128 is the neutral default.
	Confidence uint8
	// DebugTag is an optional human label. Never consulted by engine logic.
	DebugTag string
	// Checksum is CRC32(vector || edges).
	Checksum uint32
}

// NewEntry builds an entry with a freshly computed checksum.
func NewEntry(id EntryID, vector []ternary.Signal, origin BankID, temp Temperature, tick uint64) *BankEntry {
	e := &BankEntry{
		ID:               id,
		Vector:           vector,
		Origin:           origin,
		Temperature:      temp,
		CreatedTick:      tick,
		LastAccessedTick: tick,
		Confidence:       128,
	}
	e.Checksum = e.ComputeChecksum()
	return e
}

// Touch records an access: increments the access count (saturating) and
// updates the last-accessed tick.
func (e *BankEntry) Touch(tick uint64) {
	if e.AccessCount != ^uint32(0) {
		e.AccessCount++
	}
	e.LastAccessedTick = tick
}

// AddEdge appends an edge. When the entry already holds max edges, the
// lowest-weight existing edge is dropped first (ties: oldest CreatedTick).
// The checksum is recomputed.
func (e *BankEntry) AddEdge(edge Edge, max uint16) {
	if len(e.Edges) >= int(max) && len(e.Edges) > 0 {
		drop := 0
		for i := 1; i < len(e.Edges); i++ {
			if e.Edges[i].Weight < e.Edges[drop].Weight ||
				(e.Edges[i].Weight == e.Edges[drop].Weight && e.Edges[i].CreatedTick < e.Edges[drop].CreatedTick) {
				drop = i
			}
		}
		e.Edges = append(e.Edges[:drop], e.Edges[drop+1:]...)
	}
	e.Edges = append(e.Edges, edge)
	e.Checksum = e.ComputeChecksum()
}

// RemoveEdgesTo deletes every edge pointing at target and recomputes the
// checksum if anything changed.
func (e *BankEntry) RemoveEdgesTo(target BankRef) {
	kept := e.Edges[:0]
	for _, edge := range e.Edges {
		if edge.Target != target {
			kept = append(kept, edge)
		}
	}
	if len(kept) != len(e.Edges) {
		e.Edges = kept
		e.Checksum = e.ComputeChecksum()
	}
}

// Temperature weights for eviction scoring. Colder entries are harder to
// evict.
var temperatureWeight = [4]int64{0, 64, 192, 255}

// EvictionScore combines temperature, access frequency, confidence, and
// recency into one scalar. Higher is safer; the lowest-scoring entries are
// evicted first, ties broken by lower (older) EntryID.
func (e *BankEntry) EvictionScore(currentTick uint64) int64 {
	score := temperatureWeight[e.Temperature&3]

	access := int64(e.AccessCount)
	if access > 255 {
		access = 255
	}
	score += access
	score += int64(e.Confidence)

	var staleness uint64
	if currentTick > e.LastAccessedTick {
		staleness = (currentTick - e.LastAccessedTick) / 256
		if staleness > 65535 {
			staleness = 65535
		}
	}
	recency := int64(255) - int64(staleness)
	if recency < 0 {
		recency = 0
	}
	return score + recency
}

// Promote steps the temperature one stage toward Cold. Reports whether it
// changed.
func (e *BankEntry) Promote() bool {
	if e.Temperature >= Cold {
		return false
	}
	e.Temperature++
	return true
}

// Demote steps the temperature one stage toward Hot. Reports whether it
// changed.
func (e *BankEntry) Demote() bool {
	if e.Temperature <= Hot {
		return false
	}
	e.Temperature--
	return true
}

// PromotionEligible reports whether the entry qualifies for consolidation:
// accessed at least minAccesses times and at least minAgeTicks old.
func (e *BankEntry) PromotionEligible(currentTick uint64, minAccesses uint32, minAgeTicks uint64) bool {
	if e.Temperature == Cold {
		return false
	}
	age := uint64(0)
	if currentTick > e.CreatedTick {
		age = currentTick - e.CreatedTick
	}
	return e.AccessCount >= minAccesses && age >= minAgeTicks
}

// DemotionEligible reports whether the entry's confidence is below the
// threshold.
func (e *BankEntry) DemotionEligible(confidenceThreshold uint8) bool {
	if e.Temperature == Hot {
		return false
	}
	return e.Confidence < confidenceThreshold
}

// ComputeChecksum returns CRC32 (IEEE) over the vector bytes followed by
// the edge bytes, matching the on-disk entry layout.
func (e *BankEntry) ComputeChecksum() uint32 {
	h := crc32.NewIEEE()
	var buf [26]byte
	for _, s := range e.Vector {
		buf[0] = uint8(s.Polarity)
		buf[1] = s.Magnitude
		h.Write(buf[:2])
	}
	for _, edge := range e.Edges {
		buf[0] = uint8(edge.Kind)
		binary.LittleEndian.PutUint64(buf[1:9], uint64(edge.Target.Bank))
		binary.LittleEndian.PutUint64(buf[9:17], uint64(edge.Target.Entry))
		buf[17] = edge.Weight
		binary.LittleEndian.PutUint64(buf[18:26], edge.CreatedTick)
		h.Write(buf[:26])
	}
	return h.Sum32()
}

// Validate reports whether the stored checksum matches the current vector
// and edges.
func (e *BankEntry) Validate() bool {
	return e.Checksum == e.ComputeChecksum()
}
