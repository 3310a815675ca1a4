// Package databank implements the distributed representational memory
// engine: fixed-width ternary-signal vector banks grouped into a cluster,
// linked by typed cross-bank edges, and persisted as self-describing
// binary snapshots with an append-only recovery journal.
//
// The package is organized leaves-first:
//
//   - identifiers and enums (this file)
//   - BankEntry, the per-fragment record (entry.go)
//   - vector indexes, brute force and IVF (index.go, ivf.go)
//   - DataBank, the single-region store (bank.go)
//   - the .bank v1 codec (codec.go)
//   - the mutation journal (journal.go)
//   - BankCluster, the multi-bank owner (cluster.go)
//
// Example Usage:
//
//	cluster := databank.NewCluster()
//	id := databank.NewBankID("temporal.semantic", 0)
//	bank := cluster.GetOrCreate(id, "temporal.semantic", databank.DefaultBankConfig(64))
//	entryID, err := bank.Insert(vector, databank.Hot, tick)
//	if err != nil {
//		return err
//	}
//	results := bank.QuerySparse(cue, 5)
//
// Concurrency: a cluster is exclusively owned by one mutator. The engine
// is single-threaded by design and holds no internal locks; callers that
// need sharing wrap it with their own discipline.
package databank

import (
	"fmt"
	"time"
)

// BankID identifies a databank. 64 bits, temporally sortable:
//
//	[unix_seconds:32][region_tag:24][seq:8]
//
// The region tag is a 24-bit FNV-1a hash of the human-readable region name
// so ids group by region within a second. Names are stored once per bank
// and never appear in cross-bank references.
type BankID uint64

// NewBankID allocates a BankID for a region name at the current time.
// seq distinguishes multiple banks created for one region within a second.
func NewBankID(regionName string, seq uint8) BankID {
	ts := uint64(time.Now().Unix()) & 0xFFFFFFFF
	tag := uint64(fnv1a24(regionName))
	return BankID(ts<<32 | tag<<8 | uint64(seq))
}

// TimestampSecs returns the creation time (Unix seconds) embedded in the id.
func (id BankID) TimestampSecs() uint32 { return uint32(id >> 32) }

// RegionTag returns the 24-bit region hash embedded in the id.
func (id BankID) RegionTag() uint32 { return uint32(id>>8) & 0x00FFFFFF }

// Seq returns the sequence byte embedded in the id.
func (id BankID) Seq() uint8 { return uint8(id & 0xFF) }

func (id BankID) String() string {
	return fmt.Sprintf("BankID(t=%d, tag=%#06x, seq=%d)", id.TimestampSecs(), id.RegionTag(), id.Seq())
}

// EntryID identifies an entry within a bank. 64 bits, temporally sortable:
//
//	[unix_millis:42][seq:22]
//
// The 42-bit millisecond field is good until 2109; the 22-bit sequence
// counter allows ~4M allocations per bank per millisecond.
type EntryID uint64

const entrySeqMask = 0x3FFFFF

// NewEntryID allocates an EntryID at the current time with the given
// per-bank sequence counter.
func NewEntryID(seq uint32) EntryID {
	ms := uint64(time.Now().UnixMilli())
	return EntryID(ms<<22 | uint64(seq)&entrySeqMask)
}

// TimestampMillis returns the allocation time (Unix milliseconds).
func (id EntryID) TimestampMillis() uint64 { return uint64(id) >> 22 }

// Seq returns the sequence counter embedded in the id.
func (id EntryID) Seq() uint32 { return uint32(uint64(id) & entrySeqMask) }

func (id EntryID) String() string {
	return fmt.Sprintf("EntryID(ms=%d, seq=%d)", id.TimestampMillis(), id.Seq())
}

// BankRef is the only form of cross-bank pointer: one entry in one bank.
// It records a relationship; resolution happens through the owning cluster.
type BankRef struct {
	Bank  BankID
	Entry EntryID
}

// EdgeKind is the semantic category of an edge between two entries.
type EdgeKind uint8

// Edge kinds. The numeric values are part of the on-disk format.
const (
	// Taxonomic
	KindIsA    EdgeKind = 0
	KindHasA   EdgeKind = 1
	KindPartOf EdgeKind = 2
	// Associative
	KindRelatedTo  EdgeKind = 3
	KindSimilarTo  EdgeKind = 4
	KindOppositeOf EdgeKind = 5
	// Causal
	KindCauses   EdgeKind = 6
	KindPrecedes EdgeKind = 7
	KindEnables  EdgeKind = 8
	// Sensory binding
	KindLooksLike  EdgeKind = 9
	KindSoundsLike EdgeKind = 10
	KindFeelsLike  EdgeKind = 11
	// Episodic
	KindCoOccurred EdgeKind = 12
	KindFollowedBy EdgeKind = 13
	// Open-ended
	KindCustom EdgeKind = 255

	// KindAny is a traversal wildcard that matches every kind. It is never
	// valid on a stored edge.
	KindAny EdgeKind = 0xFE
)

// Valid reports whether k is a storable edge kind.
func (k EdgeKind) Valid() bool {
	return k <= KindFollowedBy || k == KindCustom
}

func (k EdgeKind) String() string {
	switch k {
	case KindIsA:
		return "IsA"
	case KindHasA:
		return "HasA"
	case KindPartOf:
		return "PartOf"
	case KindRelatedTo:
		return "RelatedTo"
	case KindSimilarTo:
		return "SimilarTo"
	case KindOppositeOf:
		return "OppositeOf"
	case KindCauses:
		return "Causes"
	case KindPrecedes:
		return "Precedes"
	case KindEnables:
		return "Enables"
	case KindLooksLike:
		return "LooksLike"
	case KindSoundsLike:
		return "SoundsLike"
	case KindFeelsLike:
		return "FeelsLike"
	case KindCoOccurred:
		return "CoOccurred"
	case KindFollowedBy:
		return "FollowedBy"
	case KindCustom:
		return "Custom"
	case KindAny:
		return "Any"
	default:
		return fmt.Sprintf("EdgeKind(%d)", uint8(k))
	}
}

// Edge is a directed, weighted, typed reference from one entry to another,
// possibly in a different bank. Weight 0-255 is association strength.
type Edge struct {
	Kind        EdgeKind
	Target      BankRef
	Weight      uint8
	CreatedTick uint64
}

// Temperature is the four-stage entry lifecycle: Hot (active learning) <
// Warm (session patterns) < Cool (proven) < Cold (frozen priors). Colder
// entries resist eviction.
type Temperature uint8

const (
	Hot  Temperature = 0
	Warm Temperature = 1
	Cool Temperature = 2
	Cold Temperature = 3
)

// TemperatureFromByte converts a raw byte to a Temperature.
func TemperatureFromByte(v uint8) (Temperature, bool) {
	if v > uint8(Cold) {
		return Hot, false
	}
	return Temperature(v), true
}

func (t Temperature) String() string {
	switch t {
	case Hot:
		return "HOT"
	case Warm:
		return "WARM"
	case Cool:
		return "COOL"
	case Cold:
		return "COLD"
	default:
		return fmt.Sprintf("Temperature(%d)", uint8(t))
	}
}

// IndexKind selects the vector index variant a bank builds at construction.
type IndexKind uint8

const (
	// IndexBruteForce scans every entry per query. O(n), exact.
	IndexBruteForce IndexKind = 0
	// IndexIVF partitions entries across k centroids and probes only the
	// nearest nprobe clusters per query. Approximate, sub-linear.
	IndexIVF IndexKind = 1
)

// BankConfig is the per-bank configuration. VectorWidth is fixed at bank
// creation and cannot change; entries are validated against it on insert.
type BankConfig struct {
	// VectorWidth is the fixed signal vector width for all entries.
	VectorWidth uint16
	// MaxEntries caps the bank; insertion at capacity evicts first.
	MaxEntries uint32
	// MaxEdgesPerEntry bounds an entry's edge list; excess insertions prune
	// the lowest-weighted edge.
	MaxEdgesPerEntry uint16
	// PersistAfterMutations marks the bank due for flushing after this many
	// mutations since the last snapshot.
	PersistAfterMutations uint32
	// PersistAfterTicks marks the bank due for flushing after this many
	// ticks since the last snapshot.
	PersistAfterTicks uint64
	// IndexKind selects the vector index variant.
	IndexKind IndexKind
	// IVFClusters is the centroid count when IndexKind is IndexIVF.
	// 0 means ceil(sqrt(n)) at rebuild time.
	IVFClusters int
	// IVFProbes is the clusters-searched-per-query count for IVF.
	IVFProbes int
}

// DefaultBankConfig returns the standard configuration for a bank with the
// given vector width: 10 000 entries, 32 edges per entry, persistence after
// 100 mutations or 10 000 ticks, brute-force index.
func DefaultBankConfig(vectorWidth uint16) BankConfig {
	return BankConfig{
		VectorWidth:           vectorWidth,
		MaxEntries:            10_000,
		MaxEdgesPerEntry:      32,
		PersistAfterMutations: 100,
		PersistAfterTicks:     10_000,
		IndexKind:             IndexBruteForce,
	}
}

// ShouldPersist reports whether a bank with this config is due for a flush
// given the mutation and tick counts since its last snapshot.
func (c BankConfig) ShouldPersist(mutationsSince uint32, ticksSince uint64) bool {
	return mutationsSince >= c.PersistAfterMutations || ticksSince >= c.PersistAfterTicks
}

// fnv1a24 is FNV-1a truncated to 24 bits. Deterministic across platforms;
// the constants are part of the BankID format.
func fnv1a24(s string) uint32 {
	hash := uint32(0x811c9dc5)
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= 0x01000193
	}
	return hash & 0x00FFFFFF
}
