package databank

import (
	"container/heap"
	"sort"

	"github.com/orneryd/databank/pkg/ternary"
)

// QueryResult is one similarity hit: an entry id and its score scaled x256
// (256 identical, 0 orthogonal, -256 opposite).
type QueryResult struct {
	EntryID EntryID
	Score   int32
}

// VectorIndex is the capability contract shared by the index variants.
// Query results are ordered by score descending, ties broken by larger
// (younger) EntryID, and bounded by topK.
type VectorIndex interface {
	// Insert registers an entry with the index.
	Insert(id EntryID, vector []ternary.Signal)
	// Remove deregisters an entry.
	Remove(id EntryID)
	// Query returns up to topK results against the live entry map.
	Query(query []ternary.Signal, entries map[EntryID]*BankEntry, topK int) []QueryResult
	// Rebuild recomputes any cached structure from scratch.
	Rebuild(entries map[EntryID]*BankEntry)
}

// BruteForceIndex scores every entry per query. O(n), exact. Sufficient for
// banks up to a few thousand entries: 64-wide integer vectors scan in well
// under a millisecond.
type BruteForceIndex struct{}

var _ VectorIndex = (*BruteForceIndex)(nil)

// NewBruteForceIndex returns a brute-force index.
func NewBruteForceIndex() *BruteForceIndex { return &BruteForceIndex{} }

// Insert is a no-op; brute force scans the entry map directly.
func (*BruteForceIndex) Insert(EntryID, []ternary.Signal) {}

// Remove is a no-op; brute force scans the entry map directly.
func (*BruteForceIndex) Remove(EntryID) {}

// Rebuild is a no-op; brute force holds no cached structure.
func (*BruteForceIndex) Rebuild(map[EntryID]*BankEntry) {}

// Query scores all entries with the sparse cosine kernel and keeps the topK
// through a bounded min-heap.
func (*BruteForceIndex) Query(query []ternary.Signal, entries map[EntryID]*BankEntry, topK int) []QueryResult {
	if topK <= 0 || len(entries) == 0 {
		return nil
	}
	h := make(resultHeap, 0, topK)
	for id, entry := range entries {
		r := QueryResult{EntryID: id, Score: ternary.SparseCosine(query, entry.Vector)}
		if len(h) < topK {
			heap.Push(&h, r)
		} else if resultLess(h[0], r) {
			h[0] = r
			heap.Fix(&h, 0)
		}
	}
	sortResults(h)
	return h
}

// resultLess orders results ascending by score, then ascending by EntryID,
// so the heap root is always the weakest kept result and final ordering
// breaks score ties toward younger entries.
func resultLess(a, b QueryResult) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.EntryID < b.EntryID
}

// sortResults orders descending by score, ties broken by larger EntryID.
func sortResults(rs []QueryResult) {
	sort.Slice(rs, func(i, j int) bool {
		return resultLess(rs[j], rs[i])
	})
}

type resultHeap []QueryResult

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return resultLess(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(QueryResult)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// newIndex builds the index variant selected by the config.
func newIndex(cfg BankConfig) VectorIndex {
	switch cfg.IndexKind {
	case IndexIVF:
		return NewIVFIndex(cfg.IVFClusters, cfg.IVFProbes)
	default:
		return NewBruteForceIndex()
	}
}
