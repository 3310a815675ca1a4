package databank

import (
	"fmt"
	"log"
	"sort"

	"github.com/orneryd/databank/pkg/ternary"
)

const kmeansIterations = 15

// ReverseEdge is one back-pointer in a bank's reverse index: the entry that
// holds the forward edge, and the edge's kind.
type ReverseEdge struct {
	Source BankRef
	Kind   EdgeKind
}

// Archiver receives entries removed by eviction so they can be preserved
// outside the bank. Implementations must not retain the entry pointer past
// the call.
type Archiver interface {
	Archive(bank BankID, entry *BankEntry) error
}

// DataBank is a single region's representational memory: fixed-width signal
// vector entries, a vector index for recall, and a reverse-edge index
// answering "who points at me".
//
// The bank tracks its own persistence cadence (mutations and ticks since
// the last snapshot); callers poll ShouldPersist each tick and flush dirty
// banks through the cluster.
type DataBank struct {
	id     BankID
	name   string
	config BankConfig

	entries map[EntryID]*BankEntry
	nextSeq uint32
	lastID  EntryID

	index        VectorIndex
	reverseEdges map[EntryID][]ReverseEdge

	mutationsSincePersist uint32
	lastPersistTick       uint64
	dirty                 bool

	journal  *JournalWriter
	archiver Archiver
}

// NewBank creates an empty bank with the given identity and configuration.
func NewBank(id BankID, name string, config BankConfig) *DataBank {
	return &DataBank{
		id:           id,
		name:         name,
		config:       config,
		entries:      make(map[EntryID]*BankEntry),
		index:        newIndex(config),
		reverseEdges: make(map[EntryID][]ReverseEdge),
	}
}

// RestoreBank reconstructs a bank from decoded snapshot state. The vector
// index is rebuilt from scratch; IVF banks re-cluster with k-means because
// snapshots do not carry an index blob.
func RestoreBank(id BankID, name string, config BankConfig, entries map[EntryID]*BankEntry,
	reverseEdges map[EntryID][]ReverseEdge, nextSeq uint32, mutations uint32, lastPersistTick uint64) *DataBank {
	if entries == nil {
		entries = make(map[EntryID]*BankEntry)
	}
	if reverseEdges == nil {
		reverseEdges = make(map[EntryID][]ReverseEdge)
	}
	b := &DataBank{
		id:                    id,
		name:                  name,
		config:                config,
		entries:               entries,
		nextSeq:               nextSeq,
		index:                 newIndex(config),
		reverseEdges:          reverseEdges,
		mutationsSincePersist: mutations,
		lastPersistTick:       lastPersistTick,
	}
	for eid := range entries {
		if eid > b.lastID {
			b.lastID = eid
		}
	}
	b.rebuildIndex()
	return b
}

// ID returns the bank identity.
func (b *DataBank) ID() BankID { return b.id }

// Name returns the human-readable region name.
func (b *DataBank) Name() string { return b.name }

// Config returns the bank configuration.
func (b *DataBank) Config() BankConfig { return b.config }

// Len returns the number of entries.
func (b *DataBank) Len() int { return len(b.entries) }

// IsDirty reports whether the bank has mutations since its last snapshot.
func (b *DataBank) IsDirty() bool { return b.dirty }

// SetArchiver installs a destination for evicted entries. Archiving is
// best-effort; failures are logged and never block eviction.
func (b *DataBank) SetArchiver(a Archiver) { b.archiver = a }

// Insert stores a new entry and returns its id. The vector must match the
// bank's VectorWidth. At capacity, the lowest-scoring entry is evicted to
// make exactly one slot; if nothing is evictable the insert fails with
// ErrFull.
func (b *DataBank) Insert(vector []ternary.Signal, temp Temperature, tick uint64) (EntryID, error) {
	if len(vector) != int(b.config.VectorWidth) {
		return 0, fmt.Errorf("databank: insert into %q expects width %d, got %d: %w",
			b.name, b.config.VectorWidth, len(vector), ErrWidthMismatch)
	}

	if uint32(len(b.entries)) >= b.config.MaxEntries {
		b.evictLowest(tick)
	}
	if uint32(len(b.entries)) >= b.config.MaxEntries {
		return 0, fmt.Errorf("databank: bank %q at capacity %d: %w", b.name, b.config.MaxEntries, ErrFull)
	}

	id := b.allocateID()
	entry := NewEntry(id, vector, b.id, temp, tick)
	b.index.Insert(id, vector)
	b.entries[id] = entry
	b.markMutated()

	if err := b.appendJournal(insertRecord(b.id, entry)); err != nil {
		return id, err
	}
	return id, nil
}

// allocateID issues the next EntryID. Ids strictly increase even when the
// clock stalls or steps backwards within a run.
func (b *DataBank) allocateID() EntryID {
	id := NewEntryID(b.nextSeq)
	b.nextSeq = (b.nextSeq + 1) & entrySeqMask
	if id <= b.lastID {
		id = b.lastID + 1
	}
	b.lastID = id
	return id
}

// Get returns the entry for id, if present. The returned pointer is live;
// direct mutation bypasses journaling and is reserved for callers that
// manage their own recovery.
func (b *DataBank) Get(id EntryID) (*BankEntry, bool) {
	e, ok := b.entries[id]
	return e, ok
}

// Remove deletes an entry, its index registration, and its reverse-index
// entries within this bank. Cross-bank reverse cleanup is the cluster's
// job (see Cluster.Delete). Returns the removed entry.
func (b *DataBank) Remove(id EntryID) (*BankEntry, bool) {
	entry, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	b.removeLocal(id, entry)
	b.markMutated()
	if err := b.appendJournal(removeRecord(b.id, id)); err != nil {
		log.Printf("databank: journal remove for %v: %v", id, err)
	}
	return entry, true
}

// removeLocal drops the entry and its local reverse bookkeeping without
// journaling. Shared by Remove, eviction, and replay.
func (b *DataBank) removeLocal(id EntryID, entry *BankEntry) {
	delete(b.entries, id)
	b.index.Remove(id)
	delete(b.reverseEdges, id)
	src := BankRef{Bank: b.id, Entry: id}
	for _, edge := range entry.Edges {
		if edge.Target.Bank == b.id {
			b.dropReverseEdge(edge.Target.Entry, src, edge.Kind)
		}
	}
}

// Touch records an access on an entry.
func (b *DataBank) Touch(id EntryID, tick uint64) error {
	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("databank: touch %v: %w", id, ErrUnknownEntry)
	}
	entry.Touch(tick)
	b.markMutated()
	return b.appendJournal(touchRecord(b.id, id, tick))
}

// AddEdge attaches a directed edge to an entry. When the entry is at its
// edge limit the lowest-weight edge is pruned first (ties: oldest). The
// reverse index is updated for targets within this bank; cross-bank
// registration goes through Cluster.Link.
func (b *DataBank) AddEdge(from EntryID, edge Edge) error {
	entry, ok := b.entries[from]
	if !ok {
		return fmt.Errorf("databank: add edge from %v: %w", from, ErrUnknownEntry)
	}

	if len(entry.Edges) >= int(b.config.MaxEdgesPerEntry) {
		// Pruned local targets lose their back-pointer now; stale cross-bank
		// back-pointers are reconciled by Compact.
		if pruned, ok := lowestWeightEdge(entry.Edges); ok && pruned.Target.Bank == b.id {
			b.dropReverseEdge(pruned.Target.Entry, BankRef{Bank: b.id, Entry: from}, pruned.Kind)
		}
	}
	entry.AddEdge(edge, b.config.MaxEdgesPerEntry)

	if edge.Target.Bank == b.id {
		b.AddReverseEdge(edge.Target.Entry, BankRef{Bank: b.id, Entry: from}, edge.Kind)
	}
	b.markMutated()
	return b.appendJournal(addEdgeRecord(b.id, from, edge))
}

// AddReverseEdge records a back-pointer: target is pointed at by src with
// the given kind. Duplicates are allowed to mirror duplicate forward edges.
func (b *DataBank) AddReverseEdge(target EntryID, src BankRef, kind EdgeKind) {
	b.reverseEdges[target] = append(b.reverseEdges[target], ReverseEdge{Source: src, Kind: kind})
}

func (b *DataBank) dropReverseEdge(target EntryID, src BankRef, kind EdgeKind) {
	list := b.reverseEdges[target]
	for i, re := range list {
		if re.Source == src && re.Kind == kind {
			b.reverseEdges[target] = append(list[:i], list[i+1:]...)
			if len(b.reverseEdges[target]) == 0 {
				delete(b.reverseEdges, target)
			}
			return
		}
	}
}

// EdgesFrom returns the outgoing edges of an entry (nil if absent).
func (b *DataBank) EdgesFrom(id EntryID) []Edge {
	if e, ok := b.entries[id]; ok {
		return e.Edges
	}
	return nil
}

// ReverseEdges returns the back-pointers recorded for an entry in this bank.
func (b *DataBank) ReverseEdges(id EntryID) []ReverseEdge {
	return b.reverseEdges[id]
}

// QuerySparse returns the topK entries most similar to the query under the
// sparse cosine kernel. Read-only: access counts are not touched.
func (b *DataBank) QuerySparse(query []ternary.Signal, topK int) []QueryResult {
	return b.index.Query(query, b.entries, topK)
}

// SetTemperature pins an entry's lifecycle stage directly.
func (b *DataBank) SetTemperature(id EntryID, temp Temperature) error {
	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("databank: set temperature %v: %w", id, ErrUnknownEntry)
	}
	entry.Temperature = temp
	b.markMutated()
	return b.appendJournal(setTemperatureRecord(b.id, id, temp))
}

// PromoteEntry steps an entry one stage toward Cold. Reports whether it
// changed.
func (b *DataBank) PromoteEntry(id EntryID) (bool, error) {
	entry, ok := b.entries[id]
	if !ok {
		return false, fmt.Errorf("databank: promote %v: %w", id, ErrUnknownEntry)
	}
	if !entry.Promote() {
		return false, nil
	}
	b.markMutated()
	return true, b.appendJournal(promoteRecord(b.id, id, entry.Temperature))
}

// DemoteEntry steps an entry one stage toward Hot. Reports whether it
// changed.
func (b *DataBank) DemoteEntry(id EntryID) (bool, error) {
	entry, ok := b.entries[id]
	if !ok {
		return false, fmt.Errorf("databank: demote %v: %w", id, ErrUnknownEntry)
	}
	if !entry.Demote() {
		return false, nil
	}
	b.markMutated()
	return true, b.appendJournal(demoteRecord(b.id, id, entry.Temperature))
}

// ConsolidationPass promotes every entry that has been accessed at least
// minAccesses times and is at least minAgeTicks old. Returns the count.
func (b *DataBank) ConsolidationPass(currentTick uint64, minAccesses uint32, minAgeTicks uint64) int {
	count := 0
	for id, entry := range b.entries {
		if entry.PromotionEligible(currentTick, minAccesses, minAgeTicks) && entry.Promote() {
			count++
			if err := b.appendJournal(promoteRecord(b.id, id, entry.Temperature)); err != nil {
				log.Printf("databank: journal promote for %v: %v", id, err)
			}
		}
	}
	if count > 0 {
		b.markMutated()
	}
	return count
}

// DemotionPass demotes every entry whose confidence is below the threshold.
// Returns the count.
func (b *DataBank) DemotionPass(confidenceThreshold uint8) int {
	count := 0
	for id, entry := range b.entries {
		if entry.DemotionEligible(confidenceThreshold) && entry.Demote() {
			count++
			if err := b.appendJournal(demoteRecord(b.id, id, entry.Temperature)); err != nil {
				log.Printf("databank: journal demote for %v: %v", id, err)
			}
		}
	}
	if count > 0 {
		b.markMutated()
	}
	return count
}

// EvictN removes the n lowest-scoring entries (or all, if fewer exist) in
// ascending eviction-score order and appends one BatchEvict journal record
// listing them. Evicted entries are offered to the archiver.
func (b *DataBank) EvictN(n int, currentTick uint64) int {
	victims := b.evictionOrder(currentTick)
	if n < len(victims) {
		victims = victims[:n]
	}
	for _, id := range victims {
		entry := b.entries[id]
		b.archive(entry)
		b.removeLocal(id, entry)
	}
	if len(victims) > 0 {
		b.markMutated()
		if err := b.appendJournal(batchEvictRecord(b.id, victims)); err != nil {
			log.Printf("databank: journal batch evict: %v", err)
		}
	}
	return len(victims)
}

// evictLowest frees exactly one slot for insertion at capacity.
func (b *DataBank) evictLowest(currentTick uint64) {
	victims := b.evictionOrder(currentTick)
	if len(victims) == 0 {
		return
	}
	id := victims[0]
	entry := b.entries[id]
	b.archive(entry)
	b.removeLocal(id, entry)
	if err := b.appendJournal(batchEvictRecord(b.id, victims[:1])); err != nil {
		log.Printf("databank: journal evict: %v", err)
	}
	log.Printf("databank: evicted %v from %q", id, b.name)
}

// evictionOrder returns all entry ids sorted most-evictable first: ascending
// score, ties broken by lower (older) EntryID.
func (b *DataBank) evictionOrder(currentTick uint64) []EntryID {
	type scored struct {
		id    EntryID
		score int64
	}
	all := make([]scored, 0, len(b.entries))
	for id, entry := range b.entries {
		all = append(all, scored{id: id, score: entry.EvictionScore(currentTick)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].id < all[j].id
	})
	ids := make([]EntryID, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids
}

func (b *DataBank) archive(entry *BankEntry) {
	if b.archiver == nil {
		return
	}
	if err := b.archiver.Archive(b.id, entry); err != nil {
		log.Printf("databank: archive %v from %q: %v", entry.ID, b.name, err)
	}
}

// Compact rebuilds the vector index from scratch and garbage-collects
// reverse-edge entries whose target no longer exists. Local back-pointers
// are rebuilt from primary edges; cross-bank reconciliation happens in
// Cluster.Compact.
func (b *DataBank) Compact() {
	b.rebuildIndex()

	rebuilt := make(map[EntryID][]ReverseEdge)
	for target, list := range b.reverseEdges {
		if _, ok := b.entries[target]; !ok {
			continue
		}
		kept := list[:0]
		for _, re := range list {
			if re.Source.Bank == b.id {
				if _, ok := b.entries[re.Source.Entry]; !ok {
					continue
				}
			}
			kept = append(kept, re)
		}
		if len(kept) > 0 {
			rebuilt[target] = kept
		}
	}
	b.reverseEdges = rebuilt
}

func (b *DataBank) rebuildIndex() {
	if ivf, ok := b.index.(*IVFIndex); ok {
		ivf.RebuildKMeans(b.entries, kmeansIterations)
		return
	}
	b.index.Rebuild(b.entries)
}

// ShouldPersist reports whether the bank is dirty and past its mutation or
// tick cadence.
func (b *DataBank) ShouldPersist(currentTick uint64) bool {
	if !b.dirty {
		return false
	}
	ticksSince := uint64(0)
	if currentTick > b.lastPersistTick {
		ticksSince = currentTick - b.lastPersistTick
	}
	return b.config.ShouldPersist(b.mutationsSincePersist, ticksSince)
}

// MarkPersisted resets the persistence counters after a successful snapshot.
func (b *DataBank) MarkPersisted(tick uint64) {
	b.mutationsSincePersist = 0
	b.lastPersistTick = tick
	b.dirty = false
}

// Entries returns the live entry map. Callers must not add or delete keys.
func (b *DataBank) Entries() map[EntryID]*BankEntry { return b.entries }

// NextSeq returns the sequence counter, persisted by the codec.
func (b *DataBank) NextSeq() uint32 { return b.nextSeq }

func (b *DataBank) setJournal(w *JournalWriter) { b.journal = w }

func (b *DataBank) markMutated() {
	if b.mutationsSincePersist != ^uint32(0) {
		b.mutationsSincePersist++
	}
	b.dirty = true
}

func (b *DataBank) appendJournal(rec JournalRecord) error {
	if b.journal == nil {
		return nil
	}
	if err := b.journal.Append(rec); err != nil {
		return fmt.Errorf("databank: journal append for bank %q: %w", b.name, err)
	}
	return nil
}

// replayInsert applies an Insert journal record. Records carry the id that
// was originally allocated, so replay is idempotent: an id that already
// exists is a no-op, and the sequence counter advances past replayed ids.
func (b *DataBank) replayInsert(id EntryID, vector []ternary.Signal, temp Temperature, tick uint64) {
	if _, exists := b.entries[id]; exists {
		return
	}
	if len(vector) != int(b.config.VectorWidth) {
		log.Printf("databank: replay insert %v into %q: width %d != %d, skipped", id, b.name, len(vector), b.config.VectorWidth)
		return
	}
	entry := NewEntry(id, vector, b.id, temp, tick)
	b.entries[id] = entry
	b.index.Insert(id, vector)
	if id > b.lastID {
		b.lastID = id
	}
	if seq := id.Seq() + 1; seq > b.nextSeq {
		b.nextSeq = seq & entrySeqMask
	}
	b.markMutated()
}

func lowestWeightEdge(edges []Edge) (Edge, bool) {
	if len(edges) == 0 {
		return Edge{}, false
	}
	lowest := edges[0]
	for _, e := range edges[1:] {
		if e.Weight < lowest.Weight || (e.Weight == lowest.Weight && e.CreatedTick < lowest.CreatedTick) {
			lowest = e
		}
	}
	return lowest, true
}
