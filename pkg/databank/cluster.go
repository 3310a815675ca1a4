package databank

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orneryd/databank/pkg/ternary"
)

// GlobalResult is one hit from a cluster-wide query: the owning bank (id
// and region name), the entry, the raw kernel score, and the per-bank
// z-score (x256). Global ranking uses Normalized so banks of different
// vector widths and score distributions rank together; Score keeps the
// kernel value for callers that need the absolute similarity.
type GlobalResult struct {
	Bank       BankID
	BankName   string
	Entry      EntryID
	Score      int32
	Normalized int32
}

// BankCluster owns a set of banks, resolves cross-bank references, and
// coordinates persistence: one journal and one .bank snapshot per bank,
// all under a single data directory.
//
// A cluster created with NewCluster is memory-only. Open attaches a data
// directory, loads every snapshot, replays the journal, and journals all
// further mutations.
type BankCluster struct {
	banks     map[BankID]*DataBank
	nameIndex map[string]BankID
	dir       string
	journal   *JournalWriter
}

// NewCluster creates an empty, memory-only cluster.
func NewCluster() *BankCluster {
	return &BankCluster{
		banks:     make(map[BankID]*DataBank),
		nameIndex: make(map[string]BankID),
	}
}

// Open loads a cluster from dir: every readable .bank snapshot, then the
// journal's clean prefix replayed on top. Corrupt snapshot files are
// skipped with a warning so one bad bank cannot take down the rest.
// Recovered mutations are flushed back to snapshots before the journal is
// truncated and reopened for appending.
func Open(dir string) (*BankCluster, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("databank: create data dir %s: %w", dir, err)
	}
	c := NewCluster()
	c.dir = dir

	matches, err := filepath.Glob(filepath.Join(dir, "*"+BankFileExt))
	if err != nil {
		return nil, fmt.Errorf("databank: scan %s: %w", dir, err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		bank, err := LoadBank(path)
		if err != nil {
			log.Printf("databank: skipping %s: %v", path, err)
			continue
		}
		c.register(bank)
	}

	records, err := ReadJournal(dir)
	if err != nil {
		return nil, err
	}
	replayed := 0
	for _, rec := range records {
		if c.applyRecord(rec) {
			replayed++
		}
	}
	if len(records) > 0 {
		log.Printf("databank: replayed %d of %d journal records from %s", replayed, len(records), dir)
	}
	c.rebuildReverse()

	w, err := OpenJournal(dir)
	if err != nil {
		return nil, err
	}
	c.journal = w
	for _, bank := range c.banks {
		bank.setJournal(w)
	}

	// Snapshot anything the replay dirtied, which also truncates the journal.
	if err := c.FlushDirty(0); err != nil {
		return nil, err
	}
	return c, nil
}

// Close flushes and closes the journal. Banks are not snapshotted; call
// FlushDirty first for a clean shutdown.
func (c *BankCluster) Close() error {
	if c.journal == nil {
		return nil
	}
	err := c.journal.Close()
	c.journal = nil
	for _, bank := range c.banks {
		bank.setJournal(nil)
	}
	return err
}

func (c *BankCluster) register(bank *DataBank) {
	c.banks[bank.ID()] = bank
	c.nameIndex[bank.Name()] = bank.ID()
	bank.setJournal(c.journal)
}

// Add inserts an existing bank into the cluster.
func (c *BankCluster) Add(bank *DataBank) { c.register(bank) }

// GetOrCreate returns the bank with the given id if one is registered.
// Otherwise the region name is consulted: reload flows mint fresh ids for
// regions that already exist, and the name is the stable key across those,
// so a bank already registered under name is returned as is. Only when
// both lookups miss is a new bank created with the given id and config.
func (c *BankCluster) GetOrCreate(id BankID, name string, config BankConfig) *DataBank {
	if existing, ok := c.banks[id]; ok {
		return existing
	}
	if existing, ok := c.nameIndex[name]; ok {
		return c.banks[existing]
	}
	bank := NewBank(id, name, config)
	c.register(bank)
	return bank
}

// Get returns the bank with the given id.
func (c *BankCluster) Get(id BankID) (*DataBank, bool) {
	b, ok := c.banks[id]
	return b, ok
}

// GetByName returns the bank registered under the given region name.
func (c *BankCluster) GetByName(name string) (*DataBank, bool) {
	id, ok := c.nameIndex[name]
	if !ok {
		return nil, false
	}
	return c.banks[id], true
}

// RemoveBank detaches a bank from the cluster. Its snapshot file, if any,
// is left in place.
func (c *BankCluster) RemoveBank(id BankID) (*DataBank, bool) {
	bank, ok := c.banks[id]
	if !ok {
		return nil, false
	}
	delete(c.banks, id)
	delete(c.nameIndex, bank.Name())
	bank.setJournal(nil)
	return bank, true
}

// Len returns the number of banks.
func (c *BankCluster) Len() int { return len(c.banks) }

// BankIDs returns all bank ids in ascending order.
func (c *BankCluster) BankIDs() []BankID {
	ids := make([]BankID, 0, len(c.banks))
	for id := range c.banks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BankNames returns all region names in sorted order.
func (c *BankCluster) BankNames() []string {
	names := make([]string, 0, len(c.nameIndex))
	for name := range c.nameIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the entry a cross-bank reference points at.
func (c *BankCluster) Resolve(ref BankRef) (*BankEntry, error) {
	bank, ok := c.banks[ref.Bank]
	if !ok {
		return nil, fmt.Errorf("databank: resolve %v: %w", ref.Bank, ErrUnknownBank)
	}
	entry, ok := bank.Get(ref.Entry)
	if !ok {
		return nil, fmt.Errorf("databank: resolve %v in %q: %w", ref.Entry, bank.Name(), ErrUnknownEntry)
	}
	return entry, nil
}

// Link creates a typed edge from one entry to another, across banks or
// within one. Both endpoints must resolve. The destination bank's reverse
// index picks up the back-pointer immediately.
func (c *BankCluster) Link(from BankRef, kind EdgeKind, to BankRef, weight uint8, tick uint64) error {
	if !kind.Valid() {
		return fmt.Errorf("databank: link kind %v is not storable", kind)
	}
	fromBank, ok := c.banks[from.Bank]
	if !ok {
		return fmt.Errorf("databank: link source %v: %w", from.Bank, ErrUnknownBank)
	}
	if _, ok := fromBank.Get(from.Entry); !ok {
		return fmt.Errorf("databank: link source %v: %w", from.Entry, ErrUnknownEntry)
	}
	toBank, ok := c.banks[to.Bank]
	if !ok {
		return fmt.Errorf("databank: link target %v: %w", to.Bank, ErrUnknownBank)
	}
	if _, ok := toBank.Get(to.Entry); !ok {
		return fmt.Errorf("databank: link target %v: %w", to.Entry, ErrUnknownEntry)
	}

	edge := Edge{Kind: kind, Target: to, Weight: weight, CreatedTick: tick}
	if err := fromBank.AddEdge(from.Entry, edge); err != nil {
		return err
	}
	// Same-bank back-pointers are registered inside AddEdge.
	if to.Bank != from.Bank {
		toBank.AddReverseEdge(to.Entry, from, kind)
	}
	return nil
}

// Delete removes an entry and, for each of its outgoing cross-bank edges,
// the matching back-pointer in the target bank. Forward edges held by
// other entries toward the deleted one are left dangling; Compact prunes
// them.
func (c *BankCluster) Delete(ref BankRef) error {
	bank, ok := c.banks[ref.Bank]
	if !ok {
		return fmt.Errorf("databank: delete in %v: %w", ref.Bank, ErrUnknownBank)
	}
	entry, ok := bank.Remove(ref.Entry)
	if !ok {
		return fmt.Errorf("databank: delete %v: %w", ref.Entry, ErrUnknownEntry)
	}
	for _, edge := range entry.Edges {
		if edge.Target.Bank == ref.Bank {
			continue
		}
		if toBank, ok := c.banks[edge.Target.Bank]; ok {
			toBank.dropReverseEdge(edge.Target.Entry, ref, edge.Kind)
		}
	}
	return nil
}

// Touch records an access through a cross-bank reference.
func (c *BankCluster) Touch(ref BankRef, tick uint64) error {
	bank, ok := c.banks[ref.Bank]
	if !ok {
		return fmt.Errorf("databank: touch in %v: %w", ref.Bank, ErrUnknownBank)
	}
	return bank.Touch(ref.Entry, tick)
}

// Traverse walks edges breadth-first from start, following only edges of
// the given kind (KindAny follows every kind), up to maxDepth hops. The
// start entry is excluded from the result; each reachable entry appears
// once, in discovery order. Edges into unloaded banks or deleted entries
// are skipped.
func (c *BankCluster) Traverse(start BankRef, kind EdgeKind, maxDepth int) []BankRef {
	if maxDepth <= 0 {
		return nil
	}
	if _, err := c.Resolve(start); err != nil {
		return nil
	}

	visited := map[BankRef]bool{start: true}
	frontier := []BankRef{start}
	var found []BankRef

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []BankRef
		for _, ref := range frontier {
			bank := c.banks[ref.Bank]
			for _, edge := range bank.EdgesFrom(ref.Entry) {
				if kind != KindAny && edge.Kind != kind {
					continue
				}
				if visited[edge.Target] {
					continue
				}
				visited[edge.Target] = true
				if _, err := c.Resolve(edge.Target); err != nil {
					continue
				}
				found = append(found, edge.Target)
				next = append(next, edge.Target)
			}
		}
		frontier = next
	}
	return found
}

// QueryAll runs one query vector per bank: queries maps each bank id to
// the cue for that bank, so banks of different vector widths participate
// in a single recall. Banks without a cue, and cues whose length does not
// match the bank's vector width, are skipped. Per-bank results carry both
// the raw kernel score and a z-score normalization: each bank's scores are
// recentered on that bank's mean and rescaled by its standard deviation
// (x256, integer), so a crowded bank cannot drown out a sparse one. A bank
// with uniform scores contributes normalized zeros. The merged results are
// ordered by Normalized descending and bounded by topK.
func (c *BankCluster) QueryAll(queries map[BankID][]ternary.Signal, topK int) []GlobalResult {
	if topK <= 0 {
		return nil
	}
	var merged []GlobalResult
	for _, id := range c.BankIDs() {
		query, ok := queries[id]
		if !ok {
			continue
		}
		bank := c.banks[id]
		if int(bank.Config().VectorWidth) != len(query) {
			continue
		}
		raw := bank.QuerySparse(query, topK)
		if len(raw) == 0 {
			continue
		}
		mean, sigma := scoreStats(raw)
		for _, r := range raw {
			normalized := int32(0)
			if sigma > 0 {
				normalized = int32((int64(r.Score) - mean) * 256 / sigma)
			}
			merged = append(merged, GlobalResult{
				Bank:       id,
				BankName:   bank.Name(),
				Entry:      r.EntryID,
				Score:      r.Score,
				Normalized: normalized,
			})
		}
	}
	sortGlobal(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// QueryByPrefix runs the same query against every bank whose region name
// starts with prefix and whose vector width matches the cue, then merges
// through QueryAll so results carry the same per-bank normalization.
func (c *BankCluster) QueryByPrefix(prefix string, query []ternary.Signal, topK int) []GlobalResult {
	queries := make(map[BankID][]ternary.Signal)
	for id, bank := range c.banks {
		if !strings.HasPrefix(bank.Name(), prefix) {
			continue
		}
		if int(bank.Config().VectorWidth) != len(query) {
			continue
		}
		queries[id] = query
	}
	return c.QueryAll(queries, topK)
}

// scoreStats returns the integer mean and standard deviation of a result
// set's scores.
func scoreStats(results []QueryResult) (mean, sigma int64) {
	n := int64(len(results))
	if n == 0 {
		return 0, 0
	}
	var sum int64
	for _, r := range results {
		sum += int64(r.Score)
	}
	mean = sum / n
	var variance int64
	for _, r := range results {
		d := int64(r.Score) - mean
		variance += d * d
	}
	variance /= n
	return mean, ternary.Isqrt(variance)
}

// sortGlobal orders descending by normalized score; ties prefer the
// younger entry, then the lower bank id for determinism.
func sortGlobal(rs []GlobalResult) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Normalized != rs[j].Normalized {
			return rs[i].Normalized > rs[j].Normalized
		}
		if rs[i].Entry != rs[j].Entry {
			return rs[i].Entry > rs[j].Entry
		}
		return rs[i].Bank < rs[j].Bank
	})
}

// FlushDirty snapshots every dirty bank. Only after every snapshot lands
// is the journal truncated; a failed save leaves the journal intact so the
// unflushed mutations survive a crash.
func (c *BankCluster) FlushDirty(tick uint64) error {
	if c.dir == "" {
		return nil
	}
	flushed := 0
	for _, id := range c.BankIDs() {
		bank := c.banks[id]
		if !bank.IsDirty() {
			continue
		}
		if err := SaveBankAtomic(bank, c.dir); err != nil {
			return fmt.Errorf("databank: flush bank %q: %w", bank.Name(), err)
		}
		bank.MarkPersisted(tick)
		flushed++
	}
	if flushed > 0 && c.journal != nil {
		if err := c.journal.Truncate(); err != nil {
			return err
		}
	}
	return nil
}

// MaintenanceTick runs the periodic persistence check: banks past their
// mutation or tick cadence are snapshotted. Returns the number flushed.
func (c *BankCluster) MaintenanceTick(tick uint64) (int, error) {
	if c.dir == "" {
		return 0, nil
	}
	due := false
	for _, bank := range c.banks {
		if bank.ShouldPersist(tick) {
			due = true
			break
		}
	}
	if !due {
		return 0, nil
	}
	before := 0
	for _, bank := range c.banks {
		if bank.IsDirty() {
			before++
		}
	}
	if err := c.FlushDirty(tick); err != nil {
		return 0, err
	}
	return before, nil
}

// Compact rebuilds every bank's vector index, prunes forward edges whose
// target entry no longer exists in a loaded bank, and rebuilds all reverse
// indexes from the surviving primary edges. Edges into banks that are not
// loaded are kept and reconciled when the bank appears.
func (c *BankCluster) Compact() {
	for _, bank := range c.banks {
		for _, entry := range bank.Entries() {
			var dangling []BankRef
			for _, edge := range entry.Edges {
				target, ok := c.banks[edge.Target.Bank]
				if !ok {
					continue
				}
				if _, ok := target.Get(edge.Target.Entry); !ok {
					dangling = append(dangling, edge.Target)
				}
			}
			for _, ref := range dangling {
				entry.RemoveEdgesTo(ref)
			}
		}
	}
	for _, bank := range c.banks {
		bank.Compact()
	}
	c.rebuildReverse()
}

// rebuildReverse recomputes every bank's reverse index from the primary
// edges across all loaded banks.
func (c *BankCluster) rebuildReverse() {
	for _, bank := range c.banks {
		bank.reverseEdges = make(map[EntryID][]ReverseEdge)
	}
	for _, bank := range c.banks {
		for eid, entry := range bank.Entries() {
			src := BankRef{Bank: bank.ID(), Entry: eid}
			for _, edge := range entry.Edges {
				target, ok := c.banks[edge.Target.Bank]
				if !ok {
					continue
				}
				if _, ok := target.Get(edge.Target.Entry); !ok {
					continue
				}
				target.AddReverseEdge(edge.Target.Entry, src, edge.Kind)
			}
		}
	}
}

// applyRecord replays one journal record. Returns false when the record
// referenced a bank that is not loaded; such records are skipped with a
// warning rather than aborting recovery.
func (c *BankCluster) applyRecord(rec JournalRecord) bool {
	bank, ok := c.banks[rec.Bank]
	if !ok {
		log.Printf("databank: %v for %v: %v", rec.Kind, rec.Bank, ErrJournalReplay)
		return false
	}
	switch rec.Kind {
	case JournalInsert:
		bank.replayInsert(rec.Entry, rec.Vector, rec.Temp, rec.Tick)
	case JournalRemove:
		bank.Remove(rec.Entry)
	case JournalTouch:
		if entry, ok := bank.Get(rec.Entry); ok {
			entry.Touch(rec.Tick)
			bank.markMutated()
		}
	case JournalAddEdge:
		if err := bank.AddEdge(rec.Entry, rec.Edge); err != nil {
			log.Printf("databank: replay add edge: %v", err)
		}
	case JournalSetTemperature, JournalPromote, JournalDemote:
		// All three record the resulting temperature, so replay is a plain
		// set and re-replaying is harmless.
		if entry, ok := bank.Get(rec.Entry); ok && entry.Temperature != rec.Temp {
			entry.Temperature = rec.Temp
			bank.markMutated()
		}
	case JournalBatchEvict:
		for _, id := range rec.Evicted {
			if entry, ok := bank.Get(id); ok {
				bank.removeLocal(id, entry)
				bank.markMutated()
			}
		}
	}
	return true
}

func (k JournalKind) String() string {
	switch k {
	case JournalInsert:
		return "Insert"
	case JournalRemove:
		return "Remove"
	case JournalTouch:
		return "Touch"
	case JournalAddEdge:
		return "AddEdge"
	case JournalSetTemperature:
		return "SetTemperature"
	case JournalPromote:
		return "Promote"
	case JournalDemote:
		return "Demote"
	case JournalBatchEvict:
		return "BatchEvict"
	default:
		return fmt.Sprintf("JournalKind(%d)", uint8(k))
	}
}
