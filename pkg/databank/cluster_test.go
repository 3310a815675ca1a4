package databank

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/databank/pkg/ternary"
)

func testCluster(t *testing.T) (*BankCluster, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func addBank(t *testing.T, c *BankCluster, name string, width uint16) *DataBank {
	t.Helper()
	cfg := DefaultBankConfig(width)
	return c.GetOrCreate(NewBankID(name, 0), name, cfg)
}

func TestGetOrCreateReusesByName(t *testing.T) {
	c := NewCluster()
	a := c.GetOrCreate(NewBankID("semantic", 0), "semantic", DefaultBankConfig(8))
	b := c.GetOrCreate(NewBankID("semantic", 1), "semantic", DefaultBankConfig(16))

	assert.Same(t, a, b)
	assert.Equal(t, 1, c.Len())

	byName, ok := c.GetByName("semantic")
	require.True(t, ok)
	assert.Same(t, a, byName)
}

func TestGetOrCreateFindsExistingID(t *testing.T) {
	c := NewCluster()
	id := NewBankID("semantic", 0)
	a := c.GetOrCreate(id, "semantic", DefaultBankConfig(8))

	// The id is the primary key: a different requested name does not fork
	// a second bank.
	b := c.GetOrCreate(id, "renamed", DefaultBankConfig(8))
	assert.Same(t, a, b)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "semantic", b.Name())
}

func TestResolve(t *testing.T) {
	c := NewCluster()
	bank := addBank(t, c, "semantic", 4)
	id, err := bank.Insert(testVector(4, 1, 100), Hot, 0)
	require.NoError(t, err)

	entry, err := c.Resolve(BankRef{Bank: bank.ID(), Entry: id})
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)

	_, err = c.Resolve(BankRef{Bank: BankID(999), Entry: id})
	assert.ErrorIs(t, err, ErrUnknownBank)

	_, err = c.Resolve(BankRef{Bank: bank.ID(), Entry: EntryID(999)})
	assert.ErrorIs(t, err, ErrUnknownEntry)
}

func TestLinkValidatesBothEndpoints(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	b := addBank(t, c, "b", 4)
	aid, _ := a.Insert(testVector(4, 1, 100), Hot, 0)
	bid, _ := b.Insert(testVector(4, 1, 100), Hot, 0)

	from := BankRef{Bank: a.ID(), Entry: aid}
	to := BankRef{Bank: b.ID(), Entry: bid}

	err := c.Link(from, KindIsA, BankRef{Bank: b.ID(), Entry: EntryID(404)}, 100, 1)
	assert.ErrorIs(t, err, ErrUnknownEntry)
	assert.Empty(t, a.EdgesFrom(aid), "failed link must not leave a partial edge")

	err = c.Link(from, KindIsA, BankRef{Bank: BankID(77), Entry: bid}, 100, 1)
	assert.ErrorIs(t, err, ErrUnknownBank)

	require.NoError(t, c.Link(from, KindIsA, to, 200, 1))
	require.Len(t, a.EdgesFrom(aid), 1)
}

func TestLinkUpdatesDestinationReverseIndex(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	b := addBank(t, c, "b", 4)
	aid, _ := a.Insert(testVector(4, 1, 100), Hot, 0)
	bid, _ := b.Insert(testVector(4, 1, 100), Hot, 0)

	require.NoError(t, c.Link(BankRef{Bank: a.ID(), Entry: aid}, KindCauses, BankRef{Bank: b.ID(), Entry: bid}, 150, 2))

	rev := b.ReverseEdges(bid)
	require.Len(t, rev, 1)
	assert.Equal(t, BankRef{Bank: a.ID(), Entry: aid}, rev[0].Source)
	assert.Equal(t, KindCauses, rev[0].Kind)
}

func TestLinkRejectsWildcardKind(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	aid, _ := a.Insert(testVector(4, 1, 100), Hot, 0)
	ref := BankRef{Bank: a.ID(), Entry: aid}

	assert.Error(t, c.Link(ref, KindAny, ref, 10, 0))
}

func TestDeleteCleansCrossBankReverse(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	b := addBank(t, c, "b", 4)
	aid, _ := a.Insert(testVector(4, 1, 100), Hot, 0)
	bid, _ := b.Insert(testVector(4, 1, 100), Hot, 0)
	require.NoError(t, c.Link(BankRef{Bank: a.ID(), Entry: aid}, KindIsA, BankRef{Bank: b.ID(), Entry: bid}, 100, 0))

	require.NoError(t, c.Delete(BankRef{Bank: a.ID(), Entry: aid}))
	assert.Empty(t, b.ReverseEdges(bid))
	assert.Equal(t, 0, a.Len())
}

func TestTraverseKindFilterAndDepth(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	b := addBank(t, c, "b", 4)

	a1, _ := a.Insert(testVector(4, 1, 10), Hot, 0)
	a2, _ := a.Insert(testVector(4, 1, 20), Hot, 0)
	b1, _ := b.Insert(testVector(4, 1, 30), Hot, 0)

	refA1 := BankRef{Bank: a.ID(), Entry: a1}
	refA2 := BankRef{Bank: a.ID(), Entry: a2}
	refB1 := BankRef{Bank: b.ID(), Entry: b1}

	require.NoError(t, c.Link(refA1, KindIsA, refA2, 100, 0))
	require.NoError(t, c.Link(refA2, KindIsA, refB1, 100, 0))
	require.NoError(t, c.Link(refA1, KindHasA, refB1, 100, 0))

	// Depth 1, IsA only.
	got := c.Traverse(refA1, KindIsA, 1)
	assert.Equal(t, []BankRef{refA2}, got)

	// Depth 2 crosses the bank boundary.
	got = c.Traverse(refA1, KindIsA, 2)
	assert.Equal(t, []BankRef{refA2, refB1}, got)

	// Wildcard sees both kinds, deduplicated, start excluded.
	got = c.Traverse(refA1, KindAny, 3)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, refA1)
}

func TestTraverseCyclesTerminate(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	a1, _ := a.Insert(testVector(4, 1, 10), Hot, 0)
	a2, _ := a.Insert(testVector(4, 1, 20), Hot, 0)
	ref1 := BankRef{Bank: a.ID(), Entry: a1}
	ref2 := BankRef{Bank: a.ID(), Entry: a2}

	require.NoError(t, c.Link(ref1, KindRelatedTo, ref2, 100, 0))
	require.NoError(t, c.Link(ref2, KindRelatedTo, ref1, 100, 0))

	got := c.Traverse(ref1, KindRelatedTo, 10)
	assert.Equal(t, []BankRef{ref2}, got)
}

func TestQueryAllZScoreNormalization(t *testing.T) {
	c := NewCluster()
	mixed := addBank(t, c, "mixed", 4)
	uniform := addBank(t, c, "uniform", 4)

	match, _ := mixed.Insert(testVector(4, 1, 200), Hot, 0)
	off, _ := mixed.Insert([]ternary.Signal{
		{Polarity: 1, Magnitude: 200}, {Polarity: -1, Magnitude: 200},
		{Polarity: 1, Magnitude: 200}, {Polarity: -1, Magnitude: 200},
	}, Hot, 0)

	// Two identical entries: zero variance, normalized to zero.
	uniform.Insert(testVector(4, 1, 100), Hot, 0)
	uniform.Insert(testVector(4, 1, 100), Hot, 0)

	cue := testVector(4, 1, 100)
	results := c.QueryAll(map[BankID][]ternary.Signal{
		mixed.ID():   cue,
		uniform.ID(): cue,
	}, 10)
	require.Len(t, results, 4)

	assert.Equal(t, match, results[0].Entry)
	assert.Equal(t, "mixed", results[0].BankName)
	assert.Equal(t, int32(256), results[0].Score)
	assert.Equal(t, int32(256), results[0].Normalized)

	assert.Equal(t, off, results[3].Entry)
	assert.Equal(t, int32(0), results[3].Score)
	assert.Equal(t, int32(-256), results[3].Normalized)

	// Uniform raw scores survive in Score even though they normalize away.
	assert.Equal(t, int32(0), results[1].Normalized)
	assert.Equal(t, int32(0), results[2].Normalized)
	assert.Equal(t, int32(256), results[1].Score)
	assert.Equal(t, uniform.ID(), results[1].Bank)
	assert.Equal(t, "uniform", results[1].BankName)
}

func TestQueryAllSkipsBanksWithoutMatchingCue(t *testing.T) {
	c := NewCluster()
	wide := addBank(t, c, "wide", 8)
	narrow := addBank(t, c, "narrow", 4)
	silent := addBank(t, c, "silent", 4)
	wide.Insert(testVector(8, 1, 100), Hot, 0)
	narrow.Insert(testVector(4, 1, 100), Hot, 0)
	silent.Insert(testVector(4, 1, 100), Hot, 0)

	// The wide bank's cue has the wrong length; the silent bank has none.
	results := c.QueryAll(map[BankID][]ternary.Signal{
		wide.ID():   testVector(4, 1, 50),
		narrow.ID(): testVector(4, 1, 50),
	}, 10)
	require.Len(t, results, 1)
	assert.Equal(t, narrow.ID(), results[0].Bank)
}

// Per-bank cues let banks of different vector widths answer one recall.
// Both banks below hold the same score distribution at their own width, so
// their normalized results must interleave pairwise in the merged ranking.
func TestQueryAllMergesAcrossWidths(t *testing.T) {
	c := NewCluster()
	narrow := addBank(t, c, "cortex.narrow", 32)
	wide := addBank(t, c, "cortex.wide", 128)

	// Entry i flips the tail of an all-positive pattern: i dimensions in
	// the narrow bank, 4i in the wide one, so cosines line up across widths.
	gradedVector := func(width, flipped int) []ternary.Signal {
		v := make([]ternary.Signal, width)
		for d := range v {
			p := int8(1)
			if d >= width-flipped {
				p = -1
			}
			v[d] = ternary.Signal{Polarity: p, Magnitude: 100}
		}
		return v
	}
	for i := 0; i < 10; i++ {
		_, err := narrow.Insert(gradedVector(32, i), Hot, 0)
		require.NoError(t, err)
		_, err = wide.Insert(gradedVector(128, 4*i), Hot, 0)
		require.NoError(t, err)
	}

	results := c.QueryAll(map[BankID][]ternary.Signal{
		narrow.ID(): testVector(32, 1, 100),
		wide.ID():   testVector(128, 1, 100),
	}, 20)
	require.Len(t, results, 20)

	perBank := map[BankID]int{}
	for _, r := range results {
		perBank[r.Bank]++
	}
	assert.Equal(t, 10, perBank[narrow.ID()])
	assert.Equal(t, 10, perBank[wide.ID()])

	// Matching distributions mean matching z-scores: each adjacent pair is
	// one hit from each bank at the same normalized score.
	for i := 0; i < 20; i += 2 {
		assert.Equal(t, results[i].Normalized, results[i+1].Normalized, "pair at %d", i)
		assert.NotEqual(t, results[i].Bank, results[i+1].Bank, "pair at %d", i)
	}

	assert.Equal(t, int32(256), results[0].Score)
	assert.Equal(t, int32(409), results[0].Normalized)
	assert.Equal(t, int32(-409), results[19].Normalized)
}

func TestQueryByPrefix(t *testing.T) {
	c := NewCluster()
	va := addBank(t, c, "vision.shape", 4)
	vb := addBank(t, c, "vision.color", 4)
	au := addBank(t, c, "audio.tone", 4)

	match, _ := va.Insert(testVector(4, 1, 200), Hot, 0)
	va.Insert([]ternary.Signal{
		{Polarity: 1, Magnitude: 200}, {Polarity: -1, Magnitude: 200},
		{Polarity: 1, Magnitude: 200}, {Polarity: -1, Magnitude: 200},
	}, Hot, 0)
	vb.Insert(testVector(4, 1, 150), Hot, 0)
	au.Insert(testVector(4, 1, 100), Hot, 0)

	results := c.QueryByPrefix("vision.", testVector(4, 1, 100), 10)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotEqual(t, au.ID(), r.Bank)
	}

	// Prefix queries share query_all's normalization: the shape bank's two
	// entries split around their own mean, the single-entry color bank
	// lands at zero.
	assert.Equal(t, match, results[0].Entry)
	assert.Equal(t, "vision.shape", results[0].BankName)
	assert.Equal(t, int32(256), results[0].Normalized)
	assert.Equal(t, vb.ID(), results[1].Bank)
	assert.Equal(t, int32(0), results[1].Normalized)
	assert.Equal(t, int32(256), results[1].Score)
	assert.Equal(t, int32(-256), results[2].Normalized)
}

func TestFlushDirtyWritesSnapshotsAndTruncatesJournal(t *testing.T) {
	c, dir := testCluster(t)
	bank := addBank(t, c, "persist.me", 4)

	id, err := bank.Insert(testVector(4, 1, 100), Hot, 1)
	require.NoError(t, err)
	require.NoError(t, c.journal.Flush())

	records, err := ReadJournal(dir)
	require.NoError(t, err)
	require.Len(t, records, 1, "insert should be journaled before flush")

	require.NoError(t, c.FlushDirty(1))
	assert.False(t, bank.IsDirty())

	_, err = os.Stat(filepath.Join(dir, BankFileName(bank.ID())))
	require.NoError(t, err)

	records, err = ReadJournal(dir)
	require.NoError(t, err)
	assert.Empty(t, records, "journal is redundant after snapshots land")

	_ = id
}

func TestReloadAfterFlush(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	a := addBank(t, c, "region.a", 4)
	b := addBank(t, c, "region.b", 8)
	aid, _ := a.Insert(testVector(4, 1, 200), Warm, 1)
	bid, _ := b.Insert(testVector(8, -1, 50), Hot, 2)
	require.NoError(t, c.Link(BankRef{Bank: a.ID(), Entry: aid}, KindRelatedTo, BankRef{Bank: b.ID(), Entry: bid}, 150, 3))
	require.NoError(t, c.FlushDirty(3))
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	a2, ok := c2.GetByName("region.a")
	require.True(t, ok)
	b2, ok := c2.GetByName("region.b")
	require.True(t, ok)

	entry, ok := a2.Get(aid)
	require.True(t, ok)
	assert.Equal(t, Warm, entry.Temperature)
	require.Len(t, entry.Edges, 1)
	assert.Equal(t, bid, entry.Edges[0].Target.Entry)

	// Cross-bank reverse index is rebuilt at load.
	rev := b2.ReverseEdges(bid)
	require.Len(t, rev, 1)
	assert.Equal(t, aid, rev[0].Source.Entry)

	// Recall still works on the reloaded bank.
	results := a2.QuerySparse(testVector(4, 1, 100), 1)
	require.Len(t, results, 1)
	assert.Equal(t, aid, results[0].EntryID)
	assert.Equal(t, int32(256), results[0].Score)
}

func TestJournalRecovery(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	bank := addBank(t, c, "recover.me", 4)
	first, err := bank.Insert(testVector(4, 1, 100), Hot, 1)
	require.NoError(t, err)
	require.NoError(t, c.FlushDirty(1))

	// Mutations after the snapshot live only in the journal.
	second, err := bank.Insert(testVector(4, 1, 150), Hot, 2)
	require.NoError(t, err)
	third, err := bank.Insert(testVector(4, -1, 80), Warm, 3)
	require.NoError(t, err)
	require.NoError(t, c.Link(
		BankRef{Bank: bank.ID(), Entry: second},
		KindPrecedes,
		BankRef{Bank: bank.ID(), Entry: third}, 99, 4))
	changed, err := bank.PromoteEntry(first)
	require.NoError(t, err)
	require.True(t, changed)

	// Crash: journal reaches disk, snapshots do not.
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	recovered, ok := c2.GetByName("recover.me")
	require.True(t, ok)
	assert.Equal(t, 3, recovered.Len())

	for _, id := range []EntryID{first, second, third} {
		_, ok := recovered.Get(id)
		assert.True(t, ok, "entry %v should survive recovery", id)
	}

	promoted, _ := recovered.Get(first)
	assert.Equal(t, Warm, promoted.Temperature)

	edges := recovered.EdgesFrom(second)
	require.Len(t, edges, 1)
	assert.Equal(t, third, edges[0].Target.Entry)
	assert.Equal(t, KindPrecedes, edges[0].Kind)

	// New ids allocated after recovery stay above replayed ones.
	fourth, err := recovered.Insert(testVector(4, 1, 10), Hot, 5)
	require.NoError(t, err)
	assert.Greater(t, fourth, third)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	bank := addBank(t, c, "twice", 4)
	_, err = bank.Insert(testVector(4, 1, 100), Hot, 1)
	require.NoError(t, err)
	require.NoError(t, c.FlushDirty(1))
	_, err = bank.Insert(testVector(4, 1, 120), Hot, 2)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	b2, _ := c2.GetByName("twice")
	state := b2.Entries()
	require.NoError(t, c2.Close())

	c3, err := Open(dir)
	require.NoError(t, err)
	defer c3.Close()
	b3, _ := c3.GetByName("twice")
	assert.Equal(t, state, b3.Entries())
}

func TestJournalRecordsForUnknownBankAreSkipped(t *testing.T) {
	dir := t.TempDir()

	w, err := OpenJournal(dir)
	require.NoError(t, err)
	rec := insertRecord(BankID(42), NewEntry(EntryID(1), testVector(4, 1, 10), BankID(42), Hot, 0))
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Close())

	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 0, c.Len())
}

func TestClusterCompactPrunesDanglingEdges(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "a", 4)
	b := addBank(t, c, "b", 4)
	aid, _ := a.Insert(testVector(4, 1, 100), Hot, 0)
	bid, _ := b.Insert(testVector(4, 1, 100), Hot, 0)
	require.NoError(t, c.Link(BankRef{Bank: a.ID(), Entry: aid}, KindIsA, BankRef{Bank: b.ID(), Entry: bid}, 100, 0))

	// Remove the target behind the cluster's back, leaving a dangling edge.
	b.Remove(bid)
	require.Len(t, a.EdgesFrom(aid), 1)

	c.Compact()
	assert.Empty(t, a.EdgesFrom(aid))
}

func TestMaintenanceTickFlushesWhenDue(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	cfg := DefaultBankConfig(4)
	cfg.PersistAfterMutations = 2
	bank := c.GetOrCreate(NewBankID("cadence", 0), "cadence", cfg)

	bank.Insert(testVector(4, 1, 10), Hot, 1)
	flushed, err := c.MaintenanceTick(1)
	require.NoError(t, err)
	assert.Equal(t, 0, flushed, "below cadence, nothing is due")

	bank.Insert(testVector(4, 1, 20), Hot, 2)
	flushed, err = c.MaintenanceTick(2)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.False(t, bank.IsDirty())
}

// A concept stored as fragments across several banks: a partial cue into
// one bank recalls the local fragment, and traversal reassembles the rest.
func TestDistributedConceptRecall(t *testing.T) {
	c := NewCluster()
	visual := addBank(t, c, "visual.shape", 4)
	lexical := addBank(t, c, "lexical.word", 4)
	motor := addBank(t, c, "motor.grasp", 4)

	shape, err := visual.Insert([]ternary.Signal{
		{Polarity: 1, Magnitude: 200}, {Polarity: 1, Magnitude: 180},
		{Polarity: -1, Magnitude: 90}, {Polarity: 1, Magnitude: 40},
	}, Hot, 1)
	require.NoError(t, err)
	word, err := lexical.Insert(testVector(4, 1, 120), Hot, 1)
	require.NoError(t, err)
	grip, err := motor.Insert(testVector(4, -1, 60), Hot, 1)
	require.NoError(t, err)

	// A decoy shape that disagrees with the cue on its live dimensions.
	_, err = visual.Insert([]ternary.Signal{
		{Polarity: -1, Magnitude: 200}, {Polarity: 1, Magnitude: 180},
		{Polarity: 1, Magnitude: 90}, {Polarity: 1, Magnitude: 40},
	}, Hot, 1)
	require.NoError(t, err)

	shapeRef := BankRef{Bank: visual.ID(), Entry: shape}
	require.NoError(t, c.Link(shapeRef, KindRelatedTo, BankRef{Bank: lexical.ID(), Entry: word}, 200, 2))
	require.NoError(t, c.Link(shapeRef, KindRelatedTo, BankRef{Bank: motor.ID(), Entry: grip}, 150, 2))

	// Partial cue: only half the shape dimensions are specified.
	cue := []ternary.Signal{
		{Polarity: 1, Magnitude: 100}, {Polarity: 1, Magnitude: 90}, {}, {},
	}
	results := visual.QuerySparse(cue, 1)
	require.Len(t, results, 1)
	assert.Equal(t, shape, results[0].EntryID)

	// Follow the recalled fragment out to the rest of the concept.
	found := c.Traverse(BankRef{Bank: visual.ID(), Entry: results[0].EntryID}, KindRelatedTo, 1)
	assert.ElementsMatch(t, []BankRef{
		{Bank: lexical.ID(), Entry: word},
		{Bank: motor.ID(), Entry: grip},
	}, found)
}

// A concept spread across four regions of different widths survives a
// snapshot cycle: after flush, shutdown, and reload the fragments, their
// typed edges, and partial-cue recall all come back intact.
func TestRegionGraphSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	semantic := addBank(t, c, "temporal.semantic", 64)
	visual := addBank(t, c, "occipital.v4", 128)
	spatial := addBank(t, c, "parietal.spatial", 32)
	expression := addBank(t, c, "frontal.expression", 64)

	concept := make([]ternary.Signal, 64)
	for d := range concept {
		p := int8(1)
		if d%2 == 1 {
			p = -1
		}
		concept[d] = ternary.Signal{Polarity: p, Magnitude: 100}
	}
	semID, err := semantic.Insert(concept, Hot, 1)
	require.NoError(t, err)
	visID, err := visual.Insert(testVector(128, 1, 80), Hot, 1)
	require.NoError(t, err)
	spaID, err := spatial.Insert(testVector(32, -1, 60), Hot, 1)
	require.NoError(t, err)
	expID, err := expression.Insert(testVector(64, 1, 50), Hot, 1)
	require.NoError(t, err)

	semRef := BankRef{Bank: semantic.ID(), Entry: semID}
	visRef := BankRef{Bank: visual.ID(), Entry: visID}
	spaRef := BankRef{Bank: spatial.ID(), Entry: spaID}
	expRef := BankRef{Bank: expression.ID(), Entry: expID}

	require.NoError(t, c.Link(semRef, KindIsA, visRef, 200, 2))
	require.NoError(t, c.Link(semRef, KindHasA, spaRef, 180, 2))
	require.NoError(t, c.Link(semRef, KindRelatedTo, expRef, 150, 2))
	require.NoError(t, c.Link(visRef, KindCoOccurred, spaRef, 160, 2))

	require.NoError(t, c.FlushDirty(2))
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	require.Equal(t, 4, c2.Len())
	for _, name := range []string{
		"temporal.semantic", "occipital.v4", "parietal.spatial", "frontal.expression",
	} {
		bank, ok := c2.GetByName(name)
		require.True(t, ok, "bank %q should reload", name)
		assert.Equal(t, 1, bank.Len(), "bank %q", name)
	}

	got := c2.Traverse(semRef, KindIsA, 1)
	assert.Equal(t, []BankRef{visRef}, got)

	got = c2.Traverse(semRef, KindAny, 2)
	assert.ElementsMatch(t, []BankRef{visRef, spaRef, expRef}, got)

	// A quarter of the concept's dimensions still pins down the fragment.
	cue := make([]ternary.Signal, 64)
	copy(cue, concept[:16])
	sem2, ok := c2.GetByName("temporal.semantic")
	require.True(t, ok)
	results := sem2.QuerySparse(cue, 1)
	require.Len(t, results, 1)
	assert.Equal(t, semID, results[0].EntryID)
	assert.Equal(t, int32(256), results[0].Score)
}

func TestRemoveBankDetaches(t *testing.T) {
	c := NewCluster()
	a := addBank(t, c, "detach", 4)

	removed, ok := c.RemoveBank(a.ID())
	require.True(t, ok)
	assert.Same(t, a, removed)
	assert.Equal(t, 0, c.Len())
	_, ok = c.GetByName("detach")
	assert.False(t, ok)
}
