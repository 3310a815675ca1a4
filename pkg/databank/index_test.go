package databank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/databank/pkg/ternary"
)

func entryMap(vectors map[EntryID][]ternary.Signal) map[EntryID]*BankEntry {
	m := make(map[EntryID]*BankEntry, len(vectors))
	for id, v := range vectors {
		m[id] = NewEntry(id, v, BankID(1), Hot, 0)
	}
	return m
}

func TestBruteForceExactTopK(t *testing.T) {
	ix := NewBruteForceIndex()
	entries := entryMap(map[EntryID][]ternary.Signal{
		1: testVector(4, 1, 200),  // identical direction
		2: testVector(4, -1, 200), // opposite
		3: {{Polarity: 1, Magnitude: 200}, {Polarity: -1, Magnitude: 200}, {Polarity: 1, Magnitude: 200}, {Polarity: -1, Magnitude: 200}},
	})

	query := testVector(4, 1, 100)
	results := ix.Query(query, entries, 2)

	require.Len(t, results, 2)
	assert.Equal(t, EntryID(1), results[0].EntryID)
	assert.Equal(t, int32(256), results[0].Score)
	assert.Equal(t, EntryID(3), results[1].EntryID)
	assert.Equal(t, int32(0), results[1].Score)
}

func TestBruteForceOrderingAndTies(t *testing.T) {
	ix := NewBruteForceIndex()
	entries := entryMap(map[EntryID][]ternary.Signal{
		10: testVector(4, 1, 100),
		20: testVector(4, 1, 100), // same score as 10
		30: testVector(4, -1, 100),
	})

	results := ix.Query(testVector(4, 1, 50), entries, 3)
	require.Len(t, results, 3)

	// Descending by score, equal scores break toward the younger id.
	assert.Equal(t, EntryID(20), results[0].EntryID)
	assert.Equal(t, EntryID(10), results[1].EntryID)
	assert.Equal(t, EntryID(30), results[2].EntryID)
}

func TestBruteForceTopKBounds(t *testing.T) {
	ix := NewBruteForceIndex()
	entries := entryMap(map[EntryID][]ternary.Signal{
		1: testVector(2, 1, 10),
		2: testVector(2, 1, 20),
	})

	assert.Nil(t, ix.Query(testVector(2, 1, 1), entries, 0))
	assert.Nil(t, ix.Query(testVector(2, 1, 1), map[EntryID]*BankEntry{}, 5))
	assert.Len(t, ix.Query(testVector(2, 1, 1), entries, 10), 2)
}

func TestNewIndexDispatch(t *testing.T) {
	cfg := DefaultBankConfig(8)
	_, ok := newIndex(cfg).(*BruteForceIndex)
	assert.True(t, ok)

	cfg.IndexKind = IndexIVF
	_, ok = newIndex(cfg).(*IVFIndex)
	assert.True(t, ok)
}
