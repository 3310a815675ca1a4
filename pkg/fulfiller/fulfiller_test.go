package fulfiller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/databank/pkg/databank"
	"github.com/orneryd/databank/pkg/ternary"
)

func setup(t *testing.T) (*databank.BankCluster, *SlotMap, databank.BankID) {
	t.Helper()
	c := databank.NewCluster()
	id := databank.NewBankID("test.semantic", 0)
	cfg := databank.DefaultBankConfig(4)
	c.GetOrCreate(id, "test.semantic", cfg)

	slots := NewSlotMap()
	slots.Bind(0, id)
	return c, slots, id
}

func registerData(t *testing.T, res Result) []int32 {
	t.Helper()
	wr, ok := res.(WriteRegister)
	require.True(t, ok, "expected WriteRegister, got %#v", res)
	return wr.Data
}

func TestSlotMapBindResolveUnbind(t *testing.T) {
	m := NewSlotMap()
	id := databank.BankID(0xABCD)

	_, ok := m.Resolve(3)
	assert.False(t, ok)

	m.Bind(3, id)
	got, ok := m.Resolve(3)
	require.True(t, ok)
	assert.Equal(t, id, got)

	slot, ok := m.SlotFor(id)
	require.True(t, ok)
	assert.Equal(t, uint8(3), slot)

	m.Unbind(3)
	_, ok = m.Resolve(3)
	assert.False(t, ok)
	_, ok = m.SlotFor(id)
	assert.False(t, ok)
}

func TestEntryIDPairRoundTrip(t *testing.T) {
	for _, id := range []databank.EntryID{0, 1, 0x0123456789ABCDEF, ^databank.EntryID(0)} {
		high, low := EntryIDToPair(id)
		assert.Equal(t, id, PairToEntryID(high, low))
	}
}

func TestPackQueryResults(t *testing.T) {
	packed := PackQueryResults([]databank.QueryResult{
		{EntryID: 100, Score: 200},
		{EntryID: 200, Score: 150},
	})

	require.Len(t, packed, 7)
	assert.Equal(t, int32(2), packed[0])
	assert.Equal(t, int32(200), packed[1])
	h, l := EntryIDToPair(100)
	assert.Equal(t, h, packed[2])
	assert.Equal(t, l, packed[3])
	assert.Equal(t, int32(150), packed[4])
}

func TestPackTraverseResults(t *testing.T) {
	packed := PackTraverseResults([]TraverseHit{
		{Slot: 0, Entry: 42},
		{Slot: 3, Entry: 99},
	})

	require.Len(t, packed, 7)
	assert.Equal(t, int32(2), packed[0])
	assert.Equal(t, int32(0), packed[1])
	assert.Equal(t, int32(3), packed[4])
}

func TestWriteAndCount(t *testing.T) {
	c, slots, _ := setup(t)

	source := ternary.ToInt32s([]ternary.Signal{
		{Polarity: 1, Magnitude: 100},
		{Polarity: -1, Magnitude: 50},
		{},
		{Polarity: 1, Magnitude: 200},
	})
	res := Write(c, slots, 0, source, databank.Hot, 1)
	data := registerData(t, res)
	assert.Len(t, data, 2)

	count := registerData(t, Count(c, slots, 0))
	assert.Equal(t, []int32{1}, count)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	c, slots, _ := setup(t)

	source := []int32{100, -50, 0, 200}
	idPair := registerData(t, Write(c, slots, 0, source, databank.Hot, 1))

	loaded := registerData(t, Load(c, slots, 0, idPair))
	assert.Equal(t, source, loaded)
}

func TestWriteClampsRegisterValues(t *testing.T) {
	c, slots, _ := setup(t)

	idPair := registerData(t, Write(c, slots, 0, []int32{500, -500, 255, -255}, databank.Hot, 1))
	loaded := registerData(t, Load(c, slots, 0, idPair))
	assert.Equal(t, []int32{255, -255, 255, -255}, loaded)
}

func TestQueryPartialCue(t *testing.T) {
	c, slots, _ := setup(t)

	Write(c, slots, 0, []int32{200, 200, 200, 200}, databank.Hot, 1)

	res := Query(c, slots, 0, []int32{100, 0, 100, 0}, 5)
	data := registerData(t, res)
	require.GreaterOrEqual(t, len(data), 4)
	assert.Equal(t, int32(1), data[0], "one result")
	assert.Greater(t, data[1], int32(200), "aligned cue scores high")
}

func TestLinkAndTraverse(t *testing.T) {
	c, slots, bankID := setup(t)

	otherID := databank.NewBankID("test.episodic", 0)
	c.GetOrCreate(otherID, "test.episodic", databank.DefaultBankConfig(4))
	slots.Bind(1, otherID)

	fromPair := registerData(t, Write(c, slots, 0, []int32{100, 100, 100, 100}, databank.Hot, 1))
	toPair := registerData(t, Write(c, slots, 1, []int32{50, 50, 50, 50}, databank.Hot, 1))

	linkSource := []int32{fromPair[0], fromPair[1], 1, toPair[0], toPair[1], 180}
	res := Link(c, slots, 0, linkSource, uint8(databank.KindCoOccurred), 2)
	assert.IsType(t, Ok{}, res)

	trav := registerData(t, Traverse(c, slots, 0, fromPair, uint8(databank.KindCoOccurred), 1))
	require.Equal(t, int32(1), trav[0])
	assert.Equal(t, int32(1), trav[1], "hit lands in slot 1")
	assert.Equal(t, PairToEntryID(toPair[0], toPair[1]), PairToEntryID(trav[2], trav[3]))

	// Target bank's reverse index saw the link.
	other, _ := c.Get(otherID)
	assert.Len(t, other.ReverseEdges(PairToEntryID(toPair[0], toPair[1])), 1)
	_ = bankID
}

func TestTraverseElidesUnmappedBanks(t *testing.T) {
	c, slots, bankID := setup(t)

	hiddenID := databank.NewBankID("test.hidden", 0)
	hidden := c.GetOrCreate(hiddenID, "test.hidden", databank.DefaultBankConfig(4))

	fromPair := registerData(t, Write(c, slots, 0, []int32{100, 100, 100, 100}, databank.Hot, 1))
	hid, err := hidden.Insert([]ternary.Signal{{Polarity: 1, Magnitude: 50}, {}, {}, {}}, databank.Hot, 1)
	require.NoError(t, err)

	from := databank.BankRef{Bank: bankID, Entry: PairToEntryID(fromPair[0], fromPair[1])}
	require.NoError(t, c.Link(from, databank.KindIsA, databank.BankRef{Bank: hiddenID, Entry: hid}, 100, 1))

	trav := registerData(t, Traverse(c, slots, 0, fromPair, uint8(databank.KindIsA), 1))
	assert.Equal(t, int32(0), trav[0], "unmapped bank is invisible to the register ABI")
}

func TestTouchDeletePromoteDemote(t *testing.T) {
	c, slots, bankID := setup(t)

	idPair := registerData(t, Write(c, slots, 0, []int32{100, 100, 100, 100}, databank.Hot, 1))
	id := PairToEntryID(idPair[0], idPair[1])
	bank, _ := c.Get(bankID)

	assert.IsType(t, Ok{}, Touch(c, slots, 0, idPair, 10))
	entry, _ := bank.Get(id)
	assert.Equal(t, uint32(1), entry.AccessCount)

	assert.IsType(t, Ok{}, Promote(c, slots, 0, idPair))
	assert.Equal(t, databank.Warm, entry.Temperature)

	assert.IsType(t, Ok{}, Demote(c, slots, 0, idPair))
	assert.Equal(t, databank.Hot, entry.Temperature)

	assert.IsType(t, Ok{}, Delete(c, slots, 0, idPair))
	assert.Equal(t, []int32{0}, registerData(t, Count(c, slots, 0)))
}

func TestEvictAndCompact(t *testing.T) {
	c, slots, _ := setup(t)

	for i := 0; i < 3; i++ {
		Write(c, slots, 0, []int32{100, 100, 100, 100}, databank.Hot, 1)
	}
	assert.Equal(t, []int32{3}, registerData(t, Count(c, slots, 0)))

	assert.IsType(t, Ok{}, Evict(c, slots, 0, 1, 100))
	assert.Equal(t, []int32{2}, registerData(t, Count(c, slots, 0)))

	assert.IsType(t, Ok{}, Compact(c, slots, 0))
}

func TestUnboundSlotErrors(t *testing.T) {
	c := databank.NewCluster()
	slots := NewSlotMap()

	assert.IsType(t, Error{}, Count(c, slots, 42))
	assert.IsType(t, Error{}, Query(c, slots, 42, []int32{1}, 1))
	assert.IsType(t, Error{}, Write(c, slots, 42, []int32{1}, databank.Hot, 0))
	assert.IsType(t, Error{}, Evict(c, slots, 42, 1, 0))
}

func TestShortSourceErrors(t *testing.T) {
	c, slots, _ := setup(t)

	assert.IsType(t, Error{}, Load(c, slots, 0, []int32{1}))
	assert.IsType(t, Error{}, Touch(c, slots, 0, []int32{}, 0))
	assert.IsType(t, Error{}, Link(c, slots, 0, []int32{1, 2, 3}, 0, 0))
	assert.IsType(t, Error{}, Traverse(c, slots, 0, []int32{1}, 0, 1))
}
