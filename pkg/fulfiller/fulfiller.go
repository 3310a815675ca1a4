// Package fulfiller is the register-level facade over a bank cluster: the
// stateless helpers a runtime kernel calls when executing memory
// operations. Banks are addressed by per-interpreter slot (u8), vectors
// and ids travel as int32 register arrays, and every operation returns a
// Result that either writes a register, succeeds silently, or carries an
// error message.
//
// The fulfiller holds no state of its own; all state lives in the cluster
// and the slot map the caller passes in.
package fulfiller

import (
	"fmt"

	"github.com/orneryd/databank/pkg/databank"
	"github.com/orneryd/databank/pkg/ternary"
)

// SlotMap binds per-interpreter bank slots (0-255) to global bank ids.
// The runtime initializes bindings per region during boot.
type SlotMap struct {
	slots [256]databank.BankID
	bound [256]bool
}

// NewSlotMap returns an empty slot map.
func NewSlotMap() *SlotMap { return &SlotMap{} }

// Bind maps a slot to a bank id, replacing any previous binding.
func (m *SlotMap) Bind(slot uint8, id databank.BankID) {
	m.slots[slot] = id
	m.bound[slot] = true
}

// Resolve returns the bank id bound to a slot.
func (m *SlotMap) Resolve(slot uint8) (databank.BankID, bool) {
	return m.slots[slot], m.bound[slot]
}

// Unbind clears a slot.
func (m *SlotMap) Unbind(slot uint8) {
	m.slots[slot] = 0
	m.bound[slot] = false
}

// SlotFor reverse-resolves a bank id to the lowest slot bound to it.
func (m *SlotMap) SlotFor(id databank.BankID) (uint8, bool) {
	for s := 0; s < 256; s++ {
		if m.bound[s] && m.slots[s] == id {
			return uint8(s), true
		}
	}
	return 0, false
}

// Result is the outcome of one fulfilled operation: WriteRegister, Ok, or
// Error.
type Result interface{ fulfillResult() }

// WriteRegister carries data destined for a runtime register. The caller
// overwrites RegisterIndex with the operation's target register.
type WriteRegister struct {
	RegisterIndex uint8
	Data          []int32
	Shape         []int
}

// Ok is a successful write-only operation with no register output.
type Ok struct{}

// Error is a failed operation. The message is diagnostic, not programmatic;
// callers branch on the type, not the text.
type Error struct {
	Message string
}

func (WriteRegister) fulfillResult() {}
func (Ok) fulfillResult()            {}
func (Error) fulfillResult()         {}

func errorf(format string, args ...interface{}) Result {
	return Error{Message: fmt.Sprintf(format, args...)}
}

func resolveBank(c *databank.BankCluster, slots *SlotMap, slot uint8) (*databank.DataBank, Result) {
	id, ok := slots.Resolve(slot)
	if !ok {
		return nil, errorf("bank slot %d not bound", slot)
	}
	bank, ok := c.Get(id)
	if !ok {
		return nil, errorf("bank %v not found", id)
	}
	return bank, nil
}

// Query runs a sparse similarity query. source is the cue vector in
// register form; zero components are wildcards. The result register holds
// [count, score, id_high, id_low, ...].
func Query(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32, topK uint8) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	results := bank.QuerySparse(ternary.FromInt32s(source), int(topK))
	packed := PackQueryResults(results)
	return WriteRegister{Data: packed, Shape: []int{len(packed)}}
}

// Write inserts a new entry from a register vector. The result register
// holds [id_high, id_low].
func Write(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32, temp databank.Temperature, tick uint64) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	id, err := bank.Insert(ternary.FromInt32s(source), temp, tick)
	if err != nil {
		return errorf("bank write failed: %v", err)
	}
	high, low := EntryIDToPair(id)
	return WriteRegister{Data: []int32{high, low}, Shape: []int{2}}
}

// Load reads an entry's vector back into register form. source holds
// [id_high, id_low].
func Load(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	if len(source) < 2 {
		return errorf("bank load: source must hold [id_high, id_low]")
	}
	entry, ok := bank.Get(PairToEntryID(source[0], source[1]))
	if !ok {
		return errorf("entry %v not found", PairToEntryID(source[0], source[1]))
	}
	data := ternary.ToInt32s(entry.Vector)
	return WriteRegister{Data: data, Shape: []int{len(data)}}
}

// Link creates a typed edge between two slot-addressed entries. source
// holds [from_high, from_low, to_slot, to_high, to_low, weight]. Both
// endpoints must resolve; the target bank's reverse index is updated.
func Link(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32, kind uint8, tick uint64) Result {
	if len(source) < 6 {
		return errorf("bank link: source must hold [from_high, from_low, to_slot, to_high, to_low, weight]")
	}
	fromBankID, ok := slots.Resolve(slot)
	if !ok {
		return errorf("bank slot %d not bound", slot)
	}
	toBankID, ok := slots.Resolve(uint8(source[2]))
	if !ok {
		return errorf("target bank slot %d not bound", source[2])
	}

	edgeKind := databank.EdgeKind(kind)
	if !edgeKind.Valid() {
		edgeKind = databank.KindRelatedTo
	}
	weight := source[5]
	if weight < 0 {
		weight = 0
	} else if weight > 255 {
		weight = 255
	}

	from := databank.BankRef{Bank: fromBankID, Entry: PairToEntryID(source[0], source[1])}
	to := databank.BankRef{Bank: toBankID, Entry: PairToEntryID(source[3], source[4])}
	if err := c.Link(from, edgeKind, to, uint8(weight), tick); err != nil {
		return errorf("bank link failed: %v", err)
	}
	return Ok{}
}

// Traverse walks edges breadth-first from a slot-addressed entry and packs
// the reachable entries as [count, slot, id_high, id_low, ...]. Entries in
// banks without a slot binding are elided.
func Traverse(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32, kind uint8, depth uint8) Result {
	bankID, ok := slots.Resolve(slot)
	if !ok {
		return errorf("bank slot %d not bound", slot)
	}
	if len(source) < 2 {
		return errorf("bank traverse: source must hold [id_high, id_low]")
	}

	edgeKind := databank.EdgeKind(kind)
	if edgeKind != databank.KindAny && !edgeKind.Valid() {
		edgeKind = databank.KindRelatedTo
	}

	start := databank.BankRef{Bank: bankID, Entry: PairToEntryID(source[0], source[1])}
	refs := c.Traverse(start, edgeKind, int(depth))

	hits := make([]TraverseHit, 0, len(refs))
	for _, ref := range refs {
		if s, ok := slots.SlotFor(ref.Bank); ok {
			hits = append(hits, TraverseHit{Slot: s, Entry: ref.Entry})
		}
	}
	packed := PackTraverseResults(hits)
	return WriteRegister{Data: packed, Shape: []int{len(packed)}}
}

// Touch records an access on a slot-addressed entry. source holds
// [id_high, id_low].
func Touch(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32, tick uint64) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	if len(source) < 2 {
		return errorf("bank touch: source must hold [id_high, id_low]")
	}
	if err := bank.Touch(PairToEntryID(source[0], source[1]), tick); err != nil {
		return errorf("bank touch failed: %v", err)
	}
	return Ok{}
}

// Delete removes a slot-addressed entry. source holds [id_high, id_low].
func Delete(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32) Result {
	bankID, ok := slots.Resolve(slot)
	if !ok {
		return errorf("bank slot %d not bound", slot)
	}
	if len(source) < 2 {
		return errorf("bank delete: source must hold [id_high, id_low]")
	}
	ref := databank.BankRef{Bank: bankID, Entry: PairToEntryID(source[0], source[1])}
	if err := c.Delete(ref); err != nil {
		return errorf("bank delete failed: %v", err)
	}
	return Ok{}
}

// Count writes the bank's entry count as a single-element register.
func Count(c *databank.BankCluster, slots *SlotMap, slot uint8) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	return WriteRegister{Data: []int32{int32(bank.Len())}, Shape: []int{1}}
}

// Promote steps a slot-addressed entry one lifecycle stage toward Cold.
func Promote(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	if len(source) < 2 {
		return errorf("bank promote: source must hold [id_high, id_low]")
	}
	if _, err := bank.PromoteEntry(PairToEntryID(source[0], source[1])); err != nil {
		return errorf("bank promote failed: %v", err)
	}
	return Ok{}
}

// Demote steps a slot-addressed entry one lifecycle stage toward Hot.
func Demote(c *databank.BankCluster, slots *SlotMap, slot uint8, source []int32) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	if len(source) < 2 {
		return errorf("bank demote: source must hold [id_high, id_low]")
	}
	if _, err := bank.DemoteEntry(PairToEntryID(source[0], source[1])); err != nil {
		return errorf("bank demote failed: %v", err)
	}
	return Ok{}
}

// Evict removes the count lowest-scoring entries from the slot's bank.
func Evict(c *databank.BankCluster, slots *SlotMap, slot uint8, count uint8, tick uint64) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	bank.EvictN(int(count), tick)
	return Ok{}
}

// Compact rebuilds the slot's bank index and garbage-collects its reverse
// edges.
func Compact(c *databank.BankCluster, slots *SlotMap, slot uint8) Result {
	bank, errRes := resolveBank(c, slots, slot)
	if errRes != nil {
		return errRes
	}
	bank.Compact()
	return Ok{}
}
