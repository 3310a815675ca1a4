package databank

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/orneryd/databank/pkg/ternary"
)

// .bank v1 binary format. Little-endian throughout.
//
//	header (32 bytes):
//	  magic "BANK", version u16, flags u16, entry_count u32,
//	  edge_table_offset u32, vector_index_offset u32,
//	  payload_xxhash64 u64, reserved u32
//	metadata:
//	  bank_id u64, vector_width u16, max_entries u32, next_entry_seq u64,
//	  name_len u16 + name bytes, zero pad to 8-byte file alignment,
//	  max_edges_per_entry u16, persist_after_mutations u32,
//	  persist_after_ticks u64, index_kind u8
//	  (+ ivf_clusters u32, ivf_probes u32 when index_kind is IVF)
//	entries (entry_count of them, ascending id):
//	  id u64, vector_len u16, (polarity i8, magnitude u8) x N,
//	  edge_count u16, edges (kind u8, target_bank u64, target_entry u64,
//	  weight u8, created_tick u64) x M, temperature u8, confidence u8,
//	  created_tick u64, last_accessed_tick u64, access_count u32,
//	  origin_bank u64, debug_tag_len u16 + tag bytes, entry_crc32 u32
//
// payload_xxhash64 is XXH64 over every byte after the header. Edges are
// stored inline with their entries and the vector index is rebuilt at load,
// so both offsets are written as zero in v1.

const (
	bankMagic      = "BANK"
	bankVersion    = 1
	bankHeaderSize = 32

	// BankFileExt is the snapshot file extension.
	BankFileExt = ".bank"
)

// BankFileName returns the snapshot file name for a bank id.
func BankFileName(id BankID) string {
	return fmt.Sprintf("%016x%s", uint64(id), BankFileExt)
}

// EncodeBank serializes a bank to the .bank v1 format, payload hash
// included.
func EncodeBank(b *DataBank) []byte {
	cfg := b.Config()
	buf := make([]byte, bankHeaderSize, bankHeaderSize+len(b.Entries())*64)

	copy(buf[0:4], bankMagic)
	binary.LittleEndian.PutUint16(buf[4:6], bankVersion)
	// flags, edge_table_offset, vector_index_offset, reserved stay zero.
	binary.LittleEndian.PutUint32(buf[8:12], uint32(b.Len()))

	// Metadata.
	buf = binary.LittleEndian.AppendUint64(buf, uint64(b.ID()))
	buf = binary.LittleEndian.AppendUint16(buf, cfg.VectorWidth)
	buf = binary.LittleEndian.AppendUint32(buf, cfg.MaxEntries)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(b.NextSeq()))
	name := []byte(b.Name())
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint16(buf, cfg.MaxEdgesPerEntry)
	buf = binary.LittleEndian.AppendUint32(buf, cfg.PersistAfterMutations)
	buf = binary.LittleEndian.AppendUint64(buf, cfg.PersistAfterTicks)
	buf = append(buf, byte(cfg.IndexKind))
	if cfg.IndexKind == IndexIVF {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(cfg.IVFClusters))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(cfg.IVFProbes))
	}

	// Entries, ascending id so encodes are byte-reproducible.
	entries := b.Entries()
	ids := make([]EntryID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		buf = appendEntry(buf, entries[id])
	}

	hash := xxhash.Sum64(buf[bankHeaderSize:])
	binary.LittleEndian.PutUint64(buf[20:28], hash)
	return buf
}

func appendEntry(buf []byte, e *BankEntry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ID))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Vector)))
	for _, s := range e.Vector {
		buf = append(buf, byte(s.Polarity), s.Magnitude)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Edges)))
	for _, edge := range e.Edges {
		buf = append(buf, byte(edge.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(edge.Target.Bank))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(edge.Target.Entry))
		buf = append(buf, edge.Weight)
		buf = binary.LittleEndian.AppendUint64(buf, edge.CreatedTick)
	}
	buf = append(buf, byte(e.Temperature), e.Confidence)
	buf = binary.LittleEndian.AppendUint64(buf, e.CreatedTick)
	buf = binary.LittleEndian.AppendUint64(buf, e.LastAccessedTick)
	buf = binary.LittleEndian.AppendUint32(buf, e.AccessCount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Origin))
	tag := []byte(e.DebugTag)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tag)))
	buf = append(buf, tag...)
	buf = binary.LittleEndian.AppendUint32(buf, e.Checksum)
	return buf
}

// MarshalEntry serializes one entry in the .bank entry layout. Used by the
// eviction archive so archived entries stay bit-compatible with snapshots.
func MarshalEntry(e *BankEntry) []byte {
	return appendEntry(nil, e)
}

// UnmarshalEntry decodes one entry from the .bank entry layout. Returns
// ErrEntryCorruption when the stored CRC does not match the content.
func UnmarshalEntry(data []byte) (*BankEntry, error) {
	d := &decoder{data: data}
	e, ok := d.entry()
	if d.failed {
		return nil, fmt.Errorf("databank: truncated entry: %w", ErrCorruption)
	}
	if !ok {
		return nil, fmt.Errorf("databank: entry %v: %w", e.ID, ErrEntryCorruption)
	}
	return e, nil
}

// DecodeBank reconstructs a bank from .bank v1 bytes. Magic, version, or
// payload-hash failure rejects the whole file with ErrCorruption. An entry
// whose stored CRC does not match its content is skipped with a warning;
// the rest of the bank still loads.
func DecodeBank(data []byte) (*DataBank, error) {
	if len(data) < bankHeaderSize {
		return nil, fmt.Errorf("databank: file shorter than header: %w", ErrCorruption)
	}
	if string(data[0:4]) != bankMagic {
		return nil, fmt.Errorf("databank: bad magic %q: %w", data[0:4], ErrCorruption)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != bankVersion {
		return nil, fmt.Errorf("databank: unsupported version %d: %w", v, ErrCorruption)
	}
	entryCount := int(binary.LittleEndian.Uint32(data[8:12]))
	wantHash := binary.LittleEndian.Uint64(data[20:28])
	if xxhash.Sum64(data[bankHeaderSize:]) != wantHash {
		return nil, fmt.Errorf("databank: payload hash mismatch: %w", ErrCorruption)
	}

	d := &decoder{data: data, off: bankHeaderSize}

	id := BankID(d.u64())
	cfg := BankConfig{}
	cfg.VectorWidth = d.u16()
	cfg.MaxEntries = d.u32()
	nextSeq := uint32(d.u64() & entrySeqMask)
	name := string(d.bytes(int(d.u16())))
	for d.off%8 != 0 && !d.failed {
		d.off++
	}
	cfg.MaxEdgesPerEntry = d.u16()
	cfg.PersistAfterMutations = d.u32()
	cfg.PersistAfterTicks = d.u64()
	cfg.IndexKind = IndexKind(d.u8())
	if cfg.IndexKind == IndexIVF {
		cfg.IVFClusters = int(d.u32())
		cfg.IVFProbes = int(d.u32())
	}
	if d.failed {
		return nil, fmt.Errorf("databank: truncated metadata: %w", ErrCorruption)
	}

	entries := make(map[EntryID]*BankEntry, entryCount)
	skipped := 0
	for i := 0; i < entryCount; i++ {
		e, ok := d.entry()
		if d.failed {
			return nil, fmt.Errorf("databank: truncated entry %d of %d: %w", i, entryCount, ErrCorruption)
		}
		if !ok {
			skipped++
			log.Printf("databank: bank %q entry %v: %v, skipped", name, e.ID, ErrEntryCorruption)
			continue
		}
		entries[e.ID] = e
	}
	if skipped > 0 {
		log.Printf("databank: bank %q loaded with %d corrupt entries skipped", name, skipped)
	}

	reverse := make(map[EntryID][]ReverseEdge)
	for eid, e := range entries {
		for _, edge := range e.Edges {
			if edge.Target.Bank != id {
				continue
			}
			if _, ok := entries[edge.Target.Entry]; !ok {
				continue
			}
			reverse[edge.Target.Entry] = append(reverse[edge.Target.Entry],
				ReverseEdge{Source: BankRef{Bank: id, Entry: eid}, Kind: edge.Kind})
		}
	}

	return RestoreBank(id, name, cfg, entries, reverse, nextSeq, 0, 0), nil
}

// entry decodes one entry. ok is false when the stored CRC does not match
// the decoded content; d.failed is set on truncation.
func (d *decoder) entry() (*BankEntry, bool) {
	e := &BankEntry{}
	e.ID = EntryID(d.u64())
	vecLen := int(d.u16())
	if d.failed || d.remaining() < 2*vecLen {
		d.failed = true
		return nil, false
	}
	e.Vector = make([]ternary.Signal, vecLen)
	for i := 0; i < vecLen; i++ {
		e.Vector[i] = ternary.Signal{Polarity: int8(d.u8()), Magnitude: d.u8()}
	}
	edgeCount := int(d.u16())
	if d.failed || d.remaining() < 26*edgeCount {
		d.failed = true
		return nil, false
	}
	if edgeCount > 0 {
		e.Edges = make([]Edge, edgeCount)
		for i := 0; i < edgeCount; i++ {
			e.Edges[i] = Edge{
				Kind:        EdgeKind(d.u8()),
				Target:      BankRef{Bank: BankID(d.u64()), Entry: EntryID(d.u64())},
				Weight:      d.u8(),
				CreatedTick: d.u64(),
			}
		}
	}
	temp, _ := TemperatureFromByte(d.u8())
	e.Temperature = temp
	e.Confidence = d.u8()
	e.CreatedTick = d.u64()
	e.LastAccessedTick = d.u64()
	e.AccessCount = d.u32()
	e.Origin = BankID(d.u64())
	e.DebugTag = string(d.bytes(int(d.u16())))
	e.Checksum = d.u32()
	if d.failed {
		return nil, false
	}
	return e, e.Validate()
}

type decoder struct {
	data   []byte
	off    int
	failed bool
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) bytes(n int) []byte {
	if d.failed || d.remaining() < n {
		d.failed = true
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// SaveBankAtomic snapshots a bank to dir with write-to-temp, fsync, rename,
// and a directory fsync. A crash at any point leaves either the previous
// snapshot or the new one, never a torn file.
func SaveBankAtomic(b *DataBank, dir string) error {
	data := EncodeBank(b)
	final := filepath.Join(dir, BankFileName(b.ID()))

	tmp, err := os.CreateTemp(dir, BankFileName(b.ID())+".tmp-*")
	if err != nil {
		return fmt.Errorf("databank: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("databank: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("databank: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("databank: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("databank: rename snapshot: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// LoadBank reads and decodes one snapshot file.
func LoadBank(path string) (*DataBank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("databank: read snapshot %s: %w", path, err)
	}
	b, err := DecodeBank(data)
	if err != nil {
		return nil, fmt.Errorf("databank: decode %s: %w", path, err)
	}
	return b, nil
}
