package databank

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"path/filepath"

	"github.com/orneryd/databank/pkg/ternary"
)

// JournalFileName is the append-only mutation log kept next to the .bank
// snapshots in a cluster's data directory.
const JournalFileName = "databank.journal"

// JournalKind tags a journal record.
type JournalKind uint8

const (
	JournalInsert JournalKind = iota
	JournalRemove
	JournalTouch
	JournalAddEdge
	JournalSetTemperature
	JournalPromote
	JournalDemote
	JournalBatchEvict
)

// JournalRecord is one logged mutation. Only the fields relevant to Kind
// are populated; Encode and decodeRecord define the wire layout per kind.
//
// Every record starts with kind (u8) and bank (u64 LE) and ends with a
// CRC32 (IEEE) over all preceding bytes. All kinds except BatchEvict carry
// an entry id (u64 LE) after the bank.
type JournalRecord struct {
	Kind  JournalKind
	Bank  BankID
	Entry EntryID

	// Insert: tick, temperature, and the full vector.
	// Touch: tick. AddEdge: the edge (its CreatedTick carries the tick).
	// SetTemperature, Promote, Demote: the resulting temperature.
	// BatchEvict: the evicted ids, ascending eviction order.
	Tick    uint64
	Temp    Temperature
	Vector  []ternary.Signal
	Edge    Edge
	Evicted []EntryID
}

func insertRecord(bank BankID, e *BankEntry) JournalRecord {
	return JournalRecord{
		Kind:   JournalInsert,
		Bank:   bank,
		Entry:  e.ID,
		Tick:   e.CreatedTick,
		Temp:   e.Temperature,
		Vector: e.Vector,
	}
}

func removeRecord(bank BankID, entry EntryID) JournalRecord {
	return JournalRecord{Kind: JournalRemove, Bank: bank, Entry: entry}
}

func touchRecord(bank BankID, entry EntryID, tick uint64) JournalRecord {
	return JournalRecord{Kind: JournalTouch, Bank: bank, Entry: entry, Tick: tick}
}

func addEdgeRecord(bank BankID, from EntryID, edge Edge) JournalRecord {
	return JournalRecord{Kind: JournalAddEdge, Bank: bank, Entry: from, Edge: edge}
}

func setTemperatureRecord(bank BankID, entry EntryID, temp Temperature) JournalRecord {
	return JournalRecord{Kind: JournalSetTemperature, Bank: bank, Entry: entry, Temp: temp}
}

func promoteRecord(bank BankID, entry EntryID, temp Temperature) JournalRecord {
	return JournalRecord{Kind: JournalPromote, Bank: bank, Entry: entry, Temp: temp}
}

func demoteRecord(bank BankID, entry EntryID, temp Temperature) JournalRecord {
	return JournalRecord{Kind: JournalDemote, Bank: bank, Entry: entry, Temp: temp}
}

func batchEvictRecord(bank BankID, evicted []EntryID) JournalRecord {
	return JournalRecord{Kind: JournalBatchEvict, Bank: bank, Evicted: evicted}
}

// Encode serializes the record, CRC included.
func (r JournalRecord) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(r.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Bank))

	if r.Kind != JournalBatchEvict {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Entry))
	}

	switch r.Kind {
	case JournalInsert:
		buf = binary.LittleEndian.AppendUint64(buf, r.Tick)
		buf = append(buf, byte(r.Temp))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Vector)))
		for _, s := range r.Vector {
			buf = append(buf, byte(s.Polarity), s.Magnitude)
		}
	case JournalRemove:
		// No payload.
	case JournalTouch:
		buf = binary.LittleEndian.AppendUint64(buf, r.Tick)
	case JournalAddEdge:
		buf = append(buf, byte(r.Edge.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Edge.Target.Bank))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Edge.Target.Entry))
		buf = append(buf, r.Edge.Weight)
		buf = binary.LittleEndian.AppendUint64(buf, r.Edge.CreatedTick)
	case JournalSetTemperature, JournalPromote, JournalDemote:
		buf = append(buf, byte(r.Temp))
	case JournalBatchEvict:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Evicted)))
		for _, id := range r.Evicted {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		}
	}

	crc := crc32.ChecksumIEEE(buf)
	return binary.LittleEndian.AppendUint32(buf, crc)
}

// decodeRecord parses one record at the start of data. Returns the record,
// the number of bytes consumed, and false when the data is truncated, the
// kind is unknown, or the CRC does not match.
func decodeRecord(data []byte) (JournalRecord, int, bool) {
	if len(data) < 1+8 {
		return JournalRecord{}, 0, false
	}
	r := JournalRecord{
		Kind: JournalKind(data[0]),
		Bank: BankID(binary.LittleEndian.Uint64(data[1:9])),
	}
	n := 9

	if r.Kind != JournalBatchEvict {
		if len(data) < n+8 {
			return JournalRecord{}, 0, false
		}
		r.Entry = EntryID(binary.LittleEndian.Uint64(data[n : n+8]))
		n += 8
	}

	switch r.Kind {
	case JournalInsert:
		if len(data) < n+11 {
			return JournalRecord{}, 0, false
		}
		r.Tick = binary.LittleEndian.Uint64(data[n : n+8])
		r.Temp, _ = TemperatureFromByte(data[n+8])
		vecLen := int(binary.LittleEndian.Uint16(data[n+9 : n+11]))
		n += 11
		if len(data) < n+2*vecLen {
			return JournalRecord{}, 0, false
		}
		r.Vector = make([]ternary.Signal, vecLen)
		for i := 0; i < vecLen; i++ {
			r.Vector[i] = ternary.Signal{
				Polarity:  int8(data[n+2*i]),
				Magnitude: data[n+2*i+1],
			}
		}
		n += 2 * vecLen
	case JournalRemove:
	case JournalTouch:
		if len(data) < n+8 {
			return JournalRecord{}, 0, false
		}
		r.Tick = binary.LittleEndian.Uint64(data[n : n+8])
		n += 8
	case JournalAddEdge:
		if len(data) < n+26 {
			return JournalRecord{}, 0, false
		}
		r.Edge = Edge{
			Kind: EdgeKind(data[n]),
			Target: BankRef{
				Bank:  BankID(binary.LittleEndian.Uint64(data[n+1 : n+9])),
				Entry: EntryID(binary.LittleEndian.Uint64(data[n+9 : n+17])),
			},
			Weight:      data[n+17],
			CreatedTick: binary.LittleEndian.Uint64(data[n+18 : n+26]),
		}
		n += 26
	case JournalSetTemperature, JournalPromote, JournalDemote:
		if len(data) < n+1 {
			return JournalRecord{}, 0, false
		}
		r.Temp, _ = TemperatureFromByte(data[n])
		n++
	case JournalBatchEvict:
		if len(data) < n+2 {
			return JournalRecord{}, 0, false
		}
		count := int(binary.LittleEndian.Uint16(data[n : n+2]))
		n += 2
		if len(data) < n+8*count {
			return JournalRecord{}, 0, false
		}
		r.Evicted = make([]EntryID, count)
		for i := 0; i < count; i++ {
			r.Evicted[i] = EntryID(binary.LittleEndian.Uint64(data[n+8*i : n+8*i+8]))
		}
		n += 8 * count
	default:
		return JournalRecord{}, 0, false
	}

	if len(data) < n+4 {
		return JournalRecord{}, 0, false
	}
	want := binary.LittleEndian.Uint32(data[n : n+4])
	if crc32.ChecksumIEEE(data[:n]) != want {
		return JournalRecord{}, 0, false
	}
	return r, n + 4, true
}

// JournalWriter appends mutation records to the journal file. Writes are
// buffered; Flush pushes them through and fsyncs so a subsequent snapshot
// can safely truncate.
type JournalWriter struct {
	file *os.File
	buf  *bufio.Writer
	path string
}

// OpenJournal opens (creating if needed) the journal in dir for appending.
func OpenJournal(dir string) (*JournalWriter, error) {
	path := filepath.Join(dir, JournalFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("databank: open journal %s: %w", path, err)
	}
	return &JournalWriter{file: f, buf: bufio.NewWriter(f), path: path}, nil
}

// Append writes one record to the buffer.
func (w *JournalWriter) Append(rec JournalRecord) error {
	if _, err := w.buf.Write(rec.Encode()); err != nil {
		return fmt.Errorf("databank: append journal record: %w", err)
	}
	return nil
}

// Flush drains the buffer and fsyncs the file.
func (w *JournalWriter) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("databank: flush journal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("databank: sync journal: %w", err)
	}
	return nil
}

// Truncate flushes, then resets the journal to zero length. Called after
// every dirty bank has been snapshotted, making the logged mutations
// redundant.
func (w *JournalWriter) Truncate() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("databank: truncate journal: %w", err)
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("databank: rewind journal: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *JournalWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadJournal parses the clean prefix of the journal in dir: records are
// returned up to the first one that is truncated or fails its CRC, and the
// tail beyond that point is ignored. A missing journal yields no records.
func ReadJournal(dir string) ([]JournalRecord, error) {
	path := filepath.Join(dir, JournalFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("databank: read journal %s: %w", path, err)
	}

	var records []JournalRecord
	off := 0
	for off < len(data) {
		rec, n, ok := decodeRecord(data[off:])
		if !ok {
			log.Printf("databank: journal %s: bad record at offset %d, ignoring %d trailing bytes",
				path, off, len(data)-off)
			break
		}
		records = append(records, rec)
		off += n
	}
	return records, nil
}
