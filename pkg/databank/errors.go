package databank

import "errors"

// Sentinel errors surfaced across the engine boundary. Callers test with
// errors.Is; most sites wrap these with fmt.Errorf("databank: ...: %w", err)
// to attach the offending id or path.
var (
	// ErrWidthMismatch is returned when a vector's length does not match the
	// bank's fixed vector width.
	ErrWidthMismatch = errors.New("vector width mismatch")

	// ErrUnknownBank is returned when a BankID does not resolve in the cluster.
	ErrUnknownBank = errors.New("bank not found")

	// ErrUnknownEntry is returned when an EntryID does not resolve in a bank.
	ErrUnknownEntry = errors.New("entry not found")

	// ErrFull is returned when insertion would exceed MaxEntries and nothing
	// is evictable.
	ErrFull = errors.New("bank is full")

	// ErrEdgeOverflow is reserved. The current policy silently drops the
	// lowest-weight edge instead of failing; the sentinel remains for
	// callers that want to detect a future strict mode.
	ErrEdgeOverflow = errors.New("edge limit reached")

	// ErrCorruption is returned when a .bank file fails header, magic,
	// version, or payload-hash verification. The whole file is rejected.
	ErrCorruption = errors.New("bank file corrupt")

	// ErrEntryCorruption marks a single entry whose CRC failed at load.
	// The entry is skipped; the rest of the bank still loads.
	ErrEntryCorruption = errors.New("entry checksum mismatch")

	// ErrJournalReplay marks a journal record that referenced an unknown
	// bank during replay. The record is skipped with a warning.
	ErrJournalReplay = errors.New("journal replay: unknown bank")
)
