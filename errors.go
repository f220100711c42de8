package lodekv

// errors.go defines the public error taxonomy.
//
// Every fallible operation returns one of the sentinels below, possibly
// wrapped with context. Code maps any error back to its stable numeric
// code, so bindings that speak enumerations instead of Go errors can
// classify failures without string matching.

import (
	"errors"
	"fmt"
	"os"

	"github.com/lodekv/lodekv/internal/levels"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/sstable"
	"github.com/lodekv/lodekv/internal/wal"
)

var (
	// ErrNotFound is returned when a key does not exist, is deleted, or
	// has expired.
	ErrNotFound = errors.New("lodekv: not found")

	// ErrCFNotFound is returned when a column family name does not
	// resolve.
	ErrCFNotFound = errors.New("lodekv: column family not found")

	// ErrCFExists is returned when creating a column family whose name is
	// already taken.
	ErrCFExists = errors.New("lodekv: column family already exists")

	// ErrTxnConflict is returned by Commit when validation detects a
	// conflicting concurrent commit. The transaction is rolled back;
	// callers typically retry with a fresh one.
	ErrTxnConflict = errors.New("lodekv: transaction conflict")

	// ErrTxnClosed is returned when using a transaction after Commit,
	// Rollback, or a failed Commit.
	ErrTxnClosed = errors.New("lodekv: transaction closed")

	// ErrInvalidArgument is returned for malformed input: empty keys,
	// bad names, out-of-range configuration.
	ErrInvalidArgument = errors.New("lodekv: invalid argument")

	// ErrCorruption is returned when a checksum or format check fails on
	// read. The engine never repairs corrupted files on its own.
	ErrCorruption = errors.New("lodekv: corruption")

	// ErrIO is returned for filesystem failures.
	ErrIO = errors.New("lodekv: i/o error")

	// ErrKeyTooLarge is returned when a key exceeds MaxKeyLength.
	ErrKeyTooLarge = errors.New("lodekv: key too large")

	// ErrValueTooLarge is returned when a value exceeds MaxValueLength.
	ErrValueTooLarge = errors.New("lodekv: value too large")

	// ErrMemoryBudget is returned by Commit when the memtables already
	// hold more than Options.MaxWriteBufferMemory and flushing has not
	// caught up.
	ErrMemoryBudget = errors.New("lodekv: write buffer memory budget exceeded")

	// ErrOutOfMemory is returned when an allocation limit is hit.
	ErrOutOfMemory = errors.New("lodekv: out of memory")

	// ErrDBClosed is returned when using a database after Close.
	ErrDBClosed = errors.New("lodekv: database closed")

	// ErrDBLocked is returned by Open when another process holds the
	// database directory's LOCK file.
	ErrDBLocked = errors.New("lodekv: database locked")

	// ErrNoSavepoint is returned when a savepoint name is not on the
	// active stack.
	ErrNoSavepoint = errors.New("lodekv: savepoint not found")

	// ErrUnknown classifies errors that fit no other code.
	ErrUnknown = errors.New("lodekv: unknown error")
)

// ErrorCode is the stable numeric classification of an error. Codes never
// change meaning across releases.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeNotFound
	CodeCFNotFound
	CodeCFExists
	CodeTxnConflict
	CodeTxnClosed
	CodeInvalidArgument
	CodeCorruption
	CodeIO
	CodeKeyTooLarge
	CodeValueTooLarge
	CodeMemoryBudget
	CodeOutOfMemory
	CodeDBClosed
	CodeDBLocked
	CodeNoSavepoint
	CodeUnknown
)

// String returns the code's name.
func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNotFound:
		return "NotFound"
	case CodeCFNotFound:
		return "ColumnFamilyNotFound"
	case CodeCFExists:
		return "ColumnFamilyExists"
	case CodeTxnConflict:
		return "TransactionConflict"
	case CodeTxnClosed:
		return "TransactionClosed"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeCorruption:
		return "Corruption"
	case CodeIO:
		return "IOError"
	case CodeKeyTooLarge:
		return "KeyTooLarge"
	case CodeValueTooLarge:
		return "ValueTooLarge"
	case CodeMemoryBudget:
		return "MemoryBudgetExceeded"
	case CodeOutOfMemory:
		return "OutOfMemory"
	case CodeDBClosed:
		return "DatabaseClosed"
	case CodeDBLocked:
		return "DatabaseLocked"
	case CodeNoSavepoint:
		return "SavepointNotFound"
	default:
		return "Unknown"
	}
}

// Code classifies err. Internal corruption sentinels from table, manifest,
// and WAL readers map to CodeCorruption even when a call site did not wrap
// them.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCFNotFound):
		return CodeCFNotFound
	case errors.Is(err, ErrCFExists):
		return CodeCFExists
	case errors.Is(err, ErrTxnConflict):
		return CodeTxnConflict
	case errors.Is(err, ErrTxnClosed):
		return CodeTxnClosed
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrCorruption),
		errors.Is(err, sstable.ErrCorruptTable),
		errors.Is(err, sstable.ErrCorruptVlog),
		errors.Is(err, levels.ErrCorruptManifest),
		errors.Is(err, record.ErrCorruptEntry):
		return CodeCorruption
	case errors.Is(err, ErrIO):
		return CodeIO
	case errors.Is(err, ErrKeyTooLarge):
		return CodeKeyTooLarge
	case errors.Is(err, ErrValueTooLarge):
		return CodeValueTooLarge
	case errors.Is(err, ErrMemoryBudget):
		return CodeMemoryBudget
	case errors.Is(err, ErrOutOfMemory):
		return CodeOutOfMemory
	case errors.Is(err, ErrDBClosed),
		errors.Is(err, levels.ErrClosed),
		errors.Is(err, wal.ErrClosed):
		return CodeDBClosed
	case errors.Is(err, ErrDBLocked):
		return CodeDBLocked
	case errors.Is(err, ErrNoSavepoint):
		return CodeNoSavepoint
	default:
		return CodeUnknown
	}
}

var publicSentinels = []error{
	ErrNotFound, ErrCFNotFound, ErrCFExists, ErrTxnConflict, ErrTxnClosed,
	ErrInvalidArgument, ErrCorruption, ErrIO, ErrKeyTooLarge,
	ErrValueTooLarge, ErrMemoryBudget, ErrOutOfMemory, ErrDBClosed,
	ErrDBLocked, ErrNoSavepoint,
}

// classify lifts errors from the internal storage packages onto the public
// taxonomy. Errors already carrying a public sentinel pass through
// unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range publicSentinels {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	switch {
	case errors.Is(err, levels.ErrClosed), errors.Is(err, wal.ErrClosed):
		return ErrDBClosed
	case errors.Is(err, sstable.ErrCorruptTable),
		errors.Is(err, sstable.ErrCorruptVlog),
		errors.Is(err, levels.ErrCorruptManifest),
		errors.Is(err, record.ErrCorruptEntry):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return err
}
