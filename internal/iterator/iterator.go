// Package iterator defines the internal iterator contract and the merging
// iterator that combines memtables and tables into one ordered stream.
package iterator

import "github.com/lodekv/lodekv/internal/record"

// Iterator walks records in internal-key order: user key ascending, then
// sequence descending. Implementations are positioned by a Seek method and
// report no entry until then.
type Iterator interface {
	// Valid reports whether the iterator is positioned at a record.
	Valid() bool

	// SeekToFirst positions at the first record.
	SeekToFirst()

	// SeekToLast positions at the last record.
	SeekToLast()

	// Seek positions at the first record with internal key >= target.
	Seek(target []byte)

	// SeekForPrev positions at the last record with internal key <= target.
	SeekForPrev(target []byte)

	// Next advances forward. REQUIRES: Valid().
	Next()

	// Prev retreats backward. REQUIRES: Valid().
	Prev()

	// Key returns the internal key at the position, valid until the next
	// repositioning call.
	Key() []byte

	// Entry returns the decoded record at the position. Byte fields are
	// valid until the next repositioning call. A record whose value lives
	// in the value log is returned unresolved, with Vlog set.
	Entry() record.Entry

	// Value returns the record's value, reading through the value log
	// when the entry is separated. Skipped versions never pay that read;
	// callers resolve only the version they yield.
	Value() ([]byte, error)

	// Error returns the first failure encountered, if any.
	Error() error

	// Close releases underlying resources.
	Close() error
}
