package lodekv

// comparator.go defines the user-key ordering interface.

import "bytes"

// Comparator defines a total order over user keys. A column family's
// comparator is fixed at creation; its Name is persisted in the CONFIG
// file and resolved through the database's comparator registry on reopen,
// so an ordering mismatch fails fast instead of corrupting reads.
//
// Implementations must be safe for concurrent use and must not retain the
// key slices.
type Comparator interface {
	// Compare returns a negative number when a sorts before b, zero when
	// they are equal, and a positive number when a sorts after b.
	Compare(a, b []byte) int

	// Name identifies the ordering. Rename a comparator whenever its
	// order changes; reopening with a mismatched name is an error.
	Name() string
}

// BytewiseComparator orders keys lexicographically by raw bytes. Every
// column family uses it unless configured otherwise.
type BytewiseComparator struct{}

// Compare returns the bytewise ordering of a and b.
func (BytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Name returns the registry name of the bytewise ordering.
func (BytewiseComparator) Name() string { return "lodekv.BytewiseComparator" }

// DefaultComparator returns the bytewise comparator.
func DefaultComparator() Comparator { return BytewiseComparator{} }
