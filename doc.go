/*
Package lodekv provides an embedded, transactional key/value store built
on a log-structured merge tree.

Data is organized into column families, each with its own write-ahead
log, memtables, and on-disk table hierarchy. Writes go through
transactions with selectable isolation, from ReadUncommitted up to
Serializable, with named savepoints for partial rollback. Reads are
served from a skip-list memtable, a sharded block cache, and sorted
tables in two layouts, with bloom filters gating table probes. Large
values are separated into per-table value logs.

# Usage

Open a database directory, then write through the convenience helpers or
an explicit transaction:

	db, err := lodekv.Open(dir, nil)
	if err != nil {
		...
	}
	defer db.Close()

	txn := db.Begin()
	txn.Put("default", []byte("k"), []byte("v"))
	if err := txn.Commit(); err != nil {
		...
	}

Iterators scan a consistent view of one column family in both
directions, merged with the owning transaction's uncommitted writes.

# Concurrency

A DB instance is safe for concurrent use by multiple goroutines.
Individual Txn and Iterator instances are not; each goroutine should use
its own.

# Durability

Every commit is appended to the column family's write-ahead log before
it is acknowledged, and recovery replays the log on open. Sync behavior
is configurable per column family: synchronous, interval-based, or left
to the operating system.
*/
package lodekv
