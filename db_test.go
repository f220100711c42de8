// db_test.go covers open/close, the convenience read/write surface, TTL,
// size limits, locking, and configuration persistence.
package lodekv

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T, opts *Options) (*DB, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, dir
}

func TestOpenClose(t *testing.T) {
	db, dir := newTestDB(t, nil)

	if db.Path() != dir {
		t.Fatalf("Path() = %q, want %q", db.Path(), dir)
	}

	names := db.ListColumnFamilies()
	if len(names) != 1 || names[0] != DefaultColumnFamilyName {
		t.Fatalf("Expected only the default column family, got %v", names)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Second Close = %v, want ErrDBClosed", err)
	}
	if _, err := db.Get(DefaultColumnFamilyName, []byte("k")); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Get after Close = %v, want ErrDBClosed", err)
	}
}

func TestPutGetDelete(t *testing.T) {
	db, _ := newTestDB(t, nil)
	cf := DefaultColumnFamilyName

	if err := db.Put(cf, []byte("alpha"), []byte("one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	val, err := db.Get(cf, []byte("alpha"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "one" {
		t.Fatalf("Get = %q, want %q", val, "one")
	}

	// Overwrite
	if err := db.Put(cf, []byte("alpha"), []byte("two")); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	val, _ = db.Get(cf, []byte("alpha"))
	if string(val) != "two" {
		t.Fatalf("Get after overwrite = %q, want %q", val, "two")
	}

	// Missing key
	if _, err := db.Get(cf, []byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	// Delete
	if err := db.Delete(cf, []byte("alpha")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := db.Get(cf, []byte("alpha")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}

	// Deleting an absent key is not an error
	if err := db.Delete(cf, []byte("missing")); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	db, _ := newTestDB(t, nil)
	cf := DefaultColumnFamilyName

	if err := db.Put(cf, []byte("k"), []byte("value")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	val, err := db.Get(cf, []byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	val[0] = 'X'

	again, err := db.Get(cf, []byte("k"))
	if err != nil {
		t.Fatalf("Second get failed: %v", err)
	}
	if string(again) != "value" {
		t.Fatalf("Stored value changed through a returned slice: %q", again)
	}
}

func TestKeyValueLimits(t *testing.T) {
	db, _ := newTestDB(t, nil)
	cf := DefaultColumnFamilyName

	if err := db.Put(cf, nil, []byte("v")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Put with empty key = %v, want ErrInvalidArgument", err)
	}
	if _, err := db.Get(cf, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Get with empty key = %v, want ErrInvalidArgument", err)
	}

	bigKey := make([]byte, MaxKeyLength+1)
	if err := db.Put(cf, bigKey, []byte("v")); !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("Put with oversized key = %v, want ErrKeyTooLarge", err)
	}

	// A key at exactly the limit is accepted.
	okKey := make([]byte, MaxKeyLength)
	okKey[0] = 'k'
	if err := db.Put(cf, okKey, []byte("v")); err != nil {
		t.Fatalf("Put with max-length key failed: %v", err)
	}
}

func TestDoubleOpenLocked(t *testing.T) {
	db, dir := newTestDB(t, nil)
	defer db.Close()

	if _, err := Open(dir, nil); !errors.Is(err, ErrDBLocked) {
		t.Fatalf("Second Open = %v, want ErrDBLocked", err)
	}
}

func TestReopenAfterLockRelease(t *testing.T) {
	db, dir := newTestDB(t, nil)
	if err := db.Put(DefaultColumnFamilyName, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get(DefaultColumnFamilyName, []byte("k"))
	if err != nil || string(val) != "v" {
		t.Fatalf("Get after reopen = %q, %v", val, err)
	}
}

func TestPutWithTTL(t *testing.T) {
	db, _ := newTestDB(t, nil)
	cf := DefaultColumnFamilyName

	if err := db.PutWithTTL(cf, []byte("ephemeral"), []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}
	if err := db.Put(cf, []byte("durable"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Visible before expiry.
	if _, err := db.Get(cf, []byte("ephemeral")); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	if _, err := db.Get(cf, []byte("ephemeral")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry = %v, want ErrNotFound", err)
	}
	if _, err := db.Get(cf, []byte("durable")); err != nil {
		t.Fatalf("Unexpired key lost: %v", err)
	}

	// Zero and negative TTLs are rejected.
	if err := db.PutWithTTL(cf, []byte("x"), []byte("v"), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("PutWithTTL(0) = %v, want ErrInvalidArgument", err)
	}
}

func TestTTLSurvivesFlush(t *testing.T) {
	db, _ := newTestDB(t, nil)
	cf := DefaultColumnFamilyName

	if err := db.PutWithTTL(cf, []byte("k"), []byte("v"), 80*time.Millisecond); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}
	handle, err := db.ColumnFamily(cf)
	if err != nil {
		t.Fatalf("ColumnFamily failed: %v", err)
	}
	if err := handle.FlushMemtable(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if _, err := db.Get(cf, []byte("k")); err != nil {
		t.Fatalf("Get of flushed unexpired key failed: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, err := db.Get(cf, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get of flushed expired key = %v, want ErrNotFound", err)
	}
}

func TestConfigPersistedAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	cfg := DefaultColumnFamilyConfig()
	cfg.Format = FormatBTree
	cfg.Compression = ZstdCompression
	cfg.WriteBufferSize = 1 << 20
	if _, err := db.CreateColumnFamily("tuned", &cfg); err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	if err := db.Put("tuned", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The persisted CONFIG wins on reopen.
	db2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db2.Close()

	cf, err := db2.ColumnFamily("tuned")
	if err != nil {
		t.Fatalf("ColumnFamily after reopen failed: %v", err)
	}
	got := cf.Config()
	if got.Format != FormatBTree {
		t.Fatalf("Format = %v, want FormatBTree", got.Format)
	}
	if got.Compression != ZstdCompression {
		t.Fatalf("Compression = %v, want ZstdCompression", got.Compression)
	}
	if got.WriteBufferSize != 1<<20 {
		t.Fatalf("WriteBufferSize = %d, want %d", got.WriteBufferSize, 1<<20)
	}
	if val, err := db2.Get("tuned", []byte("k")); err != nil || string(val) != "v" {
		t.Fatalf("Get after reopen = %q, %v", val, err)
	}
}

func TestCustomComparator(t *testing.T) {
	rev := reverseComparator{}
	dir := filepath.Join(t.TempDir(), "db")

	opts := DefaultOptions()
	opts.Comparators = map[string]Comparator{rev.Name(): rev}
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	cfg := DefaultColumnFamilyConfig()
	cfg.ComparatorName = rev.Name()
	if _, err := db.CreateColumnFamily("rev", &cfg); err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := db.Put("rev", []byte(k), []byte(k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	iter, err := db.NewIterator("rev")
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	var got []string
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		got = append(got, string(iter.Key()))
	}
	iter.Close()
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("Scan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Scan = %v, want %v", got, want)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening without the comparator registered fails fast.
	if _, err := Open(dir, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Open without comparator = %v, want ErrInvalidArgument", err)
	}

	// With the registry supplied it works again.
	db2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Reopen with comparator failed: %v", err)
	}
	defer db2.Close()
	if _, err := db2.Get("rev", []byte("b")); err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
}

// reverseComparator orders keys descending. Test-only.
type reverseComparator struct{}

func (reverseComparator) Compare(a, b []byte) int { return -bytes.Compare(a, b) }
func (reverseComparator) Name() string            { return "test.ReverseComparator" }

func TestCommitHook(t *testing.T) {
	db, _ := newTestDB(t, nil)

	type seen struct {
		seq uint64
		ops []CommitOp
	}
	var calls []seen
	db.RegisterCommitHook(func(ops []CommitOp, seq uint64) {
		cp := make([]CommitOp, len(ops))
		copy(cp, ops)
		calls = append(calls, seen{seq: seq, ops: cp})
	})

	txn := db.Begin()
	if err := txn.Put(DefaultColumnFamilyName, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Delete(DefaultColumnFamilyName, []byte("b")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("Expected 1 hook call, got %d", len(calls))
	}
	c := calls[0]
	if c.seq == 0 {
		t.Fatal("Hook saw zero sequence number")
	}
	if len(c.ops) != 2 {
		t.Fatalf("Expected 2 ops, got %d", len(c.ops))
	}
	foundDelete := false
	for _, op := range c.ops {
		if op.CF != DefaultColumnFamilyName {
			t.Fatalf("Op CF = %q", op.CF)
		}
		if string(op.Key) == "b" && op.Tombstone {
			foundDelete = true
		}
	}
	if !foundDelete {
		t.Fatal("Hook did not see the delete as a tombstone")
	}

	// Sequence numbers advance across commits.
	if err := db.Put(DefaultColumnFamilyName, []byte("c"), []byte("3")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(calls) != 2 || calls[1].seq <= c.seq {
		t.Fatalf("Hook sequence did not advance: %+v", calls)
	}
}

func TestWriteBufferMemoryBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxWriteBufferMemory = 512 << 10
	db, _ := newTestDB(t, opts)
	cf := DefaultColumnFamilyName

	// First commit lands while usage is still zero.
	big := make([]byte, 1<<20)
	if err := db.Put(cf, []byte("big"), big); err != nil {
		t.Fatalf("Put under budget failed: %v", err)
	}

	// The next commit sees usage above the budget and fails fast.
	err := db.Put(cf, []byte("small"), []byte("v"))
	if !errors.Is(err, ErrMemoryBudget) {
		t.Fatalf("Put over budget = %v, want ErrMemoryBudget", err)
	}

	// The failed attempt kicked off a flush; retries succeed once it drains.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = db.Put(cf, []byte("small"), []byte("v"))
		if err == nil {
			break
		}
		if !errors.Is(err, ErrMemoryBudget) {
			t.Fatalf("Retry failed with %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Budget never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeOK},
		{ErrNotFound, CodeNotFound},
		{ErrCFNotFound, CodeCFNotFound},
		{ErrCFExists, CodeCFExists},
		{ErrTxnConflict, CodeTxnConflict},
		{ErrTxnClosed, CodeTxnClosed},
		{ErrInvalidArgument, CodeInvalidArgument},
		{ErrCorruption, CodeCorruption},
		{ErrIO, CodeIO},
		{ErrKeyTooLarge, CodeKeyTooLarge},
		{ErrValueTooLarge, CodeValueTooLarge},
		{ErrMemoryBudget, CodeMemoryBudget},
		{ErrDBClosed, CodeDBClosed},
		{ErrDBLocked, CodeDBLocked},
		{ErrNoSavepoint, CodeNoSavepoint},
		{errors.New("something else"), CodeUnknown},
	}
	for _, c := range cases {
		if got := Code(c.err); got != c.want {
			t.Errorf("Code(%v) = %v, want %v", c.err, got, c.want)
		}
	}

	// Wrapped sentinels classify the same as bare ones.
	wrapped := fmt.Errorf("context: %w", ErrNotFound)
	if Code(wrapped) != CodeNotFound {
		t.Fatalf("Code(wrapped ErrNotFound) = %v", Code(wrapped))
	}
}
