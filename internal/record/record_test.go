package record

import (
	"bytes"
	"sort"
	"testing"
	"time"
)

func TestPackUnpackTrailer(t *testing.T) {
	tests := []struct {
		seq  SeqNum
		kind Kind
	}{
		{0, KindTombstone},
		{1, KindValue},
		{1 << 20, KindValue},
		{MaxSeqNum, KindTombstone},
	}
	for _, tt := range tests {
		trailer := PackTrailer(tt.seq, tt.kind)
		seq, kind := UnpackTrailer(trailer)
		if seq != tt.seq || kind != tt.kind {
			t.Errorf("round trip (%d, %d) = (%d, %d)", tt.seq, tt.kind, seq, kind)
		}
	}
}

func TestMakeParseInternalKey(t *testing.T) {
	ik := MakeInternalKey([]byte("user-key"), 42, KindValue)
	if got, want := len(ik), len("user-key")+TrailerLen; got != want {
		t.Fatalf("internal key length = %d, want %d", got, want)
	}
	ukey, seq, kind, err := ParseInternalKey(ik)
	if err != nil {
		t.Fatalf("ParseInternalKey: %v", err)
	}
	if string(ukey) != "user-key" {
		t.Errorf("user key = %q, want %q", ukey, "user-key")
	}
	if seq != 42 || kind != KindValue {
		t.Errorf("seq, kind = %d, %d, want 42, %d", seq, kind, KindValue)
	}
	if !bytes.Equal(UserKey(ik), []byte("user-key")) {
		t.Errorf("UserKey = %q", UserKey(ik))
	}
}

func TestParseInternalKeyTooShort(t *testing.T) {
	if _, _, _, err := ParseInternalKey([]byte("short")); err != ErrKeyTooShort {
		t.Fatalf("err = %v, want ErrKeyTooShort", err)
	}
}

func TestInternalCompareOrdering(t *testing.T) {
	// Same user key: higher sequence sorts first.
	a := MakeInternalKey([]byte("k"), 10, KindValue)
	b := MakeInternalKey([]byte("k"), 5, KindValue)
	if InternalCompare(bytes.Compare, a, b) >= 0 {
		t.Errorf("seq 10 should sort before seq 5")
	}

	// Same user key and sequence: value sorts before tombstone.
	c := MakeInternalKey([]byte("k"), 10, KindTombstone)
	if InternalCompare(bytes.Compare, a, c) >= 0 {
		t.Errorf("KindValue should sort before KindTombstone at equal seq")
	}

	// Different user keys dominate.
	d := MakeInternalKey([]byte("a"), 1, KindValue)
	e := MakeInternalKey([]byte("b"), 100, KindValue)
	if InternalCompare(bytes.Compare, d, e) >= 0 {
		t.Errorf("user key a should sort before b regardless of seq")
	}

	if InternalCompare(bytes.Compare, a, a) != 0 {
		t.Errorf("key should compare equal to itself")
	}
}

func TestSeekKeyPositioning(t *testing.T) {
	// Versions of "k" at sequences 30, 20, 10 in internal order.
	keys := [][]byte{
		MakeInternalKey([]byte("k"), 30, KindValue),
		MakeInternalKey([]byte("k"), 20, KindTombstone),
		MakeInternalKey([]byte("k"), 10, KindValue),
	}
	if !sort.SliceIsSorted(keys, func(i, j int) bool {
		return InternalCompare(bytes.Compare, keys[i], keys[j]) < 0
	}) {
		t.Fatalf("fixture not in internal order")
	}

	// A seek at snapshot 20 must land on the seq-20 entry, skipping seq 30.
	seek := MakeSeekKey([]byte("k"), 20)
	i := sort.Search(len(keys), func(i int) bool {
		return InternalCompare(bytes.Compare, keys[i], seek) >= 0
	})
	if i != 1 {
		t.Errorf("seek snapshot 20 landed at index %d, want 1", i)
	}

	// A seek at snapshot 15 must skip to the seq-10 entry.
	seek = MakeSeekKey([]byte("k"), 15)
	i = sort.Search(len(keys), func(i int) bool {
		return InternalCompare(bytes.Compare, keys[i], seek) >= 0
	})
	if i != 2 {
		t.Errorf("seek snapshot 15 landed at index %d, want 2", i)
	}

	// A backward seek key sorts after every stored version of "k".
	prev := MakePrevSeekKey([]byte("k"))
	for _, ik := range keys {
		if InternalCompare(bytes.Compare, ik, prev) > 0 {
			t.Errorf("stored key %x sorts after prev-seek key", ik)
		}
	}
}

func TestEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		e    Entry
	}{
		{"inline value", Entry{Key: []byte("k1"), Seq: 7, Kind: KindValue, Value: []byte("v1")}},
		{"empty value", Entry{Key: []byte("k2"), Seq: 8, Kind: KindValue, Value: []byte{}}},
		{"tombstone", Entry{Key: []byte("k3"), Seq: 9, Kind: KindTombstone}},
		{"with expiry", Entry{Key: []byte("k4"), Seq: 10, Kind: KindValue, Expiry: 1234567890, Value: []byte("v4")}},
		{"vlog pointer", Entry{Key: []byte("k5"), Seq: 11, Kind: KindValue, Vlog: true, VOffset: 4096, VLen: 100}},
	}
	for _, tt := range tests {
		buf := AppendEntry(nil, &tt.e)
		var got Entry
		n, err := DecodeEntry(buf, &got)
		if err != nil {
			t.Fatalf("%s: DecodeEntry: %v", tt.name, err)
		}
		if n != len(buf) {
			t.Errorf("%s: consumed %d of %d bytes", tt.name, n, len(buf))
		}
		if !bytes.Equal(got.Key, tt.e.Key) {
			t.Errorf("%s: key = %q, want %q", tt.name, got.Key, tt.e.Key)
		}
		if got.Seq != tt.e.Seq || got.Kind != tt.e.Kind || got.Expiry != tt.e.Expiry {
			t.Errorf("%s: header mismatch: %+v", tt.name, got)
		}
		if got.Vlog != tt.e.Vlog || got.VOffset != tt.e.VOffset || got.VLen != tt.e.VLen {
			t.Errorf("%s: vlog fields mismatch: %+v", tt.name, got)
		}
		if !bytes.Equal(got.Value, tt.e.Value) {
			t.Errorf("%s: value = %q, want %q", tt.name, got.Value, tt.e.Value)
		}
	}
}

func TestDecodeEntryConcatenated(t *testing.T) {
	e1 := Entry{Key: []byte("a"), Seq: 1, Kind: KindValue, Value: []byte("x")}
	e2 := Entry{Key: []byte("b"), Seq: 2, Kind: KindTombstone}
	buf := AppendEntry(nil, &e1)
	buf = AppendEntry(buf, &e2)

	var got Entry
	n, err := DecodeEntry(buf, &got)
	if err != nil {
		t.Fatalf("first DecodeEntry: %v", err)
	}
	if string(got.Key) != "a" {
		t.Fatalf("first key = %q", got.Key)
	}
	m, err := DecodeEntry(buf[n:], &got)
	if err != nil {
		t.Fatalf("second DecodeEntry: %v", err)
	}
	if string(got.Key) != "b" || !got.Tombstone() {
		t.Fatalf("second entry = %+v", got)
	}
	if n+m != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n+m, len(buf))
	}
}

func TestDecodeEntryCorrupt(t *testing.T) {
	e := Entry{Key: []byte("key"), Seq: 3, Kind: KindValue, Value: []byte("value")}
	buf := AppendEntry(nil, &e)

	var got Entry
	if _, err := DecodeEntry(nil, &got); err != ErrCorruptEntry {
		t.Errorf("empty buf: err = %v, want ErrCorruptEntry", err)
	}
	for _, cut := range []int{1, 2, len(buf) / 2, len(buf) - 1} {
		if _, err := DecodeEntry(buf[:cut], &got); err != ErrCorruptEntry {
			t.Errorf("truncated at %d: err = %v, want ErrCorruptEntry", cut, err)
		}
	}

	bad := append([]byte{}, buf...)
	bad[0] = 0x7f // undefined kind
	if _, err := DecodeEntry(bad, &got); err != ErrCorruptEntry {
		t.Errorf("bad kind: err = %v, want ErrCorruptEntry", err)
	}
}

func TestExpiry(t *testing.T) {
	now := time.Now()
	if got := ExpiryFromTTL(now, 0); got != 0 {
		t.Errorf("zero TTL expiry = %d, want 0", got)
	}
	if got := ExpiryFromTTL(now, -time.Second); got != 0 {
		t.Errorf("negative TTL expiry = %d, want 0", got)
	}
	exp := ExpiryFromTTL(now, time.Hour)
	if want := now.Add(time.Hour).UnixNano(); exp != want {
		t.Errorf("expiry = %d, want %d", exp, want)
	}

	e := Entry{Expiry: exp}
	if e.Expired(now.UnixNano()) {
		t.Errorf("entry expired before its TTL")
	}
	if !e.Expired(exp) {
		t.Errorf("entry not expired at its expiry instant")
	}
	forever := Entry{Expiry: 0}
	if forever.Expired(now.Add(1000 * time.Hour).UnixNano()) {
		t.Errorf("entry without expiry reported expired")
	}
}
