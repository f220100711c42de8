// Package record defines the internal key and entry formats shared by the
// memtable, WAL, and SSTable layers.
//
// An internal key is the user key followed by an 8-byte little-endian
// trailer packing (sequence << 8 | kind). Entries sort by user key
// ascending, then by trailer descending, so the newest version of a key is
// encountered first.
//
// An encoded entry is the unit stored in klog blocks and WAL batches:
//
//	flags    : 1 byte (low nibble kind, bit 7 set when the value lives in
//	           the vlog and the value section holds an offset/length pair)
//	seq      : varint64
//	expiry   : varint64 (absolute unix nanoseconds, 0 = never)
//	key_len  : varint64, followed by key bytes
//	value    : varint64 length + bytes, or vlog offset + length varints
package record

import (
	"errors"
	"time"

	"github.com/lodekv/lodekv/internal/encoding"
)

// SeqNum is a 56-bit commit sequence number stored in the upper bits of the
// internal key trailer.
type SeqNum uint64

// MaxSeqNum is the maximum valid sequence number (2^56 - 1).
const MaxSeqNum SeqNum = (1 << 56) - 1

// TrailerLen is the size of the internal key trailer.
const TrailerLen = 8

// Kind describes what an entry represents. The values are embedded in the
// on-disk format and must not change.
type Kind uint8

const (
	// KindTombstone marks a deletion.
	KindTombstone Kind = 0x0
	// KindValue is a regular key/value entry.
	KindValue Kind = 0x1

	// kindSeek is used in seek trailers only; it sorts before every stored
	// kind at the same sequence and is never persisted.
	kindSeek Kind = 0xff
)

// vlogFlag marks an entry whose value section is a vlog pointer.
const vlogFlag = 0x80

// Size limits enforced on writes.
const (
	MaxKeyLength   = 64 << 10
	MaxValueLength = 1 << 30
)

var (
	// ErrCorruptEntry is returned when an encoded entry is malformed.
	ErrCorruptEntry = errors.New("record: corrupt entry")

	// ErrKeyTooShort is returned when an internal key is smaller than its trailer.
	ErrKeyTooShort = errors.New("record: internal key too short")
)

// Compare is a user-key comparison function: negative if a<b, zero if
// equal, positive if a>b.
type Compare func(a, b []byte) int

// PackTrailer packs a sequence number and kind into a trailer value.
func PackTrailer(seq SeqNum, kind Kind) uint64 {
	return uint64(seq)<<8 | uint64(kind)
}

// UnpackTrailer splits a trailer into sequence number and kind.
func UnpackTrailer(trailer uint64) (SeqNum, Kind) {
	return SeqNum(trailer >> 8), Kind(trailer & 0xff)
}

// MakeInternalKey appends the trailer for (seq, kind) to key and returns the
// internal key. The result shares no memory with key.
func MakeInternalKey(key []byte, seq SeqNum, kind Kind) []byte {
	ik := make([]byte, 0, len(key)+TrailerLen)
	ik = append(ik, key...)
	return encoding.AppendFixed64(ik, PackTrailer(seq, kind))
}

// MakeSeekKey returns an internal key that positions a forward scan at the
// first entry for key with sequence <= seq.
func MakeSeekKey(key []byte, seq SeqNum) []byte {
	return MakeInternalKey(key, seq, kindSeek)
}

// MakePrevSeekKey returns an internal key that positions a backward scan at
// the last entry for key, any sequence.
func MakePrevSeekKey(key []byte) []byte {
	return MakeInternalKey(key, 0, KindTombstone)
}

// UserKey returns the user key portion of an internal key.
// REQUIRES: len(ik) >= TrailerLen.
func UserKey(ik []byte) []byte {
	return ik[:len(ik)-TrailerLen]
}

// ParseInternalKey splits an internal key into its components.
func ParseInternalKey(ik []byte) (userKey []byte, seq SeqNum, kind Kind, err error) {
	if len(ik) < TrailerLen {
		return nil, 0, 0, ErrKeyTooShort
	}
	trailer := encoding.DecodeFixed64(ik[len(ik)-TrailerLen:])
	seq, kind = UnpackTrailer(trailer)
	return ik[:len(ik)-TrailerLen], seq, kind, nil
}

// InternalCompare orders internal keys: user key ascending under cmp, then
// trailer descending so higher sequences sort first.
func InternalCompare(cmp Compare, a, b []byte) int {
	au, bu := UserKey(a), UserKey(b)
	if c := cmp(au, bu); c != 0 {
		return c
	}
	at := encoding.DecodeFixed64(a[len(a)-TrailerLen:])
	bt := encoding.DecodeFixed64(b[len(b)-TrailerLen:])
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	default:
		return 0
	}
}

// Entry is a decoded klog/WAL entry.
type Entry struct {
	Key    []byte
	Seq    SeqNum
	Kind   Kind
	Expiry int64 // absolute unix nanoseconds, 0 = never

	// Value holds the inline value when Vlog is false.
	Value []byte

	// Vlog is true when the value lives in the value log; VOffset/VLen
	// locate it there.
	Vlog    bool
	VOffset uint64
	VLen    uint64
}

// Tombstone reports whether the entry is a deletion marker.
func (e *Entry) Tombstone() bool {
	return e.Kind == KindTombstone
}

// Expired reports whether the entry's TTL has passed at time now.
func (e *Entry) Expired(now int64) bool {
	return e.Expiry != 0 && e.Expiry <= now
}

// ExpiryFromTTL converts a TTL duration into an absolute expiry for entries
// written at time now. A zero TTL yields no expiry.
func ExpiryFromTTL(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// AppendEntry encodes e and appends it to dst.
func AppendEntry(dst []byte, e *Entry) []byte {
	flags := byte(e.Kind)
	if e.Vlog {
		flags |= vlogFlag
	}
	dst = append(dst, flags)
	dst = encoding.AppendVarint64(dst, uint64(e.Seq))
	dst = encoding.AppendVarint64(dst, uint64(e.Expiry))
	dst = encoding.AppendLengthPrefixedSlice(dst, e.Key)
	if e.Vlog {
		dst = encoding.AppendVarint64(dst, e.VOffset)
		dst = encoding.AppendVarint64(dst, e.VLen)
		return dst
	}
	return encoding.AppendLengthPrefixedSlice(dst, e.Value)
}

// DecodeEntry decodes one entry from the front of buf, returning the number
// of bytes consumed. Key and Value alias buf.
func DecodeEntry(buf []byte, e *Entry) (int, error) {
	if len(buf) < 1 {
		return 0, ErrCorruptEntry
	}
	flags := buf[0]
	e.Kind = Kind(flags &^ vlogFlag)
	e.Vlog = flags&vlogFlag != 0
	if e.Kind > KindValue {
		return 0, ErrCorruptEntry
	}

	s := encoding.NewSlice(buf[1:])
	seq, ok := s.GetVarint64()
	if !ok {
		return 0, ErrCorruptEntry
	}
	expiry, ok := s.GetVarint64()
	if !ok {
		return 0, ErrCorruptEntry
	}
	key, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return 0, ErrCorruptEntry
	}
	e.Seq = SeqNum(seq)
	e.Expiry = int64(expiry)
	e.Key = key
	e.Value = nil
	e.VOffset, e.VLen = 0, 0

	if e.Vlog {
		voff, ok := s.GetVarint64()
		if !ok {
			return 0, ErrCorruptEntry
		}
		vlen, ok := s.GetVarint64()
		if !ok {
			return 0, ErrCorruptEntry
		}
		e.VOffset, e.VLen = voff, vlen
		return 1 + len(buf[1:]) - s.Remaining(), nil
	}

	value, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return 0, ErrCorruptEntry
	}
	e.Value = value
	return 1 + len(buf[1:]) - s.Remaining(), nil
}
