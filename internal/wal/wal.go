// Package wal implements the per-memtable write-ahead log.
//
// Each memtable generation owns one log file. A commit appends a single
// framed batch:
//
//	frame   := length uint32 | crc uint32 | payload
//	payload := count varint | entry*
//
// The crc is masked CRC32C over the payload. Recovery reads frames until
// the file ends or a frame fails its length or checksum; a bad tail is
// treated as a torn write from a crash, truncating replay there. Entries
// re-enter the memtable with their original sequence numbers, so replay
// reconstructs exactly the pre-crash visible state.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/lodekv/lodekv/internal/checksum"
	"github.com/lodekv/lodekv/internal/encoding"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/vfs"
)

const (
	// frameHeaderLen is the length + crc prefix size.
	frameHeaderLen = 8

	// maxFrameLen bounds a single commit batch; larger lengths are read
	// as corruption.
	maxFrameLen = 1 << 30
)

// ErrClosed is returned by operations on a closed writer.
var ErrClosed = errors.New("wal: closed")

// FileName returns the log path for a file number inside dir.
func FileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", num))
}

// Writer appends framed batches to a log file.
type Writer struct {
	f      vfs.WritableFile
	size   int64
	closed bool
	buf    []byte
}

// NewWriter creates the log file at path, truncating any leftover.
func NewWriter(fs vfs.FS, path string) (*Writer, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f}, nil
}

// AppendBatch frames and writes one commit's entries.
func (w *Writer) AppendBatch(entries []record.Entry) error {
	if w.closed {
		return ErrClosed
	}
	payload := encodeBatch(w.buf[:0], entries)

	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	crc := checksum.Mask(checksum.CRC32C(payload))
	binary.LittleEndian.PutUint32(hdr[4:8], crc)

	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(payload); err != nil {
		return err
	}
	w.size += int64(frameHeaderLen + len(payload))
	w.buf = payload[:0]
	return nil
}

// Sync flushes appended batches to stable storage.
func (w *Writer) Sync() error {
	if w.closed {
		return ErrClosed
	}
	return w.f.Sync()
}

// Size returns the bytes appended so far.
func (w *Writer) Size() int64 {
	return w.size
}

// Close closes the file. It does not sync; callers decide durability.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

func encodeBatch(dst []byte, entries []record.Entry) []byte {
	dst = encoding.AppendVarint64(dst, uint64(len(entries)))
	for i := range entries {
		dst = record.AppendEntry(dst, &entries[i])
	}
	return dst
}

// DecodeBatch walks a frame payload, invoking fn per entry. Decoding stops
// at the first error from the payload or from fn.
func DecodeBatch(payload []byte, fn func(record.Entry) error) error {
	s := encoding.NewSlice(payload)
	count, ok := s.GetVarint64()
	if !ok {
		return record.ErrCorruptEntry
	}
	rest := payload[len(payload)-s.Remaining():]
	for i := uint64(0); i < count; i++ {
		var e record.Entry
		n, err := record.DecodeEntry(rest, &e)
		if err != nil {
			return err
		}
		rest = rest[n:]
		if err := fn(e); err != nil {
			return err
		}
	}
	if len(rest) != 0 {
		return record.ErrCorruptEntry
	}
	return nil
}

// Reader replays a log file batch by batch.
type Reader struct {
	r     *bufio.Reader
	c     io.Closer
	done  bool
	torn  bool
	frame []byte
}

// NewReader opens the log at path for replay.
func NewReader(fs vfs.FS, path string) (*Reader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{r: bufio.NewReaderSize(f, 64<<10), c: f}, nil
}

// Next returns the next frame's payload, valid until the following call.
// io.EOF signals the end of replayable data; Torn reports whether the file
// ended in a damaged frame.
func (r *Reader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}

	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		r.done = true
		if err == io.ErrUnexpectedEOF {
			r.torn = true
		}
		return nil, io.EOF
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	want := binary.LittleEndian.Uint32(hdr[4:8])
	if length > maxFrameLen {
		r.done, r.torn = true, true
		return nil, io.EOF
	}

	if cap(r.frame) < int(length) {
		r.frame = make([]byte, length)
	}
	r.frame = r.frame[:length]
	if _, err := io.ReadFull(r.r, r.frame); err != nil {
		r.done, r.torn = true, true
		return nil, io.EOF
	}
	if checksum.Mask(checksum.CRC32C(r.frame)) != want {
		r.done, r.torn = true, true
		return nil, io.EOF
	}
	return r.frame, nil
}

// Torn reports whether replay ended at a damaged tail rather than a clean
// end of file.
func (r *Reader) Torn() bool {
	return r.torn
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.c.Close()
}
