// vlog.go implements the value log holding values too large for klog
// inlining. Each value is sealed with the same frame codec as klog blocks,
// so a pointer is just the frame's (offset, span) within the file.
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/lodekv/lodekv/internal/checksum"
	"github.com/lodekv/lodekv/internal/compress"
	"github.com/lodekv/lodekv/internal/vfs"
)

const vlogHeaderLen = 8

// VlogWriter appends values to a new vlog file. Offsets it returns are
// stable once Append returns; the file is durable after Finish.
type VlogWriter struct {
	f    vfs.WritableFile
	w    *bufio.Writer
	off  uint64
	comp compress.Type
	ct   checksum.Type
	buf  []byte
}

// NewVlogWriter creates path and writes the vlog header.
func NewVlogWriter(fs vfs.FS, path string, comp compress.Type, ct checksum.Type) (*VlogWriter, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	w := &VlogWriter{
		f:    f,
		w:    bufio.NewWriterSize(f, 64<<10),
		off:  vlogHeaderLen,
		comp: comp,
		ct:   ct,
	}
	var hdr [vlogHeaderLen]byte
	binary.LittleEndian.PutUint64(hdr[:], vlogMagic)
	if _, err := w.w.Write(hdr[:]); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Append stores value and returns the frame's offset and span, the pair a
// klog entry records as its vlog pointer.
func (w *VlogWriter) Append(value []byte) (off, span uint64, err error) {
	w.buf, err = sealBlock(w.buf[:0], value, w.comp, w.ct)
	if err != nil {
		return 0, 0, err
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return 0, 0, err
	}
	off = w.off
	span = uint64(len(w.buf))
	w.off += span
	return off, span, nil
}

// Size returns the file size written so far.
func (w *VlogWriter) Size() uint64 { return w.off }

// Finish flushes and syncs the vlog.
func (w *VlogWriter) Finish() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close closes the file without syncing.
func (w *VlogWriter) Close() error { return w.f.Close() }

// VlogReader resolves vlog pointers against a finished vlog file.
type VlogReader struct {
	f    vfs.RandomAccessFile
	size uint64
	ct   checksum.Type
}

// OpenVlog opens path and verifies its header.
func OpenVlog(fs vfs.FS, path string, ct checksum.Type) (*VlogReader, error) {
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, err
	}
	size := uint64(f.Size())
	if size < vlogHeaderLen {
		f.Close()
		return nil, fmt.Errorf("%w: %s: short file", ErrCorruptVlog, path)
	}
	var hdr [vlogHeaderLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	if binary.LittleEndian.Uint64(hdr[:]) != vlogMagic {
		f.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptVlog, path)
	}
	return &VlogReader{f: f, size: size, ct: ct}, nil
}

// ReadValueAt returns the value stored at the given frame span. The
// returned slice is freshly allocated for compressed frames and otherwise
// aliases a private read buffer; callers own it either way.
func (r *VlogReader) ReadValueAt(off, span uint64) ([]byte, error) {
	if off < vlogHeaderLen || span < blockHeaderLen+blockTrailerLen || off+span > r.size {
		return nil, fmt.Errorf("%w: pointer %d+%d out of range", ErrCorruptVlog, off, span)
	}
	framed := make([]byte, span)
	if _, err := r.f.ReadAt(framed, int64(off)); err != nil {
		return nil, err
	}
	value, err := openBlock(framed, r.ct)
	if err != nil {
		return nil, fmt.Errorf("%w: frame at %d", ErrCorruptVlog, off)
	}
	return value, nil
}

// Size returns the vlog file size.
func (r *VlogReader) Size() uint64 { return r.size }

// Close closes the underlying file.
func (r *VlogReader) Close() error { return r.f.Close() }
