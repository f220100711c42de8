// manifest.go implements the per-column-family MANIFEST file.
//
// The manifest records level membership and the allocator watermarks a
// reopen needs: next file number, lowest unflushed WAL generation, and the
// highest flushed sequence. It is small, so every version change rewrites
// the whole file through an atomic rename instead of appending an edit
// log.
package levels

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lodekv/lodekv/internal/checksum"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/sstable"
	"github.com/lodekv/lodekv/internal/vfs"
)

// ManifestFileName is the manifest's name inside a column family directory.
const ManifestFileName = "MANIFEST"

const (
	manifestMagic   uint64 = 0x4c4b564d414e4931 // "LKVMANI1"
	manifestVersion uint16 = 1

	// magic + version up front, crc32c at the end.
	manifestHeaderLen  = 10
	manifestTrailerLen = 4
)

// ErrCorruptManifest reports an unreadable or inconsistent manifest.
var ErrCorruptManifest = errors.New("levels: corrupt manifest")

// manifestState is the decoded content of a manifest file.
type manifestState struct {
	nextFileNum uint64
	logNum      uint64
	lastSeq     record.SeqNum
	levels      [][]TableMeta
}

func encodeManifest(s *manifestState) []byte {
	buf := make([]byte, manifestHeaderLen, 512)
	binary.LittleEndian.PutUint64(buf[0:], manifestMagic)
	binary.LittleEndian.PutUint16(buf[8:], manifestVersion)

	buf = binary.AppendUvarint(buf, s.nextFileNum)
	buf = binary.AppendUvarint(buf, s.logNum)
	buf = binary.AppendUvarint(buf, uint64(s.lastSeq))
	buf = binary.AppendUvarint(buf, uint64(len(s.levels)))
	for _, level := range s.levels {
		buf = binary.AppendUvarint(buf, uint64(len(level)))
		for i := range level {
			buf = appendTableMeta(buf, &level[i])
		}
	}

	sum := checksum.Compute(checksum.TypeCRC32C, buf, 0)
	return binary.LittleEndian.AppendUint32(buf, sum)
}

func appendTableMeta(buf []byte, m *TableMeta) []byte {
	buf = binary.AppendUvarint(buf, m.FileNum)
	buf = binary.AppendUvarint(buf, uint64(len(m.Smallest)))
	buf = append(buf, m.Smallest...)
	buf = binary.AppendUvarint(buf, uint64(len(m.Largest)))
	buf = append(buf, m.Largest...)
	buf = binary.AppendUvarint(buf, m.KlogSize)
	buf = binary.AppendUvarint(buf, m.VlogSize)
	buf = binary.AppendUvarint(buf, m.NumEntries)
	buf = binary.AppendUvarint(buf, m.KeyBytes)
	buf = binary.AppendUvarint(buf, m.ValueBytes)
	buf = binary.AppendUvarint(buf, uint64(m.MaxSeq))
	buf = binary.AppendUvarint(buf, uint64(m.MinExpiry))
	buf = append(buf, byte(m.Layout))
	buf = binary.AppendUvarint(buf, uint64(m.NumBlocks))
	buf = binary.AppendUvarint(buf, uint64(m.Height))
	return buf
}

// manifestDecoder wraps cursor state over an encoded manifest body.
type manifestDecoder struct {
	buf []byte
	err error
}

func (d *manifestDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrCorruptManifest
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *manifestDecoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = ErrCorruptManifest
		return nil
	}
	out := append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return out
}

func (d *manifestDecoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.err = ErrCorruptManifest
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func decodeManifest(data []byte) (*manifestState, error) {
	if len(data) < manifestHeaderLen+manifestTrailerLen {
		return nil, fmt.Errorf("%w: short file", ErrCorruptManifest)
	}
	if binary.LittleEndian.Uint64(data[0:]) != manifestMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptManifest)
	}
	if v := binary.LittleEndian.Uint16(data[8:]); v != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptManifest, v)
	}
	body := data[:len(data)-manifestTrailerLen]
	stored := binary.LittleEndian.Uint32(data[len(data)-manifestTrailerLen:])
	if !checksum.Verify(checksum.TypeCRC32C, body, 0, stored) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptManifest)
	}

	d := &manifestDecoder{buf: body[manifestHeaderLen:]}
	s := &manifestState{
		nextFileNum: d.uvarint(),
		logNum:      d.uvarint(),
		lastSeq:     record.SeqNum(d.uvarint()),
	}
	numLevels := d.uvarint()
	if d.err == nil && numLevels > maxConfigurableLevels {
		return nil, fmt.Errorf("%w: %d levels", ErrCorruptManifest, numLevels)
	}
	s.levels = make([][]TableMeta, numLevels)
	for l := range s.levels {
		count := d.uvarint()
		if d.err != nil {
			break
		}
		if count > uint64(len(d.buf)) {
			return nil, fmt.Errorf("%w: table count overflow", ErrCorruptManifest)
		}
		s.levels[l] = make([]TableMeta, 0, count)
		for i := uint64(0); i < count; i++ {
			m := decodeTableMeta(d)
			if d.err != nil {
				break
			}
			s.levels[l] = append(s.levels[l], m)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptManifest)
	}
	return s, nil
}

func decodeTableMeta(d *manifestDecoder) TableMeta {
	m := TableMeta{
		FileNum:  d.uvarint(),
		Smallest: d.bytes(),
		Largest:  d.bytes(),
	}
	m.KlogSize = d.uvarint()
	m.VlogSize = d.uvarint()
	m.NumEntries = d.uvarint()
	m.KeyBytes = d.uvarint()
	m.ValueBytes = d.uvarint()
	m.MaxSeq = record.SeqNum(d.uvarint())
	m.MinExpiry = int64(d.uvarint())
	m.Layout = sstable.Layout(d.byte())
	m.NumBlocks = uint32(d.uvarint())
	m.Height = uint32(d.uvarint())
	if d.err == nil && (len(m.Smallest) < record.TrailerLen || len(m.Largest) < record.TrailerLen) {
		d.err = ErrCorruptManifest
	}
	return m
}

// loadManifest reads and decodes dir's manifest. A missing file is not an
// error; it returns (nil, nil) so callers can start from an empty state.
func loadManifest(fs vfs.FS, path string) (*manifestState, error) {
	if !fs.Exists(path) {
		return nil, nil
	}
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return decodeManifest(data)
}

// saveManifest durably replaces the manifest via write-temp-and-rename.
func saveManifest(fs vfs.FS, path string, s *manifestState) error {
	if err := vfs.WriteFileAtomic(fs, path, encodeManifest(s)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
