package queuefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrIO wraps every filesystem failure
	ErrIO = errors.New("queue file I/O error")

	// ErrFull is returned by Append once MaxTotalSize is reached
	ErrFull = fmt.Errorf("%w: size limit reached", ErrIO)

	// ErrEndOfQueue is returned by ReadNext when every entry has been read
	ErrEndOfQueue = errors.New("end of queue")

	// ErrClosed is returned after Close or Remove
	ErrClosed = errors.New("queue file closed")
)

const (
	magic       = "BQF1"
	headerSize  = 16
	entryHeader = 24

	// DefaultMaxFileSize is the size at which a new part is started
	DefaultMaxFileSize int64 = 100 << 20

	minMaxFileSize int64 = 10000
	maxPayload           = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Position locates one entry: the part holding it, where it starts and where
// the next one starts.
type Position struct {
	Part   int
	Offset int64
	Next   int64
}

// after reports whether p is past the cursor (part, offset)
func (p Position) after(part int, offset int64) bool {
	return p.Part > part || (p.Part == part && p.Next > offset)
}

// Options configures a queue file
type Options struct {
	// MaxFileSize is the size after which a new part is started
	MaxFileSize int64

	// MaxTotalSize caps the bytes on disk for this queue; zero means no cap
	MaxTotalSize int64
}

// Stats is a snapshot of the file state
type Stats struct {
	Path        string
	Parts       int
	Bytes       int64
	Unread      int
	Unacked     int
	ReadPart    int
	ReadOffset  int64
	WritePart   int
	WriteOffset int64
}

// File is an append-only event log split in numbered parts. It has one writer
// and one reader, both being the owning muxer. Entries are read back in the
// order they were appended; the read cursor only becomes durable through Ack,
// so unacknowledged entries are delivered again after a restart.
type File struct {
	mu   sync.Mutex
	base string
	opts Options

	wid     int
	woffset int64
	wfile   *os.File

	rid     int
	roffset int64
	rfile   *os.File

	ackPart   int
	ackOffset int64

	sizes    map[int]int64
	unread   int
	inflight []Position
	closed   bool

	logger zerolog.Logger
}

// Open opens or creates the queue file rooted at base. Existing parts are
// scanned: the read cursor restarts at the last acknowledged entry and a torn
// entry at the end of the last part is truncated away.
func Open(base string, opts Options) (*File, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxFileSize < minMaxFileSize {
		opts.MaxFileSize = minMaxFileSize
	}

	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", ErrIO, err)
	}

	f := &File{
		base:   base,
		opts:   opts,
		sizes:  make(map[int]int64),
		logger: log.WithComponent("queuefile").With().Str("path", base).Logger(),
	}

	parts, err := listParts(base)
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		if err := f.openWritePart(0); err != nil {
			return nil, err
		}
		f.ackOffset = headerSize
		f.roffset = headerSize
		return f, nil
	}

	f.rid = parts[0]
	f.wid = parts[len(parts)-1]
	for _, id := range parts {
		st, err := os.Stat(f.partPath(id))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		f.sizes[id] = st.Size()
	}

	ack, err := readAckOffset(f.partPath(f.rid))
	if err != nil {
		return nil, err
	}
	if ack > f.sizes[f.rid] {
		ack = f.sizes[f.rid]
	}
	f.ackPart = f.rid
	f.ackOffset = ack
	f.roffset = ack

	if err := f.scan(parts); err != nil {
		return nil, err
	}
	if err := f.openWritePart(f.wid); err != nil {
		return nil, err
	}

	f.logger.Debug().
		Int("parts", len(parts)).
		Int("unread", f.unread).
		Msg("queue file reopened")
	return f, nil
}

// Exists reports whether any part of the queue file rooted at base is on disk
func Exists(base string) bool {
	parts, err := listParts(base)
	return err == nil && len(parts) > 0
}

// RemoveAll deletes every part of the queue file rooted at base
func RemoveAll(base string) error {
	parts, err := listParts(base)
	if err != nil {
		return err
	}
	for _, id := range parts {
		if err := os.Remove(partPath(base, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// Append writes e at the end of the file. It never waits for the reader.
func (f *File) Append(e *events.Event) (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Position{}, ErrClosed
	}
	if e.Len() > maxPayload {
		return Position{}, fmt.Errorf("%w: payload of %d bytes too large", ErrIO, e.Len())
	}

	entry := encodeEntry(e)
	size := int64(len(entry))

	if f.opts.MaxTotalSize > 0 && f.totalSize()+size > f.opts.MaxTotalSize {
		return Position{}, ErrFull
	}

	if f.woffset > headerSize && f.woffset+size > f.opts.MaxFileSize {
		if err := f.rotate(); err != nil {
			return Position{}, err
		}
	}

	if f.wfile == nil {
		if err := f.openWritePart(f.wid); err != nil {
			return Position{}, err
		}
	}

	n, err := f.wfile.WriteAt(entry, f.woffset)
	if err != nil {
		// Drop whatever part of the entry reached the disk.
		_ = f.wfile.Truncate(f.woffset)
		return Position{}, fmt.Errorf("%w: write %s: %v", ErrIO, f.partPath(f.wid), err)
	}

	pos := Position{Part: f.wid, Offset: f.woffset, Next: f.woffset + int64(n)}
	f.woffset = pos.Next
	f.sizes[f.wid] = f.woffset
	f.unread++
	return pos, nil
}

// ReadNext returns the next unread entry. The entry stays on disk until it is
// acknowledged.
func (f *File) ReadNext() (*events.Event, Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, Position{}, ErrClosed
	}

	for {
		if f.rid == f.wid && f.roffset >= f.woffset {
			return nil, Position{}, ErrEndOfQueue
		}
		if f.roffset >= f.sizes[f.rid] && f.rid < f.wid {
			f.nextReadPart()
			continue
		}

		if f.rfile == nil {
			rf, err := os.OpenFile(f.partPath(f.rid), os.O_RDWR, 0)
			if err != nil {
				return nil, Position{}, fmt.Errorf("%w: %v", ErrIO, err)
			}
			f.rfile = rf
		}

		e, next, err := readEntry(f.rfile, f.roffset)
		if err != nil {
			if f.rid < f.wid {
				f.logger.Error().Err(err).
					Int("part", f.rid).
					Int64("offset", f.roffset).
					Msg("Corrupted entry, skipping the rest of the part")
				f.sizes[f.rid] = f.roffset
				f.nextReadPart()
				continue
			}
			return nil, Position{}, fmt.Errorf("%w: %v", ErrIO, err)
		}

		pos := Position{Part: f.rid, Offset: f.roffset, Next: next}
		f.roffset = next
		if f.unread > 0 {
			f.unread--
		}
		f.inflight = append(f.inflight, pos)
		return e, pos, nil
	}
}

// Ack makes every entry up to and including pos durable as consumed. Parts
// that are entirely acknowledged are deleted.
func (f *File) Ack(pos Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if !pos.after(f.ackPart, f.ackOffset) {
		return nil
	}

	n := 0
	for n < len(f.inflight) && !f.inflight[n].after(pos.Part, pos.Next) {
		n++
	}
	f.inflight = f.inflight[n:]

	f.ackPart = pos.Part
	f.ackOffset = pos.Next
	if err := f.writeAckOffset(); err != nil {
		return err
	}
	return f.shrink()
}

// Rewind moves the read cursor back to the last acknowledged entry so every
// unacknowledged entry is read again.
func (f *File) Rewind() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.unread += len(f.inflight)
	f.inflight = nil
	if f.rid != f.ackPart && f.rfile != nil {
		_ = f.rfile.Close()
		f.rfile = nil
	}
	f.rid = f.ackPart
	f.roffset = f.ackOffset
	return nil
}

// Shrink deletes the parts that have been entirely acknowledged. Ack already
// does it when it crosses a part boundary.
func (f *File) Shrink() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	return f.shrink()
}

// Len returns the number of entries not read yet
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Pending returns the number of entries read but not acknowledged
func (f *File) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

// Empty reports whether every entry was read and acknowledged
func (f *File) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread == 0 && len(f.inflight) == 0
}

// Size returns the bytes currently on disk
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalSize()
}

// Path returns the base path
func (f *File) Path() string {
	return f.base
}

// Stats returns a snapshot of the cursors
func (f *File) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Path:        f.base,
		Parts:       len(f.sizes),
		Bytes:       f.totalSize(),
		Unread:      f.unread,
		Unacked:     len(f.inflight),
		ReadPart:    f.rid,
		ReadOffset:  f.roffset,
		WritePart:   f.wid,
		WriteOffset: f.woffset,
	}
}

// Close releases the file handles. Files stay on disk.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.closeHandles()
}

// Remove closes the file and deletes every part
func (f *File) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	_ = f.closeHandles()
	f.sizes = map[int]int64{}
	f.unread = 0
	f.inflight = nil
	if err := RemoveAll(f.base); err != nil {
		return err
	}
	f.logger.Debug().Msg("queue file removed")
	return nil
}

func (f *File) closeHandles() error {
	var firstErr error
	if f.rfile != nil {
		if err := f.rfile.Close(); err != nil {
			firstErr = err
		}
		f.rfile = nil
	}
	if f.wfile != nil {
		if err := f.wfile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.wfile = nil
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %v", ErrIO, firstErr)
	}
	return nil
}

func (f *File) partPath(id int) string {
	return partPath(f.base, id)
}

func (f *File) totalSize() int64 {
	var total int64
	for _, s := range f.sizes {
		total += s
	}
	return total
}

func (f *File) nextReadPart() {
	if f.rfile != nil {
		_ = f.rfile.Close()
		f.rfile = nil
	}
	f.rid++
	f.roffset = headerSize
}

func (f *File) rotate() error {
	if err := f.wfile.Sync(); err != nil {
		return fmt.Errorf("%w: flush %s: %v", ErrIO, f.partPath(f.wid), err)
	}
	if err := f.wfile.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	f.wfile = nil
	f.logger.Debug().Int("part", f.wid+1).Msg("Starting new queue file part")
	return f.openWritePart(f.wid + 1)
}

// openWritePart opens (or creates with a fresh header) part id for writing
func (f *File) openWritePart(id int) error {
	path := f.partPath(id)
	wf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	st, err := wf.Stat()
	if err != nil {
		wf.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	size := st.Size()
	if size < headerSize {
		var hdr [headerSize]byte
		copy(hdr[:4], magic)
		binary.BigEndian.PutUint64(hdr[8:], headerSize)
		if _, err := wf.WriteAt(hdr[:], 0); err != nil {
			wf.Close()
			return fmt.Errorf("%w: write header %s: %v", ErrIO, path, err)
		}
		size = headerSize
	}

	f.wfile = wf
	f.wid = id
	f.woffset = size
	f.sizes[id] = size
	return nil
}

func (f *File) writeAckOffset() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(f.ackOffset))

	var h *os.File
	switch {
	case f.ackPart == f.wid && f.wfile != nil:
		h = f.wfile
	case f.ackPart == f.rid && f.rfile != nil:
		h = f.rfile
	}
	if h != nil {
		if _, err := h.WriteAt(buf[:], 8); err != nil {
			return fmt.Errorf("%w: persist ack: %v", ErrIO, err)
		}
		return nil
	}
	pf, err := os.OpenFile(f.partPath(f.ackPart), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: persist ack: %v", ErrIO, err)
	}
	defer pf.Close()
	if _, err := pf.WriteAt(buf[:], 8); err != nil {
		return fmt.Errorf("%w: persist ack: %v", ErrIO, err)
	}
	return nil
}

// shrink removes fully acknowledged parts below the write part.
func (f *File) shrink() error {
	for {
		first := f.firstPart()
		if first < 0 || first >= f.wid {
			return nil
		}
		done := first < f.ackPart || (first == f.ackPart && f.ackOffset >= f.sizes[first])
		if !done {
			return nil
		}
		if first == f.rid && f.rfile != nil {
			_ = f.rfile.Close()
			f.rfile = nil
		}
		if err := os.Remove(f.partPath(first)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		delete(f.sizes, first)
		f.logger.Debug().Int("part", first).Msg("Acknowledged queue file part removed")

		if f.ackPart == first {
			f.ackPart = first + 1
			f.ackOffset = headerSize
			if err := f.writeAckOffset(); err != nil {
				return err
			}
		}
		if f.rid == first {
			f.rid = first + 1
			f.roffset = headerSize
		}
	}
}

func (f *File) firstPart() int {
	first := -1
	for id := range f.sizes {
		if first < 0 || id < first {
			first = id
		}
	}
	return first
}

// scan counts the unread entries from the read cursor and truncates a torn
// entry at the end of the last part.
func (f *File) scan(parts []int) error {
	for _, id := range parts {
		start := int64(headerSize)
		if id == f.rid {
			start = f.roffset
		}
		rf, err := os.Open(f.partPath(id))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		offset := start
		for offset < f.sizes[id] {
			_, next, err := readEntry(rf, offset)
			if err != nil {
				break
			}
			offset = next
			f.unread++
		}
		rf.Close()

		if offset < f.sizes[id] {
			f.logger.Warn().
				Int("part", id).
				Int64("offset", offset).
				Int64("size", f.sizes[id]).
				Msg("Discarding unreadable tail of queue file part")
			if id == f.wid {
				if err := os.Truncate(f.partPath(id), offset); err != nil {
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
			}
			f.sizes[id] = offset
		}
	}
	return nil
}

func encodeEntry(e *events.Event) []byte {
	buf := make([]byte, entryHeader+e.Len())
	binary.BigEndian.PutUint32(buf[0:], uint32(e.Len()))
	binary.BigEndian.PutUint32(buf[8:], uint32(e.Type()))
	binary.BigEndian.PutUint32(buf[12:], e.Source())
	binary.BigEndian.PutUint64(buf[16:], uint64(e.Timestamp().UnixNano()))
	copy(buf[entryHeader:], e.Payload())
	binary.BigEndian.PutUint32(buf[4:], crc32.Checksum(buf[8:], castagnoli))
	return buf
}

func readEntry(r io.ReaderAt, offset int64) (*events.Event, int64, error) {
	var hdr [entryHeader]byte
	if _, err := r.ReadAt(hdr[:], offset); err != nil {
		return nil, 0, fmt.Errorf("short entry header at %d: %w", offset, err)
	}
	length := binary.BigEndian.Uint32(hdr[0:])
	if length > maxPayload {
		return nil, 0, fmt.Errorf("entry at %d claims %d bytes", offset, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := r.ReadAt(payload, offset+entryHeader); err != nil {
			return nil, 0, fmt.Errorf("short entry payload at %d: %w", offset, err)
		}
	}

	sum := crc32.Checksum(hdr[8:], castagnoli)
	sum = crc32.Update(sum, castagnoli, payload)
	if sum != binary.BigEndian.Uint32(hdr[4:]) {
		return nil, 0, fmt.Errorf("checksum mismatch at %d", offset)
	}

	e := events.New(
		events.TypeID(binary.BigEndian.Uint32(hdr[8:])),
		binary.BigEndian.Uint32(hdr[12:]),
		time.Unix(0, int64(binary.BigEndian.Uint64(hdr[16:]))),
		payload,
	)
	return e, offset + entryHeader + int64(length), nil
}

func readAckOffset(path string) (int64, error) {
	pf, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer pf.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(pf, hdr[:]); err != nil {
		// A part without a complete header holds nothing.
		return headerSize, nil
	}
	if string(hdr[:4]) != magic {
		return 0, fmt.Errorf("%w: %s is not a queue file", ErrIO, path)
	}
	ack := int64(binary.BigEndian.Uint64(hdr[8:]))
	if ack < headerSize {
		ack = headerSize
	}
	return ack, nil
}

func partPath(base string, id int) string {
	if id == 0 {
		return base
	}
	return base + "." + strconv.Itoa(id)
}

// listParts returns the ids of the parts of base in ascending order
func listParts(base string) ([]int, error) {
	dir, name := filepath.Split(base)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var ids []int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), name) {
			continue
		}
		suffix := strings.TrimPrefix(entry.Name(), name)
		if suffix == "" {
			ids = append(ids, 0)
			continue
		}
		if !strings.HasPrefix(suffix, ".") {
			continue
		}
		id, err := strconv.Atoi(suffix[1:])
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
