package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	// DefaultChunkSize is the amount of plain data compressed at once
	DefaultChunkSize = 64 << 10

	// maxChunkSize bounds a chunk in both its compressed and plain forms
	maxChunkSize = 16 << 20
)

// CompressWriter compresses a byte stream in independent zlib chunks:
//
//	[compressed length:4][zlib data]
//
// Data is buffered until ChunkSize bytes are pending or Flush is called.
type CompressWriter struct {
	w         io.Writer
	chunkSize int
	buf       []byte
	zbuf      bytes.Buffer
	zw        *zlib.Writer
}

// NewCompressWriter creates a compressing writer. chunkSize <= 0 selects
// DefaultChunkSize; level is a zlib level such as zlib.DefaultCompression.
func NewCompressWriter(w io.Writer, chunkSize, level int) (*CompressWriter, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}
	cw := &CompressWriter{
		w:         w,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
	}
	zw, err := zlib.NewWriterLevel(&cw.zbuf, level)
	if err != nil {
		return nil, fmt.Errorf("invalid compression level %d: %w", level, err)
	}
	cw.zw = zw
	return cw, nil
}

func (c *CompressWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := c.chunkSize - len(c.buf)
		if room > len(p) {
			room = len(p)
		}
		c.buf = append(c.buf, p[:room]...)
		p = p[room:]
		if len(c.buf) == c.chunkSize {
			if err := c.writeChunk(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

// Flush compresses and writes whatever is pending
func (c *CompressWriter) Flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	return c.writeChunk()
}

// Close flushes; it does not close the underlying writer
func (c *CompressWriter) Close() error {
	return c.Flush()
}

func (c *CompressWriter) writeChunk() error {
	c.zbuf.Reset()
	c.zw.Reset(&c.zbuf)
	if _, err := c.zw.Write(c.buf); err != nil {
		return err
	}
	if err := c.zw.Close(); err != nil {
		return err
	}

	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(c.zbuf.Len()))
	if _, err := c.w.Write(head[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(c.zbuf.Bytes()); err != nil {
		return err
	}
	c.buf = c.buf[:0]
	return nil
}

// DecompressReader reverses CompressWriter
type DecompressReader struct {
	r     io.Reader
	plain []byte
	pos   int
}

// NewDecompressReader creates a reader decompressing r
func NewDecompressReader(r io.Reader) *DecompressReader {
	return &DecompressReader{r: r}
}

func (d *DecompressReader) Read(p []byte) (int, error) {
	for d.pos >= len(d.plain) {
		if err := d.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.plain[d.pos:])
	d.pos += n
	return n, nil
}

func (d *DecompressReader) readChunk() error {
	var head [4]byte
	if _, err := io.ReadFull(d.r, head[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 || size > maxChunkSize {
		return fmt.Errorf("%w: compressed chunk of %d bytes", ErrCorruptFrame, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(d.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(io.LimitReader(zr, maxChunkSize+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	if len(plain) > maxChunkSize {
		return fmt.Errorf("%w: chunk expands beyond %d bytes", ErrCorruptFrame, maxChunkSize)
	}
	d.plain = plain
	d.pos = 0
	return nil
}
