package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		size      int
	}{
		{"empty", 0, 0},
		{"smaller than a chunk", 1024, 100},
		{"exact chunks", 1024, 4096},
		{"many chunks", 1000, 100000},
		{"default chunk", 0, 200000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain := make([]byte, tt.size)
			rng := rand.New(rand.NewSource(int64(tt.size)))
			for i := range plain {
				plain[i] = byte('a' + rng.Intn(4))
			}

			var wire bytes.Buffer
			cw, err := NewCompressWriter(&wire, tt.chunkSize, zlib.DefaultCompression)
			require.NoError(t, err)

			// Uneven writes across chunk boundaries.
			for rest := plain; len(rest) > 0; {
				n := 1 + rng.Intn(3000)
				if n > len(rest) {
					n = len(rest)
				}
				written, err := cw.Write(rest[:n])
				require.NoError(t, err)
				require.Equal(t, n, written)
				rest = rest[n:]
			}
			require.NoError(t, cw.Close())
			if tt.size > 0 {
				assert.Less(t, wire.Len(), tt.size)
			}

			got, err := io.ReadAll(NewDecompressReader(&wire))
			require.NoError(t, err)
			assert.Equal(t, len(plain), len(got))
			assert.True(t, bytes.Equal(plain, got))
		})
	}
}

func TestCompress_InvalidLevel(t *testing.T) {
	_, err := NewCompressWriter(io.Discard, 0, 42)
	assert.Error(t, err)
}

func TestDecompress_CorruptChunk(t *testing.T) {
	var b bytes.Buffer
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], 5)
	b.Write(head[:])
	b.Write([]byte{1, 2, 3, 4, 5})

	_, err := io.ReadAll(NewDecompressReader(&b))
	assert.ErrorIs(t, err, ErrCorruptFrame)

	b.Reset()
	b.Write(head[:])
	b.Write([]byte{1, 2})
	_, err = io.ReadAll(NewDecompressReader(&b))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCodec_OverCompression(t *testing.T) {
	reg := events.DefaultRegistry()
	var wire bytes.Buffer
	cw, err := NewCompressWriter(&wire, 512, zlib.BestSpeed)
	require.NoError(t, err)

	enc := NewEncoder(cw, reg)
	for i := 0; i < 200; i++ {
		require.NoError(t, enc.Encode(events.NewServiceStatus(uint32(i), events.ServiceStatus{
			HostID:    uint64(i),
			ServiceID: 1,
			Output:    "OK - everything is fine",
		})))
	}
	require.NoError(t, enc.Encode(events.NewControl(events.TypeStop)))
	// Flush reaches through to the compressor.
	require.NoError(t, enc.Flush())

	dec := NewDecoder(NewDecompressReader(&wire), reg)
	for i := 0; i < 200; i++ {
		e, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), e.Source())
	}
	e, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, events.TypeStop, e.Type())

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}
