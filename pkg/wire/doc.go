/*
Package wire moves events across process and network boundaries.

An Encoder turns events into frames, a Decoder turns frames back into events.
Every frame carries exactly one event:

	┌─────────┬──────────┬──────────┬──────────────────────┬──────────┐
	│ version │ type id  │ length   │ payload              │ crc32c   │
	│ 1 byte  │ 4 bytes  │ 4 bytes  │ length bytes         │ 4 bytes  │
	└─────────┴──────────┴──────────┴──────────────────────┴──────────┘

Integers are big endian and the checksum (CRC-32C) covers header and payload.
The payload of a data frame is the source id (4 bytes) and timestamp (8 bytes,
unix nanoseconds) followed by the serialized event. Control frames, stop and
keep-alive, have an empty payload and are handled before type dispatch.

A frame whose type the decoder's registry does not know is consumed and
dropped; Skipped counts them. A checksum mismatch returns ErrCorruptFrame:
framing cannot be recovered after it, so the caller closes the stream.

# Compression

CompressWriter and DecompressReader sit below the codec and know nothing
about frames. The writer buffers the byte stream and compresses it in
independent zlib chunks, each prefixed with its compressed length:

	enc := wire.NewEncoder(cw, events.DefaultRegistry())  // cw is a *CompressWriter
	enc.Encode(e)
	enc.Flush()  // flushes the encoder and the compressor
*/
package wire
