/*
Package queuefile implements the on-disk FIFO used when a muxer overflows.

A queue file is a sequence of parts named base, base.1, base.2 and so on. Each
part starts with a 16 byte header holding the magic "BQF1" and, in the first
live part, the offset up to which entries were acknowledged. Entries follow:

	[len:4][crc32c:4][type:4][source:4][unix nano:8][payload:len]

Integers are big endian. Parts roll over at MaxFileSize and are deleted once
every entry they hold is acknowledged. A torn entry at the end of the last part
is cut off on Open; everything before the ack offset is skipped.
*/
package queuefile
