// Package chunking implements the Bolt chunked message transport: it
// splits outgoing messages into 16-bit length-prefixed chunks and
// reassembles incoming chunks back into whole messages, tolerating
// standalone zero-length NOOP keep-alives (spec §4.1).
package chunking

import (
	"encoding/binary"
)

// DefaultMaxChunkSize is the default chunk payload ceiling (spec §4.1,
// §6: "Max chunk payload 16384 bytes").
const DefaultMaxChunkSize = 16384

// DefaultCapacity is the Outbox's initial preallocated buffer size
// (spec §5: "the outbox is a single preallocated buffer (default 8192
// bytes, grown on demand)").
const DefaultCapacity = 8192

// Outbox is a single growable byte buffer holding the current
// in-progress message. It tracks three cursors — header (the current
// chunk's two-byte length prefix), start (the chunk's first payload
// byte) and end (one past the last payload byte written) — so the
// buffer is always transmittable in place: the length prefix for the
// open chunk is kept up to date on every write.
type Outbox struct {
	maxChunkSize int
	header       int
	start        int
	end          int
	data         []byte
}

// NewOutbox returns an Outbox with the given initial capacity and max
// chunk size. A zero maxChunkSize defaults to DefaultMaxChunkSize.
func NewOutbox(capacity, maxChunkSize int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	o := &Outbox{
		maxChunkSize: maxChunkSize,
		data:         make([]byte, capacity),
	}
	o.Clear()
	return o
}

// MaxChunkSize returns the configured chunk payload ceiling.
func (o *Outbox) MaxChunkSize() int {
	return o.maxChunkSize
}

// Clear resets the buffer to an empty, freshly opened chunk. Used
// between messages so the outbox never carries partial state across
// the message boundary it just closed.
func (o *Outbox) Clear() {
	o.header = 0
	o.start = 2
	o.end = 2
	if len(o.data) < 2 {
		o.data = make([]byte, DefaultCapacity)
	}
	o.data[0] = 0
	o.data[1] = 0
}

func (o *Outbox) grow(minLen int) {
	if minLen <= len(o.data) {
		return
	}
	newData := make([]byte, minLen*2)
	copy(newData, o.data)
	o.data = newData
}

// Write appends b to the current message, opening new chunks as the
// current one fills to MaxChunkSize. The chunk length prefix is
// rewritten after every append so View() is always consistent.
func (o *Outbox) Write(b []byte) {
	pos := 0
	toWrite := len(b)
	for toWrite > 0 {
		chunkSize := o.end - o.start
		remaining := o.maxChunkSize - chunkSize
		if remaining == 0 || (remaining < toWrite && toWrite <= o.maxChunkSize) {
			o.openChunk()
			continue
		}
		wrote := toWrite
		if wrote > remaining {
			wrote = remaining
		}
		newEnd := o.end + wrote
		o.grow(newEnd)
		copy(o.data[o.end:newEnd], b[pos:pos+wrote])
		o.end = newEnd
		pos += wrote
		toWrite -= wrote
		binary.BigEndian.PutUint16(o.data[o.header:o.header+2], uint16(o.end-o.start))
	}
}

// Chunk ends the current message: it closes the current chunk, writes
// the zero-length 00 00 terminator after it, and opens a fresh chunk
// for the next message, so View() covers the whole framed message.
func (o *Outbox) Chunk() {
	o.openChunk()
	o.openChunk()
}

// openChunk closes the current chunk by opening a fresh zero-length one
// immediately after it.
func (o *Outbox) openChunk() {
	o.header = o.end
	o.start = o.header + 2
	o.grow(o.start)
	o.end = o.start
	o.data[o.header] = 0
	o.data[o.header+1] = 0
}

// View returns the prefix of the buffer containing all complete
// chunks plus the in-progress one (if non-empty), ready to hand to a
// socket write. It does not copy.
func (o *Outbox) View() []byte {
	chunkSize := o.end - o.start
	if chunkSize == 0 {
		return o.data[:o.header]
	}
	return o.data[:o.end]
}
