package chat

import "bytes"

// lineBuffer splits an inbound byte stream into newline-terminated messages,
// carrying partial lines across reads. A pending line never grows past limit;
// once it would, the first limit bytes are emitted as one message.
//
// It is owned by a single session and is not safe for concurrent use.
type lineBuffer struct {
	data  []byte
	limit int
}

func newLineBuffer(limit int) *lineBuffer {
	if limit <= 0 {
		limit = DefaultReadBufferSize
	}
	return &lineBuffer{
		data:  make([]byte, 0, min(limit, 4096)),
		limit: limit,
	}
}

// Feed appends p and calls emit for every completed message, newline included.
// The slice passed to emit is only valid for the duration of the call.
func (b *lineBuffer) Feed(p []byte, emit func([]byte)) {
	for len(p) > 0 {
		room := b.limit - len(b.data)
		i := bytes.IndexByte(p, '\n')
		switch {
		case i >= 0 && i < room:
			b.data = append(b.data, p[:i+1]...)
			p = p[i+1:]
			b.flush(emit)
		case len(p) < room:
			b.data = append(b.data, p...)
			return
		default:
			b.data = append(b.data, p[:room]...)
			p = p[room:]
			b.flush(emit)
		}
	}
}

// Pending reports how many bytes are buffered without a terminating newline.
func (b *lineBuffer) Pending() int {
	return len(b.data)
}

// Drain returns a copy of the partial line and empties the buffer.
func (b *lineBuffer) Drain() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := append([]byte(nil), b.data...)
	b.data = b.data[:0]
	return out
}

func (b *lineBuffer) flush(emit func([]byte)) {
	emit(b.data)
	b.data = b.data[:0]
}
