// Package term manages long-lived interactive terminal processes with
// bounded output buffering and cursor-based reads.
package term

// ringBuffer is a byte ring over the process output stream. Positions are
// absolute byte offsets since process start; when the ring overflows, the
// head is evicted and start advances. Readers holding a cursor below
// start must resynchronize.
type ringBuffer struct {
	buf   []byte
	cap   int
	start int64 // absolute offset of buf[0]
	total int64 // absolute offset one past the last byte
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

// append adds data, evicting from the head when the ring would exceed its
// capacity.
func (r *ringBuffer) append(data []byte) {
	if len(data) == 0 {
		return
	}
	r.total += int64(len(data))

	if len(data) >= r.cap {
		// The chunk alone fills the ring; keep only its tail.
		r.buf = append(r.buf[:0], data[len(data)-r.cap:]...)
		r.start = r.total - int64(r.cap)
		return
	}

	r.buf = append(r.buf, data...)
	if overflow := len(r.buf) - r.cap; overflow > 0 {
		r.buf = r.buf[overflow:]
		r.start += int64(overflow)
	}
}

// read returns bytes from the absolute cursor, at most max. reset reports
// that the cursor pointed below the buffered window and was snapped to
// its start.
func (r *ringBuffer) read(cursor int64, max int) (data []byte, newCursor int64, reset bool) {
	if cursor < r.start {
		cursor = r.start
		reset = true
	}
	if cursor > r.total {
		cursor = r.total
	}
	offset := int(cursor - r.start)
	end := len(r.buf)
	if max > 0 && offset+max < end {
		end = offset + max
	}
	if offset >= len(r.buf) {
		return nil, cursor, reset
	}
	chunk := make([]byte, end-offset)
	copy(chunk, r.buf[offset:end])
	return chunk, cursor + int64(len(chunk)), reset
}

// len returns the number of buffered bytes.
func (r *ringBuffer) len() int { return len(r.buf) }
