package protocol

// DefaultMaxPending bounds the bytes an Assembler will carry between reads.
const DefaultMaxPending = 1 << 20

// Assembler decodes frames across successive reads, carrying an incomplete
// trailing frame over to the next call instead of discarding it.
//
// It is not safe for concurrent use; each connection owns one.
type Assembler struct {
	// MaxPending caps the carried-over bytes. Zero means DefaultMaxPending.
	MaxPending int

	pending []byte
	dropped int
}

// Feed appends msg to any carried-over bytes and returns the complete frames.
// On ErrMalformedFrame the pending buffer is reset, since there is no reliable
// resynchronization point.
func (a *Assembler) Feed(msg []byte) ([]Frame, error) {
	buf := msg
	if len(a.pending) > 0 {
		buf = append(a.pending, msg...)
	}
	frames, consumed, err := decode(buf)
	if err != nil {
		a.dropped += len(buf) - consumed
		a.pending = nil
		return frames, err
	}
	rest := buf[consumed:]
	limit := a.MaxPending
	if limit <= 0 {
		limit = DefaultMaxPending
	}
	if len(rest) > limit {
		a.dropped += len(rest)
		a.pending = nil
		return frames, nil
	}
	a.pending = append(a.pending[:0:0], rest...)
	return frames, nil
}

// Pending returns the number of buffered bytes awaiting more input.
func (a *Assembler) Pending() int { return len(a.pending) }

// Dropped returns the total bytes discarded due to malformed headers or
// exceeding MaxPending.
func (a *Assembler) Dropped() int { return a.dropped }

// Reset discards carried-over bytes, e.g. after a reconnect.
func (a *Assembler) Reset() { a.pending = nil }
