package frame

import "encoding/binary"

// Decoder reassembles frames from arbitrarily split chunks of a byte stream.
// It is not safe for concurrent use.
type Decoder struct {
	limits Limits
	buf    []byte
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends chunk and returns every frame it completes, in order.
// ErrPayloadTooLarge leaves the stream unrecoverable; frames completed before it are still returned.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for len(d.buf) >= PrefixLen {
		n := binary.LittleEndian.Uint32(d.buf[:PrefixLen])
		if !d.limits.allows(n) {
			d.buf = nil
			return out, ErrPayloadTooLarge
		}
		end := PrefixLen + int(n)
		if len(d.buf) < end {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[PrefixLen:end])
		out = append(out, payload)
		d.buf = d.buf[end:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 2*len(d.buf)+PrefixLen {
		d.buf = append([]byte(nil), d.buf...)
	}
	return out, nil
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) Reset() {
	d.buf = nil
}
