package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// PrefixLen is the size of the little-endian length prefix.
const PrefixLen = 4

var (
	ErrShortPrefix     = errors.New("frame: short length prefix")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func (l Limits) allows(n uint32) bool {
	return l.MaxPayloadBytes == 0 || n <= l.MaxPayloadBytes
}

// Encode returns prefix+payload as one buffer so a frame is written with a single Write.
func Encode(payload []byte, limits Limits) ([]byte, error) {
	if uint64(len(payload)) > uint64(^uint32(0)) || !limits.allows(uint32(len(payload))) {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, PrefixLen+len(payload))
	binary.LittleEndian.PutUint32(buf[:PrefixLen], uint32(len(payload)))
	copy(buf[PrefixLen:], payload)
	return buf, nil
}

func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Encode(payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one whole frame is read from r.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortPrefix
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if !limits.allows(n) {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
