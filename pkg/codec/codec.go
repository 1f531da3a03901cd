// Package codec implements the small binary encoding shared by every frame on the
// wire: unsigned varints, length-prefixed byte slices and length-prefixed strings.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a value runs past the end of the input.
var ErrShortBuffer = errors.New("codec: unexpected end of buffer")

// MaxLength bounds any single length prefix so a corrupt frame cannot make the
// decoder allocate an absurd amount of memory.
const MaxLength = 64 << 20

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Bytes returns the encoded buffer. The encoder must not be reused afterwards.
func (e *Encoder) Bytes() []byte { return e.buf }

type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n == 0 {
		return 0, ErrShortBuffer
	}
	if n < 0 {
		return 0, fmt.Errorf("codec: varint overflows 64 bits at offset %d", d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	l, err := d.readLength()
	if err != nil {
		return nil, err
	}
	out := make([]byte, l)
	copy(out, d.buf[d.pos:d.pos+l])
	d.pos += l
	return out, nil
}

func (d *Decoder) ReadString() (string, error) {
	l, err := d.readLength()
	if err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+l])
	d.pos += l
	return s, nil
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) readLength() (int, error) {
	l, err := d.ReadVarUint()
	if err != nil {
		return 0, err
	}
	if l > MaxLength {
		return 0, fmt.Errorf("codec: length %d exceeds limit", l)
	}
	if uint64(d.Remaining()) < l {
		return 0, ErrShortBuffer
	}
	return int(l), nil
}
