package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoder(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(0)
	enc.WriteVarUint(300)
	enc.WriteString("room")
	enc.WriteVarBytes([]byte{1, 2, 3})

	dec := NewDecoder(enc.Bytes())
	v, err := dec.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	v, err = dec.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v)
	s, err := dec.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "room", s)
	b, err := dec.ReadVarBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
	assert.Equal(t, 0, dec.Remaining())
}

func TestVarUintWireFormat(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(300)
	assert.Equal(t, []byte{0xac, 0x02}, enc.Bytes())
}

func TestDecoderShortBuffer(t *testing.T) {
	_, err := NewDecoder(nil).ReadVarUint()
	assert.ErrorIs(t, err, ErrShortBuffer)

	// length prefix claims 5 bytes but only 2 follow
	_, err = NewDecoder([]byte{5, 'a', 'b'}).ReadString()
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = NewDecoder([]byte{0x80}).ReadVarUint()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecoderRejectsHugeLength(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(MaxLength + 1)
	_, err := NewDecoder(enc.Bytes()).ReadVarBytes()
	assert.Error(t, err)
}

func TestReadVarBytesCopies(t *testing.T) {
	buf := []byte{2, 7, 8}
	b, err := NewDecoder(buf).ReadVarBytes()
	require.NoError(t, err)
	buf[1] = 0
	assert.Equal(t, []byte{7, 8}, b)
}
