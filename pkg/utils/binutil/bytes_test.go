package binutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWordsRoundTrip(t *testing.T) {
	words := []uint16{0x0001, 0x2BE6, 0xFFFF}
	buf := WordsToBytes(words)
	assert.Equal(t, []byte{0x00, 0x01, 0x2B, 0xE6, 0xFF, 0xFF}, buf)
	assert.Equal(t, words, BytesToWords(buf))
}

func TestSplitFloat32(t *testing.T) {
	hi, lo := SplitFloat32(1.0)
	assert.Equal(t, uint16(0x3F80), hi)
	assert.Equal(t, uint16(0x0000), lo)
	assert.Equal(t, float32(1.0), JoinFloat32(hi, lo))
}

func TestShrinkExpandBool(t *testing.T) {
	bits := []byte{1, 0, 1, 1, 0, 0, 0, 0, 1}
	packed := ShrinkBool(bits)
	assert.Equal(t, []byte{0x0D, 0x01}, packed)

	expanded := ExpandBool(packed, len(packed))
	assert.Equal(t, bits, expanded[:len(bits)])
}
