package slot

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bhaskarbora2/llfs/errors"
)

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	payload := []byte("hello, log")
	rec := Encode(payload)
	assert.Equal(RecordSize(len(payload)), uint64(len(rec)))
	assert.Equal(uint64(0), uint64(len(rec))%Align)

	got, size, err := Decode(rec)
	assert.NoError(err)
	assert.Equal(payload, got)
	assert.Equal(uint64(len(rec)), size)
}

func TestDecodeCorrupt(t *testing.T) {
	assert := assert.New(t)
	rec := Encode([]byte("payload"))
	rec[HeaderSize] ^= 0xff
	_, _, err := Decode(rec)
	assert.True(errors.Is(errors.Corruption, err))

	_, _, err = Decode(rec[:4])
	assert.True(errors.Is(errors.Corruption, err))
}

func TestReader(t *testing.T) {
	assert := assert.New(t)
	var buf []byte
	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, p := range payloads {
		buf = append(buf, Encode(p)...)
	}

	r := NewReader(buf, 100)
	var got [][]byte
	prev := uint64(100)
	for {
		rng, p, err := r.Next()
		if err == io.EOF {
			break
		}
		assert.NoError(err)
		assert.Equal(prev, rng.Lo, "slots must abut")
		prev = rng.Hi
		got = append(got, append([]byte(nil), p...))
	}
	assert.Equal(payloads, got)
	assert.Equal(uint64(100+len(buf)), r.Offset())
}

func TestLockSet(t *testing.T) {
	assert := assert.New(t)
	s := NewLockSet()
	assert.True(s.MayTrim(1000))

	l := s.Acquire(Range{Lo: 16, Hi: 48})
	assert.False(s.MayTrim(48))
	assert.True(s.MayTrim(16))

	l.Incref()
	l.Release()
	assert.False(s.MayTrim(48), "still pinned by second ref")
	l.Release()
	assert.True(s.MayTrim(48))
}
