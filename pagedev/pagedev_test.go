package pagedev

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/storage"
)

func mkDev(t *testing.T) *PageDevice {
	t.Helper()
	return MkPageDevice(1, storage.NewMemPages(512, 16))
}

func TestReadWrite(t *testing.T) {
	assert := assert.New(t)
	d := mkDev(t)

	id := pageid.New(1, 3, 1)
	assert.NoError(d.Write(id, []byte("payload bytes")))
	got, err := d.Read(id)
	assert.NoError(err)
	assert.Equal([]byte("payload bytes"), got)
}

func TestStaleGenerationNotFound(t *testing.T) {
	assert := assert.New(t)
	d := mkDev(t)

	old := pageid.New(1, 3, 1)
	assert.NoError(d.Write(old, []byte("v1")))
	cur := pageid.New(1, 3, 2)
	assert.NoError(d.Write(cur, []byte("v2")))

	_, err := d.Read(old)
	assert.True(errors.Is(errors.NotFound, err), "stale generation reads fail with NotFound")
	got, err := d.Read(cur)
	assert.NoError(err)
	assert.Equal([]byte("v2"), got)
}

func TestUnwrittenNotFound(t *testing.T) {
	d := mkDev(t)
	_, err := d.Read(pageid.New(1, 5, 1))
	assert.True(t, errors.Is(errors.NotFound, err))
}

func TestDrop(t *testing.T) {
	assert := assert.New(t)
	d := mkDev(t)

	id := pageid.New(1, 7, 1)
	assert.NoError(d.Write(id, []byte("gone soon")))
	assert.NoError(d.Drop(id))
	_, err := d.Read(id)
	assert.True(errors.Is(errors.NotFound, err))
}

func TestCorruption(t *testing.T) {
	assert := assert.New(t)
	s := storage.NewMemPages(512, 4)
	d := MkPageDevice(0, s)

	id := pageid.New(0, 2, 1)
	assert.NoError(d.Write(id, []byte("precious")))

	// Flip a payload byte behind the device's back.
	raw, err := s.ReadPage(2)
	assert.NoError(err)
	raw[20] ^= 0xff
	assert.NoError(s.WritePage(2, raw))

	_, err = d.Read(id)
	assert.True(errors.Is(errors.Corruption, err))
}

func TestStaleWritePanics(t *testing.T) {
	d := mkDev(t)
	id := pageid.New(1, 4, 2)
	assert.NoError(t, d.Write(id, []byte("v2")))
	assert.Panics(t, func() {
		d.Write(pageid.New(1, 4, 1), []byte("v1"))
	})
}
