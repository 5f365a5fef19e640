package pageid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPack(t *testing.T) {
	assert := assert.New(t)
	id := New(3, 70000, 5)
	assert.Equal(DeviceIndex(3), id.Device())
	assert.Equal(PhysIndex(70000), id.PhysIndex())
	assert.Equal(Generation(5), id.Generation())
}

func TestFieldBounds(t *testing.T) {
	assert := assert.New(t)
	id := New(255, 1<<32-1, GenerationMask)
	assert.Equal(DeviceIndex(255), id.Device())
	assert.Equal(PhysIndex(1<<32-1), id.PhysIndex())
	assert.Equal(Generation(GenerationMask), id.Generation())

	// generation wraps at 24 bits
	id = New(0, 0, GenerationMask+1)
	assert.Equal(Generation(0), id.Generation())
}

func TestNull(t *testing.T) {
	assert.True(t, Null.IsNull())
	assert.False(t, New(0, 0, 1).IsNull())
}
