package filter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloom(t *testing.T) {
	b := NewBloom(1000, 0.01)
	for i := uint64(0); i < 1000; i++ {
		b.Add(i * 7919)
	}
	for i := uint64(0); i < 1000; i++ {
		assert.True(t, b.MayContain(i*7919))
	}

	falsePositives := 0
	for i := uint64(0); i < 10000; i++ {
		if b.MayContain(1<<40 + i) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 500)

	data, err := b.Bytes()
	require.NoError(t, err)
	restored, err := ReadBloom(bytes.NewReader(data))
	require.NoError(t, err)
	for i := uint64(0); i < 1000; i++ {
		assert.True(t, restored.MayContain(i*7919))
	}

	_, err = ReadBloom(bytes.NewReader(data[:3]))
	assert.Error(t, err)
}
