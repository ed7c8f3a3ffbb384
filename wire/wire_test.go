package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderMarshalBinaryIsFixedSizeRegardlessOfValue(t *testing.T) {
	small := Header{Type: DataQueueNode, Size: 4}
	large := Header{Type: DataWorkerConfig, Size: 1 << 20}

	assert.Len(t, small.MarshalBinary(), HeaderSize)
	assert.Len(t, large.MarshalBinary(), HeaderSize)
}

func TestHeaderUnmarshalBinaryRoundTrip(t *testing.T) {
	want := Header{Type: DataWorkerConfig, Size: 4096}
	buf := want.MarshalBinary()

	var got Header
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, want, got)
}

func TestHeaderUnmarshalBinaryRejectsWrongSize(t *testing.T) {
	var h Header
	assert.Error(t, h.UnmarshalBinary([]byte{1, 2, 3}))
}
