package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireExhaustionAndReuse(t *testing.T) {
	p := New(4, 16)

	ids := make(map[int]bool)
	for i := 0; i < 4; i++ {
		id, buf, ok := p.AcquireFree()
		require.True(t, ok)
		require.Len(t, buf, 16)
		require.False(t, ids[id], "acquired a duplicate id")
		ids[id] = true
	}

	_, _, ok := p.AcquireFree()
	require.False(t, ok, "fifth acquire should find the pool exhausted")

	first := 0
	for id := range ids {
		first = id
		break
	}
	require.NoError(t, p.MarkFree(first))

	id, _, ok := p.AcquireFree()
	require.True(t, ok)
	require.Equal(t, first, id)
}

func TestMarkFreeUnknownID(t *testing.T) {
	p := New(4, 16)
	err := p.MarkFree(9999)
	require.Error(t, err)
}

func TestGetUnknownID(t *testing.T) {
	p := New(2, 8)
	_, err := p.Get(9999)
	require.Error(t, err)
}
