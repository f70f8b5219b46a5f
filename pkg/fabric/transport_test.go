package fabric

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rdma-rpc-go/pkg/wire"
)

func newTransportPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	a, b := NewFaultyPair(1)
	ta, err := NewTransport(a, 8, 256)
	require.NoError(t, err)
	tb, err := NewTransport(b, 8, 256)
	require.NoError(t, err)
	return ta, tb
}

func TestSendBurstAndRecvRoundTrip(t *testing.T) {
	ta, tb := newTransportPair(t)
	defer ta.Close()
	defer tb.Close()

	p := wire.NewData(1, 0, []byte("hello"))
	require.NoError(t, ta.SendBurst([]wire.Packet{p}))

	got, err := tb.Recv()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, p.Data, got[0].Data)
	require.Equal(t, p.Seq, got[0].Seq)
}

func TestTryRecvEmptyWhenNothingArrived(t *testing.T) {
	_, tb := newTransportPair(t)
	defer tb.Close()

	packets := tb.TryRecv()
	require.Empty(t, packets)
}

func TestBufferConservationAcrossBursts(t *testing.T) {
	ta, tb := newTransportPair(t)
	defer ta.Close()
	defer tb.Close()

	for i := 0; i < 20; i++ {
		p := wire.NewData(1, uint64(i), []byte("payload"))
		require.NoError(t, ta.SendBurst([]wire.Packet{p}))
		_, err := tb.Recv()
		require.NoError(t, err)
	}
	// A send pool of size 8 surviving 20 sequential sends proves buffers
	// were freed and reused rather than exhausted.
}
