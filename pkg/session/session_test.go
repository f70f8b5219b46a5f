package session

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdma-rpc-go/pkg/config"
	"rdma-rpc-go/pkg/fabric"
	"rdma-rpc-go/pkg/wire"
)

func mismatchedPacket() wire.Packet {
	return wire.NewData(999, 0, []byte("x"))
}

func newSessionPair(t *testing.T, seed int64, dropRate, dupRate float64) (*Session, *Session) {
	t.Helper()
	cfg := config.Default()
	cfg.MTU = 256
	cfg.Window = 8
	cfg.PoolSize = 16
	cfg.PollTries = 200

	a, b := fabric.NewFaultyPair(seed)
	a.DropRate, a.DuplicateRate = dropRate, dupRate
	b.DropRate, b.DuplicateRate = dropRate, dupRate

	ta, err := fabric.NewTransport(a, cfg.PoolSize, cfg.MTU)
	require.NoError(t, err)
	tb, err := fabric.NewTransport(b, cfg.PoolSize, cfg.MTU)
	require.NoError(t, err)

	return New(ta, 0, cfg), New(tb, 0, cfg)
}

func TestPingPong(t *testing.T) {
	s1, s2 := newSessionPair(t, 1, 0, 0)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		require.NoError(t, s1.SendBytes(bytes.Repeat([]byte{0xAA}, 64)))
		var got []byte
		require.NoError(t, s1.Recv(&got))
		require.Equal(t, bytes.Repeat([]byte{0xBB}, 64), got)
	}()

	go func() {
		defer wg.Done()
		got, err := s2.RecvBytes()
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{0xAA}, 64), got)
		require.NoError(t, s2.Send(bytes.Repeat([]byte{0xBB}, 64)))
	}()

	wg.Wait()
}

func TestManySmallMessages(t *testing.T) {
	s1, s2 := newSessionPair(t, 2, 0, 0)

	const n = 200
	msgs := make([][]byte, n)
	rng := rand.New(rand.NewSource(3))
	for i := range msgs {
		msgs[i] = make([]byte, 64)
		rng.Read(msgs[i])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, m := range msgs {
			require.NoError(t, s1.SendBytes(m))
		}
	}()

	var received []byte
	go func() {
		defer wg.Done()
		want := 0
		for _, m := range msgs {
			want += len(m)
		}
		for len(received) < want {
			chunk, err := s2.RecvBytes()
			require.NoError(t, err)
			received = append(received, chunk...)
		}
	}()
	wg.Wait()

	var want []byte
	for _, m := range msgs {
		want = append(want, m...)
	}
	require.Equal(t, want, received)
}

func TestDuplicateAndLossTolerance(t *testing.T) {
	s1, s2 := newSessionPair(t, 4, 0.2, 0.3)

	payload := bytes.Repeat([]byte{0x42}, 4096)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, s1.SendBytes(payload))
	}()

	var received []byte
	go func() {
		defer wg.Done()
		for len(received) < len(payload) {
			chunk, err := s2.RecvBytes()
			require.NoError(t, err)
			received = append(received, chunk...)
		}
	}()
	wg.Wait()

	require.Equal(t, payload, received)
}

func TestStalledWindowRetransmitsWithoutProgress(t *testing.T) {
	cfg := config.Default()
	cfg.MTU = 256
	cfg.Window = 8
	cfg.PoolSize = 16
	cfg.PollTries = 20
	cfg.PollInterval = time.Millisecond

	a, b := fabric.NewFaultyPair(9)
	// Every datagram from a is dropped until cleared below, so the first
	// post of every fragment vanishes and the window can only complete if
	// SendBytes notices the stall and re-posts once nothing is dropped.
	a.DropRate = 1.0

	ta, err := fabric.NewTransport(a, cfg.PoolSize, cfg.MTU)
	require.NoError(t, err)
	tb, err := fabric.NewTransport(b, cfg.PoolSize, cfg.MTU)
	require.NoError(t, err)
	s1, s2 := New(ta, 0, cfg), New(tb, 0, cfg)

	payload := []byte("stalled then recovers")

	sendDone := make(chan error, 1)
	go func() { sendDone <- s1.SendBytes(payload) }()

	recvDone := make(chan []byte, 1)
	go func() {
		got, err := s2.RecvBytes()
		require.NoError(t, err)
		recvDone <- got
	}()

	// Long enough for several stalled poll cycles (PollTries*PollInterval)
	// to elapse while everything is still being dropped.
	time.Sleep(100 * time.Millisecond)
	a.DropRate = 0

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SendBytes never recovered from a stalled window")
	}

	select {
	case got := <-recvDone:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("RecvBytes never observed the recovered data")
	}
}

func TestTypedRoundTrip(t *testing.T) {
	s1, s2 := newSessionPair(t, 5, 0, 0)

	type value struct {
		A int
		B string
	}
	in := value{A: 99, B: "ninety-nine"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, s1.Send(in))
	}()

	var out value
	go func() {
		defer wg.Done()
		require.NoError(t, s2.Recv(&out))
	}()
	wg.Wait()

	require.Equal(t, in, out)
}

func TestSessionIDMismatchPanics(t *testing.T) {
	cfg := config.Default()
	cfg.MTU = 256
	a, b := fabric.NewFaultyPair(6)
	ta, err := fabric.NewTransport(a, 8, cfg.MTU)
	require.NoError(t, err)
	_, err = fabric.NewTransport(b, 8, cfg.MTU)
	require.NoError(t, err)

	s := New(ta, 1, cfg)
	require.Panics(t, func() {
		s.handleInbound(mismatchedPacket())
	})
}

func TestIdleSinceResetsOnTraffic(t *testing.T) {
	s1, s2 := newSessionPair(t, 7, 0, 0)

	time.Sleep(20 * time.Millisecond)
	// SendBytes returns only once the peer has ACKed, so the receiver must
	// already be running.
	recvErr := make(chan error, 1)
	go func() {
		_, err := s2.RecvBytes()
		recvErr <- err
	}()
	require.NoError(t, s1.SendBytes([]byte("hello")))
	require.NoError(t, <-recvErr)

	require.Less(t, s1.IdleSince(), 20*time.Millisecond)
}

func TestEventBusNotifiesClose(t *testing.T) {
	s1, s2 := newSessionPair(t, 8, 0, 0)
	_ = s2

	closed := make(chan struct{}, 1)
	s1.Events().Register(EventClosed, func(Event) {
		closed <- struct{}{}
	})

	require.NoError(t, s1.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("EventClosed handler was not invoked")
	}
}
