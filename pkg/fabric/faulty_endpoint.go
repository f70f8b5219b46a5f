package fabric

import (
	"math/rand"
	"sync"
	"time"

	"rdma-rpc-go/pkg/rpcerr"
)

// FaultyEndpoint is an in-memory Endpoint pair used to exercise the
// reliability layer's duplicate, loss and reorder tolerance (properties
// P4-P6) without a real NIC or socket. Datagrams sent on one side are
// handed to the peer's posted receive buffers in arrival order, same as
// UDPEndpoint; what differs is that PostSend may drop, duplicate or delay
// a given datagram before delivery according to the configured rates.
type FaultyEndpoint struct {
	mu   sync.Mutex
	peer *FaultyEndpoint
	info EndpointInfo

	// postedRecv holds recv buffers posted but not yet filled, FIFO.
	postedRecv []pendingRecv
	// backlog holds datagrams that arrived before any matching recv was
	// posted, FIFO; mirrors a NIC's own receive queue depth.
	backlog [][]byte

	sendDone  []int
	recvQueue []Completion

	rng    *rand.Rand
	closed bool

	// DropRate is the probability, in [0,1], that a posted send is
	// silently discarded instead of delivered; 1 drops every send.
	DropRate float64
	// DuplicateRate is the probability that a posted send, if not
	// dropped, is delivered twice.
	DuplicateRate float64
	// MaxReorderDelay bounds a random per-datagram delivery delay; a
	// nonzero value lets later-posted datagrams overtake earlier ones.
	MaxReorderDelay time.Duration
}

type pendingRecv struct {
	id  int
	buf []byte
}

// NewFaultyPair builds two endpoints wired to each other, seeded
// deterministically so a failing property test is reproducible.
func NewFaultyPair(seed int64) (a, b *FaultyEndpoint) {
	a = &FaultyEndpoint{rng: rand.New(rand.NewSource(seed))}
	b = &FaultyEndpoint{rng: rand.New(rand.NewSource(seed + 1))}
	a.peer, b.peer = b, a
	return a, b
}

// PostSend implements Endpoint.
func (e *FaultyEndpoint) PostSend(id int, buf []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return rpcerr.New(rpcerr.KindTransport, "post send on closed endpoint")
	}
	drop := e.rng.Float64() < e.DropRate
	dup := e.rng.Float64() < e.DuplicateRate
	delay := e.MaxReorderDelay
	e.mu.Unlock()

	e.mu.Lock()
	e.sendDone = append(e.sendDone, id)
	e.mu.Unlock()

	if drop {
		return nil
	}

	cp := append([]byte(nil), buf...)
	e.deliverWithDelay(cp, delay)
	if dup {
		cp2 := append([]byte(nil), buf...)
		e.deliverWithDelay(cp2, delay)
	}
	return nil
}

func (e *FaultyEndpoint) deliverWithDelay(datagram []byte, maxDelay time.Duration) {
	peer := e.peer
	if maxDelay <= 0 {
		peer.deliver(datagram)
		return
	}
	d := time.Duration(e.rng.Int63n(int64(maxDelay)))
	go func() {
		time.Sleep(d)
		peer.deliver(datagram)
	}()
}

func (e *FaultyEndpoint) deliver(datagram []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if len(e.postedRecv) == 0 {
		e.backlog = append(e.backlog, datagram)
		return
	}
	pr := e.postedRecv[0]
	e.postedRecv = e.postedRecv[1:]
	n := copy(pr.buf, datagram)
	e.recvQueue = append(e.recvQueue, Completion{BufID: pr.id, N: n})
}

// PollSendCompletions implements Endpoint.
func (e *FaultyEndpoint) PollSendCompletions() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sendDone) == 0 {
		return nil
	}
	done := e.sendDone
	e.sendDone = nil
	return done
}

// PostRecv implements Endpoint.
func (e *FaultyEndpoint) PostRecv(id int, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return rpcerr.New(rpcerr.KindTransport, "post recv on closed endpoint")
	}
	if len(e.backlog) > 0 {
		datagram := e.backlog[0]
		e.backlog = e.backlog[1:]
		n := copy(buf, datagram)
		e.recvQueue = append(e.recvQueue, Completion{BufID: id, N: n})
		return nil
	}
	e.postedRecv = append(e.postedRecv, pendingRecv{id: id, buf: buf})
	return nil
}

// PollRecv implements Endpoint.
func (e *FaultyEndpoint) PollRecv() []Completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recvQueue) == 0 {
		return nil
	}
	done := e.recvQueue
	e.recvQueue = nil
	return done
}

// Info implements Endpoint.
func (e *FaultyEndpoint) Info() EndpointInfo {
	return e.info
}

// Close implements Endpoint.
func (e *FaultyEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
