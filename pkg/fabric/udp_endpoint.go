package fabric

import (
	"net"
	"sync"

	"rdma-rpc-go/pkg/rpcerr"
)

// UDPEndpoint implements Endpoint over a connected UDP socket. One UD
// queue pair plus its one addressed remote peer is modelled as one
// connected socket. PostSend is synchronous (the write syscall either
// completes or errors immediately) and queues its completion for the next
// PollSendCompletions; PostRecv returns at once and a background read
// queues the receive completion for the next PollRecv.
type UDPEndpoint struct {
	conn *net.UDPConn
	info EndpointInfo

	mu        sync.Mutex
	sendDone  []int
	recvQueue []Completion
	recvBufs  map[int][]byte

	closed bool
}

// NewUDPEndpoint binds a local UDP socket on localAddr and connects it to
// remoteAddr, so every subsequent write targets the peer without
// per-packet addressing (the closest stand-in for a UD queue pair that
// already has its remote endpoint descriptor bound).
func NewUDPEndpoint(localAddr, remoteAddr string) (*UDPEndpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindTransport, err, "resolve local addr")
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindTransport, err, "resolve remote addr")
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindTransport, err, "dial udp")
	}
	return &UDPEndpoint{
		conn:     conn,
		recvBufs: make(map[int][]byte),
		info: EndpointInfo{
			QPNum:  1,
			QKey:   1,
			Remote: conn.LocalAddr().String(),
		},
	}, nil
}

// PostSend implements Endpoint.
func (e *UDPEndpoint) PostSend(id int, buf []byte) error {
	if _, err := e.conn.Write(buf); err != nil {
		return rpcerr.Wrap(rpcerr.KindTransport, err, "udp send")
	}
	e.mu.Lock()
	e.sendDone = append(e.sendDone, id)
	e.mu.Unlock()
	return nil
}

// PollSendCompletions implements Endpoint.
func (e *UDPEndpoint) PollSendCompletions() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sendDone) == 0 {
		return nil
	}
	done := e.sendDone
	e.sendDone = nil
	return done
}

// PostRecv implements Endpoint. The read itself happens on a background
// goroutine per posted buffer, matching the asynchronous NIC-fills-buffer
// model: the caller is not blocked while the datagram is in flight.
func (e *UDPEndpoint) PostRecv(id int, buf []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return rpcerr.New(rpcerr.KindTransport, "post recv on closed endpoint")
	}
	e.recvBufs[id] = buf
	e.mu.Unlock()

	go e.readInto(id, buf)
	return nil
}

func (e *UDPEndpoint) readInto(id int, buf []byte) {
	n, err := e.conn.Read(buf)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if err != nil {
		// A read error leaves this buffer unposted; the Session-level
		// caller will notice the stall via its own poll budget. Nothing
		// further to recycle here since the buffer never filled.
		return
	}
	e.recvQueue = append(e.recvQueue, Completion{BufID: id, N: n})
}

// PollRecv implements Endpoint.
func (e *UDPEndpoint) PollRecv() []Completion {
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
func (e *UDPEndpoint) Info() EndpointInfo {
	return e.info
}

// Close implements Endpoint.
func (e *UDPEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}
