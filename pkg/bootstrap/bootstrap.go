// Package bootstrap implements the one-round-trip handshake that runs
// over a reliable byte stream (TCP in the reference deployment) before
// the datagram data path opens: the client publishes its endpoint
// metadata, the server replies with its own plus a freshly generated
// session id, and the connection is not used again afterwards.
package bootstrap

import (
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"sync"

	"rdma-rpc-go/pkg/fabric"
	"rdma-rpc-go/pkg/rpcerr"
	"rdma-rpc-go/pkg/wire"
)

// Reply is what the server sends back: its own endpoint metadata plus the
// session id it minted for this connection.
type Reply struct {
	Info      fabric.EndpointInfo
	SessionID uint64
}

// sessionRegistry tracks session ids currently in use so the server can
// enforce the uniqueness open question (c) declines to require on the
// wire: it is assumed, but nothing stops two concurrent handshakes from
// colliding, so the server is the one place that actually checks.
type sessionRegistry struct {
	mu   sync.Mutex
	live map[uint64]struct{}
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{live: make(map[uint64]struct{})}
}

// Reserve mints a session id guaranteed distinct from every currently
// live one and marks it live.
func (r *sessionRegistry) Reserve() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := rand.Uint64()
		if _, taken := r.live[id]; !taken {
			r.live[id] = struct{}{}
			return id
		}
	}
}

// Release frees a session id back for reuse once its Session has closed.
func (r *sessionRegistry) Release(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// Server owns the TCP listener and the live session-id registry for one
// bound address.
type Server struct {
	ln  net.Listener
	reg *sessionRegistry
}

// Listen binds a TCP listener on addr.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConnect, err, "bootstrap listen")
	}
	return &Server{ln: ln, reg: newSessionRegistry()}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new handshakes.
func (s *Server) Close() error { return s.ln.Close() }

// Accept blocks for one incoming handshake. It reads the client's
// published endpoint metadata, calls buildLocal to let the caller open
// its own datagram endpoint now that it knows where the client's
// endpoint lives (a UDP-backed endpoint needs the remote address before
// it can dial), then replies with that local metadata plus a freshly
// minted session id.
func (s *Server) Accept(buildLocal func(clientInfo fabric.EndpointInfo) (fabric.EndpointInfo, error)) (clientInfo fabric.EndpointInfo, sessionID uint64, err error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "accept")
	}
	defer conn.Close()

	clientInfo, err = readEndpointInfo(conn)
	if err != nil {
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "read client qp info")
	}

	local, err := buildLocal(clientInfo)
	if err != nil {
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "build local endpoint")
	}

	sessionID = s.reg.Reserve()
	if err := writeReply(conn, Reply{Info: local, SessionID: sessionID}); err != nil {
		s.reg.Release(sessionID)
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "write reply")
	}
	return clientInfo, sessionID, nil
}

// ReleaseSession frees a previously minted session id once its Session
// has been torn down, so a future handshake may reuse it.
func (s *Server) ReleaseSession(id uint64) {
	s.reg.Release(id)
}

// Dial performs the client side of the handshake: connect, publish local,
// read back the server's metadata and minted session id.
func Dial(addr string, local fabric.EndpointInfo) (serverInfo fabric.EndpointInfo, sessionID uint64, err error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "dial")
	}
	defer conn.Close()

	if err := writeEndpointInfo(conn, local); err != nil {
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "write local qp info")
	}

	reply, err := readReply(conn)
	if err != nil {
		return fabric.EndpointInfo{}, 0, rpcerr.Wrap(rpcerr.KindConnect, err, "read reply")
	}
	return reply.Info, reply.SessionID, nil
}

func writeEndpointInfo(conn net.Conn, info fabric.EndpointInfo) error {
	framed, err := wire.EncodeValue(info)
	if err != nil {
		return err
	}
	return writeFramed(conn, framed)
}

func readEndpointInfo(conn net.Conn) (fabric.EndpointInfo, error) {
	var info fabric.EndpointInfo
	payload, err := readFramed(conn)
	if err != nil {
		return info, err
	}
	if err := wire.DecodeValue(payload, &info); err != nil {
		return info, err
	}
	return info, nil
}

func writeReply(conn net.Conn, reply Reply) error {
	framed, err := wire.EncodeValue(reply)
	if err != nil {
		return err
	}
	return writeFramed(conn, framed)
}

func readReply(conn net.Conn) (Reply, error) {
	var reply Reply
	payload, err := readFramed(conn)
	if err != nil {
		return reply, err
	}
	if err := wire.DecodeValue(payload, &reply); err != nil {
		return reply, err
	}
	return reply, nil
}

// writeFramed writes an already-length-prefixed buffer (as produced by
// wire.EncodeValue) in full.
func writeFramed(conn net.Conn, framed []byte) error {
	_, err := conn.Write(framed)
	return err
}

// readFramed reads the 8-byte big-endian length prefix then exactly that
// many payload bytes, returning the payload alone.
func readFramed(conn net.Conn) ([]byte, error) {
	var header [wire.LengthPrefixSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint64(header[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
