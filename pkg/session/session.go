// Package session implements the reliability layer: a sliding-window
// protocol that fragments arbitrary byte streams into fixed-MTU packets
// and reassembles them in order on the far side, with selective
// retransmission, deduplication and flow control under packet loss and
// reordering.
package session

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"rdma-rpc-go/pkg/config"
	"rdma-rpc-go/pkg/fabric"
	"rdma-rpc-go/pkg/metrics"
	"rdma-rpc-go/pkg/rpcerr"
	"rdma-rpc-go/pkg/wire"
	"rdma-rpc-go/pkg/window"
)

// Session holds one Transport, a next-send sequence counter, a
// next-expected-receive sequence counter and a by-sequence reorder buffer
// of not-yet-delivered inbound packets. A Session is logically
// single-threaded: callers must not call SendBytes/RecvBytes/Send/Recv
// concurrently from more than one goroutine.
type Session struct {
	transport *fabric.Transport
	cfg       config.Config
	sessionID uint64

	nextSendSeq     uint64
	nextExpectedAck uint64
	recvBuffer      map[uint64]wire.Packet

	events *EventBus
	stats  *metrics.Collectors

	// lastActivity is the unix-nanosecond timestamp of the last observed
	// wire activity (a successful post or an accepted inbound packet),
	// read by IdleSince without taking mu so a cleanup sweep never blocks
	// behind a long in-flight SendBytes/RecvBytes call.
	lastActivity atomic.Int64

	mu sync.Mutex
}

// New builds a Session bound to transport with the given session id,
// agreed out-of-band during bootstrap.
func New(transport *fabric.Transport, sessionID uint64, cfg config.Config) *Session {
	s := &Session{
		transport:  transport,
		cfg:        cfg,
		sessionID:  sessionID,
		recvBuffer: make(map[uint64]wire.Packet),
		events:     NewEventBus(),
	}
	s.touch()
	s.events.Publish(Event{Type: EventOpened})
	return s
}

// touch records the current time as the last observed wire activity.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince reports how long it has been since this Session last observed
// wire activity (a successful post or an accepted inbound packet). Used by
// a server's idle-cleanup sweep to find sessions worth tearing down; a
// Session never times itself out, since the core reliability contract has
// no deadline of its own.
func (s *Session) IdleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// SessionID returns the id agreed during bootstrap.
func (s *Session) SessionID() uint64 { return s.sessionID }

// SetMetrics attaches a Collectors bundle that subsequent sends/receives
// will increment. Calling this after traffic has already started merely
// means earlier activity was not counted; it does not need to happen
// before New.
func (s *Session) SetMetrics(stats *metrics.Collectors) { s.stats = stats }

// Events returns the bus lifecycle events are published on, so callers
// (cleanup sweeps, metrics collectors) can subscribe before traffic
// starts flowing.
func (s *Session) Events() *EventBus { return s.events }

// Close tears down the underlying transport and publishes EventClosed.
func (s *Session) Close() error {
	err := s.transport.Close()
	s.events.Publish(Event{Type: EventClosed})
	return err
}

// fragment splits bytes into data packets of at most MaxData, assigning
// consecutive sequences starting at nextSendSeq, and advances
// nextSendSeq past them.
func (s *Session) fragment(data []byte) []wire.Packet {
	maxData := s.cfg.MaxData()
	if maxData <= 0 {
		maxData = 1
	}
	var packets []wire.Packet
	for off := 0; off < len(data); {
		end := off + maxData
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		packets = append(packets, wire.NewData(s.sessionID, s.nextSendSeq, chunk))
		s.nextSendSeq++
		off = end
	}
	return packets
}

// SendBytes fragments bytes into packets and drives a sliding window of
// size Window over them until every fragment has been acknowledged,
// retransmitting selectively and piggybacking any inbound data it
// observes while polling for ACKs.
func (s *Session) SendBytes(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	packets := s.fragment(data)
	if len(packets) == 0 {
		return nil
	}

	waiting := make(map[uint64]struct{}, len(packets))
	for _, p := range packets {
		waiting[p.Seq] = struct{}{}
	}
	if s.stats != nil {
		s.stats.WindowFill.Set(float64(len(waiting)))
		defer s.stats.WindowFill.Set(0)
	}

	sent := make(map[uint64]struct{}, len(packets))
	w := window.New(packets, s.cfg.Window)
	if err := s.postWindow(w, waiting, sent); err != nil {
		return err
	}

	for !w.IsClosed() {
		progressed, err := s.pollOnce(waiting)
		if err != nil {
			return err
		}

		slid := s.slideWhileAcked(w, waiting)
		if slid {
			if err := s.postWindow(w, waiting, sent); err != nil {
				return err
			}
			continue
		}
		if !progressed {
			// PollTries iterations passed with no ACK and no inbound data
			// at all: the window has stalled, so re-post every packet
			// still outstanding rather than polling forever on a lost
			// packet or a lost ACK.
			if err := s.postWindow(w, waiting, sent); err != nil {
				return err
			}
		}
	}
	return nil
}

// postWindow posts every packet in the window's current view that is
// still unacknowledged. Both the initial send and every retransmission go
// through this same path; sent tracks which sequences have already been
// posted at least once in this SendBytes call, so a second or later post
// of the same sequence counts as a retransmission rather than a send.
func (s *Session) postWindow(w *window.SlidingWindow[wire.Packet], waiting map[uint64]struct{}, sent map[uint64]struct{}) error {
	if w.IsClosed() {
		return nil
	}
	var toSend []wire.Packet
	for _, p := range w.Get() {
		if _, ok := waiting[p.Seq]; ok {
			toSend = append(toSend, p)
		}
	}
	if len(toSend) == 0 {
		return nil
	}
	for _, p := range toSend {
		s.events.Publish(Event{Type: EventPacketSent, Seq: p.Seq})
	}
	if s.stats != nil {
		for _, p := range toSend {
			if _, already := sent[p.Seq]; already {
				s.stats.PacketsRetransmitted.Inc()
			} else {
				s.stats.PacketsSent.Inc()
			}
		}
	}
	for _, p := range toSend {
		sent[p.Seq] = struct{}{}
	}
	if err := s.transport.SendBurst(toSend); err != nil {
		return err
	}
	s.touch()
	return nil
}

// slideWhileAcked advances the window's left edge past every seq no
// longer in waiting, stopping at the first gap. It reports whether the
// window moved at all.
func (s *Session) slideWhileAcked(w *window.SlidingWindow[wire.Packet], waiting map[uint64]struct{}) bool {
	moved := false
	for !w.IsClosed() {
		seq := w.First()
		if _, stillWaiting := waiting[seq.Seq]; stillWaiting {
			break
		}
		w.Slide()
		moved = true
	}
	return moved
}

// pollOnce polls the transport up to PollTries iterations, sleeping
// PollInterval between polls, removing acked sequences from waiting and
// piggybacking ACKs for any inbound data packets it observes. It reports
// whether any progress (an ACK or inbound data) was observed.
func (s *Session) pollOnce(waiting map[uint64]struct{}) (bool, error) {
	progressed := false
	for try := 0; try < s.cfg.PollTries; try++ {
		packets := s.transport.TryRecv()
		if len(packets) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		var acks []wire.Packet
		for _, p := range packets {
			if p.IsAck {
				if _, ok := waiting[p.Ack]; ok {
					delete(waiting, p.Ack)
					progressed = true
					s.events.Publish(Event{Type: EventPacketAcked, Seq: p.Ack})
					if s.stats != nil {
						s.stats.WindowFill.Set(float64(len(waiting)))
					}
				}
				continue
			}
			s.handleInbound(p)
			acks = append(acks, wire.NewAck(s.sessionID, p.Seq))
			progressed = true
		}
		if len(acks) > 0 {
			if s.stats != nil {
				s.stats.AcksSent.Add(float64(len(acks)))
			}
			if err := s.transport.SendBurst(acks); err != nil {
				return progressed, err
			}
		}
		if progressed {
			return progressed, nil
		}
	}
	return progressed, nil
}

// handleInbound is the shared subroutine for a received data packet: it
// asserts the session boundary, drops already-delivered duplicates, and
// otherwise idempotently buffers the packet for later delivery.
func (s *Session) handleInbound(p wire.Packet) {
	if p.SessionID != s.sessionID {
		panic("session: packet session_id mismatch")
	}
	if p.Seq < s.nextExpectedAck {
		s.events.Publish(Event{Type: EventDuplicateDropped, Seq: p.Seq})
		return
	}
	if s.stats != nil {
		s.stats.PacketsReceived.Inc()
	}
	s.recvBuffer[p.Seq] = p
	s.touch()
}

// RecvBytes drains any contiguous prefix of the reorder buffer starting
// at nextExpectedAck; if nothing was ready, it blocks on the transport
// until at least one packet arrives, buffers and ACKs it, and retries.
func (s *Session) RecvBytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if out := s.drainContiguous(); out != nil {
			return out, nil
		}

		packets, err := s.transport.Recv()
		if err != nil {
			return nil, err
		}

		var acks []wire.Packet
		for _, p := range packets {
			if p.IsAck {
				continue
			}
			s.handleInbound(p)
			acks = append(acks, wire.NewAck(s.sessionID, p.Seq))
		}
		if len(acks) > 0 {
			if s.stats != nil {
				s.stats.AcksSent.Add(float64(len(acks)))
			}
			if err := s.transport.SendBurst(acks); err != nil {
				return nil, err
			}
		}
	}
}

// drainContiguous removes the contiguous run of packets starting at
// nextExpectedAck from recvBuffer and returns their concatenated payload,
// or nil if nothing was ready.
func (s *Session) drainContiguous() []byte {
	var out []byte
	for {
		p, ok := s.recvBuffer[s.nextExpectedAck]
		if !ok {
			break
		}
		delete(s.recvBuffer, s.nextExpectedAck)
		out = append(out, p.Data...)
		s.nextExpectedAck++
	}
	return out
}

// Send frames value as an 8-byte big-endian length prefix followed by its
// serialised form, and sends it as one byte stream.
func (s *Session) Send(value interface{}) error {
	framed, err := wire.EncodeValue(value)
	if err != nil {
		return err
	}
	return s.SendBytes(framed)
}

// Recv gathers bytes via RecvBytes until a complete length-prefixed
// message has been reassembled, then deserialises it into v.
func (s *Session) Recv(v interface{}) error {
	var buf []byte
	for len(buf) < wire.LengthPrefixSize {
		chunk, err := s.RecvBytes()
		if err != nil {
			return err
		}
		buf = append(buf, chunk...)
	}
	length := binary.BigEndian.Uint64(buf)
	total := wire.LengthPrefixSize + int(length)
	for len(buf) < total {
		chunk, err := s.RecvBytes()
		if err != nil {
			return err
		}
		buf = append(buf, chunk...)
	}
	payload := buf[wire.LengthPrefixSize:total]
	if err := wire.DecodeValue(payload, v); err != nil {
		return err
	}
	if len(buf) > total {
		return rpcerr.New(rpcerr.KindInternal, "recv: trailing bytes past framed message")
	}
	return nil
}
