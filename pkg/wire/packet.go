// Package wire implements the on-the-wire Packet codec: a small fixed
// header plus an opaque payload, encoded without endianness or alignment
// assumptions leaking to callers.
package wire

import (
	"encoding/binary"

	"rdma-rpc-go/pkg/rpcerr"
)

// Packet is the element exchanged between two Sessions. IsAck, Ack and Seq
// are mutually governed: an ACK packet carries Ack and no Data; a data
// packet carries Seq and Data. Packets compare by Seq alone.
type Packet struct {
	IsAck     bool
	Seq       uint64
	Ack       uint64
	SessionID uint64
	Data      []byte
}

// headerSize is the encoded size of every field but Data: 1 (is_ack) + 8
// (seq) + 8 (ack) + 8 (session_id) + 4 (data length prefix).
const headerSize = 1 + 8 + 8 + 8 + 4

// EncodedSize is the number of bytes Encode will produce for p.
func (p Packet) EncodedSize() int {
	return headerSize + len(p.Data)
}

// NewData builds a data packet.
func NewData(sessionID, seq uint64, data []byte) Packet {
	return Packet{Seq: seq, SessionID: sessionID, Data: data}
}

// NewAck builds an ACK packet for the given sequence.
func NewAck(sessionID, ack uint64) Packet {
	return Packet{IsAck: true, Ack: ack, SessionID: sessionID}
}

// Encode appends the wire form of p to dst and returns the grown slice.
func Encode(dst []byte, p Packet) []byte {
	var flag byte
	if p.IsAck {
		flag = 1
	}
	dst = append(dst, flag)
	dst = appendUint64(dst, p.Seq)
	dst = appendUint64(dst, p.Ack)
	dst = appendUint64(dst, p.SessionID)
	dst = appendUint32(dst, uint32(len(p.Data)))
	dst = append(dst, p.Data...)
	return dst
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// Decode parses one Packet from the front of src. It rejects truncated or
// otherwise malformed input with a Codec-kind error rather than panicking,
// so a single bad datagram can be logged and dropped by the caller.
func Decode(src []byte) (Packet, error) {
	if len(src) < headerSize {
		return Packet{}, rpcerr.New(rpcerr.KindCodec, "packet shorter than header")
	}
	var p Packet
	p.IsAck = src[0] != 0
	off := 1
	p.Seq = binary.BigEndian.Uint64(src[off:])
	off += 8
	p.Ack = binary.BigEndian.Uint64(src[off:])
	off += 8
	p.SessionID = binary.BigEndian.Uint64(src[off:])
	off += 8
	dataLen := binary.BigEndian.Uint32(src[off:])
	off += 4
	if uint32(len(src)-off) < dataLen {
		return Packet{}, rpcerr.New(rpcerr.KindCodec, "packet data length exceeds buffer")
	}
	if dataLen > 0 {
		data := make([]byte, dataLen)
		copy(data, src[off:off+int(dataLen)])
		p.Data = data
	}
	return p, nil
}
