package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []Packet{
		NewData(42, 7, []byte("hello")),
		NewData(42, 0, nil),
		NewAck(42, 7),
	}
	for _, p := range cases {
		buf := Encode(nil, p)
		got, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, p.IsAck, got.IsAck)
		require.Equal(t, p.SessionID, got.SessionID)
		if p.IsAck {
			require.Equal(t, p.Ack, got.Ack)
		} else {
			require.Equal(t, p.Seq, got.Seq)
			require.Equal(t, p.Data, got.Data)
		}
	}
}

func TestPacketDecodeRejectsTruncated(t *testing.T) {
	p := NewData(1, 1, []byte("payload"))
	buf := Encode(nil, p)

	_, err := Decode(buf[:len(buf)-1])
	require.Error(t, err)

	_, err = Decode(buf[:3])
	require.Error(t, err)
}

func TestEncodedSizeMatchesEncodeOutput(t *testing.T) {
	p := NewData(1, 1, []byte("payload"))
	buf := Encode(nil, p)
	require.Equal(t, p.EncodedSize(), len(buf))
}

func TestValueRoundTrip(t *testing.T) {
	type thing struct {
		A int
		B string
	}
	in := thing{A: 7, B: "seven"}

	framed, err := EncodeValue(in)
	require.NoError(t, err)

	length, err := DecodeLength(framed)
	require.NoError(t, err)
	require.Equal(t, uint64(len(framed))-LengthPrefixSize, length)

	var out thing
	require.NoError(t, DecodeValue(framed[LengthPrefixSize:], &out))
	require.Equal(t, in, out)
}
