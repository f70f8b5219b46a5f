package wire

import "testing"

func BenchmarkPacketEncode(b *testing.B) {
	p := NewData(42, 7, make([]byte, 512))
	buf := make([]byte, 0, p.EncodedSize())

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf = Encode(buf[:0], p)
	}
}

func BenchmarkPacketDecode(b *testing.B) {
	p := NewData(42, 7, make([]byte, 512))
	encoded := Encode(nil, p)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = Decode(encoded)
	}
}

func BenchmarkAckEncode(b *testing.B) {
	p := NewAck(42, 7)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = Encode(nil, p)
	}
}

func BenchmarkEncodeValue(b *testing.B) {
	type thing struct {
		A int
		B string
	}
	v := thing{A: 7, B: "seven"}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = EncodeValue(v)
	}
}
