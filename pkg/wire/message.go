package wire

import (
	"encoding/binary"

	json "github.com/goccy/go-json"

	"rdma-rpc-go/pkg/rpcerr"
)

// LengthPrefixSize is the size of the big-endian length prefix that opens
// every typed RPC message on the wire.
const LengthPrefixSize = 8

// EncodeValue serialises v with the same schema-free, length-preserving
// encoding on both ends (JSON here, standing in for the bincode-style
// encoder the reference deployment uses) and prepends its 8-byte
// big-endian length.
func EncodeValue(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindCodec, err, "marshal value")
	}
	out := make([]byte, LengthPrefixSize, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint64(out, uint64(len(body)))
	out = append(out, body...)
	return out, nil
}

// DecodeLength reads the 8-byte big-endian length prefix from the front of
// a framed message buffer.
func DecodeLength(header []byte) (uint64, error) {
	if len(header) < LengthPrefixSize {
		return 0, rpcerr.New(rpcerr.KindCodec, "message header shorter than length prefix")
	}
	return binary.BigEndian.Uint64(header), nil
}

// DecodeValue parses the payload slice (without the length prefix) into v.
func DecodeValue(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return rpcerr.Wrap(rpcerr.KindCodec, err, "unmarshal value")
	}
	return nil
}
