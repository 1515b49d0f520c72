// Package payload encodes relayed actions for the downstream target.
//
// The envelope is one selector byte, the function id, a little-endian u32
// length and the params bytes verbatim. Params of the built-in handlers are
// deterministic CBOR.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// SelectorRelay routes an envelope to the target's dispatch entry point.
const SelectorRelay uint8 = 0

const headerSize = 1 + 1 + 4

var (
	ErrShortPayload    = errors.New("payload: shorter than header")
	ErrLengthMismatch  = errors.New("payload: params length does not match prefix")
	ErrUnknownSelector = errors.New("payload: unknown selector")
	ErrParamsTooLarge  = errors.New("payload: params exceed u32 length")
)

// Envelope is a decoded relay payload.
type Envelope struct {
	Selector   uint8
	FunctionID uint8
	Params     []byte
}

// Encode builds the envelope for functionID and params.
func Encode(functionID uint8, params []byte) ([]byte, error) {
	if uint64(len(params)) > math.MaxUint32 {
		return nil, ErrParamsTooLarge
	}
	buf := make([]byte, headerSize+len(params))
	buf[0] = SelectorRelay
	buf[1] = functionID
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(params)))
	copy(buf[headerSize:], params)
	return buf, nil
}

// Decode parses an envelope. Trailing bytes past the declared length are
// rejected.
func Decode(b []byte) (Envelope, error) {
	if len(b) < headerSize {
		return Envelope{}, ErrShortPayload
	}
	if b[0] != SelectorRelay {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownSelector, b[0])
	}
	n := binary.LittleEndian.Uint32(b[2:6])
	if uint64(len(b)-headerSize) != uint64(n) {
		return Envelope{}, ErrLengthMismatch
	}
	params := make([]byte, n)
	copy(params, b[headerSize:])
	return Envelope{Selector: b[0], FunctionID: b[1], Params: params}, nil
}
