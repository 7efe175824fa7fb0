// Package codec holds the CBOR configuration shared by the CRDT update
// format and the collaboration wire frames.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// logical update always produces the same bytes. JSON stays the format of
// the HTTP surface and the persistence backend; CBOR is only used for the
// binary document state and the binary WebSocket frames.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Attribute values decode into any; keep them compatible with
		// encoding/json by never producing map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Frames come from untrusted clients.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
		MaxNestedLevels:  32,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation of data. Used in logs when
// a frame fails to decode.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
