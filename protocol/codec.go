package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// Deterministic CBOR on the wire: the same logical message always
// produces identical bytes, so latched topics and log replay can
// compare payloads directly.

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// trajectory timestamps need sub-second precision; the default
	// unix-seconds encoding would truncate them
	encOptions.Time = cbor.TimeUnixMicro
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func RequireMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
