package badger

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes values with Core Deterministic Encoding: sorted map keys
// and the shortest lossless float form, so repeated telemetry fields stay
// small on disk.
var encMode cbor.EncMode

// decMode decodes untyped CBOR maps as map[string]any so record payloads
// come back in the same shape the decoder produced.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// log timestamps need sub-second precision for retention ordering
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("badger: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("badger: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
