package broadcast

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("broadcast: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("broadcast: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is an event as relayed between server instances.
type envelope struct {
	Origin string          `cbor:"origin"`
	Name   string          `cbor:"name"`
	Rev    int64           `cbor:"rev"`
	Body   cbor.RawMessage `cbor:"body"`
}

func encodeEnvelope(origin string, ev Event) ([]byte, error) {
	body, err := encMode.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Name(), err)
	}
	return encMode.Marshal(envelope{
		Origin: origin,
		Name:   ev.Name(),
		Rev:    ev.Revision(),
		Body:   body,
	})
}

func decodeEnvelope(data []byte) (string, Event, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := DecodeEvent(env.Name, func(v any) error {
		return decMode.Unmarshal(env.Body, v)
	})
	if err != nil {
		return env.Origin, nil, err
	}
	return env.Origin, ev, nil
}
