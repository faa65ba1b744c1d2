package sending

import (
	"fmt"

	"github.com/goccy/go-json"
)

// envelope is the wire format handed to bridging backends. Origin carries
// the publishing manager's instance id so a manager can discard its own
// traffic when the transport echoes it back; without the filter every
// external publish would be delivered locally twice.
type envelope struct {
	Origin  string `json:"origin"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

func encodeEnvelope(origin, topic string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: origin, Topic: topic, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %q: %w", topic, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
