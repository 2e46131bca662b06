package contracts

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyType = errors.New("frame type is required")

// Frame is the wire unit on the dispatch socket: a type discriminator plus a
// raw payload decoded by the matching handler.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope carries correlation metadata on outbound payloads.
type Envelope struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	SentAt        time.Time `json:"sent_at,omitempty"`
}

// NewEnvelope stamps a fresh correlation id and send time.
func NewEnvelope() Envelope {
	return Envelope{
		CorrelationID: uuid.NewString(),
		SentAt:        time.Now().UTC(),
	}
}

// Encode marshals a payload into a complete frame.
func Encode(msgType string, data any) ([]byte, error) {
	if strings.TrimSpace(msgType) == "" {
		return nil, ErrEmptyType
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: msgType, Data: raw})
}

// DecodeFrame parses an inbound frame envelope without touching the payload.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	if strings.TrimSpace(f.Type) == "" {
		return Frame{}, ErrEmptyType
	}
	return f, nil
}
