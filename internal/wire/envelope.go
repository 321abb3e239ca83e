package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the framed unit exchanged with binary-variant clients and
// carried through the broker fabric. The Data field is code-specific: chat
// codes carry a ChatMessage, control codes carry nothing or a short string.
type Envelope struct {
	Code       Code              `json:"code"`
	Token      string            `json:"token,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	IDs        []string          `json:"ids,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Message    string            `json:"message,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	DeviceName string            `json:"device_name,omitempty"`
	DeviceType string            `json:"device_type,omitempty"`
}

// Encode serializes the envelope to its wire bytes.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope code=%d: %w", e.Code, err)
	}
	return b, nil
}

// DecodeEnvelope parses wire bytes into an envelope.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// ControlFrame builds an envelope for a control code with an optional
// human-readable message, stamped with the current time.
func ControlFrame(code Code, message string) *Envelope {
	return &Envelope{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// MustEncode is Encode for frames built from trusted fields; an encoding
// failure here is a programming error.
func (e *Envelope) MustEncode() []byte {
	b, err := e.Encode()
	if err != nil {
		panic(err)
	}
	return b
}
