package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChatMessage is the JSON payload published to per-recipient broker topics
// and delivered verbatim as text frames on the JSON gateway variant.
type ChatMessage struct {
	MessageID   string  `json:"message_id"`
	FromUserID  string  `json:"from_user_id"`
	ToUserID    string  `json:"to_user_id"`
	Message     string  `json:"message"`
	TimestampMs int64   `json:"timestamp_ms"`
	ChatType    *int32  `json:"chat_type,omitempty"`
	ContentType *int32  `json:"content_type,omitempty"`
	FileURL     *string `json:"file_url,omitempty"`
	FileName    *string `json:"file_name,omitempty"`
	FileType    *string `json:"file_type,omitempty"`
	// TimeoutSec bounds call-invite validity; nil means the 60 s default.
	TimeoutSec *int64 `json:"timeout,omitempty"`
}

// Encode serializes the payload for publish and offline storage.
func (m *ChatMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode chat message %s: %w", m.MessageID, err)
	}
	return b, nil
}

// DecodeChatMessage parses stored or published payload bytes.
func DecodeChatMessage(b []byte) (*ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode chat message: %w", err)
	}
	return &m, nil
}

// IsCallInvite reports whether the payload is an ephemeral call invitation.
func (m *ChatMessage) IsCallInvite() bool {
	return m.ContentType != nil && *m.ContentType == ContentTypeCallInvite
}

// defaultCallInviteTimeout is applied when a call invite carries no
// explicit timeout.
const defaultCallInviteTimeout = 60 * time.Second

// Expired reports whether a drained call invite is no longer worth
// delivering. Invites without a timestamp cannot be validated and count as
// expired. Non-invite messages never expire.
func (m *ChatMessage) Expired(now time.Time) bool {
	if !m.IsCallInvite() {
		return false
	}
	if m.TimestampMs == 0 {
		return true
	}
	timeout := defaultCallInviteTimeout
	if m.TimeoutSec != nil && *m.TimeoutSec > 0 {
		timeout = time.Duration(*m.TimeoutSec) * time.Second
	}
	expireAt := time.UnixMilli(m.TimestampMs).Add(timeout)
	return now.After(expireAt)
}
