package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/wire"
)

type sendSingleRequest struct {
	FromID      string  `json:"from_id"`
	ToID        string  `json:"to_id"`
	MessageBody string  `json:"message_body"`
	ContentType int32   `json:"message_content_type"`
	Extra       *string `json:"extra,omitempty"`
	ReplyTo     *string `json:"reply_to,omitempty"`
}

type sendResponse struct {
	Status     string `json:"status"`
	MessageID  string `json:"message_id"`
	StoredOnly bool   `json:"stored_only,omitempty"`
}

// handleSendSingle persists a direct message and fans it out to the
// recipient. The insert is the commit point: once it succeeds the send
// is acknowledged, and every downstream failure degrades to a slower
// delivery path instead of an error.
func (s *Server) handleSendSingle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sendSingleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, imerr.InvalidInput("malformed request body"))
		return
	}
	if req.FromID == "" || req.ToID == "" || req.MessageBody == "" {
		s.writeError(ctx, w, imerr.InvalidInput("from_id, to_id and message_body are required"))
		return
	}

	fromUser, err := s.resolver.Resolve(ctx, req.FromID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	toUser, err := s.resolver.Resolve(ctx, req.ToID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	now := time.Now().UnixMilli()
	messageID := uuid.NewString()
	fromExt, toExt := fromUser.ExternalID(), toUser.ExternalID()
	attachment := parseExtra(req.Extra)

	msg := &storage.SingleMessage{
		MessageID:     messageID,
		FromID:        fromExt,
		ToID:          toExt,
		MessageBody:   req.MessageBody,
		MessageTime:   now,
		ContentType:   req.ContentType,
		Extra:         nullStr(req.Extra),
		Sequence:      now,
		MessageRandom: strOrNull(uuid.NewString()),
		ReplyTo:       nullStr(req.ReplyTo),
		FileURL:       nullStr(attachment.URL),
		FileName:      nullStr(attachment.Name),
		FileType:      nullStr(attachment.Type),
	}
	if err := s.store.InsertSingleMessage(ctx, msg); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.MessageStage("single", "persisted")
	}

	s.updateSingleChats(ctx, fromExt, toExt, now)

	// A call invite for a recipient with no live route is pointless to
	// publish or queue: by the time they come back it has long expired.
	// The row above keeps the missed call visible in history.
	isCallInvite := req.ContentType == wire.ContentTypeCallInvite
	if isCallInvite && !s.routable(ctx, toUser.ID) {
		if s.metrics != nil {
			s.metrics.MessageStage("single", "stored_only")
		}
		s.log.Info(ctx, "call invite stored only, recipient offline",
			"message_id", messageID, "to", toExt)
		writeJSON(w, http.StatusOK, sendResponse{Status: "ok", MessageID: messageID, StoredOnly: true})
		return
	}

	chat := wire.ChatMessage{
		MessageID:   messageID,
		FromUserID:  fromExt,
		ToUserID:    toExt,
		Message:     req.MessageBody,
		TimestampMs: now,
		ChatType:    ptr(wire.ChatTypeSingle),
		ContentType: ptr(req.ContentType),
		FileURL:     attachment.URL,
		FileName:    attachment.Name,
		FileType:    attachment.Type,
	}
	payload, err := chat.Encode()
	if err != nil {
		// the message is already durable; report success and let history
		// carry it
		s.log.Error(ctx, "payload encode failed", "message_id", messageID, "error", err)
		writeJSON(w, http.StatusOK, sendResponse{Status: "ok", MessageID: messageID})
		return
	}

	s.deliver(ctx, "single", toUser, wire.CodeSingleMessage, payload, false)

	writeJSON(w, http.StatusOK, sendResponse{Status: "ok", MessageID: messageID})
}
