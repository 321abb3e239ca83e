package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/wire"
)

type sendGroupRequest struct {
	GroupID     string  `json:"group_id"`
	FromID      string  `json:"from_id"`
	MessageBody string  `json:"message_body"`
	ContentType int32   `json:"message_content_type"`
	Extra       *string `json:"extra,omitempty"`
	ReplyTo     *string `json:"reply_to,omitempty"`
}

// handleSendGroup persists a group message and fans it out to every
// member except the sender.
//
// The effective chat type comes from the sender's chat record, not the
// member count: a group whittled down to two people by removals is still
// a group, and a record created as a direct chat stays one even when the
// membership table briefly disagrees. Member count is only a hint for
// the record's initial value.
func (s *Server) handleSendGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sendGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, imerr.InvalidInput("malformed request body"))
		return
	}
	if req.GroupID == "" || req.FromID == "" || req.MessageBody == "" {
		s.writeError(ctx, w, imerr.InvalidInput("group_id, from_id and message_body are required"))
		return
	}

	groupID := normalizeGroupID(req.GroupID)

	fromUser, err := s.resolver.Resolve(ctx, req.FromID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	fromExt := fromUser.ExternalID()

	// A missing group row is tolerated here: legacy two-person chats
	// never had one. Zero members below is the real dead end.
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		if imerr.CodeOf(err) != imerr.CodeNotFound {
			s.writeError(ctx, w, err)
			return
		}
		s.log.Warn(ctx, "group row missing, continuing on membership", "group_id", groupID)
	}

	members, err := s.store.GroupMemberIDs(ctx, groupID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if len(members) == 0 {
		s.writeError(ctx, w, imerr.InvalidInput("group dissolved or has no members"))
		return
	}

	// The stored type is read without the repair path of GetOrCreateChat:
	// repairing here would overwrite the field this decision depends on.
	chatType := wire.ChatTypeGroup
	chat, err := s.store.GetChat(ctx, groupID, fromExt)
	switch {
	case err != nil:
		s.log.Warn(ctx, "sender chat lookup failed, assuming group chat",
			"group_id", groupID, "error", err)
	case chat != nil:
		chatType = chat.ChatType
	default:
		// first message in this conversation
		if _, err := s.store.GetOrCreateChat(ctx, groupID, wire.ChatTypeGroup, fromExt, groupID); err != nil {
			s.log.Warn(ctx, "sender chat upsert failed", "group_id", groupID, "error", err)
		}
	}
	isSingle := chatType == wire.ChatTypeSingle

	now := time.Now().UnixMilli()
	messageID := uuid.NewString()
	attachment := parseExtra(req.Extra)

	var receiver *storage.User
	if isSingle {
		// direct chat behind a group id: exactly one counterpart
		if receiver = s.findCounterpart(ctx, members, fromUser); receiver == nil {
			s.writeError(ctx, w, imerr.NotFound("recipient not found"))
			return
		}
	}

	kind := "group"
	if isSingle {
		kind = "single"
		msg := &storage.SingleMessage{
			MessageID:     messageID,
			FromID:        fromExt,
			ToID:          receiver.ExternalID(),
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
	} else {
		msg := &storage.GroupMessage{
			MessageID:     messageID,
			GroupID:       groupID,
			FromID:        fromExt,
			MessageBody:   req.MessageBody,
			MessageTime:   now,
			ContentType:   req.ContentType,
			Extra:         nullStr(req.Extra),
			Sequence:      now,
			MessageRandom: strOrNull(uuid.NewString()),
			ReplyTo:       nullStr(req.ReplyTo),
		}
		if err := s.store.InsertGroupMessage(ctx, msg); err != nil {
			s.writeError(ctx, w, err)
			return
		}
	}
	if s.metrics != nil {
		s.metrics.MessageStage(kind, "persisted")
	}

	isCallInvite := req.ContentType == wire.ContentTypeCallInvite
	code := wire.CodeGroupMessage
	if isSingle {
		code = wire.CodeSingleMessage
	}
	seen := make(map[string]struct{}, len(members))
	for _, memberID := range members {
		member, err := s.resolver.Resolve(ctx, memberID)
		if err != nil {
			s.log.Warn(ctx, "unresolvable group member skipped",
				"group_id", groupID, "member_id", memberID, "error", err)
			continue
		}
		ext := member.ExternalID()
		if ext == fromExt || member.ID == fromUser.ID {
			continue
		}
		// membership rows can repeat after rejoin cycles
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}

		toUserID := groupID
		if isSingle {
			toUserID = ext
		}
		chat := wire.ChatMessage{
			MessageID:   messageID,
			FromUserID:  fromExt,
			ToUserID:    toUserID,
			Message:     req.MessageBody,
			TimestampMs: now,
			ChatType:    ptr(chatType),
			ContentType: ptr(req.ContentType),
			FileURL:     attachment.URL,
			FileName:    attachment.Name,
			FileType:    attachment.Type,
		}
		payload, err := chat.Encode()
		if err != nil {
			s.log.Error(ctx, "payload encode failed",
				"message_id", messageID, "member", ext, "error", err)
			continue
		}

		if !isSingle {
			if _, err := s.store.GetOrCreateChat(ctx, groupID, wire.ChatTypeGroup, ext, groupID); err != nil {
				s.log.Warn(ctx, "member chat upsert failed",
					"group_id", groupID, "member", ext, "error", err)
			}
		}

		skipQueue := isCallInvite && !s.routable(ctx, member.ID)
		s.deliver(ctx, kind, member, code, payload, skipQueue)
	}

	if isSingle {
		s.updateSingleChats(ctx, fromExt, receiver.ExternalID(), now)
	} else if err := s.store.UpdateChatSequence(ctx, groupID, now); err != nil {
		s.log.Warn(ctx, "chat sequence update failed", "chat_id", groupID, "error", err)
	}

	s.log.Info(ctx, "group message fanned out",
		"group_id", groupID,
		"message_id", messageID,
		"chat_type", chatType,
		"members", len(members),
		"delivered", len(seen))

	writeJSON(w, http.StatusOK, sendResponse{Status: "ok", MessageID: messageID})
}

// findCounterpart picks the one member of a two-party chat who is not
// the sender.
func (s *Server) findCounterpart(ctx context.Context, members []string, from *storage.User) *storage.User {
	fromExt := from.ExternalID()
	for _, memberID := range members {
		member, err := s.resolver.Resolve(ctx, memberID)
		if err != nil {
			continue
		}
		if member.ExternalID() != fromExt && member.ID != from.ID {
			return member
		}
	}
	return nil
}
