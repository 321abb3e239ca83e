package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/relay/internal/identity"
	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/storage"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// historyParams parses the shared since_sequence / limit query knobs.
func historyParams(r *http.Request) (*int64, int32, error) {
	var since *int64
	if raw := r.URL.Query().Get("since_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, 0, imerr.InvalidInput("since_sequence must be an integer")
		}
		since = &n
	}

	limit := int32(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 {
			return nil, 0, imerr.InvalidInput("limit must be a positive integer")
		}
		limit = int32(n)
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}
	return since, limit, nil
}

// caller resolves the authenticated identity to its user row.
func (s *Server) caller(r *http.Request) (*storage.User, error) {
	id, ok := identityFrom(r.Context())
	if !ok {
		return nil, imerr.Unauthorized("missing identity")
	}
	user, err := s.resolver.ResolveAuthenticated(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return user, nil
}

type singleMessageDTO struct {
	MessageID   string  `json:"message_id"`
	FromID      string  `json:"from_id"`
	ToID        string  `json:"to_id"`
	MessageBody string  `json:"message_body"`
	MessageTime int64   `json:"message_time"`
	ContentType int32   `json:"message_content_type"`
	ReadStatus  int16   `json:"read_status"`
	Sequence    int64   `json:"sequence"`
	Extra       *string `json:"extra,omitempty"`
	ReplyTo     *string `json:"reply_to,omitempty"`
	FileURL     *string `json:"file_url,omitempty"`
	FileName    *string `json:"file_name,omitempty"`
	FileType    *string `json:"file_type,omitempty"`
}

type groupMessageDTO struct {
	MessageID   string  `json:"message_id"`
	GroupID     string  `json:"group_id"`
	FromID      string  `json:"from_id"`
	MessageBody string  `json:"message_body"`
	MessageTime int64   `json:"message_time"`
	ContentType int32   `json:"message_content_type"`
	Sequence    int64   `json:"sequence"`
	Extra       *string `json:"extra,omitempty"`
	ReplyTo     *string `json:"reply_to,omitempty"`
}

// handleSingleHistory serves the caller's direct-message history with one
// peer, oldest first.
func (s *Server) handleSingleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	toRef := r.URL.Query().Get("to_id")
	if toRef == "" {
		s.writeError(ctx, w, imerr.InvalidInput("to_id is required"))
		return
	}
	peer, err := s.resolver.Resolve(ctx, toRef)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	since, limit, err := historyParams(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	messages, err := s.store.SingleHistory(ctx, me.ExternalID(), peer.ExternalID(), since, limit)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	out := make([]singleMessageDTO, 0, len(messages))
	for _, m := range messages {
		dto := singleMessageDTO{
			MessageID:   m.MessageID,
			FromID:      m.FromID,
			ToID:        m.ToID,
			MessageBody: m.MessageBody,
			MessageTime: m.MessageTime,
			ContentType: m.ContentType,
			ReadStatus:  m.ReadStatus,
			Sequence:    m.Sequence,
		}
		if m.Extra.Valid {
			dto.Extra = &m.Extra.String
		}
		if m.ReplyTo.Valid {
			dto.ReplyTo = &m.ReplyTo.String
		}
		if m.FileURL.Valid {
			dto.FileURL = &m.FileURL.String
		}
		if m.FileName.Valid {
			dto.FileName = &m.FileName.String
		}
		if m.FileType.Valid {
			dto.FileType = &m.FileType.String
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "count": len(out)})
}

// handleGroupHistory serves a group's message history, oldest first.
func (s *Server) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := normalizeGroupID(r.PathValue("group_id"))

	since, limit, err := historyParams(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	messages, err := s.store.GroupHistory(ctx, groupID, since, limit)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	out := make([]groupMessageDTO, 0, len(messages))
	for _, m := range messages {
		dto := groupMessageDTO{
			MessageID:   m.MessageID,
			GroupID:     m.GroupID,
			FromID:      m.FromID,
			MessageBody: m.MessageBody,
			MessageTime: m.MessageTime,
			ContentType: m.ContentType,
			Sequence:    m.Sequence,
		}
		if m.Extra.Valid {
			dto.Extra = &m.Extra.String
		}
		if m.ReplyTo.Valid {
			dto.ReplyTo = &m.ReplyTo.String
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "count": len(out)})
}

type markReadRequest struct {
	// PeerID, when present, also advances the conversation's read
	// high-water mark.
	PeerID   string `json:"peer_id,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
}

// handleMarkSingleRead flags a direct message as read by the caller.
func (s *Server) handleMarkSingleRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.PathValue("message_id")

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.store.MarkSingleRead(ctx, messageID, me.ExternalID()); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	var req markReadRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.PeerID != "" {
		if peer, err := s.resolver.Resolve(ctx, req.PeerID); err != nil {
			s.log.Warn(ctx, "read sequence peer unresolvable", "peer_id", req.PeerID, "error", err)
		} else {
			seq := req.Sequence
			if seq == 0 {
				seq = time.Now().UnixMilli()
			}
			chatID := singleChatID(me.ExternalID(), peer.ExternalID())
			if err := s.store.UpdateReadSequence(ctx, chatID, seq); err != nil {
				s.log.Warn(ctx, "read sequence update failed", "chat_id", chatID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMarkGroupRead records the caller in a group message's read set.
func (s *Server) handleMarkGroupRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := normalizeGroupID(r.PathValue("group_id"))
	messageID := r.PathValue("message_id")

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.kv.MarkGroupRead(ctx, groupID, messageID, me.ExternalID()); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGroupReaders lists who has read a group message.
func (s *Server) handleGroupReaders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := normalizeGroupID(r.PathValue("group_id"))
	messageID := r.PathValue("message_id")

	readers, err := s.kv.GroupReaders(ctx, groupID, messageID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	count, err := s.kv.GroupReadCount(ctx, groupID, messageID)
	if err != nil {
		count = int64(len(readers))
	}
	if readers == nil {
		readers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"readers": readers, "count": count})
}

// handleCreateSubscription mints (or reuses) the caller's routing id.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	subscriptionID, err := s.subs.GetOrCreate(ctx, me.ID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription_id": subscriptionID,
		"user_id":         me.ID,
	})
}

// handleSubscriptionUser resolves a subscription id to the user behind
// it. The gateway calls this while setting up legacy-token sessions.
func (s *Server) handleSubscriptionUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := r.PathValue("subscription_id")

	userID, err := s.subs.UserID(ctx, subscriptionID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	user, err := s.resolver.ByID(ctx, userID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	// a gateway resolving this id is about to serve the user; keep the
	// routing window open for the new session
	if err := s.subs.Touch(ctx, subscriptionID); err != nil {
		s.log.Warn(ctx, "subscription touch failed",
			"subscription_id", subscriptionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         user.ID,
		"snowflake_id":    identity.MQTTID(user),
		"open_id":         user.ExternalID(),
		"subscription_id": subscriptionID,
	})
}

// handleSnowflakeID maps any user reference to its messaging-plane ids.
func (s *Server) handleSnowflakeID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := s.resolver.Resolve(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"snowflake_id": identity.MQTTID(user),
		"open_id":      user.ExternalID(),
	})
}
