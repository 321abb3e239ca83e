package api

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/relay/internal/imerr"
)

type chatDTO struct {
	ChatID       string  `json:"chat_id"`
	ChatType     int32   `json:"chat_type"`
	ToID         string  `json:"to_id"`
	IsMute       int16   `json:"is_mute"`
	IsTop        int16   `json:"is_top"`
	Sequence     int64   `json:"sequence"`
	ReadSequence int64   `json:"read_sequence"`
	Remark       *string `json:"remark,omitempty"`
	UpdateTime   int64   `json:"update_time"`
	Name         *string `json:"name,omitempty"`
	MemberCount  *int64  `json:"member_count,omitempty"`
}

// handleUserChats serves the caller's conversation list, pinned first,
// most recently active next.
func (s *Server) handleUserChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	chats, err := s.store.UserChats(ctx, me.ExternalID())
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	out := make([]chatDTO, 0, len(chats))
	for _, c := range chats {
		dto := chatDTO{
			ChatID:       c.ChatID,
			ChatType:     c.ChatType,
			ToID:         c.ToID,
			IsMute:       c.IsMute,
			IsTop:        c.IsTop,
			Sequence:     c.Sequence.Int64,
			ReadSequence: c.ReadSequence.Int64,
			UpdateTime:   c.UpdateTime.Int64,
		}
		if c.Remark.Valid {
			dto.Remark = &c.Remark.String
		}
		if c.Name.Valid {
			dto.Name = &c.Name.String
		}
		if c.MemberCount.Valid {
			dto.MemberCount = &c.MemberCount.Int64
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out, "count": len(out)})
}

type unreadChatDTO struct {
	ChatID      string `json:"chat_id"`
	ChatType    int32  `json:"chat_type"`
	ToID        string `json:"to_id"`
	Name        string `json:"name"`
	UnreadCount int64  `json:"unread_count"`
}

// handleUnreadStats tallies the caller's unread conversations.
func (s *Server) handleUnreadStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	unread, err := s.store.UnreadChats(ctx, me.ExternalID())
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	var total, single, group int64
	out := make([]unreadChatDTO, 0, len(unread))
	for _, u := range unread {
		total += u.UnreadCount
		chatID := ""
		switch u.ChatType {
		case 1:
			single += u.UnreadCount
			chatID = singleChatID(me.ExternalID(), u.ToID)
		case 2:
			group += u.UnreadCount
			chatID = normalizeGroupID(u.ToID)
		}
		out = append(out, unreadChatDTO{
			ChatID:      chatID,
			ChatType:    u.ChatType,
			ToID:        u.ToID,
			Name:        u.Name,
			UnreadCount: u.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_unread":       total,
		"single_chat_unread": single,
		"group_chat_unread":  group,
		"unread_chats":       out,
	})
}

type updateChatRequest struct {
	IsTop  *int16 `json:"is_top"`
	IsMute *int16 `json:"is_mute"`
}

// handleUpdateChat pins or mutes a conversation. Exactly one flag is
// applied per call; is_top wins when both are present.
func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := r.PathValue("chat_id")

	if _, err := s.caller(r); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, imerr.InvalidInput("malformed request body"))
		return
	}

	switch {
	case req.IsTop != nil:
		err := s.store.SetChatTop(ctx, chatID, *req.IsTop)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
	case req.IsMute != nil:
		err := s.store.SetChatMute(ctx, chatID, *req.IsMute)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
	default:
		s.writeError(ctx, w, imerr.InvalidInput("is_top or is_mute is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRemarkRequest struct {
	Remark *string `json:"remark"`
}

// handleUpdateChatRemark sets the caller's private label on a chat; a
// null or absent remark clears it.
func (s *Server) handleUpdateChatRemark(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := r.PathValue("chat_id")

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	var req chatRemarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, imerr.InvalidInput("malformed request body"))
		return
	}
	if err := s.store.UpdateChatRemark(ctx, chatID, me.ExternalID(), req.Remark); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeleteChat soft-deletes the caller's view of a conversation.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := r.PathValue("chat_id")

	me, err := s.caller(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.store.DeleteChat(ctx, chatID, me.ExternalID()); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
