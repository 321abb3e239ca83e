package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/haasonsaas/relay/internal/identity"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/wire"
)

// singleChatID is the canonical id of a direct conversation. The two
// external ids are ordered so both participants derive the same id.
func singleChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "single_" + a + "_" + b
}

// normalizeGroupID ensures the group_ prefix the database keys carry.
func normalizeGroupID(id string) string {
	if len(id) >= 6 && id[:6] == "group_" {
		return id
	}
	return "group_" + id
}

// fileAttachment is the subset of the extra blob the fan-out payload
// surfaces to recipients.
type fileAttachment struct {
	URL  *string `json:"file_url"`
	Name *string `json:"file_name"`
	Type *string `json:"file_type"`
}

// parseExtra extracts attachment fields from the opaque extra blob.
// Anything unparseable is passed through to storage untouched and simply
// carries no attachment.
func parseExtra(extra *string) fileAttachment {
	var f fileAttachment
	if extra == nil || *extra == "" {
		return f
	}
	_ = json.Unmarshal([]byte(*extra), &f)
	return f
}

// routable reports whether the user has at least one fresh subscription.
// A registry error counts as offline: the message still persists and
// queues, delivery just loses the online fast path.
func (s *Server) routable(ctx context.Context, userID int64) bool {
	ids, err := s.subs.SubscriptionIDs(ctx, userID)
	if err != nil {
		s.log.Warn(ctx, "subscription lookup failed, treating user as offline",
			"user_id", userID, "error", err)
		return false
	}
	return len(ids) > 0
}

// deliver pushes one encoded payload to a recipient across the delivery
// paths: MQTT topic publish, Redis offline backup, and the owning node's
// queue when the user holds a binary-variant session somewhere.
// The backup queue is written on publish success too; a recipient whose
// socket flaps between publish and read would otherwise lose the
// message. skipQueue carries the call-invite exemption.
func (s *Server) deliver(ctx context.Context, kind string, to *storage.User, code wire.Code, payload []byte, skipQueue bool) {
	ext := to.ExternalID()

	if err := s.publisher.Publish(ctx, identity.MQTTID(to), payload); err != nil {
		s.log.Error(ctx, "mqtt publish failed, backup queue will carry the message",
			"to", ext, "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("api", "mqtt_publish")
		}
	} else if s.metrics != nil {
		s.metrics.MessageStage(kind, "published")
	}

	if skipQueue {
		if s.metrics != nil {
			s.metrics.MessageStage(kind, "stored_only")
		}
	} else if err := s.kv.PushOffline(ctx, ext, payload); err != nil {
		s.log.Warn(ctx, "offline backup failed, message survives in mysql",
			"to", ext, "error", err)
		if s.metrics != nil {
			s.metrics.RecordOfflineQueueOp("append", "error")
		}
	} else {
		if s.metrics != nil {
			s.metrics.RecordOfflineQueueOp("append", "success")
			s.metrics.MessageStage(kind, "offline_queued")
		}
	}

	s.routeToNode(ctx, ext, code, payload)
}

// routeToNode forwards the payload to the gateway node holding the
// recipient's session, addressed by the broker id in the shared session
// record. No record means no binary session anywhere; nothing to do.
func (s *Server) routeToNode(ctx context.Context, ext string, code wire.Code, payload []byte) {
	if s.nodes == nil {
		return
	}
	rec, err := s.kv.GetSession(ctx, ext)
	if err != nil {
		s.log.Warn(ctx, "session record lookup failed", "to", ext, "error", err)
		return
	}
	if rec == nil || rec.BrokerID == "" {
		return
	}

	env := &wire.Envelope{
		Code:      code,
		IDs:       []string{ext},
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.nodes.PublishToBroker(ctx, rec.BrokerID, env.MustEncode()); err != nil {
		s.log.Error(ctx, "node routing failed",
			"to", ext, "broker_id", rec.BrokerID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("api", "amqp_publish")
		}
	}
}

// updateSingleChats upserts both participants' rows of a direct
// conversation and bumps the shared sequence. Best effort: a chat-list
// glitch must never fail a send that already persisted.
func (s *Server) updateSingleChats(ctx context.Context, fromExt, toExt string, sequence int64) {
	chatID := singleChatID(fromExt, toExt)
	if _, err := s.store.GetOrCreateChat(ctx, chatID, wire.ChatTypeSingle, fromExt, toExt); err != nil {
		s.log.Warn(ctx, "sender chat upsert failed", "chat_id", chatID, "error", err)
	}
	if _, err := s.store.GetOrCreateChat(ctx, chatID, wire.ChatTypeSingle, toExt, fromExt); err != nil {
		s.log.Warn(ctx, "recipient chat upsert failed", "chat_id", chatID, "error", err)
	}
	if err := s.store.UpdateChatSequence(ctx, chatID, sequence); err != nil {
		s.log.Warn(ctx, "chat sequence update failed", "chat_id", chatID, "error", err)
	}
}

func nullStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strOrNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func ptr[T any](v T) *T { return &v }
