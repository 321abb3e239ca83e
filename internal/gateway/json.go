package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/wire"
)

// jsonPingInterval keeps NATed connections alive between messages.
const jsonPingInterval = 30 * time.Second

// handleJSONWS serves the JSON variant: the URL names a subscription id,
// the bearer token authenticates, and the session is a one-way bridge
// from the user's MQTT inbox topic to the socket.
func (s *Server) handleJSONWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := r.PathValue("subscription_id")

	identity, err := s.jwt.Validate(auth.ExtractToken(r))
	if err != nil {
		s.log.Warn(ctx, "json session rejected", "error", err, "subscription_id", subscriptionID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// A token carrying the canonical external id needs no lookup. Legacy
	// tokens carry the database id and are resolved through the fan-out
	// API by subscription id.
	mqttID, openID := identity.Subject, identity.Subject
	if !identity.IsOpenID {
		info, err := s.lookup.UserBySubscription(ctx, subscriptionID)
		if err != nil {
			s.log.Error(ctx, "subscription lookup failed", "error", err, "subscription_id", subscriptionID)
			http.Error(w, "subscription lookup failed", http.StatusInternalServerError)
			return
		}
		mqttID, openID = info.SnowflakeID, info.OpenID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(ctx, "websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	j := &jsonSession{
		srv:            s,
		log:            s.log.WithFields("subscription_id", subscriptionID, "mqtt_id", mqttID),
		sink:           session.NewSink(),
		subscriptionID: subscriptionID,
		mqttID:         mqttID,
		openID:         openID,
	}
	j.run(observability.AddUserID(context.WithoutCancel(ctx), openID), conn)
}

// jsonSession bridges one user's MQTT inbox onto a WebSocket. Unlike the
// binary variant there is no in-band state machine: authentication
// happened at upgrade time and the client only ever receives.
type jsonSession struct {
	srv            *Server
	log            *observability.Logger
	sink           *session.Sink
	subscriptionID string
	mqttID         string
	openID         string
}

func (j *jsonSession) run(ctx context.Context, conn *websocket.Conn) {
	started := time.Now()

	// The MQTT client id is derived from the user's stable id, not the
	// subscription id, so the broker resumes the same persistent session
	// and replays QoS 1 messages queued while the user was away.
	sub, err := j.srv.newSub(j.mqttID, func(payload []byte) {
		if err := j.sink.TrySend(payload); err != nil {
			j.log.Warn(ctx, "inbox frame dropped", "error", err)
		}
	})
	if err != nil {
		j.log.Error(ctx, "mqtt subscribe failed", "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		conn.Close()
		return
	}

	if j.srv.metrics != nil {
		j.srv.metrics.SessionStarted(wire.GroupWeb.String())
	}
	j.log.Info(ctx, "json session started", "open_id", j.openID)

	j.drainOffline(ctx)

	done := make(chan struct{})
	go func() {
		j.writeLoop(conn)
		close(done)
	}()
	j.readLoop(ctx, conn)

	j.sink.Close()
	conn.Close()
	<-done
	sub.Close()

	if j.srv.metrics != nil {
		j.srv.metrics.SessionEnded(wire.GroupWeb.String(), time.Since(started).Seconds())
	}
	j.log.Info(ctx, "json session closed")
}

// drainOffline replays the Redis backup queue onto the sink. The MQTT
// broker covers short offline windows itself; the queue covers users the
// broker has never seen. Expired call invites are filtered out rather
// than delivered late.
func (j *jsonSession) drainOffline(ctx context.Context) {
	if j.srv.store == nil {
		return
	}
	messages, err := j.srv.store.DrainOffline(ctx, j.openID)
	if err != nil {
		j.log.Warn(ctx, "offline drain failed", "error", err)
		if j.srv.metrics != nil {
			j.srv.metrics.RecordOfflineQueueOp("drain", "error")
		}
		return
	}
	if len(messages) == 0 {
		return
	}

	now := time.Now()
	delivered := 0
	for _, payload := range messages {
		if !offlineDeliverable(payload, now) {
			continue
		}
		if err := j.sink.TrySend(payload); err != nil {
			j.log.Warn(ctx, "offline replay truncated", "error", err, "delivered", delivered)
			break
		}
		delivered++
	}
	if j.srv.metrics != nil {
		j.srv.metrics.RecordOfflineQueueOp("drain", "success")
	}
	j.log.Info(ctx, "offline queue drained", "queued", len(messages), "delivered", delivered)
}

// offlineDeliverable decides whether a drained payload is still worth
// pushing. Only call invites age out; anything else, including payloads
// this node cannot parse, is delivered as stored.
func offlineDeliverable(payload []byte, now time.Time) bool {
	m, err := wire.DecodeChatMessage(payload)
	if err != nil {
		return true
	}
	return !m.Expired(now)
}

// writeLoop is the sole socket writer: queued frames go out as text, and
// a periodic ping keeps idle connections from being reaped by middle
// boxes.
func (j *jsonSession) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(jsonPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-j.sink.Frames():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// readLoop consumes and discards client frames; the JSON variant is
// receive-only and clients send messages through the REST API. Reading
// still matters: it surfaces close frames and answers pings.
func (j *jsonSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				j.log.Debug(ctx, "read loop ended", "error", err)
			}
			return
		}
	}
}
