package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/kv"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/wire"
)

const (
	wsReadLimit = 1 << 20 // 1 MiB per frame
	wsWriteWait = 10 * time.Second
)

var (
	errHeartBeatBeforeRegister = errors.New("heartbeat before register")
	errRegisterUserMismatch    = errors.New("register for another user on a live session")
	errSessionEvicted          = errors.New("session evicted")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	// Native clients do not send an Origin header; browser clients are
	// authenticated by token, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// binarySession is one framed-envelope client connection. The session is
// anonymous until a REGISTER frame authenticates it; only then does it
// enter the session map and become routable.
type binarySession struct {
	srv    *Server
	log    *observability.Logger
	sink   *session.Sink
	handle *session.Handle
	userID string
	device wire.DeviceType
}

func (s *Server) handleBinaryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	b := &binarySession{
		srv:  s,
		log:  s.log.WithFields("remote", r.RemoteAddr),
		sink: session.NewSink(),
	}
	b.run(r.Context(), conn)
}

// run owns the connection: the write loop drains the sink, the read loop
// drives the register/heartbeat state machine. Either loop ending tears
// the session down.
func (b *binarySession) run(ctx context.Context, conn *websocket.Conn) {
	started := time.Now()
	go b.writeLoop(conn, websocket.BinaryMessage)
	b.readLoop(ctx, conn)

	b.sink.Close()
	conn.Close()
	b.teardown(ctx, started)
}

func (b *binarySession) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	// the first frame must be a REGISTER within the handshake window
	_ = conn.SetReadDeadline(time.Now().Add(time.Duration(b.srv.cfg.TimeoutMs) * time.Millisecond))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug(ctx, "read loop ended", "error", err)
			}
			return
		}
		if err := b.handleFrame(ctx, data); err != nil {
			b.log.Warn(ctx, "closing session", "error", err)
			return
		}
		if b.handle != nil {
			_ = conn.SetReadDeadline(time.Now().Add(time.Duration(b.srv.cfg.HeartBeatTimeMs) * time.Millisecond))
		}
	}
}

func (b *binarySession) writeLoop(conn *websocket.Conn, messageType int) {
	for frame := range b.sink.Frames() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(messageType, frame); err != nil {
			conn.Close()
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	// the sink closing (eviction included) must also end the read loop
	conn.Close()
}

// handleFrame processes one client frame. A returned error closes the
// connection; replies and error notices travel on the sink.
func (b *binarySession) handleFrame(ctx context.Context, data []byte) error {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		b.reply(wire.ControlFrame(wire.CodeError, "malformed frame"))
		return err
	}

	switch env.Code {
	case wire.CodeRegister:
		return b.handleRegister(ctx, env)
	case wire.CodeHeartBeat:
		return b.handleHeartBeat(ctx)
	default:
		b.log.Warn(ctx, "unexpected client frame", "code", env.Code.String())
		return nil
	}
}

func (b *binarySession) handleRegister(ctx context.Context, env *wire.Envelope) error {
	identity, err := b.srv.jwt.Validate(env.Token)
	if err != nil {
		b.reply(wire.ControlFrame(wire.CodeError, "authentication failed"))
		return err
	}

	// A repeat REGISTER on a live connection is a refresh. Re-adding the
	// session to the map would displace this connection's own handle and
	// close its sink mid-conversation.
	if b.handle != nil {
		if identity.Subject != b.userID {
			b.reply(wire.ControlFrame(wire.CodeError, "registered as another user"))
			return errRegisterUserMismatch
		}
		if b.sink.Closed() {
			return errSessionEvicted
		}
		ctx = observability.AddUserID(ctx, b.userID)
		if err := b.putSessionRecord(ctx); err != nil {
			b.log.Warn(ctx, "session record refresh failed", "error", err)
		}
		ack := wire.ControlFrame(wire.CodeRegisterSuccess, "")
		ack.Metadata = map[string]string{"channel_id": b.handle.ChannelID}
		b.reply(ack)
		return nil
	}

	b.userID = identity.Subject
	b.device = wire.ParseDeviceType(env.DeviceType)
	ctx = observability.AddUserID(ctx, b.userID)

	handle, evicted := b.srv.sessions.Add(b.userID, b.device, b.sink)
	b.handle = handle
	for _, ev := range evicted {
		b.log.Info(ctx, "session evicted", "channel_id", ev.ChannelID,
			"group", ev.Group.String(), "reason", ev.Reason)
		if b.srv.metrics != nil {
			b.srv.metrics.RecordEviction(ev.Reason)
		}
	}

	if err := b.putSessionRecord(ctx); err != nil {
		// the local session still works; cross-node routing recovers on
		// the next heartbeat refresh
		b.log.Warn(ctx, "session record write failed", "error", err)
	}

	if b.srv.metrics != nil {
		b.srv.metrics.SessionStarted(handle.Group.String())
	}

	ack := wire.ControlFrame(wire.CodeRegisterSuccess, "")
	ack.Metadata = map[string]string{"channel_id": handle.ChannelID}
	b.reply(ack)
	b.log.Info(ctx, "session registered",
		"channel_id", handle.ChannelID, "device_type", string(b.device))
	return nil
}

func (b *binarySession) handleHeartBeat(ctx context.Context) error {
	if b.handle == nil {
		b.reply(wire.ControlFrame(wire.CodeError, "not registered"))
		return errHeartBeatBeforeRegister
	}
	// An evicted session must not refresh the shared routing record: the
	// slot, and the IM-USER record with it, belong to the successor now.
	if b.sink.Closed() {
		return errSessionEvicted
	}
	if err := b.putSessionRecord(ctx); err != nil {
		b.log.Warn(ctx, "session record refresh failed", "error", err)
	}
	b.reply(wire.ControlFrame(wire.CodeHeartBeatSuccess, ""))
	return nil
}

// putSessionRecord writes (or refreshes) the cross-node routing record.
func (b *binarySession) putSessionRecord(ctx context.Context) error {
	if b.srv.store == nil {
		return nil
	}
	rec := kv.SessionRecord{
		BrokerID:    b.srv.cfg.BrokerID,
		DeviceType:  string(b.device),
		DeviceGroup: b.handle.Group.String(),
		ChannelID:   b.handle.ChannelID,
		LoginTime:   b.handle.LoginTime.UnixMilli(),
	}
	return b.srv.store.PutSession(ctx, b.userID, rec, b.srv.sessionTTL())
}

// teardown removes the session from the map and retires the routing
// record, unless a newer session for the same slot has already replaced
// both.
func (b *binarySession) teardown(ctx context.Context, started time.Time) {
	if b.handle == nil {
		return
	}
	removed := b.srv.sessions.RemoveByChannelID(b.userID, b.handle.Group, b.handle.ChannelID)
	if removed && b.srv.store != nil {
		if err := b.srv.store.DeleteSession(ctx, b.userID); err != nil {
			b.log.Warn(ctx, "session record delete failed", "error", err)
		}
	}
	if b.srv.metrics != nil {
		b.srv.metrics.SessionEnded(b.handle.Group.String(), time.Since(started).Seconds())
	}
	b.log.Info(ctx, "session closed", "channel_id", b.handle.ChannelID,
		"removed", removed, "user_id", b.userID)
}

// reply enqueues a control frame toward the client. Best-effort: a full
// sink drops the frame rather than blocking the read loop.
func (b *binarySession) reply(env *wire.Envelope) {
	_ = b.sink.TrySend(env.MustEncode())
}
