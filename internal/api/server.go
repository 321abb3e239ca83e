// Package api implements the fan-out REST process: it accepts send
// requests, persists messages to MySQL, publishes to per-recipient MQTT
// topics, queues a Redis backup for offline recipients, and serves the
// subscription and history endpoints the gateway and clients depend on.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/kv"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/storage"
)

// MessageStore is the persistence surface the handlers use.
// *storage.Store satisfies it.
type MessageStore interface {
	InsertSingleMessage(ctx context.Context, m *storage.SingleMessage) error
	InsertGroupMessage(ctx context.Context, m *storage.GroupMessage) error
	SingleHistory(ctx context.Context, fromID, toID string, sinceSequence *int64, limit int32) ([]storage.SingleMessage, error)
	GroupHistory(ctx context.Context, groupID string, sinceSequence *int64, limit int32) ([]storage.GroupMessage, error)
	MarkSingleRead(ctx context.Context, messageID, toID string) error
	GetChat(ctx context.Context, chatID, ownerID string) (*storage.Chat, error)
	GetOrCreateChat(ctx context.Context, chatID string, chatType int32, ownerID, toID string) (*storage.Chat, error)
	UpdateChatSequence(ctx context.Context, chatID string, sequence int64) error
	UpdateReadSequence(ctx context.Context, chatID string, readSequence int64) error
	UserChats(ctx context.Context, ownerID string) ([]storage.ChatSummary, error)
	UnreadChats(ctx context.Context, ownerID string) ([]storage.UnreadChat, error)
	SetChatTop(ctx context.Context, chatID string, isTop int16) error
	SetChatMute(ctx context.Context, chatID string, isMute int16) error
	UpdateChatRemark(ctx context.Context, chatID, ownerID string, remark *string) error
	DeleteChat(ctx context.Context, chatID, ownerID string) error
	GetGroup(ctx context.Context, groupID string) (*storage.Group, error)
	GroupMemberIDs(ctx context.Context, groupID string) ([]string, error)
}

// Resolver maps loose participant references to user rows.
// *identity.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, query string) (*storage.User, error)
	ResolveAuthenticated(ctx context.Context, id auth.Identity) (*storage.User, error)
	ByID(ctx context.Context, id int64) (*storage.User, error)
}

// KV is the Redis surface the fan-out path uses: the offline backup
// queue, cross-node session routing, and group read state. *kv.Client
// satisfies it.
type KV interface {
	PushOffline(ctx context.Context, openID string, payload []byte) error
	GetSession(ctx context.Context, userID string) (*kv.SessionRecord, error)
	MarkGroupRead(ctx context.Context, groupID, messageID, userID string) error
	GroupReaders(ctx context.Context, groupID, messageID string) ([]string, error)
	GroupReadCount(ctx context.Context, groupID, messageID string) (int64, error)
}

// Subscriptions is the routing-id registry. *registry.Registry
// satisfies it.
type Subscriptions interface {
	GetOrCreate(ctx context.Context, userID int64) (string, error)
	SubscriptionIDs(ctx context.Context, userID int64) ([]string, error)
	UserID(ctx context.Context, subscriptionID string) (int64, error)
	Touch(ctx context.Context, subscriptionID string) error
}

// Publisher pushes a payload to a user's MQTT inbox topic.
// *broker.MQTTPublisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, mqttID string, payload []byte) error
}

// NodePublisher routes a framed envelope to the gateway node holding a
// user's session. *broker.Publisher satisfies it; nil disables the
// binary-variant path.
type NodePublisher interface {
	PublishToBroker(ctx context.Context, brokerID string, body []byte) error
}

// Options carries the server's collaborators.
type Options struct {
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	JWT           *auth.JWTService
	Store         MessageStore
	KV            KV
	Resolver      Resolver
	Subscriptions Subscriptions
	Publisher     Publisher
	Nodes         NodePublisher
}

// Server is the fan-out API process.
type Server struct {
	cfg     config.APIConfig
	log     *observability.Logger
	metrics *observability.Metrics
	jwt     *auth.JWTService

	store     MessageStore
	kv        KV
	resolver  Resolver
	subs      Subscriptions
	publisher Publisher
	nodes     NodePublisher

	httpServer *http.Server
	listener   net.Listener
}

// New assembles the API server from configuration.
func New(cfg config.APIConfig, opts Options) *Server {
	return &Server{
		cfg:       cfg,
		log:       opts.Logger.WithFields("component", "api"),
		metrics:   opts.Metrics,
		jwt:       opts.JWT,
		store:     opts.Store,
		kv:        opts.KV,
		resolver:  opts.Resolver,
		subs:      opts.Subscriptions,
		publisher: opts.Publisher,
		nodes:     opts.Nodes,
	}
}

// Handler builds the route table. Exposed so tests can drive the mux
// without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.route(mux, "POST /api/im/messages/single", s.authed(s.handleSendSingle))
	s.route(mux, "GET /api/im/messages/single", s.authed(s.handleSingleHistory))
	s.route(mux, "POST /api/im/messages/single/{message_id}/read", s.authed(s.handleMarkSingleRead))
	s.route(mux, "POST /api/im/messages/group", s.authed(s.handleSendGroup))
	s.route(mux, "GET /api/im/messages/group/{group_id}", s.authed(s.handleGroupHistory))
	s.route(mux, "POST /api/im/messages/group/{group_id}/{message_id}/read", s.authed(s.handleMarkGroupRead))
	s.route(mux, "GET /api/im/messages/group/{group_id}/{message_id}/readers", s.authed(s.handleGroupReaders))
	s.route(mux, "GET /api/im/chats", s.authed(s.handleUserChats))
	s.route(mux, "GET /api/im/chats/unread-stats", s.authed(s.handleUnreadStats))
	s.route(mux, "PUT /api/im/chats/{chat_id}", s.authed(s.handleUpdateChat))
	s.route(mux, "PUT /api/im/chats/{chat_id}/remark", s.authed(s.handleUpdateChatRemark))
	s.route(mux, "DELETE /api/im/chats/{chat_id}", s.authed(s.handleDeleteChat))
	s.route(mux, "POST /api/subscriptions", s.authed(s.handleCreateSubscription))

	// Unauthenticated: the gateway calls these during session setup,
	// before the client's token has been attached to anything.
	s.route(mux, "GET /api/subscriptions/{subscription_id}/user", s.handleSubscriptionUser)
	s.route(mux, "GET /api/users/{id}/snowflake_id", s.handleSnowflakeID)

	return s.requestID(mux)
}

// Start listens and serves HTTP in the background. Returns once the
// listener is bound so the caller knows the port is live.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error(ctx, "http server failed", "error", err)
		}
	}()

	s.log.Info(ctx, "api listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
