// Package gateway implements the session-terminating process: it accepts
// WebSocket connections, enforces the login exclusion policies, and
// delivers frames arriving from the broker fabric to the sessions it
// holds. Two client protocols are supported, selected by configuration:
// the binary variant speaks framed envelopes with REGISTER/HEART_BEAT
// codes and receives traffic over the node's AMQP queue; the JSON variant
// authenticates by subscription id in the URL and bridges a per-user MQTT
// topic onto the socket.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/kv"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/session"
)

// SessionStore is the shared state the gateway writes so the fan-out API
// can route to this node. *kv.Client satisfies it.
type SessionStore interface {
	PutSession(ctx context.Context, userID string, rec kv.SessionRecord, ttl time.Duration) error
	DeleteSession(ctx context.Context, userID string) error
	DrainOffline(ctx context.Context, openID string) ([][]byte, error)
}

// subscriberFactory opens the MQTT bridge for one JSON-variant session.
// Swapped out in tests.
type subscriberFactory func(mqttID string, handler broker.InboxHandler) (subscriber, error)

type subscriber interface {
	Close()
}

// Options carries the gateway's collaborators.
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	JWT     *auth.JWTService
	Store   SessionStore
	MQTT    broker.MQTTConfig
}

// Server is the gateway process.
type Server struct {
	cfg     config.GatewayConfig
	log     *observability.Logger
	metrics *observability.Metrics
	jwt     *auth.JWTService
	store   SessionStore

	sessions *session.Map
	lookup   *subscriptionLookup
	newSub   subscriberFactory

	httpServer *http.Server
	listener   net.Listener
}

// New assembles a gateway server from configuration.
func New(cfg config.GatewayConfig, opts Options) *Server {
	s := &Server{
		cfg:      cfg,
		log:      opts.Logger.WithFields("component", "gateway"),
		metrics:  opts.Metrics,
		jwt:      opts.JWT,
		store:    opts.Store,
		sessions: session.NewMap(cfg.MultiDeviceEnabled),
		lookup:   newSubscriptionLookup(cfg.APIBaseURL, opts.Logger),
	}
	s.newSub = func(mqttID string, handler broker.InboxHandler) (subscriber, error) {
		return broker.NewMQTTSubscriber(opts.MQTT, mqttID, handler, opts.Logger)
	}
	return s
}

// Sessions exposes the live session map, used by the broker dispatch
// handler and by tests.
func (s *Server) Sessions() *session.Map { return s.sessions }

// Start listens and serves HTTP in the background. Returns once the
// listener is bound so the caller knows the port is live.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	switch s.cfg.Variant {
	case "json":
		mux.HandleFunc("/ws/{subscription_id}", s.handleJSONWS)
	default:
		mux.HandleFunc("/ws", s.handleBinaryWS)
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error(ctx, "http server failed", "error", err)
		}
	}()

	s.log.Info(ctx, "gateway listening",
		"addr", listener.Addr().String(),
		"variant", s.cfg.Variant,
		"broker_id", s.cfg.BrokerID,
		"multi_device", s.cfg.MultiDeviceEnabled)
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
// Live WebSocket sessions are closed by their read loops when the
// listener dies.
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
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"online_users":%d}`,
		s.sessions.SessionCount(), s.sessions.OnlineUserCount())
}

func (s *Server) sessionTTL() time.Duration {
	return time.Duration(s.cfg.SessionTTLSeconds) * time.Second
}
