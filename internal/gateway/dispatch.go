package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/wire"
)

// BrokerHandler returns the AMQP delivery handler for this node's queue.
// It fans each envelope out to the local sessions of every addressed
// user. Only undecodable bodies are reported back to the consumer; an
// offline recipient is a normal outcome, the fan-out API already queued
// the message before publishing.
func (s *Server) BrokerHandler() broker.Handler {
	return func(ctx context.Context, body []byte) error {
		env, err := wire.DecodeEnvelope(body)
		if err != nil {
			return fmt.Errorf("broker frame: %w", err)
		}
		s.deliver(ctx, env, body)
		return nil
	}
}

func (s *Server) deliver(ctx context.Context, env *wire.Envelope, frame []byte) {
	if !env.Code.IsDeliverable() && env.Code != wire.CodeForceLogout {
		s.log.Warn(ctx, "undeliverable broker frame dropped", "code", env.Code.String())
		if s.metrics != nil {
			s.metrics.RecordDelivery(env.Code.String(), "dropped")
		}
		return
	}
	if len(env.IDs) == 0 {
		s.log.Warn(ctx, "broker frame without recipients", "code", env.Code.String())
		return
	}

	for _, userID := range env.IDs {
		sinks := s.sessions.SinksForUser(userID)
		if len(sinks) == 0 {
			s.log.Debug(ctx, "recipient not on this node", "user_id", userID, "code", env.Code.String())
			if s.metrics != nil {
				s.metrics.RecordDelivery(env.Code.String(), "no_session")
			}
			continue
		}
		for _, sink := range sinks {
			outcome := "delivered"
			if err := sink.TrySend(frame); err != nil {
				outcome = "sink_closed"
				if errors.Is(err, session.ErrSinkFull) {
					outcome = "dropped"
				}
				s.log.Warn(ctx, "delivery failed", "user_id", userID,
					"code", env.Code.String(), "error", err)
			}
			if s.metrics != nil {
				s.metrics.RecordDelivery(env.Code.String(), outcome)
			}
		}
	}
}
