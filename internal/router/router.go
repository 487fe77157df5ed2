// Package router validates inbound participant events, delegates them to the
// session registry and fans the results out to the session's connections.
//
// Dispatch for one session code is serialized end to end (mutation plus
// broadcast), so every client observes broadcasts in the order the registry
// accepted the mutations. The router itself is stateless per event.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mixmate/remixd/internal/event"
	"github.com/mixmate/remixd/internal/hub"
	"github.com/mixmate/remixd/internal/metrics"
	"github.com/mixmate/remixd/internal/registry"
	"github.com/mixmate/remixd/internal/session"
)

// Router dispatches inbound events.
type Router struct {
	reg    *registry.Registry
	hub    *hub.Hub
	logger zerolog.Logger
	locks  keyedMutex
}

// New creates a Router over the given registry and hub.
func New(reg *registry.Registry, h *hub.Hub, logger zerolog.Logger) *Router {
	return &Router{reg: reg, hub: h, logger: logger}
}

// Dispatch handles one raw inbound frame from conn. Malformed or unknown
// events are dropped with a diagnostic; validation and registry failures are
// reported back to the originator only.
func (rt *Router) Dispatch(ctx context.Context, conn hub.Conn, raw []byte) {
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		metrics.IncRejected("malformed", "bad_envelope")
		rt.logger.Debug().Str("conn", conn.ID()).Msg("dropping malformed frame")
		return
	}

	var err error
	switch env.Event {
	case event.JoinSession:
		err = rt.handleJoin(ctx, conn, env.Data)
	case event.LeaveSession:
		err = rt.handleLeave(ctx, conn, env.Data)
	case event.SelectStem:
		err = rt.handleSelectStem(ctx, conn, env.Data)
	case event.UserReady:
		err = rt.handleReady(ctx, conn, env.Data)
	case event.PlaybackControl:
		err = rt.handlePlayback(ctx, conn, env.Data)
	case event.BPMChange:
		err = rt.handleBPM(ctx, conn, env.Data)
	default:
		metrics.IncRejected(env.Event, "unknown_event")
		rt.logger.Debug().Str("conn", conn.ID()).Str("event", env.Event).Msg("dropping unknown event")
		return
	}

	if err != nil {
		rt.reject(conn, env.Event, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(env.Event).Inc()
}

// Disconnect cleans up after a closed connection: the user leaves the session
// the connection was bound to and remaining members learn about it. Without a
// binding, disconnect is a no-op.
func (rt *Router) Disconnect(ctx context.Context, conn hub.Conn) {
	code, ok := rt.hub.Unbind(conn.ID())
	if !ok {
		return
	}
	rt.locks.lock(code)
	defer rt.locks.unlock(code)

	snap, err := rt.reg.Leave(ctx, code, conn.UserID())
	if err != nil {
		rt.logger.Warn().Err(err).
			Str("code", code).
			Str("user", conn.UserID()).
			Msg("disconnect cleanup failed")
		return
	}
	rt.hub.Broadcast(code, event.Outbound(event.UserLeft, event.MembershipPayload{
		UserID: conn.UserID(),
		Users:  snap.Participants,
	}))
}

// resolveUser picks the effective user id: the connection's authenticated
// identity, cross-checked against the payload when one is present.
func resolveUser(conn hub.Conn, payloadUser string) (string, error) {
	if payloadUser != "" && payloadUser != conn.UserID() {
		return "", fmt.Errorf("%w: user id does not match connection identity", session.ErrInvalidArgument)
	}
	return conn.UserID(), nil
}

func (rt *Router) handleJoin(ctx context.Context, conn hub.Conn, data json.RawMessage) error {
	var p event.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
	}
	userID, err := resolveUser(conn, p.UserID)
	if err != nil {
		return err
	}

	rt.locks.lock(p.SessionCode)
	snap, err := rt.reg.Join(ctx, p.SessionCode, userID)
	if err != nil {
		rt.locks.unlock(p.SessionCode)
		return err
	}
	previous := rt.hub.Bind(p.SessionCode, conn)
	rt.hub.Broadcast(p.SessionCode, event.Outbound(event.UserJoined, event.MembershipPayload{
		UserID: userID,
		Users:  snap.Participants,
	}))
	rt.locks.unlock(p.SessionCode)

	if previous != "" {
		// one session per connection: joining a new code is leave-then-join
		rt.locks.lock(previous)
		defer rt.locks.unlock(previous)
		prevSnap, err := rt.reg.Leave(ctx, previous, userID)
		if err != nil {
			rt.logger.Warn().Err(err).Str("code", previous).Str("user", userID).Msg("implicit leave failed")
			return nil
		}
		rt.hub.Broadcast(previous, event.Outbound(event.UserLeft, event.MembershipPayload{
			UserID: userID,
			Users:  prevSnap.Participants,
		}))
	}
	return nil
}

func (rt *Router) handleLeave(ctx context.Context, conn hub.Conn, data json.RawMessage) error {
	var p event.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
	}
	userID, err := resolveUser(conn, p.UserID)
	if err != nil {
		return err
	}

	rt.locks.lock(p.SessionCode)
	defer rt.locks.unlock(p.SessionCode)

	snap, err := rt.reg.Leave(ctx, p.SessionCode, userID)
	if err != nil {
		return err
	}
	// broadcast before unbinding so the leaver confirms from the same source
	// of truth as its peers
	rt.hub.Broadcast(p.SessionCode, event.Outbound(event.UserLeft, event.MembershipPayload{
		UserID: userID,
		Users:  snap.Participants,
	}))
	rt.hub.Unbind(conn.ID())
	return nil
}

func (rt *Router) handleSelectStem(ctx context.Context, conn hub.Conn, data json.RawMessage) error {
	var p event.SelectStemPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
	}
	userID, err := resolveUser(conn, p.UserID)
	if err != nil {
		return err
	}

	rt.locks.lock(p.SessionCode)
	defer rt.locks.unlock(p.SessionCode)

	_, err = rt.reg.SelectStem(ctx, p.SessionCode, userID, session.Stem{
		ID:      p.StemID,
		Type:    p.StemType,
		Payload: p.Stem,
	})
	if err != nil {
		return err
	}
	rt.hub.Broadcast(p.SessionCode, event.Outbound(event.StemSelected, event.StemSelectedPayload{
		UserID:   userID,
		StemID:   p.StemID,
		StemType: p.StemType,
		Stem:     p.Stem,
	}))
	return nil
}

func (rt *Router) handleReady(ctx context.Context, conn hub.Conn, data json.RawMessage) error {
	var p event.ReadyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
	}
	userID, err := resolveUser(conn, p.UserID)
	if err != nil {
		return err
	}

	rt.locks.lock(p.SessionCode)
	defer rt.locks.unlock(p.SessionCode)

	snap, err := rt.reg.SetReady(ctx, p.SessionCode, userID)
	if err != nil {
		return err
	}
	rt.hub.Broadcast(p.SessionCode, event.Outbound(event.UserReadyUpdate, event.ReadyUpdatePayload{
		ReadyUsers: snap.ReadyUsers,
	}))
	return nil
}

func (rt *Router) handlePlayback(ctx context.Context, conn hub.Conn, data json.RawMessage) error {
	var p event.PlaybackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
	}

	rt.locks.lock(p.SessionCode)
	defer rt.locks.unlock(p.SessionCode)

	snap, err := rt.reg.SetPlayback(ctx, p.SessionCode, p.IsPlaying)
	if err != nil {
		return err
	}
	// the originator already holds the authoritative value; no self-echo
	rt.hub.BroadcastExcept(p.SessionCode, conn.ID(), event.Outbound(event.SyncPlayback, event.SyncPlaybackPayload{
		IsPlaying: snap.Playing,
	}))
	return nil
}

func (rt *Router) handleBPM(ctx context.Context, conn hub.Conn, data json.RawMessage) error {
	var p event.BPMPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
	}

	rt.locks.lock(p.SessionCode)
	defer rt.locks.unlock(p.SessionCode)

	snap, err := rt.reg.SetTempo(ctx, p.SessionCode, p.BPM)
	if err != nil {
		return err
	}
	rt.hub.BroadcastExcept(p.SessionCode, conn.ID(), event.Outbound(event.SyncBPM, event.SyncBPMPayload{
		BPM: snap.Tempo,
	}))
	return nil
}

// reject reports a failed event back to the originating connection only.
// Peers are unaffected: the failed mutation was rolled back before the
// session lock was released.
func (rt *Router) reject(conn hub.Conn, eventType string, err error) {
	code := errorCode(err)
	metrics.IncRejected(eventType, code)
	rt.logger.Debug().Err(err).
		Str("conn", conn.ID()).
		Str("event", eventType).
		Str("reason", code).
		Msg("event rejected")
	conn.Send(event.Outbound(event.Error, event.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	}))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionFull):
		return "session_full"
	case errors.Is(err, session.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, session.ErrPersistence):
		return "persistence_failure"
	default:
		return "internal"
	}
}
