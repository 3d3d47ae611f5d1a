// Package broadcast delivers application messages to a whole room or to a
// subset of its members.
package broadcast

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"jamsync/internal/protocol"
	"jamsync/internal/registry"
	"jamsync/internal/transport"
)

// Directory resolves sessions to their live sockets.
type Directory interface {
	Lookup(ctx context.Context, sessionID string) (registry.Record, bool, error)
}

// Transport is the delivery primitive of the hub.
type Transport interface {
	Emit(ctx context.Context, channel, except string, env protocol.Envelope) error
	Send(socketID string, env protocol.Envelope) error
}

// Origin identifies the socket a message comes from.
type Origin struct {
	SocketID  string
	SessionID string
	RoomID    string
}

// Router stamps outgoing bodies with their sender and picks the channel to
// deliver them on.
type Router struct {
	dir        Directory
	transport  Transport
	instanceID string
	logger     *zap.Logger
}

// New returns a Router for the instance instanceID.
func New(dir Directory, t Transport, instanceID string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{dir: dir, transport: t, instanceID: instanceID, logger: logger}
}

// BroadcastToRoom delivers body to every member of the origin's room except
// the origin socket.
func (r *Router) BroadcastToRoom(ctx context.Context, origin Origin, body protocol.Body) error {
	env := protocol.Envelope{SenderID: origin.SessionID, Body: body}
	return r.transport.Emit(ctx, transport.RoomChannel(origin.RoomID), origin.SocketID, env)
}

// BroadcastToSubset delivers body to the private channel of each target,
// at most protocol.MaxTargets of them. Targets without a live connection
// are skipped silently. It returns the number of targets delivered to.
func (r *Router) BroadcastToSubset(ctx context.Context, origin Origin, targets []string, body protocol.Body) (int, error) {
	requested := len(targets)
	targets = capTargets(targets)
	if requested > protocol.MaxTargets && len(targets) == protocol.MaxTargets {
		r.logger.Debug("target list capped", zap.String("session", origin.SessionID), zap.Int("requested", requested))
	}
	env := protocol.Envelope{SenderID: origin.SessionID, Body: body}

	var (
		delivered int
		errs      []error
	)
	for _, target := range targets {
		ok, err := r.deliver(ctx, target, env)
		if err != nil {
			r.logger.Warn("targeted delivery failed",
				zap.String("session", origin.SessionID),
				zap.String("peer", target),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

func (r *Router) deliver(ctx context.Context, target string, env protocol.Envelope) (bool, error) {
	rec, ok, err := r.dir.Lookup(ctx, target)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if rec.ServerInstanceID != r.instanceID {
		if err := r.transport.Emit(ctx, transport.UserChannel(target), "", env); err != nil {
			return false, err
		}
		return true, nil
	}
	err = r.transport.Send(rec.SocketID, env)
	if errors.Is(err, transport.ErrNoSocket) {
		// The record outlived its socket; cleanup is on its way.
		return false, nil
	}
	return err == nil, err
}

// capTargets drops empty and repeated ids and keeps at most MaxTargets.
func capTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == protocol.MaxTargets {
			break
		}
	}
	return out
}
