package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jamsync/internal/protocol"
)

// Dispatch routes one inbound envelope of a joined connection. The sender
// id set by the client is ignored; outgoing envelopes carry the session id
// of conn.
func (g *Gateway) Dispatch(ctx context.Context, conn *Connection, env protocol.Envelope) error {
	if conn.State() != Joined {
		return nil
	}
	origin := conn.Origin()

	switch body := env.Body.(type) {
	case protocol.AutomergeProtocol:
		if len(body.TargetUserIDs) == 0 {
			g.logger.Debug("sync message without targets dropped", zap.String("session", conn.SessionID))
			return nil
		}
		_, err := g.router.BroadcastToSubset(ctx, origin, body.TargetUserIDs, body)
		return err

	case protocol.KeyDown, protocol.KeyUp:
		targets := body.(protocol.Targeted).Targets()
		if len(targets) == 0 {
			return g.router.BroadcastToRoom(ctx, origin, body)
		}
		_, err := g.router.BroadcastToSubset(ctx, origin, targets, body)
		return err

	case protocol.Signal:
		if body.UserID == "" {
			return nil
		}
		target := body.UserID
		body.UserID = conn.SessionID
		_, err := g.router.BroadcastToSubset(ctx, origin, []string{target}, body)
		return err

	case protocol.UserUpdate:
		user := body.User()
		user.ID = conn.SessionID
		room, err := g.rooms.UpdateUser(ctx, conn.RoomID, user)
		if err != nil {
			return fmt.Errorf("update user %s: %w", conn.SessionID, err)
		}
		room = room.Normalize()
		body.UserID = conn.SessionID
		body.Room = &room
		return g.router.BroadcastToRoom(ctx, origin, body)

	default:
		g.logger.Debug("ignoring client event",
			zap.String("session", conn.SessionID),
			zap.String("type", string(env.Type())))
		return nil
	}
}
