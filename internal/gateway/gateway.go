// Package gateway runs the lifecycle of realtime connections: admission,
// supersession of older sockets of the same session, the room join and the
// lifecycle broadcasts, and the dispatch of inbound messages.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"jamsync/internal/auth"
	"jamsync/internal/broadcast"
	"jamsync/internal/protocol"
	"jamsync/internal/registry"
	"jamsync/internal/retry"
	"jamsync/internal/transport"
)

const (
	DefaultJoinAttempts = 5
	DefaultJoinBackoff  = 50 * time.Millisecond
)

// Registry is the session directory.
type Registry interface {
	Lookup(ctx context.Context, sessionID string) (registry.Record, bool, error)
	Register(ctx context.Context, sessionID, instanceID, socketID string) error
	RemoveIfSocket(ctx context.Context, sessionID, socketID string) (bool, error)
}

// Sockets controls the local sockets.
type Sockets interface {
	Join(socketID string, channels ...string)
	Send(socketID string, env protocol.Envelope) error
	Disconnect(socketID string) bool
}

// Router delivers messages to other members.
type Router interface {
	BroadcastToRoom(ctx context.Context, origin broadcast.Origin, body protocol.Body) error
	BroadcastToSubset(ctx context.Context, origin broadcast.Origin, targets []string, body protocol.Body) (int, error)
}

// Rooms persists room membership.
type Rooms interface {
	Join(ctx context.Context, roomID, sessionID, displayName string) (protocol.Room, error)
	Leave(ctx context.Context, roomID, sessionID string) (protocol.Room, error)
	UpdateUser(ctx context.Context, roomID string, user protocol.User) (protocol.Room, error)
}

// Handshake is what a new socket presents. Session is nil when the caller
// could not be authenticated.
type Handshake struct {
	RoomID      string
	Session     *auth.Session
	DisplayName string
}

// Connection is the gateway's view of one socket.
type Connection struct {
	SocketID  string
	SessionID string
	RoomID    string
	// Reconnect is set when the session already had a record on admission.
	Reconnect bool

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) set(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Origin identifies the connection as the sender of a broadcast.
func (c *Connection) Origin() broadcast.Origin {
	return broadcast.Origin{SocketID: c.SocketID, SessionID: c.SessionID, RoomID: c.RoomID}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithJoinPolicy overrides the room join retry policy.
func WithJoinPolicy(p retry.Policy) Option {
	return func(g *Gateway) { g.joinPolicy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway admits and tears down the connections of one server instance.
type Gateway struct {
	instanceID string
	registry   Registry
	sockets    Sockets
	router     Router
	rooms      Rooms
	joinPolicy retry.Policy
	logger     *zap.Logger
}

// New returns a Gateway for the instance instanceID.
func New(instanceID string, reg Registry, sockets Sockets, router Router, rooms Rooms, opts ...Option) *Gateway {
	g := &Gateway{
		instanceID: instanceID,
		registry:   reg,
		sockets:    sockets,
		router:     router,
		rooms:      rooms,
		joinPolicy: retry.Exponential(DefaultJoinBackoff, DefaultJoinAttempts),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect admits the socket socketID. The returned connection is in state
// Joined on success. On failure it is Rejected or Failed, the socket has
// been disconnected and any record written for it removed.
func (g *Gateway) Connect(ctx context.Context, socketID string, hs Handshake) (*Connection, error) {
	conn := &Connection{SocketID: socketID, RoomID: hs.RoomID, state: Connecting}
	log := g.logger.With(zap.String("socket", socketID), zap.String("room", hs.RoomID))

	switch {
	case hs.RoomID == "":
		return conn, g.reject(conn, log, ErrMissingRoom)
	case hs.Session == nil || hs.Session.ID == "":
		return conn, g.reject(conn, log, auth.ErrUnauthenticated)
	}
	conn.SessionID = hs.Session.ID
	conn.set(Authenticated)
	log = log.With(zap.String("session", conn.SessionID))

	prior, found, err := g.registry.Lookup(ctx, conn.SessionID)
	if err != nil {
		return conn, g.fail(ctx, conn, log, err, false)
	}
	if err := g.registry.Register(ctx, conn.SessionID, g.instanceID, socketID); err != nil {
		return conn, g.fail(ctx, conn, log, err, true)
	}
	if found {
		conn.Reconnect = true
		conn.set(Reconnecting)
		g.supersede(prior, socketID, log)
	}

	conn.set(Joining)
	room, err := g.join(ctx, conn, hs.DisplayName, log)
	if err != nil {
		return conn, g.fail(ctx, conn, log, err, true)
	}

	g.sockets.Join(socketID, transport.RoomChannel(conn.RoomID), transport.UserChannel(conn.SessionID))
	conn.set(Joined)

	if conn.Reconnect {
		log.Info("session reconnected")
		return conn, nil
	}
	// The confirmation goes first so the joining client knows its own id
	// before any peer traffic reaches it.
	if err := g.sockets.Send(socketID, protocol.Envelope{Body: protocol.RoomJoin{UserID: conn.SessionID, Room: room}}); err != nil {
		log.Warn("room join confirmation not sent", zap.Error(err))
	}
	if err := g.router.BroadcastToRoom(ctx, conn.Origin(), protocol.UserConnect{UserID: conn.SessionID, Room: room}); err != nil {
		log.Warn("user connect broadcast failed", zap.Error(err))
	}
	log.Info("connection joined")
	return conn, nil
}

// supersede disconnects the prior socket of the session if this instance
// owns it. A prior socket on another instance is left to its owner, whose
// disconnect path finds the record already moved.
func (g *Gateway) supersede(prior registry.Record, socketID string, log *zap.Logger) {
	if prior.ServerInstanceID != g.instanceID || prior.SocketID == socketID {
		return
	}
	if err := g.sockets.Send(prior.SocketID, protocol.Envelope{Body: protocol.NewerConnection{}}); err != nil {
		log.Debug("prior socket already gone", zap.String("prior", prior.SocketID), zap.Error(err))
	}
	if g.sockets.Disconnect(prior.SocketID) {
		log.Info("superseded prior socket", zap.String("prior", prior.SocketID))
	}
}

// join runs the room join under the retry policy. The join is not cut
// short by ctx cancellation.
func (g *Gateway) join(ctx context.Context, conn *Connection, displayName string, log *zap.Logger) (protocol.Room, error) {
	var attempts int
	room, err := retry.Do(context.WithoutCancel(ctx), g.joinPolicy,
		func(ctx context.Context, attempt int) (protocol.Room, error) {
			attempts = attempt
			return g.rooms.Join(ctx, conn.RoomID, conn.SessionID, displayName)
		},
		func(attempt int, err error, wait time.Duration) {
			log.Warn("room join failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		})
	if err != nil {
		return protocol.Room{}, &JoinError{RoomID: conn.RoomID, SessionID: conn.SessionID, Attempts: attempts, Err: err}
	}
	return room.Normalize(), nil
}

func (g *Gateway) reject(conn *Connection, log *zap.Logger, err error) error {
	conn.set(Rejected)
	g.sockets.Disconnect(conn.SocketID)
	log.Info("connection rejected", zap.Error(err))
	return err
}

// fail removes the record written for this socket, if any, and disconnects
// it.
func (g *Gateway) fail(ctx context.Context, conn *Connection, log *zap.Logger, err error, registered bool) error {
	conn.set(Failed)
	if registered {
		if _, rerr := g.registry.RemoveIfSocket(context.WithoutCancel(ctx), conn.SessionID, conn.SocketID); rerr != nil {
			log.Warn("session record cleanup failed", zap.Error(rerr))
		}
	}
	g.sockets.Disconnect(conn.SocketID)
	log.Error("connection failed", zap.Error(err))
	return err
}

// Disconnect tears down a joined connection after its socket closed. If the
// session has meanwhile been registered to another socket, nothing is done.
func (g *Gateway) Disconnect(ctx context.Context, conn *Connection) error {
	if conn.State() != Joined {
		return nil
	}
	conn.set(Closed)
	log := g.logger.With(
		zap.String("socket", conn.SocketID),
		zap.String("session", conn.SessionID),
		zap.String("room", conn.RoomID))

	removed, err := g.registry.RemoveIfSocket(ctx, conn.SessionID, conn.SocketID)
	if err != nil {
		log.Error("session record cleanup failed", zap.Error(err))
		return err
	}
	if !removed {
		log.Info("session reconnected elsewhere")
		return nil
	}
	room, err := g.rooms.Leave(ctx, conn.RoomID, conn.SessionID)
	if err != nil {
		log.Error("room leave failed", zap.Error(err))
		return err
	}
	if err := g.router.BroadcastToRoom(ctx, conn.Origin(), protocol.UserDisconnect{UserID: conn.SessionID, Room: room.Normalize()}); err != nil {
		log.Warn("user disconnect broadcast failed", zap.Error(err))
		return err
	}
	log.Info("connection closed")
	return nil
}
