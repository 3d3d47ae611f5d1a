// Package bridge connects a local sync coordinator to the realtime server.
//
// The server speaks in room lifecycle events and targeted envelopes; the
// coordinator speaks in peers. The Bridge translates between the two:
// members of the room become peers, AUTOMERGE_PROTOCOL envelopes become peer
// messages, and outgoing sync messages become envelopes targeted at one peer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jamsync/internal/protocol"
	"jamsync/internal/transport"
)

// ErrSuperseded is returned by Run when the server replaced this connection
// with a newer one of the same session.
var ErrSuperseded = errors.New("bridge: superseded by a newer connection")

// ErrClosed is returned by Send after the bridge has been closed.
var ErrClosed = errors.New("bridge: closed")

const sendBuffer = 64

// Handler receives peer events. syncer.Coordinator implements it.
type Handler interface {
	OnPeerConnect(peerID string)
	OnPeerDisconnect(peerID string)
	OnPeerMessage(peerID string, msg []byte)
}

// Identity is implemented by handlers that want to learn the session id the
// server knows this client by.
type Identity interface {
	RotateActor(id string) error
}

// Bridge is one client connection to the server.
type Bridge struct {
	conn   transport.Conn
	logger *zap.Logger
	out    chan []byte
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	self  string
	peers map[string]struct{}
}

// Dial connects to the websocket endpoint at url.
func Dial(ctx context.Context, url string, header http.Header, logger *zap.Logger) (*Bridge, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(conn, logger), nil
}

// New wraps an established connection and starts its writer.
func New(conn transport.Conn, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		conn:   conn,
		logger: logger,
		out:    make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		peers:  make(map[string]struct{}),
	}
	go b.writePump()
	return b
}

// Self returns the session id announced by the server, or "" before the
// room join.
func (b *Bridge) Self() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.self
}

// Peers returns the number of known peers.
func (b *Bridge) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Send delivers a sync message to one peer.
func (b *Bridge) Send(peerID string, msg []byte) error {
	return b.Publish(protocol.AutomergeProtocol{TargetUserIDs: []string{peerID}, Data: msg})
}

// Publish sends an arbitrary body to the server.
func (b *Bridge) Publish(body protocol.Body) error {
	data, err := protocol.Encode(protocol.Envelope{Body: body})
	if err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case <-b.done:
		return ErrClosed
	case b.out <- data:
		return nil
	}
}

// Close closes the connection. Run returns once the read side notices.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}

func (b *Bridge) writePump() {
	for {
		select {
		case <-b.done:
			return
		case data := <-b.out:
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Warn("write failed", zap.Error(err))
				_ = b.Close()
				return
			}
		}
	}
}

// Run reads from the server and feeds h until ctx is done, the connection
// fails or the server supersedes it.
func (b *Bridge) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			b.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if err := b.handle(env, h); err != nil {
			_ = b.Close()
			return err
		}
	}
}

func (b *Bridge) handle(env protocol.Envelope, h Handler) error {
	switch body := env.Body.(type) {
	case protocol.RoomJoin:
		b.mu.Lock()
		b.self = body.UserID
		b.mu.Unlock()
		if id, ok := h.(Identity); ok && body.UserID != "" {
			if err := id.RotateActor(body.UserID); err != nil {
				b.logger.Warn("actor rotation failed", zap.String("session", body.UserID), zap.Error(err))
			}
		}
		for peer := range body.Room.Users {
			b.connect(peer, h)
		}

	case protocol.UserConnect:
		b.connect(body.UserID, h)

	case protocol.UserDisconnect:
		b.mu.Lock()
		_, known := b.peers[body.UserID]
		delete(b.peers, body.UserID)
		b.mu.Unlock()
		if known {
			h.OnPeerDisconnect(body.UserID)
		}

	case protocol.AutomergeProtocol:
		if env.SenderID == "" {
			return nil
		}
		b.mu.Lock()
		b.peers[env.SenderID] = struct{}{}
		b.mu.Unlock()
		h.OnPeerMessage(env.SenderID, body.Data)

	case protocol.NewerConnection:
		b.logger.Info("connection superseded")
		return ErrSuperseded

	default:
		b.logger.Debug("ignoring event", zap.String("type", string(env.Type())))
	}
	return nil
}

func (b *Bridge) connect(peer string, h Handler) {
	b.mu.Lock()
	_, known := b.peers[peer]
	isSelf := peer == b.self
	if !known && !isSelf && peer != "" {
		b.peers[peer] = struct{}{}
	}
	b.mu.Unlock()
	if known || isSelf || peer == "" {
		return
	}
	h.OnPeerConnect(peer)
}
