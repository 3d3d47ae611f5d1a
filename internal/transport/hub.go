// Package transport delivers envelopes to websocket connections.
//
// A Hub tracks the sockets attached to this instance and the channels they
// are members of. Channels are plain names; the realtime core uses
// RoomChannel and UserChannel. Emit fans a frame out to every member of a
// channel on every instance through a Backplane, or to local members only
// when the hub has none.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"jamsync/internal/protocol"
)

// DefaultSendBuffer is the number of frames queued per socket before it is
// considered too slow and disconnected.
const DefaultSendBuffer = 256

// ErrNoSocket is returned by Send for a socket not attached to this hub.
var ErrNoSocket = errors.New("transport: no such socket")

// RoomChannel names the channel shared by every member of a room.
func RoomChannel(roomID string) string { return "room:" + roomID }

// UserChannel names the private channel of one session.
func UserChannel(sessionID string) string { return "user:" + sessionID }

// Frame is one emitted message as it crosses instances.
type Frame struct {
	Channel string          `json:"channel"`
	Except  string          `json:"except,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Backplane carries frames between instances. Every frame published by any
// instance, this one included, is handed to deliver.
type Backplane interface {
	Publish(ctx context.Context, frame Frame) error
	Subscribe(ctx context.Context, deliver func(Frame)) (stop func() error, err error)
}

// Option configures a Hub.
type Option func(*Hub)

// WithBackplane enables cross-instance delivery.
func WithBackplane(b Backplane) Option {
	return func(h *Hub) { h.backplane = b }
}

// WithSendBuffer overrides DefaultSendBuffer.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// Hub maintains the attached sockets and their channel membership.
type Hub struct {
	backplane  Backplane
	sendBuffer int
	logger     *zap.Logger

	mu       sync.RWMutex
	sockets  map[string]*Socket
	channels map[string]map[string]*Socket
	joined   map[string]map[string]struct{}
	stop     func() error
}

// NewHub returns a hub without any sockets.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sendBuffer: DefaultSendBuffer,
		logger:     zap.NewNop(),
		sockets:    make(map[string]*Socket),
		channels:   make(map[string]map[string]*Socket),
		joined:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to the backplane. It is a no-op without one.
func (h *Hub) Start(ctx context.Context) error {
	if h.backplane == nil {
		return nil
	}
	stop, err := h.backplane.Subscribe(ctx, h.deliver)
	if err != nil {
		return fmt.Errorf("subscribe backplane: %w", err)
	}
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()
	return nil
}

// Close unsubscribes from the backplane and disconnects every socket.
func (h *Hub) Close() error {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	ids := make([]string, 0, len(h.sockets))
	for id := range h.sockets {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
	if stop != nil {
		return stop()
	}
	return nil
}

// Attach registers conn under id and starts its writer.
func (h *Hub) Attach(id string, conn Conn) *Socket {
	s := newSocket(id, conn, h.sendBuffer)
	h.mu.Lock()
	prev := h.sockets[id]
	h.sockets[id] = s
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return s
}

// Join adds the socket to channels.
func (h *Hub) Join(socketID string, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sockets[socketID]
	if !ok {
		return
	}
	for _, ch := range channels {
		members := h.channels[ch]
		if members == nil {
			members = make(map[string]*Socket)
			h.channels[ch] = members
		}
		members[socketID] = s
		if h.joined[socketID] == nil {
			h.joined[socketID] = make(map[string]struct{})
		}
		h.joined[socketID][ch] = struct{}{}
	}
}

// Leave removes the socket from channel.
func (h *Hub) Leave(socketID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(socketID, channel)
}

func (h *Hub) leaveLocked(socketID, channel string) {
	if members := h.channels[channel]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	if joined := h.joined[socketID]; joined != nil {
		delete(joined, channel)
	}
}

// Members returns the number of local sockets in channel.
func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Connected reports whether socketID is attached.
func (h *Hub) Connected(socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sockets[socketID]
	return ok
}

// Disconnect detaches the socket, leaves all its channels and closes it once
// queued frames are written. It reports whether the socket was attached.
func (h *Hub) Disconnect(socketID string) bool {
	h.mu.Lock()
	s, ok := h.sockets[socketID]
	if ok {
		delete(h.sockets, socketID)
		for ch := range h.joined[socketID] {
			h.leaveLocked(socketID, ch)
		}
		delete(h.joined, socketID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	return true
}

// Send queues env on one local socket.
func (h *Hub) Send(socketID string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	h.mu.RLock()
	s, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSocket
	}
	h.write(s, data)
	return nil
}

// Emit delivers env to every member of channel except the socket except.
func (h *Hub) Emit(ctx context.Context, channel, except string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	frame := Frame{Channel: channel, Except: except, Data: data}
	if h.backplane == nil {
		h.deliver(frame)
		return nil
	}
	if err := h.backplane.Publish(ctx, frame); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (h *Hub) deliver(f Frame) {
	h.mu.RLock()
	targets := make([]*Socket, 0, len(h.channels[f.Channel]))
	for id, s := range h.channels[f.Channel] {
		if id != f.Except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.write(s, f.Data)
	}
}

func (h *Hub) write(s *Socket, data []byte) {
	if _, full := s.enqueue(data); full {
		h.logger.Warn("send buffer full, disconnecting socket", zap.String("socket", s.ID()))
		h.detach(s)
	}
}

// detach disconnects s only if it is still the socket attached under its id.
func (h *Hub) detach(s *Socket) {
	h.mu.RLock()
	current := h.sockets[s.ID()] == s
	h.mu.RUnlock()
	if current {
		h.Disconnect(s.ID())
	} else {
		s.close()
	}
}
