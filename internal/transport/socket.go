package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn the hub needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Socket is one attached connection. Writes are queued on a bounded buffer
// and drained by a single writer goroutine.
type Socket struct {
	id   string
	conn Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}
}

func newSocket(id string, conn Conn, buffer int) *Socket {
	s := &Socket{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// ID returns the socket id.
func (s *Socket) ID() string { return s.id }

// Done is closed once the writer has flushed and closed the connection.
func (s *Socket) Done() <-chan struct{} { return s.done }

// ReadLoop calls fn for every text frame until the connection fails or is
// closed, and returns the read error.
func (s *Socket) ReadLoop(fn func(data []byte)) error {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		fn(data)
	}
}

// enqueue reports false when the socket is closed or its buffer is full.
func (s *Socket) enqueue(frame []byte) (queued, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.send <- frame:
		return true, false
	default:
		return false, true
	}
}

// close stops accepting frames. Frames already queued are still written.
func (s *Socket) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

func (s *Socket) writePump() {
	defer close(s.done)
	for frame := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			// Closing the conn fails the read loop, which detaches the
			// socket and closes send.
			_ = s.conn.Close()
			for range s.send {
			}
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = s.conn.Close()
}
