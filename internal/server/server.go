// Package server exposes the realtime gateway over HTTP.
//
//	GET  /ws?roomId=...&displayName=...  websocket, session from cookie or sessionId
//	POST /rooms                          create a room
//	POST /sessions                       issue a session (development)
//	GET  /healthz                        liveness
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jamsync/internal/auth"
	"jamsync/internal/gateway"
	"jamsync/internal/protocol"
	"jamsync/internal/rooms"
	"jamsync/internal/transport"
)

// SessionIssuer creates sessions for the development endpoint.
type SessionIssuer interface {
	Issue(ctx context.Context, ip string) (auth.Session, error)
}

// RoomCreator creates rooms.
type RoomCreator interface {
	Create(ctx context.Context, roomID string) (protocol.Room, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Hub      *transport.Hub
	Gateway  *gateway.Gateway
	Auth     auth.Provider
	Sessions SessionIssuer
	Rooms    RoomCreator
	Logger   *zap.Logger
}

// Server routes HTTP requests.
type Server struct {
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New builds the routes.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   d,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the app origin, which is deployed apart
			// from this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	if d.Sessions != nil {
		s.router.HandleFunc("/sessions", s.handleIssueSession).Methods(http.MethodPost)
	}
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var session *auth.Session
	if sess, err := s.deps.Auth.Authenticate(ctx, r); err == nil {
		session = &sess
	} else if !errors.Is(err, auth.ErrUnauthenticated) {
		s.logger.Warn("session lookup failed", zap.Error(err))
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	socketID := uuid.NewString()
	sock := s.deps.Hub.Attach(socketID, ws)
	defer s.deps.Hub.Disconnect(socketID)

	q := r.URL.Query()
	conn, err := s.deps.Gateway.Connect(ctx, socketID, gateway.Handshake{
		RoomID:      q.Get("roomId"),
		Session:     session,
		DisplayName: q.Get("displayName"),
	})
	if err != nil {
		// The gateway already disconnected the socket.
		<-sock.Done()
		return
	}

	err = sock.ReadLoop(func(data []byte) {
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", zap.String("socket", socketID), zap.Error(err))
			return
		}
		if err := s.deps.Gateway.Dispatch(ctx, conn, env); err != nil {
			s.logger.Warn("dispatch failed",
				zap.String("socket", socketID),
				zap.String("type", string(env.Type())),
				zap.Error(err))
		}
	})
	s.logger.Debug("socket closed", zap.String("socket", socketID), zap.Error(err))
	if err := s.deps.Gateway.Disconnect(context.WithoutCancel(ctx), conn); err != nil {
		s.logger.Warn("disconnect cleanup failed", zap.String("socket", socketID), zap.Error(err))
	}
}

type createRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	if req.RoomID == "" {
		req.RoomID = uuid.NewString()
	}
	room, err := s.deps.Rooms.Create(r.Context(), req.RoomID)
	switch {
	case errors.Is(err, rooms.ErrRoomExists):
		http.Error(w, "room exists", http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("create room failed", zap.String("room", req.RoomID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Issue(r.Context(), auth.ClientIP(r))
	if err != nil {
		s.logger.Error("issue session failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: sess.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
