package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"chapterforge/internal/config"
	"chapterforge/internal/logging"
)

// Server exposes the hub over websockets at /ws/chapters/{id}.
// Clients authenticate with a JWT in the token query parameter; the
// token's subject must own the chapter. Closing the socket only ends the
// subscription, generation continues.
type Server struct {
	hub     *Hub
	cfg     config.StreamConfig
	ownerOf func(chapterID string) (string, bool)
	log     *zap.Logger
}

// NewServer wires the websocket edge. ownerOf resolves a chapter's owner
// for authorization; unknown chapters reject the connection.
func NewServer(hub *Hub, cfg config.StreamConfig, ownerOf func(chapterID string) (string, bool)) *Server {
	return &Server{
		hub:     hub,
		cfg:     cfg,
		ownerOf: ownerOf,
		log:     logging.Get(logging.CategoryStream),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/chapters/", websocket.Handler(s.serve))
	return mux
}

// authenticate validates the JWT and returns its subject.
func (s *Server) authenticate(r *http.Request) (string, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		return "", fmt.Errorf("missing token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

func (s *Server) serve(ws *websocket.Conn) {
	defer ws.Close()
	r := ws.Request()

	chapterID := r.URL.Path[len("/ws/chapters/"):]
	if chapterID == "" {
		return
	}

	user, err := s.authenticate(r)
	if err != nil {
		s.log.Warn("websocket auth failed", zap.String("chapter", chapterID), zap.Error(err))
		return
	}
	owner, ok := s.ownerOf(chapterID)
	if !ok || owner != user {
		s.log.Warn("websocket authorization denied",
			zap.String("chapter", chapterID), zap.String("user", user))
		return
	}

	events, cancel := s.hub.Subscribe(chapterID)
	defer cancel()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	s.log.Debug("websocket subscribed",
		zap.String("chapter", chapterID), zap.String("user", user))

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(ws, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			ev := Event{Type: EventHeartbeat, ChapterID: chapterID, Timestamp: time.Now().UTC()}
			if err := writeEvent(ws, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return websocket.Message.Send(ws, string(data))
}

// SignToken mints a subscriber token for user, valid for ttl. Used by
// the serve command and tests.
func SignToken(secret, user string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
