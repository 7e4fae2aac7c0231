package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2048
	sendBuffer     = 256
	inboundTimeout = 5 * time.Second
)

// Inbound message types.
const (
	msgPing           = "ping"
	msgPong           = "pong"
	msgLocationUpdate = "location_update"
	msgError          = "error"
)

// LocationSink accepts driver heartbeats sent over a session.
type LocationSink interface {
	UpdateLocation(ctx context.Context, driverID string, coords domain.Coordinates, meta domain.PresenceMeta) error
}

// LocationSinkFunc adapts a function to LocationSink.
type LocationSinkFunc func(ctx context.Context, driverID string, coords domain.Coordinates, meta domain.PresenceMeta) error

func (f LocationSinkFunc) UpdateLocation(ctx context.Context, driverID string, coords domain.Coordinates, meta domain.PresenceMeta) error {
	return f(ctx, driverID, coords, meta)
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type locationUpdate struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Heading     float64 `json:"heading"`
	Speed       float64 `json:"speed"`
	IsAvailable *bool   `json:"is_available"`
}

// Session is one websocket connection of a user.
type Session struct {
	UserID string
	Role   domain.Role

	hub  *Hub
	conn *websocket.Conn
	sink LocationSink
	log  logger.ILogger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSession(hub *Hub, conn *websocket.Conn, userID string, role domain.Role, sink LocationSink, log logger.ILogger) *Session {
	return &Session{
		UserID: userID,
		Role:   role,
		hub:    hub,
		conn:   conn,
		sink:   sink,
		log:    log.With(logger.String("user_id", userID)),
		send:   make(chan []byte, sendBuffer),
	}
}

// enqueue never blocks; a full buffer drops the frame.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// ReadPump reads client frames until the connection fails.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warning("session read failed", logger.Error(err))
			}
			return
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(Message{Type: msgError, Data: "malformed message"})
		return
	}

	switch msg.Type {
	case msgPing:
		s.reply(Message{Type: msgPong})
	case msgLocationUpdate:
		if err := s.handleLocation(ctx, msg.Data); err != nil {
			s.reply(Message{Type: msgError, Data: err.Error()})
		}
	default:
		s.log.Debug("ignoring message", logger.String("type", msg.Type))
	}
}

var errDriversOnly = errors.New("location updates are accepted from drivers only")

func (s *Session) handleLocation(ctx context.Context, raw json.RawMessage) error {
	if s.Role != domain.RoleDriver {
		return errDriversOnly
	}
	if s.sink == nil {
		return nil
	}
	var u locationUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return errors.New("malformed location update")
	}
	meta := domain.PresenceMeta{
		Heading:     u.Heading,
		Speed:       u.Speed,
		IsOnline:    true,
		IsAvailable: true,
	}
	if u.IsAvailable != nil {
		meta.IsAvailable = *u.IsAvailable
	}

	ctx, cancel := context.WithTimeout(ctx, inboundTimeout)
	defer cancel()
	return s.sink.UpdateLocation(ctx, s.UserID, domain.Coordinates{Lat: u.Lat, Lon: u.Lon}, meta)
}

func (s *Session) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(data)
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
