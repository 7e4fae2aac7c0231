// Package transport delivers dispatch events to connected driver and
// customer sessions over websockets.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/metrics"
)

// Message is the frame written to clients.
type Message struct {
	Type      string    `json:"type"`
	TripID    string    `json:"trip_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks sessions by user and trip rooms. A user may hold several
// sessions at once; sends to a user without one are dropped silently.
type Hub struct {
	log logger.ILogger

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	roles    map[string]domain.Role
	rooms    map[string]map[string]struct{}
}

// NewHub creates an empty Hub.
func NewHub(log logger.ILogger) *Hub {
	return &Hub{
		log:      log,
		sessions: make(map[string]map[*Session]struct{}),
		roles:    make(map[string]domain.Role),
		rooms:    make(map[string]map[string]struct{}),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	set, ok := h.sessions[s.UserID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.UserID] = set
	}
	set[s] = struct{}{}
	h.roles[s.UserID] = s.Role
	count := len(set)
	h.mu.Unlock()

	metrics.SessionsConnected.WithLabelValues(string(s.Role)).Inc()
	h.log.Info("session connected",
		logger.String("user_id", s.UserID),
		logger.String("role", string(s.Role)),
		logger.Int("sessions", count),
	)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	set, ok := h.sessions[s.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.UserID)
		delete(h.roles, s.UserID)
	}
	h.mu.Unlock()

	s.close()
	metrics.SessionsConnected.WithLabelValues(string(s.Role)).Dec()
	h.log.Info("session disconnected",
		logger.String("user_id", s.UserID),
		logger.String("role", string(s.Role)),
	)
}

// SendToUser delivers msg to every session of userID and reports how many
// sessions took it.
func (h *Hub) SendToUser(userID string, msg Message) int {
	data, ok := h.encode(msg)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendLocked(userID, data)
}

// SendToUsers delivers msg once to each distinct user in userIDs.
func (h *Hub) SendToUsers(userIDs []string, msg Message) int {
	data, ok := h.encode(msg)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{}, len(userIDs))
	sent := 0
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sent += h.sendLocked(id, data)
	}
	return sent
}

// BroadcastToAll delivers msg to every connected session.
func (h *Hub) BroadcastToAll(msg Message) int {
	return h.broadcast(msg, func(domain.Role) bool { return true })
}

// BroadcastToDrivers delivers msg to every driver session.
func (h *Hub) BroadcastToDrivers(msg Message) int {
	return h.broadcast(msg, func(r domain.Role) bool { return r == domain.RoleDriver })
}

// BroadcastToCustomers delivers msg to every customer session.
func (h *Hub) BroadcastToCustomers(msg Message) int {
	return h.broadcast(msg, func(r domain.Role) bool { return r == domain.RoleCustomer })
}

// BroadcastToRoom delivers msg to every member of room.
func (h *Hub) BroadcastToRoom(room string, msg Message) int {
	return h.SendToUsers(h.RoomMembers(room), msg)
}

func (h *Hub) broadcast(msg Message, match func(domain.Role) bool) int {
	data, ok := h.encode(msg)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for userID, role := range h.roles {
		if match(role) {
			sent += h.sendLocked(userID, data)
		}
	}
	return sent
}

// sendLocked requires h.mu held for reading.
func (h *Hub) sendLocked(userID string, data []byte) int {
	sent := 0
	for s := range h.sessions[userID] {
		if s.enqueue(data) {
			sent++
		} else {
			h.log.Warning("session buffer full, dropping message", logger.String("user_id", userID))
		}
	}
	return sent
}

func (h *Hub) encode(msg Message) ([]byte, bool) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to encode message", logger.String("type", msg.Type), logger.Error(err))
		return nil, false
	}
	return data, true
}

// JoinRoom adds users to room. Membership does not require a live session.
func (h *Hub) JoinRoom(room string, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	for _, id := range userIDs {
		members[id] = struct{}{}
	}
}

// LeaveRoom removes one user from room.
func (h *Hub) LeaveRoom(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], userID)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

// CloseRoom drops room and all its members.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
}

// RoomMembers returns the users in room.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	return out
}

// ConnectedUsers lists users with a session, filtered by role unless role is empty.
func (h *Hub) ConnectedUsers(role domain.Role) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.roles))
	for id, r := range h.roles {
		if role == "" || r == role {
			out = append(out, id)
		}
	}
	return out
}

// IsConnected reports whether userID has at least one session.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// CloseAll disconnects every session.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Session, 0)
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.unregister(s)
	}
}
