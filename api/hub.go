package api

import (
	"context"
	"encoding/json"
	"sync"

	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/models"
)

// Hub is the registry of live sessions and fans events out to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]*Session)} }

func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.IncWSConnections()
	logger.Info("websocket client connected",
		logger.FieldKV("session_id", s.ID()),
		logger.FieldKV("remote_addr", s.remote),
		logger.FieldKV("sessions", n))
}

// Remove deregisters s and closes its outbound queue. Removing an unknown or
// already removed session is a no-op.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID()]
	delete(h.sessions, s.ID())
	n := len(h.sessions)
	h.mu.Unlock()
	s.Close()
	if !ok {
		return
	}
	metrics.DecWSConnections()
	logger.Info("websocket client disconnected",
		logger.FieldKV("session_id", s.ID()),
		logger.FieldKV("remote_addr", s.remote),
		logger.FieldKV("sessions", n))
}

// Broadcast enqueues the frame on every registered session. Sessions that are
// closing or whose queue is full drop it.
func (h *Hub) Broadcast(f models.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		logger.Error("encode broadcast frame", err, logger.FieldKV("event", f.Event))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	logger.Debug("broadcasting event", logger.FieldKV("event", f.Event), logger.FieldKV("client_count", len(h.sessions)))
	for _, s := range h.sessions {
		s.enqueue(b)
	}
	metrics.IncBroadcast(f.Event)
}

// Publish fans the frame out in-process.
func (h *Hub) Publish(_ context.Context, f models.Frame) error {
	h.Broadcast(f)
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close deregisters and closes every session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.Remove(s)
	}
}
