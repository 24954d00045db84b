package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

type Server struct {
	mux        *http.ServeMux
	root       http.Handler
	hub        *Hub
	handler    *Handler
	repo       Repository
	sendBuffer int
	checks     map[string]func(context.Context) error
}

func NewServer(hub *Hub, handler *Handler, repo Repository, sendBuffer int) *Server {
	if sendBuffer < 1 {
		sendBuffer = 256
	}
	s := &Server{
		mux:        http.NewServeMux(),
		hub:        hub,
		handler:    handler,
		repo:       repo,
		sendBuffer: sendBuffer,
		checks:     make(map[string]func(context.Context) error),
	}
	s.routes()
	s.root = cors.AllowAll().Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/ws", s.handleWS)
	s.mux.HandleFunc("/messages", s.handleMessages)
	s.mux.HandleFunc("/api/messages", s.handleMessages)
	s.mux.HandleFunc("/healthz", handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.Handle("/metrics", metrics.Handler())
}

// AddReadinessCheck makes /readyz also depend on check. Register checks
// before serving.
func (s *Server) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks[name] = check
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.root.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", err)
		return
	}
	session := newSession(uuid.NewString(), conn.RemoteAddr().String(), s.sendBuffer)
	s.hub.Add(session)
	go session.writePump(conn)
	go func() {
		defer s.hub.Remove(session)
		session.readPump(conn, func(raw []byte) { s.handler.Dispatch(session, raw) })
	}()
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := models.FetchRequest{Recipient: q.Get("recipient"), Sender: q.Get("sender")}
	var err error
	if req.Offset, err = queryInt(q.Get("offset")); err == nil {
		req.Limit, err = queryInt(q.Get("limit"))
	}
	if err != nil {
		http.Error(w, replyBadPagination, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.handler.timeout)
	defer cancel()
	page, err := s.handler.Fetch(ctx, req)
	switch {
	case store.IsValidation(err):
		metrics.IncRequest(models.EventFetchMessages, "invalid")
		http.Error(w, replyOf(err, replyBadPagination), http.StatusBadRequest)
		return
	case err != nil:
		metrics.IncRequest(models.EventFetchMessages, "error")
		logger.Error("fetch messages failed", err)
		http.Error(w, replyFetchFailed, http.StatusInternalServerError)
		return
	}
	metrics.IncRequest(models.EventFetchMessages, "ok")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

// queryInt parses an optional integer query parameter. Absent yields nil.
func queryInt(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("not an integer: %q", v)
	}
	return &n, nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		logger.Warn("readiness check failed", logger.FieldKV("error", err.Error()))
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			logger.Warn("readiness check failed", logger.FieldKV("check", name), logger.FieldKV("error", err.Error()))
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
