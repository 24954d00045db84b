package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"chatrelay/conversation"
	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/store"

	"github.com/samber/lo"
	"github.com/samber/lo/mutable"
)

// Private replies sent with an error frame.
const (
	replyBadPagination     = "Invalid pagination: offset and limit must be non-negative integers"
	replyBadFetch          = "Invalid fetch request: recipient must be a string and sender a string or null"
	replyRecipientRequired = "Recipient is required"
	replySenderRequired    = "Sender is required for a direct conversation"
	replyFetchFailed    = "Failed to fetch messages"
	replySendFailed     = "Failed to send message"
	replyNotFound       = "Message not found"
	replyDeleteFailed   = "Failed to delete message"
	replyUpdateFailed   = "Failed to update message"
	replyMalformed      = "Malformed request"
)

// failureReply is the reply for a request of the event that could not be served.
var failureReply = map[string]string{
	models.EventFetchMessages: replyFetchFailed,
	models.EventSendMessage:   replySendFailed,
	models.EventDeleteMessage: replyDeleteFailed,
	models.EventUpdateMessage: replyUpdateFailed,
}

// Repository is the slice of the message store the handler needs.
type Repository interface {
	Create(ctx context.Context, draft models.Draft) (models.Message, error)
	UpdateContent(ctx context.Context, id, text string) (models.Message, error)
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, filter conversation.Filter, page store.Page) ([]models.Message, error)
	Ping(ctx context.Context) error
}

// Broadcaster delivers a frame to every connected session.
type Broadcaster interface {
	Publish(ctx context.Context, f models.Frame) error
}

// DeadLetter records a send that could not be persisted.
type DeadLetter interface {
	DeadLetter(ctx context.Context, payload any, reason string) error
}

// Peer is the session a request arrived on.
type Peer interface {
	ID() string
	// Send queues a private frame and reports whether it was accepted.
	Send(f models.Frame) bool
	Close()
}

// requestError pairs a failure with the private reply that describes it.
type requestError struct {
	reply string
	err   error
}

func (e *requestError) Error() string { return e.reply + ": " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func reject(reply string, err error) error { return &requestError{reply: reply, err: err} }

// replyOf returns the private reply for err, or fallback when err carries none.
func replyOf(err error, fallback string) string {
	var re *requestError
	if errors.As(err, &re) {
		return re.reply
	}
	return fallback
}

type Option func(*Handler)

func WithDeadLetter(d DeadLetter) Option { return func(h *Handler) { h.dlq = d } }

// WithTimeout bounds every store call made on behalf of a request.
func WithTimeout(d time.Duration) Option { return func(h *Handler) { h.timeout = d } }

// WithMaxMessageLength caps message text in characters.
func WithMaxMessageLength(n int) Option { return func(h *Handler) { h.maxLen = n } }

// Handler runs the channel protocol. Each request is served on its own
// goroutine with a context that outlives the connection it came from.
type Handler struct {
	repo        Repository
	broadcaster Broadcaster
	validator   *MessageValidator
	dlq         DeadLetter
	timeout     time.Duration
	maxLen      int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewHandler(repo Repository, b Broadcaster, v *MessageValidator, opts ...Option) *Handler {
	h := &Handler{repo: repo, broadcaster: b, validator: v, timeout: 5 * time.Second, maxLen: 1000}
	for _, opt := range opts {
		opt(h)
	}
	if h.validator == nil {
		h.validator = NewMessageValidator()
	}
	return h
}

// Dispatch decodes one inbound frame and serves it asynchronously.
// Disconnect is handled inline so no later frame from peer is read.
func (h *Handler) Dispatch(peer Peer, raw []byte) {
	var f models.Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		metrics.IncRequest("malformed", "invalid")
		logger.Debug("malformed frame", logger.FieldKV("session_id", peer.ID()))
		peer.Send(models.ErrorFrame(replyMalformed))
		return
	}
	if f.Event == models.EventDisconnect {
		metrics.IncRequest(f.Event, "ok")
		peer.Close()
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		metrics.IncRequest(f.Event, "rejected")
		logger.Debug("handler stopped, frame ignored", logger.FieldKV("event", f.Event), logger.FieldKV("session_id", peer.ID()))
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Serve(peer, f)
	}()
}

// Serve handles a decoded frame to completion. A panic is recovered and
// answered with the event's failure reply.
func (h *Handler) Serve(peer Peer, f models.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncRequest(f.Event, "error")
			logger.Error("request panicked", fmt.Errorf("%v", r), logger.FieldKV("event", f.Event), logger.FieldKV("session_id", peer.ID()))
			peer.Send(models.ErrorFrame(lo.CoalesceOrEmpty(failureReply[f.Event], replyMalformed)))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	reply, ok := failureReply[f.Event]
	if !ok {
		metrics.IncRequest("unknown", "invalid")
		peer.Send(models.ErrorFrame("Unknown event: " + f.Event))
		return
	}
	if err := h.validator.Validate(f.Event, f.Data); err != nil {
		metrics.IncRequest(f.Event, "invalid")
		logger.Debug("payload rejected", logger.FieldKV("event", f.Event), logger.FieldKV("reason", err.Error()))
		peer.Send(models.ErrorFrame(schemaReply(f.Event, err, reply)))
		return
	}

	var err error
	switch f.Event {
	case models.EventFetchMessages:
		err = h.fetch(ctx, peer, f.Data)
	case models.EventSendMessage:
		err = h.send(ctx, f.Data)
	case models.EventDeleteMessage:
		err = h.delete(ctx, f.Data)
	case models.EventUpdateMessage:
		err = h.update(ctx, f.Data)
	}
	if err != nil {
		metrics.IncRequest(f.Event, outcome(err))
		if errors.Is(err, store.ErrPersistence) {
			logger.Error("request failed", err, logger.FieldKV("event", f.Event), logger.FieldKV("session_id", peer.ID()))
		}
		peer.Send(models.ErrorFrame(replyOf(err, reply)))
		return
	}
	metrics.IncRequest(f.Event, "ok")
}

// schemaReply picks the reply for a payload that failed its schema. A fetch
// that only fails on offset or limit is a pagination error.
func schemaReply(event string, err error, fallback string) string {
	if event != models.EventFetchMessages {
		return fallback
	}
	var se *SchemaError
	if !errors.As(err, &se) || len(se.Fields) == 0 {
		return replyBadFetch
	}
	for _, field := range se.Fields {
		if field != "offset" && field != "limit" {
			return replyBadFetch
		}
	}
	return replyBadPagination
}

func outcome(err error) string {
	switch {
	case store.IsNotFound(err):
		return "not_found"
	case store.IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fetch(ctx context.Context, peer Peer, data json.RawMessage) error {
	var req models.FetchRequest
	if err := decode(data, &req); err != nil {
		return reject(replyBadPagination, err)
	}
	page, err := h.Fetch(ctx, req)
	if err != nil {
		return err
	}
	f, err := models.NewFrame(models.EventMessagesFetched, page)
	if err != nil {
		return reject(replyFetchFailed, err)
	}
	peer.Send(f)
	return nil
}

// Fetch returns one page of a conversation in ascending timestamp order.
func (h *Handler) Fetch(ctx context.Context, req models.FetchRequest) ([]models.Message, error) {
	if req.Offset == nil || req.Limit == nil || *req.Offset < 0 || *req.Limit < 0 {
		return nil, reject(replyBadPagination, store.ErrValidation)
	}
	if req.Recipient == "" {
		return nil, reject(replyRecipientRequired, fmt.Errorf("%w: recipient is required", store.ErrValidation))
	}
	filter := conversation.Resolve(req.Recipient, req.Sender)
	if !filter.Complete() {
		return nil, reject(replySenderRequired, fmt.Errorf("%w: sender is required", store.ErrValidation))
	}
	page, err := h.repo.Query(ctx, filter, store.Page{Offset: *req.Offset, Limit: *req.Limit})
	if err != nil {
		if store.IsValidation(err) {
			return nil, reject(replyBadPagination, err)
		}
		return nil, reject(replyFetchFailed, err)
	}
	mutable.Reverse(page)
	return page, nil
}

func (h *Handler) checkLength(text string) error {
	if n := utf8.RuneCountInString(text); n > h.maxLen {
		return fmt.Errorf("%w: message has %d characters, limit is %d", store.ErrValidation, n, h.maxLen)
	}
	return nil
}

func (h *Handler) send(ctx context.Context, data json.RawMessage) error {
	var draft models.Draft
	if err := decode(data, &draft); err != nil {
		return err
	}
	if err := h.checkLength(draft.Message); err != nil {
		return err
	}
	m, err := h.repo.Create(ctx, draft)
	if err != nil {
		if !store.IsValidation(err) && h.dlq != nil {
			if derr := h.dlq.DeadLetter(ctx, draft, err.Error()); derr != nil {
				logger.Error("dead letter write failed", derr, logger.FieldKV("sender", draft.Sender))
			}
		}
		return err
	}
	logger.Debug("message created", logger.FieldKV("message_id", m.ID.String()), logger.FieldKV("recipient", m.Recipient))
	h.publish(ctx, models.EventNewMessage, m)
	return nil
}

func (h *Handler) delete(ctx context.Context, data json.RawMessage) error {
	var req models.DeleteRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	removed, err := h.repo.Delete(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if !removed {
		return reject(replyNotFound, store.ErrNotFound)
	}
	h.publish(ctx, models.EventMessageDeleted, models.MessageDeleted{MessageID: req.MessageID})
	return nil
}

func (h *Handler) update(ctx context.Context, data json.RawMessage) error {
	var req models.UpdateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.checkLength(req.NewMessage); err != nil {
		return err
	}
	m, err := h.repo.UpdateContent(ctx, req.MessageID, req.NewMessage)
	if store.IsNotFound(err) {
		return reject(replyNotFound, err)
	}
	if err != nil {
		return err
	}
	h.publish(ctx, models.EventMessageUpdated, models.MessageUpdated{MessageID: m.ID.String(), NewMessage: m.Message})
	return nil
}

// publish fans an event out. Delivery is best effort, so a failure is only logged.
func (h *Handler) publish(ctx context.Context, event string, payload any) {
	f, err := models.NewFrame(event, payload)
	if err != nil {
		logger.Error("encode broadcast", err, logger.FieldKV("event", event))
		return
	}
	if err := h.broadcaster.Publish(ctx, f); err != nil {
		logger.Error("broadcast failed", err, logger.FieldKV("event", event))
	}
}

// Wait blocks until every dispatched request has finished.
func (h *Handler) Wait() { h.wg.Wait() }

// Stop makes Dispatch ignore further frames, then waits for in-flight
// requests. Use it at shutdown, when read loops may still be delivering.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
}
