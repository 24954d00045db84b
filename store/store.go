// Package store persists chat messages.
//
// Every backend implements Store with the same semantics: ids and
// timestamps are assigned on Create, history is scanned newest first with
// ties broken by id, and a record deleted while it is being updated makes
// the update report ErrNotFound.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/config"
	"chatrelay/conversation"
	"chatrelay/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Store interface {
	Create(ctx context.Context, draft models.Draft) (models.Message, error)
	FindByID(ctx context.Context, id string) (models.Message, error)
	UpdateContent(ctx context.Context, id, text string) (models.Message, error)
	// Delete reports whether a record was removed. A missing record is not an error.
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, filter conversation.Filter, page Page) ([]models.Message, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Page selects a window of a descending-timestamp scan.
type Page struct {
	Offset int
	Limit  int
}

func (p Page) validate() error {
	if p.Offset < 0 || p.Limit < 0 {
		return fmt.Errorf("%w: offset and limit must be non-negative (offset=%d limit=%d)", ErrValidation, p.Offset, p.Limit)
	}
	return nil
}

var draftValidator = validator.New()

func validateDraft(d models.Draft) error {
	if err := draftValidator.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func validateText(text string) error {
	if text == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	return nil
}

// parseID returns ok=false for ids that cannot name any stored record.
func parseID(id string) (uuid.UUID, bool) {
	u, err := uuid.Parse(id)
	return u, err == nil
}

// Clock returns the time recorded on created and updated records.
type Clock func() time.Time

// stamp truncates to milliseconds, the coarsest precision among backends,
// so a record reads back identically everywhere.
func (c Clock) stamp() time.Time {
	if c == nil {
		return time.Now().UTC().Truncate(time.Millisecond)
	}
	return c().UTC().Truncate(time.Millisecond)
}

func newMessage(d models.Draft, now time.Time) models.Message {
	return models.Message{
		ID:          uuid.New(),
		Sender:      d.Sender,
		SenderName:  d.SenderName,
		SenderImage: d.SenderImage,
		Recipient:   d.Recipient,
		Message:     d.Message,
		Timestamp:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Open connects the backend selected by cfg, prepares its schema and wraps it
// with metrics. The caller owns the returned store and must Close it.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err = OpenPostgres(ctx, cfg.DatabaseURL)
	case config.DriverSQLite:
		s, err = OpenSQLite(ctx, cfg.SQLitePath)
	case config.DriverMongo:
		s, err = OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverBadger:
		s, err = OpenBadger(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(s), nil
}

// IsNotFound and the helpers below classify store errors for callers that
// translate them into protocol replies.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
