package store

import (
	"context"
	"time"

	"chatrelay/conversation"
	"chatrelay/metrics"
	"chatrelay/models"
)

type instrumented struct{ next Store }

// Instrument records latency and outcome of every operation on s.
func Instrument(s Store) Store { return instrumented{next: s} }

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

func (i instrumented) Create(ctx context.Context, d models.Draft) (models.Message, error) {
	start := time.Now()
	m, err := i.next.Create(ctx, d)
	metrics.ObserveStore("create", outcome(err), start)
	return m, err
}

func (i instrumented) FindByID(ctx context.Context, id string) (models.Message, error) {
	start := time.Now()
	m, err := i.next.FindByID(ctx, id)
	metrics.ObserveStore("find", outcome(err), start)
	return m, err
}

func (i instrumented) UpdateContent(ctx context.Context, id, text string) (models.Message, error) {
	start := time.Now()
	m, err := i.next.UpdateContent(ctx, id, text)
	metrics.ObserveStore("update", outcome(err), start)
	return m, err
}

func (i instrumented) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Delete(ctx, id)
	res := outcome(err)
	if err == nil && !ok {
		res = "not_found"
	}
	metrics.ObserveStore("delete", res, start)
	return ok, err
}

func (i instrumented) Query(ctx context.Context, f conversation.Filter, p Page) ([]models.Message, error) {
	start := time.Now()
	out, err := i.next.Query(ctx, f, p)
	metrics.ObserveStore("query", outcome(err), start)
	return out, err
}

func (i instrumented) Ping(ctx context.Context) error { return i.next.Ping(ctx) }

func (i instrumented) Close(ctx context.Context) error { return i.next.Close(ctx) }
