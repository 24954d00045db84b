package store

import (
	"context"
	"errors"
	"fmt"

	"chatrelay/conversation"
	"chatrelay/logger"
	"chatrelay/models"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const conflictRetries = 5

// BadgerStore keeps messages in an embedded badger database.
//
// Messages live under "msg:{conversation}:{timestamp}:{id}" with the
// timestamp zero-padded to 19 digits, so a reverse prefix scan yields a
// conversation newest first with ties broken by id. "id:{id}" points at the
// message key for point operations.
type BadgerStore struct {
	db    *badger.DB
	clock Clock
}

// OpenBadger opens the database at path. An empty path runs fully in memory.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	logger.Info("badger store initialized", logger.FieldKV("path", path), logger.FieldKV("in_memory", path == ""))
	return &BadgerStore{db: db}, nil
}

func messageKey(m models.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", conversation.Of(m).Key(), m.Timestamp.UnixNano(), m.ID))
}

func conversationPrefix(f conversation.Filter) []byte {
	return []byte("msg:" + f.Key() + ":")
}

func idKey(id string) []byte { return []byte("id:" + id) }

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range conflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// SetClock replaces the time source used to stamp records.
func (s *BadgerStore) SetClock(c Clock) { s.clock = c }

func (s *BadgerStore) Create(_ context.Context, draft models.Draft) (models.Message, error) {
	if err := validateDraft(draft); err != nil {
		return models.Message{}, err
	}
	m := newMessage(draft, s.clock.stamp())
	value, err := bson.Marshal(toDoc(m))
	if err != nil {
		return models.Message{}, persistence("encode message", err)
	}
	key := messageKey(m)
	err = s.update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(idKey(m.ID.String()), key)
	})
	if err != nil {
		return models.Message{}, persistence("create message", err)
	}
	return m, nil
}

// lookup resolves id to its message key and decoded document inside txn.
func lookup(txn *badger.Txn, id string) ([]byte, messageDoc, error) {
	var d messageDoc
	ref, err := txn.Get(idKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, d, ErrNotFound
	}
	if err != nil {
		return nil, d, err
	}
	key, err := ref.ValueCopy(nil)
	if err != nil {
		return nil, d, err
	}
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, d, ErrNotFound
	}
	if err != nil {
		return nil, d, err
	}
	err = item.Value(func(v []byte) error { return bson.Unmarshal(v, &d) })
	return key, d, err
}

func (s *BadgerStore) FindByID(_ context.Context, id string) (models.Message, error) {
	if _, ok := parseID(id); !ok {
		return models.Message{}, ErrNotFound
	}
	var d messageDoc
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, d, err = lookup(txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, persistence("find message", err)
	}
	return fromDoc(d), nil
}

func (s *BadgerStore) UpdateContent(_ context.Context, id, text string) (models.Message, error) {
	if err := validateText(text); err != nil {
		return models.Message{}, err
	}
	if _, ok := parseID(id); !ok {
		return models.Message{}, ErrNotFound
	}
	var updated messageDoc
	err := s.update(func(txn *badger.Txn) error {
		key, d, err := lookup(txn, id)
		if err != nil {
			return err
		}
		d.Message = text
		d.UpdatedAt = s.clock.stamp()
		value, err := bson.Marshal(d)
		if err != nil {
			return err
		}
		updated = d
		return txn.Set(key, value)
	})
	if errors.Is(err, ErrNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, persistence("update message", err)
	}
	return fromDoc(updated), nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) (bool, error) {
	if _, ok := parseID(id); !ok {
		return false, nil
	}
	err := s.update(func(txn *badger.Txn) error {
		ref, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, persistence("delete message", err)
	}
	return true, nil
}

func (s *BadgerStore) Query(_ context.Context, filter conversation.Filter, page Page) ([]models.Message, error) {
	if err := page.validate(); err != nil {
		return nil, err
	}
	out := []models.Message{}
	if page.Limit == 0 {
		return out, nil
	}
	prefix := conversationPrefix(filter)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			var d messageDoc
			if err := it.Item().Value(func(v []byte) error { return bson.Unmarshal(v, &d) }); err != nil {
				return err
			}
			m := fromDoc(d)
			if !filter.Matches(m) {
				continue
			}
			if skipped < page.Offset {
				skipped++
				continue
			}
			out = append(out, m)
			if len(out) == page.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistence("query messages", err)
	}
	return out, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger database closed")
	}
	return nil
}

func (s *BadgerStore) Close(context.Context) error { return s.db.Close() }

// badgerLogger routes badger's logging through the service logger.
type badgerLogger struct{ l *zap.SugaredLogger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(f, v...) }
