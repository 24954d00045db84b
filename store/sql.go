package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/conversation"
	"chatrelay/logger"
	"chatrelay/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// messageRow is the relational shape of a message.
type messageRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Sender      string    `gorm:"not null;index:idx_messages_pair,priority:1"`
	SenderName  string    `gorm:"not null"`
	SenderImage *string   `gorm:"size:2048"`
	Recipient   string    `gorm:"not null;index:idx_messages_pair,priority:2;index:idx_messages_recipient,priority:1"`
	Message     string    `gorm:"type:text;not null"`
	Timestamp   time.Time `gorm:"not null;index:idx_messages_pair,priority:3;index:idx_messages_recipient,priority:2"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (messageRow) TableName() string { return "messages" }

func fromRow(r messageRow) models.Message {
	id, _ := uuid.Parse(r.ID)
	return models.Message{
		ID:          id,
		Sender:      r.Sender,
		SenderName:  r.SenderName,
		SenderImage: r.SenderImage,
		Recipient:   r.Recipient,
		Message:     r.Message,
		Timestamp:   r.Timestamp.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func toRow(m models.Message) messageRow {
	return messageRow{
		ID:          m.ID.String(),
		Sender:      m.Sender,
		SenderName:  m.SenderName,
		SenderImage: m.SenderImage,
		Recipient:   m.Recipient,
		Message:     m.Message,
		Timestamp:   m.Timestamp,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// SQLStore keeps messages in a relational database through gorm.
type SQLStore struct {
	db    *gorm.DB
	clock Clock
}

// NewSQLStore borrows an open gorm handle. Migrate must have run on it.
func NewSQLStore(db *gorm.DB, clock Clock) *SQLStore {
	return &SQLStore{db: db, clock: clock}
}

// OpenPostgres connects to dsn with a bounded pool and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return openSQL(ctx, db, "postgres")
}

// OpenSQLite opens (or creates) the database file at path and migrates the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return openSQL(ctx, db, "sqlite")
}

func openSQL(ctx context.Context, db *gorm.DB, dialect string) (*SQLStore, error) {
	s := NewSQLStore(db, nil)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("%s ping: %w", dialect, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	logger.Info("sql store initialized", logger.FieldKV("dialect", dialect))
	return s, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate brings the messages table and its indexes up to date.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&messageRow{}); err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	return nil
}

// SetClock replaces the time source used to stamp records.
func (s *SQLStore) SetClock(c Clock) { s.clock = c }

func (s *SQLStore) Create(ctx context.Context, draft models.Draft) (models.Message, error) {
	if err := validateDraft(draft); err != nil {
		return models.Message{}, err
	}
	m := newMessage(draft, s.clock.stamp())
	row := toRow(m)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Message{}, persistence("create message", err)
	}
	return m, nil
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (models.Message, error) {
	if _, ok := parseID(id); !ok {
		return models.Message{}, ErrNotFound
	}
	var row messageRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, persistence("find message", err)
	}
	return fromRow(row), nil
}

func (s *SQLStore) UpdateContent(ctx context.Context, id, text string) (models.Message, error) {
	if err := validateText(text); err != nil {
		return models.Message{}, err
	}
	if _, ok := parseID(id); !ok {
		return models.Message{}, ErrNotFound
	}
	var row messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).Where("id = ?", id).Updates(map[string]any{
			"message":    text,
			"updated_at": s.clock.stamp(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("id = ?", id).Take(&row).Error
	})
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return models.Message{}, ErrNotFound
	case err != nil:
		return models.Message{}, persistence("update message", err)
	}
	return fromRow(row), nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, ok := parseID(id); !ok {
		return false, nil
	}
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&messageRow{})
	if res.Error != nil {
		return false, persistence("delete message", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLStore) Query(ctx context.Context, filter conversation.Filter, page Page) ([]models.Message, error) {
	if err := page.validate(); err != nil {
		return nil, err
	}
	if page.Limit == 0 {
		return []models.Message{}, nil
	}
	q := s.db.WithContext(ctx).Model(&messageRow{})
	if filter.Public {
		q = q.Where("recipient = ?", filter.Channel)
	} else {
		q = q.Where("recipient <> ?", models.PublicChannel).
			Where("(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)", filter.A, filter.B, filter.B, filter.A)
	}
	var rows []messageRow
	err := q.Order("timestamp DESC").Order("id DESC").
		Offset(page.Offset).Limit(page.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, persistence("query messages", err)
	}
	return lo.Map(rows, func(r messageRow, _ int) models.Message { return fromRow(r) }), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
