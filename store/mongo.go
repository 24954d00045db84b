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
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// messageDoc is the document shape of a message. The badger backend reuses it
// as its value encoding.
type messageDoc struct {
	ID          string    `bson:"_id"`
	Sender      string    `bson:"sender"`
	SenderName  string    `bson:"senderName"`
	SenderImage *string   `bson:"senderImage,omitempty"`
	Recipient   string    `bson:"recipient"`
	Message     string    `bson:"message"`
	Timestamp   time.Time `bson:"timestamp"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

func toDoc(m models.Message) messageDoc {
	return messageDoc{
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

func fromDoc(d messageDoc) models.Message {
	id, _ := uuid.Parse(d.ID)
	return models.Message{
		ID:          id,
		Sender:      d.Sender,
		SenderName:  d.SenderName,
		SenderImage: d.SenderImage,
		Recipient:   d.Recipient,
		Message:     d.Message,
		Timestamp:   d.Timestamp.UTC(),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	clock    Clock
}

// OpenMongo connects, pings and ensures indexes on the messages collection.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &MongoStore{client: client, messages: client.Database(database).Collection("messages")}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.Info("mongo initialized", logger.FieldKV("database", database))
	return s, nil
}

func (s *MongoStore) ready() error {
	if s.messages == nil {
		return fmt.Errorf("messages collection not initialized")
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping health check.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("mongo client not initialized")
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// SetClock replaces the time source used to stamp records.
func (s *MongoStore) SetClock(c Clock) { s.clock = c }

func (s *MongoStore) Create(ctx context.Context, draft models.Draft) (models.Message, error) {
	if err := s.ready(); err != nil {
		return models.Message{}, persistence("create message", err)
	}
	if err := validateDraft(draft); err != nil {
		return models.Message{}, err
	}
	m := newMessage(draft, s.clock.stamp())
	if _, err := s.messages.InsertOne(ctx, toDoc(m)); err != nil {
		return models.Message{}, persistence("create message", err)
	}
	return m, nil
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (models.Message, error) {
	if err := s.ready(); err != nil {
		return models.Message{}, persistence("find message", err)
	}
	if _, ok := parseID(id); !ok {
		return models.Message{}, ErrNotFound
	}
	var d messageDoc
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, persistence("find message", err)
	}
	return fromDoc(d), nil
}

// UpdateContent is a single FindOneAndUpdate, so a concurrent delete either
// lands first (ErrNotFound) or after the update returned.
func (s *MongoStore) UpdateContent(ctx context.Context, id, text string) (models.Message, error) {
	if err := s.ready(); err != nil {
		return models.Message{}, persistence("update message", err)
	}
	if err := validateText(text); err != nil {
		return models.Message{}, err
	}
	if _, ok := parseID(id); !ok {
		return models.Message{}, ErrNotFound
	}
	update := bson.M{"$set": bson.M{"message": text, "updatedAt": s.clock.stamp()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d messageDoc
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, persistence("update message", err)
	}
	return fromDoc(d), nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, persistence("delete message", err)
	}
	if _, ok := parseID(id); !ok {
		return false, nil
	}
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, persistence("delete message", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) Query(ctx context.Context, filter conversation.Filter, page Page) ([]models.Message, error) {
	if err := s.ready(); err != nil {
		return nil, persistence("query messages", err)
	}
	if err := page.validate(); err != nil {
		return nil, err
	}
	if page.Limit == 0 {
		return []models.Message{}, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	cur, err := s.messages.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, persistence("query messages", err)
	}
	defer cur.Close(ctx)
	out := []models.Message{}
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, persistence("decode message", err)
		}
		out = append(out, fromDoc(d))
	}
	if err := cur.Err(); err != nil {
		return nil, persistence("query messages", err)
	}
	return out, nil
}

func mongoFilter(f conversation.Filter) bson.M {
	if f.Public {
		return bson.M{"recipient": f.Channel}
	}
	return bson.M{"$and": bson.A{
		bson.M{"recipient": bson.M{"$ne": models.PublicChannel}},
		bson.M{"$or": bson.A{
			bson.M{"sender": f.A, "recipient": f.B},
			bson.M{"sender": f.B, "recipient": f.A},
		}},
	}}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "timestamp", Value: -1}}, Options: options.Index().SetName("idx_recipient_timestamp")},
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}, {Key: "timestamp", Value: -1}}, Options: options.Index().SetName("idx_pair_timestamp")},
	})
	return err
}
