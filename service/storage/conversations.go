package storage

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatrelay/tools/errs"
)

// ConversationStore reads conversation ownership. Creation and mutation
// belong to the REST layer.
type ConversationStore struct {
	mgo *Mongo
}

func NewConversationStore(m *Mongo) *ConversationStore {
	return &ConversationStore{mgo: m}
}

func (s *ConversationStore) coll() (*mongo.Collection, error) {
	db := s.mgo.DB()
	if db == nil {
		return nil, errs.ErrPersistenceFailure.WrapMsg("mongo not connected")
	}
	return db.Collection(ConversationCollection), nil
}

func (s *ConversationStore) EnsureIndexes(ctx context.Context) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetName("conv_id").SetUnique(true),
	})
	return errs.WrapMsg(err, "create conversation index")
}

// GetByID returns the conversation, or ErrRecordNotFound when absent.
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	var conv Conversation
	err = coll.FindOne(ctx, bson.M{"conversation_id": id}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound.WrapMsg("conversation " + id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversation")
	}
	return &conv, nil
}
