package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatrelay/tools/errs"
)

// MessageStore persists and lists chat messages.
type MessageStore struct {
	mgo *Mongo
}

func NewMessageStore(m *Mongo) *MessageStore {
	return &MessageStore{mgo: m}
}

func (s *MessageStore) coll() (*mongo.Collection, error) {
	db := s.mgo.DB()
	if db == nil {
		return nil, errs.ErrPersistenceFailure.WrapMsg("mongo not connected")
	}
	return db.Collection(MessageCollection), nil
}

// EnsureIndexes creates the listing index. Message IDs are snowflakes stored
// as zero-padded 19-digit decimal strings, which sort in generation order, so
// (conversation_id, message_id) covers both the history scan and the cursor
// filter.
func (s *MessageStore) EnsureIndexes(ctx context.Context) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "message_id", Value: -1}},
			Options: options.Index().SetName("conv_msg"),
		},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetName("msg_id").SetUnique(true),
		},
	})
	return errs.WrapMsg(err, "create message indexes")
}

// Save inserts a single message. The relay treats any failure here as a
// PersistenceFailure and suppresses the broadcast.
func (s *MessageStore) Save(ctx context.Context, m *Message) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	if _, err := coll.InsertOne(ctx, m); err != nil {
		return errs.WrapMsg(err, "insert message")
	}
	return nil
}

// ListByConversation returns up to limit non-deleted messages in
// chronological order. A non-empty before cursor restricts the page to
// messages older than that message ID; nextCursor is empty when the page
// reached the beginning of the conversation.
func (s *MessageStore) ListByConversation(ctx context.Context, convID string, limit int64, before string) ([]*Message, string, error) {
	coll, err := s.coll()
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	filter := bson.M{
		"conversation_id": convID,
		"is_deleted":      false,
	}
	if before != "" {
		filter["message_id"] = bson.M{"$lt": before}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "message_id", Value: -1}}).
		SetLimit(limit)

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", errs.WrapMsg(err, "find messages")
	}
	defer cur.Close(ctx)

	var page []*Message
	if err := cur.All(ctx, &page); err != nil {
		return nil, "", errs.WrapMsg(err, "decode messages")
	}

	// Reverse into chronological order; the oldest ID of a full page is the
	// cursor for the next (older) page.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	next := ""
	if int64(len(page)) == limit && len(page) > 0 {
		next = page[0].ID
	}
	return page, next, nil
}
