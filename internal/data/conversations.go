package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/normalize"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ConversationsStore is the MongoDB chat.ConversationStore. Sequence numbers
// come from an atomic $inc on the conversation document, so concurrent
// appends never share or reorder a seq.
type ConversationsStore struct {
	convs *mongo.Collection
	msgs  *mongo.Collection
}

var _ chat.ConversationStore = (*ConversationsStore)(nil)

// NewConversationsStore returns a store over the conversations and messages collections.
func NewConversationsStore(convs, msgs *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{convs: convs, msgs: msgs}
}

// FindOrCreateConversation upserts on the unordered pair key.
func (s *ConversationsStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (*chat.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("conversation needs two distinct participants: %w", chat.ErrInvalidArgument)
	}
	key, pair := normalize.PairKey(userA, userB)
	filter := bson.D{{Key: "pair_key", Value: key}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "_id", Value: newID()},
		{Key: "participants", Value: pair[:]},
		{Key: "next_seq", Value: int64(0)},
		{Key: "last_seq", Value: int64(0)},
		{Key: "created_at", Value: time.Now().UTC().Truncate(time.Millisecond)},
	}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc conversationDoc
	err := s.convs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// a concurrent upsert for the same pair won; read its document
		err = s.convs.FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %v: %w", err, chat.ErrStorage)
	}
	return doc.toDomain(), nil
}

// GetConversation loads one conversation by id.
func (s *ConversationsStore) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	if !validID(conversationID) {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, chat.ErrNotFound)
	}
	var doc conversationDoc
	if err := s.convs.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %q: %w", conversationID, chat.ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation: %v: %w", err, chat.ErrStorage)
	}
	return doc.toDomain(), nil
}

// IsParticipant reports false for unknown conversations.
func (s *ConversationsStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if !validID(conversationID) || userID == "" {
		return false, nil
	}
	n, err := s.convs.CountDocuments(ctx, bson.M{"_id": conversationID, "participants": userID})
	if err != nil {
		return false, fmt.Errorf("participant check: %v: %w", err, chat.ErrStorage)
	}
	return n > 0, nil
}

// AppendMessage reserves the next seq, inserts the message and then moves the
// conversation's last-message marker forward.
func (s *ConversationsStore) AppendMessage(ctx context.Context, p chat.AppendParams) (*chat.AppendResult, error) {
	if !validID(p.ConversationID) || p.SenderID == "" || p.Content == "" {
		return nil, fmt.Errorf("append message: %w", chat.ErrInvalidArgument)
	}

	if p.ClientMsgID != "" {
		existing, err := s.findByClientMsgID(ctx, p)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &chat.AppendResult{Message: existing, Duplicate: true}, nil
		}
	}

	var conv conversationDoc
	err := s.convs.FindOneAndUpdate(ctx,
		bson.M{"_id": p.ConversationID, "participants": p.SenderID},
		bson.M{"$inc": bson.M{"next_seq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("sender %q in conversation %q: %w", p.SenderID, p.ConversationID, chat.ErrForbidden)
		}
		return nil, fmt.Errorf("reserve seq: %v: %w", err, chat.ErrStorage)
	}

	doc := messageDoc{
		ID:             newID(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Seq:            conv.NextSeq,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		ClientMsgID:    p.ClientMsgID,
	}
	if _, err := s.msgs.InsertOne(ctx, &doc); err != nil {
		if mongo.IsDuplicateKeyError(err) && p.ClientMsgID != "" {
			existing, ferr := s.findByClientMsgID(ctx, p)
			if ferr == nil && existing != nil {
				return &chat.AppendResult{Message: existing, Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("insert message: %v: %w", err, chat.ErrStorage)
	}

	// best effort: the message is durable even if the summary update fails
	_, _ = s.convs.UpdateOne(ctx,
		bson.M{"_id": p.ConversationID, "last_seq": bson.M{"$lt": doc.Seq}},
		bson.M{"$set": bson.M{
			"last_seq":             doc.Seq,
			"last_message_at":      doc.CreatedAt,
			"last_message_preview": preview(doc.Content),
		}},
	)

	return &chat.AppendResult{Message: doc.toDomain()}, nil
}

func (s *ConversationsStore) findByClientMsgID(ctx context.Context, p chat.AppendParams) (*chat.Message, error) {
	var doc messageDoc
	err := s.msgs.FindOne(ctx, bson.M{
		"conversation_id": p.ConversationID,
		"sender_id":       p.SenderID,
		"client_msg_id":   p.ClientMsgID,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %v: %w", err, chat.ErrStorage)
	}
	return doc.toDomain(), nil
}

// ListMessages returns up to page.Limit messages older than page.BeforeSeq,
// oldest first.
func (s *ConversationsStore) ListMessages(ctx context.Context, conversationID string, page chat.Page) ([]*chat.Message, error) {
	if !validID(conversationID) {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, chat.ErrInvalidArgument)
	}
	filter := bson.M{"conversation_id": conversationID}
	if page.BeforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": page.BeforeSeq}
	}
	// newest first so the limit keeps the most recent window
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(defaultLimit(page.Limit, defaultPageSize, maxPageSize))

	cursor, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %v: %w", err, chat.ErrStorage)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %v: %w", err, chat.ErrStorage)
	}

	out := make([]*chat.Message, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDomain())
	}
	slices.Reverse(out)
	return out, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *ConversationsStore) ListConversations(ctx context.Context, userID string, limit int64) ([]*chat.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(defaultLimit(limit, defaultPageSize, maxPageSize))

	cursor, err := s.convs.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %v: %w", err, chat.ErrStorage)
	}
	defer cursor.Close(ctx)

	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %v: %w", err, chat.ErrStorage)
	}
	out := make([]*chat.Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDomain())
	}
	return out, nil
}
