package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/normalize"
	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// maxTxnRetries bounds optimistic retries on badger.ErrConflict. Every round
// commits at least one contender, so this also caps concurrent writers per key.
const maxTxnRetries = 64

// BadgerStore keeps users, conversations and messages in an embedded Badger
// database. Values are BSON encoded with the same documents the Mongo stores
// use. Key layout:
//
//	user:{id}                      -> User
//	user_email:{email}             -> id
//	user_handle:{handle}           -> id
//	conv:{id}                      -> conversationDoc
//	pair:{a}:{b}                   -> conversation id
//	uconv:{user}:{conversation id} -> (empty)
//	msg:{conversation id}:{seq%020d} -> messageDoc
//	idem:{conversation id}:{sender}:{client msg id} -> seq
type BadgerStore struct {
	db *badger.DB
}

var (
	_ chat.ConversationStore = (*BadgerStore)(nil)
	_ UserStore              = (*BadgerStore)(nil)
)

// NewBadgerStore wraps an open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func userKey(id string) []byte          { return []byte("user:" + id) }
func userEmailKey(email string) []byte  { return []byte("user_email:" + email) }
func userHandleKey(h string) []byte     { return []byte("user_handle:" + h) }
func convKey(id string) []byte          { return []byte("conv:" + id) }
func pairKey(key string) []byte         { return []byte("pair:" + key) }
func userConvPrefix(user string) []byte { return []byte("uconv:" + user + ":") }
func msgPrefix(conv string) []byte      { return []byte("msg:" + conv + ":") }

func msgKey(conv string, seq int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", conv, seq))
}

func idemKey(conv, sender, clientMsgID string) []byte {
	return []byte("idem:" + conv + ":" + sender + ":" + clientMsgID)
}

// update runs fn in a read-write transaction, retrying on conflicts. fn must
// reset any captured results since it may run more than once.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// storageErr keeps domain errors and classifies everything else as storage failures.
func storageErr(op string, err error) error {
	for _, domain := range []error{chat.ErrInvalidArgument, chat.ErrForbidden, chat.ErrNotFound, chat.ErrAlreadyExists} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%s: %v: %w", op, err, chat.ErrStorage)
}

func getBSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		return bson.Unmarshal(v, out)
	})
}

func setBSON(txn *badger.Txn, key []byte, v any) error {
	b, err := bson.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateUser stores a user with unique email and handle.
func (s *BadgerStore) CreateUser(_ context.Context, in *User) (*User, error) {
	now := time.Now().UTC()
	user := *in
	user.ID = newID()
	user.Email = normalize.Email(in.Email)
	user.Handle = normalize.Handle(in.Handle)
	user.CreatedAt = now
	user.UpdatedAt = now

	err := s.update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{userEmailKey(user.Email), userHandleKey(user.Handle)} {
			taken, err := exists(txn, k)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("user: %w", chat.ErrAlreadyExists)
			}
		}
		if err := setBSON(txn, userKey(user.ID), &user); err != nil {
			return err
		}
		if err := txn.Set(userEmailKey(user.Email), []byte(user.ID)); err != nil {
			return err
		}
		return txn.Set(userHandleKey(user.Handle), []byte(user.ID))
	})
	if err != nil {
		return nil, storageErr("create user", err)
	}
	return &user, nil
}

// GetUserByEmail finds a user by email.
func (s *BadgerStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = getString(txn, userEmailKey(normalize.Email(email)))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("user: %w", chat.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user by email", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID finds a user by id.
func (s *BadgerStore) GetUserByID(_ context.Context, id string) (*User, error) {
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		return getBSON(txn, userKey(id), &user)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("user %q: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return &user, nil
}

// UserExists checks if a user exists by id.
func (s *BadgerStore) UserExists(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = exists(txn, userKey(id))
		return err
	})
	if err != nil {
		return false, storageErr("user exists", err)
	}
	return ok, nil
}

// FindOrCreateConversation returns the pair's conversation, creating it on first use.
func (s *BadgerStore) FindOrCreateConversation(_ context.Context, userA, userB string) (*chat.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("conversation needs two distinct participants: %w", chat.ErrInvalidArgument)
	}
	key, pair := normalize.PairKey(userA, userB)

	var conv conversationDoc
	err := s.update(func(txn *badger.Txn) error {
		id, err := getString(txn, pairKey(key))
		if err == nil {
			return getBSON(txn, convKey(id), &conv)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		conv = conversationDoc{
			ID:           newID(),
			PairKey:      key,
			Participants: pair[:],
			CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := setBSON(txn, convKey(conv.ID), &conv); err != nil {
			return err
		}
		if err := txn.Set(pairKey(key), []byte(conv.ID)); err != nil {
			return err
		}
		for _, p := range pair {
			if err := txn.Set(append(userConvPrefix(p), conv.ID...), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("find or create conversation", err)
	}
	return conv.toDomain(), nil
}

// GetConversation loads one conversation by id.
func (s *BadgerStore) GetConversation(_ context.Context, conversationID string) (*chat.Conversation, error) {
	var conv conversationDoc
	err := s.db.View(func(txn *badger.Txn) error {
		return getBSON(txn, convKey(conversationID), &conv)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, chat.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	return conv.toDomain(), nil
}

// IsParticipant reports false for unknown conversations.
func (s *BadgerStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if conversationID == "" || userID == "" {
		return false, nil
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if errors.Is(err, chat.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.Includes(userID), nil
}

// AppendMessage assigns the next seq and writes the message, the idempotency
// marker and the conversation summary in one transaction.
func (s *BadgerStore) AppendMessage(_ context.Context, p chat.AppendParams) (*chat.AppendResult, error) {
	if p.ConversationID == "" || p.SenderID == "" || p.Content == "" {
		return nil, fmt.Errorf("append message: %w", chat.ErrInvalidArgument)
	}

	var result *chat.AppendResult
	err := s.update(func(txn *badger.Txn) error {
		result = nil

		var conv conversationDoc
		if err := getBSON(txn, convKey(p.ConversationID), &conv); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("conversation %q: %w", p.ConversationID, chat.ErrForbidden)
			}
			return err
		}
		if !conv.toDomain().Includes(p.SenderID) {
			return fmt.Errorf("sender %q in conversation %q: %w", p.SenderID, p.ConversationID, chat.ErrForbidden)
		}

		if p.ClientMsgID != "" {
			raw, err := getString(txn, idemKey(p.ConversationID, p.SenderID, p.ClientMsgID))
			switch {
			case err == nil:
				seq, perr := strconv.ParseInt(raw, 10, 64)
				if perr != nil {
					return perr
				}
				var doc messageDoc
				if err := getBSON(txn, msgKey(p.ConversationID, seq), &doc); err != nil {
					return err
				}
				result = &chat.AppendResult{Message: doc.toDomain(), Duplicate: true}
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}

		conv.NextSeq++
		doc := messageDoc{
			ID:             newID(),
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Content:        p.Content,
			Seq:            conv.NextSeq,
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
			ClientMsgID:    p.ClientMsgID,
		}
		conv.LastSeq = doc.Seq
		conv.LastMessageAt = doc.CreatedAt
		conv.LastMessagePreview = preview(doc.Content)

		if err := setBSON(txn, msgKey(doc.ConversationID, doc.Seq), &doc); err != nil {
			return err
		}
		if err := setBSON(txn, convKey(conv.ID), &conv); err != nil {
			return err
		}
		if p.ClientMsgID != "" {
			seq := strconv.FormatInt(doc.Seq, 10)
			if err := txn.Set(idemKey(p.ConversationID, p.SenderID, p.ClientMsgID), []byte(seq)); err != nil {
				return err
			}
		}
		result = &chat.AppendResult{Message: doc.toDomain()}
		return nil
	})
	if err != nil {
		return nil, storageErr("append message", err)
	}
	return result, nil
}

// ListMessages walks the conversation's message keys backwards from
// page.BeforeSeq and returns the window oldest first.
func (s *BadgerStore) ListMessages(_ context.Context, conversationID string, page chat.Page) ([]*chat.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("list messages: %w", chat.ErrInvalidArgument)
	}
	limit := int(defaultLimit(page.Limit, defaultPageSize, maxPageSize))
	prefix := msgPrefix(conversationID)

	var out []*chat.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(slices.Clone(prefix), 0xFF)
		if page.BeforeSeq > 0 {
			seek = msgKey(conversationID, page.BeforeSeq-1)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var doc messageDoc
			if err := it.Item().Value(func(v []byte) error { return bson.Unmarshal(v, &doc) }); err != nil {
				return err
			}
			out = append(out, doc.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	slices.Reverse(out)
	return out, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *BadgerStore) ListConversations(_ context.Context, userID string, limit int64) ([]*chat.Conversation, error) {
	prefix := userConvPrefix(userID)
	var convs []*chat.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			var doc conversationDoc
			if err := getBSON(txn, convKey(id), &doc); err != nil {
				return err
			}
			convs = append(convs, doc.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list conversations", err)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	if n := int(defaultLimit(limit, defaultPageSize, maxPageSize)); len(convs) > n {
		convs = convs[:n]
	}
	return convs, nil
}
