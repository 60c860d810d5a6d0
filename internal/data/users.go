package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/normalize"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// UsersStore performs user DB operations against MongoDB.
type UsersStore struct {
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// CreateUser inserts a new user document with an already hashed password.
func (u *UsersStore) CreateUser(ctx context.Context, in *User) (*User, error) {
	now := time.Now().UTC()
	user := *in
	user.ID = newID()
	user.Email = normalize.Email(in.Email)
	user.Handle = normalize.Handle(in.Handle)
	user.CreatedAt = now
	user.UpdatedAt = now

	if _, err := u.coll.InsertOne(ctx, &user); err != nil {
		// unique index on email or handle
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("user: %w", chat.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert user: %v: %w", err, chat.ErrStorage)
	}
	return &user, nil
}

// GetUserByEmail finds a user by email.
func (u *UsersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return u.findOne(ctx, bson.M{"email": normalize.Email(email)})
}

// GetUserByID finds a user by id.
func (u *UsersStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	if !validID(id) {
		return nil, fmt.Errorf("user %q: %w", id, chat.ErrNotFound)
	}
	return u.findOne(ctx, bson.M{"_id": id})
}

// UserExists checks if a user exists by id.
func (u *UsersStore) UserExists(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	count, err := u.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("count users: %v: %w", err, chat.ErrStorage)
	}
	return count > 0, nil
}

func (u *UsersStore) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var user User
	if err := u.coll.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("user: %w", chat.ErrNotFound)
		}
		return nil, fmt.Errorf("find user: %v: %w", err, chat.ErrStorage)
	}
	return &user, nil
}
