// Package adapter contains the interfaces to be implemented by the database adapter.
package adapter

import (
	"encoding/json"
	"time"

	t "github.com/chitchat/chat/server/store/types"
)

// Adapter is the interface which must be implemented by a database adapter.
// The schema supports a single connection by database type.
type Adapter interface {
	// Open and configure the adapter.
	Open(jsonconf json.RawMessage) error
	// Close the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string
	// SetMaxResults configures how many results a read query may return.
	SetMaxResults(val int) error
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// CheckDbVersion checks if the db schema version matches the adapter version.
	CheckDbVersion() error
	// Version returns adapter version.
	Version() int
	// Stats returns connection stats object.
	Stats() interface{}

	// User management.

	// UserCreate creates a user record.
	UserCreate(user *t.User) error
	// UserGet fetches a single user by id. Returns (nil, nil) if the user is missing.
	UserGet(uid t.Uid) (*t.User, error)
	// UserGetAll fetches user records for the given ids.
	UserGetAll(ids ...t.Uid) ([]t.User, error)

	// Authentication records.

	// AuthAddRecord creates an authentication record for the given user.
	AuthAddRecord(user t.Uid, unique string, secret []byte, expires time.Time) error
	// AuthGetRecord fetches an authentication record by the unique value.
	AuthGetRecord(unique string) (t.Uid, []byte, time.Time, error)
	// AuthDelRecord deletes an authentication record.
	AuthDelRecord(unique string) error

	// Room management.

	// RoomCreate creates a room together with its memberships in one transaction.
	RoomCreate(room *t.Room, memberships []*t.Membership) error
	// RoomGet fetches a single room by id. Returns (nil, nil) if the room is missing.
	RoomGet(room t.Uid) (*t.Room, error)
	// RoomFindByMembers returns the room whose member set is exactly the given
	// set, or (nil, nil) if no such room exists. The input must be normalized.
	RoomFindByMembers(members t.UidSlice) (*t.Room, error)
	// RoomsForUser returns the rooms the user is a member of, most recently
	// active (by last message) first.
	RoomsForUser(user t.Uid) ([]t.Room, error)
	// RoomMembers returns memberships of the given room.
	RoomMembers(room t.Uid) ([]t.Membership, error)
	// RoomIsMember checks if the user is a member of the room.
	RoomIsMember(room, user t.Uid) (bool, error)

	// Messages.

	// MessageSave persists a message and its initial viewed set in one transaction.
	MessageSave(msg *t.Message) error
	// MessageGetAll returns messages of a room, ascending by id, viewed sets populated.
	MessageGetAll(room t.Uid, opts *t.QueryOpt) ([]t.Message, error)
	// MessageMarkAllViewed adds the user to the viewed set of every message in
	// the room. Idempotent.
	MessageMarkAllViewed(room, user t.Uid) error
}
