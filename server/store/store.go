// Package store provides access to the persistent storage through a registered
// database adapter.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chitchat/chat/server/store/adapter"
	"github.com/chitchat/chat/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator.
var uGen types.UidGenerator

type configType struct {
	// Maximum number of results to return from adapter.
	MaxResults int `json:"max_results"`
	// DB adapter name to use, one of the registered adapters.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(workerId int, jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only registered adapter.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified. Please set `store_config.use_adapter`")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if workerId < 0 || workerId > 1023 {
		return errors.New("store: invalid worker ID")
	}
	if err := uGen.Init(uint(workerId)); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	if err := adp.SetMaxResults(config.MaxResults); err != nil {
		return err
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interaction with persistent storage.
type PersistentStorageInterface interface {
	Open(workerId int, jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	GetUid() types.Uid
	GetUidString() string
	DbStats() func() interface{}
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface = storeObj{}

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool for
// a database instance.
func (storeObj) Open(workerId int, jsonconf json.RawMessage) error {
	if err := openAdapter(workerId, jsonconf); err != nil {
		return err
	}
	return adp.CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp.IsOpen() {
		return adp.Close()
	}
	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	return adp != nil && adp.IsOpen()
}

// GetAdapterName returns the name of the current adapter.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}
	return ""
}

// GetAdapterVersion returns version of the current adapter.
func (storeObj) GetAdapterVersion() int {
	if adp != nil {
		return adp.Version()
	}
	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it
// will first drop an existing database. If jsonconf is nil it assumes that the
// adapter is already open.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if !s.IsOpen() {
		if err := openAdapter(1, jsonconf); err != nil {
			return err
		}
	}
	return adp.CreateDb(reset)
}

// RegisterAdapter makes a persistence adapter available.
// If an adapter of the same name is already registered or the adapter is nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: adapter is nil")
	}
	name := a.GetName()
	if _, ok := availableAdapters[name]; ok {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

// GetUid generates a unique ID suitable for use as a primary key.
func (storeObj) GetUid() types.Uid {
	return uGen.Get()
}

// GetUidString generates a unique ID as string.
func (storeObj) GetUidString() string {
	return uGen.GetStr()
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() interface{} {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// UsersPersistenceInterface is an interface for user persistence.
type UsersPersistenceInterface interface {
	Create(user *types.User) (*types.User, error)
	Get(uid types.Uid) (*types.User, error)
	GetAll(uid ...types.Uid) ([]types.User, error)
	AddAuthRecord(uid types.Uid, unique string, secret []byte, expires time.Time) error
	GetAuthRecord(unique string) (types.Uid, []byte, time.Time, error)
	DelAuthRecord(unique string) error
}

// Users is the anchor for storing/retrieving User objects.
var Users UsersPersistenceInterface = usersMapper{}

type usersMapper struct{}

// Create inserts a User object into the database, assigns the id and creation time.
func (usersMapper) Create(user *types.User) (*types.User, error) {
	user.Id = Store.GetUid()
	user.InitTimes()

	if err := adp.UserCreate(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Get loads a user object for the given user id.
func (usersMapper) Get(uid types.Uid) (*types.User, error) {
	return adp.UserGet(uid)
}

// GetAll loads a slice of user objects for the given user ids.
func (usersMapper) GetAll(uid ...types.Uid) ([]types.User, error) {
	return adp.UserGetAll(uid...)
}

// AddAuthRecord creates a new authentication record for the given user.
func (usersMapper) AddAuthRecord(uid types.Uid, unique string, secret []byte, expires time.Time) error {
	return adp.AuthAddRecord(uid, unique, secret, expires)
}

// GetAuthRecord fetches an authentication record by the unique value.
func (usersMapper) GetAuthRecord(unique string) (types.Uid, []byte, time.Time, error) {
	return adp.AuthGetRecord(unique)
}

// DelAuthRecord deletes an authentication record.
func (usersMapper) DelAuthRecord(unique string) error {
	return adp.AuthDelRecord(unique)
}

// RoomsPersistenceInterface is an interface for room persistence.
type RoomsPersistenceInterface interface {
	Create(members []types.Uid) (*types.Room, bool, error)
	Get(room types.Uid) (*types.Room, error)
	GetAll(user types.Uid) ([]types.Room, error)
	Members(room types.Uid) ([]types.Membership, error)
	MemberIds(room types.Uid) (types.UidSlice, error)
	IsMember(room, user types.Uid) (bool, error)
	TopicsForUser(user types.Uid) ([]string, error)
}

// Rooms is the anchor for storing/retrieving Room objects.
var Rooms RoomsPersistenceInterface = roomsMapper{}

type roomsMapper struct{}

// Create returns the room with exactly the given member set if one exists,
// otherwise inserts a new room with one membership per member. The second
// return value reports whether a new room was created.
func (roomsMapper) Create(members []types.Uid) (*types.Room, bool, error) {
	normalized := types.NormalizeUids(members)
	if room, err := adp.RoomFindByMembers(normalized); err != nil {
		return nil, false, err
	} else if room != nil {
		return room, false, nil
	}

	room := &types.Room{}
	room.Id = Store.GetUid()
	room.InitTimes()

	memberships := make([]*types.Membership, len(normalized))
	for i, uid := range normalized {
		memberships[i] = &types.Membership{
			Room:      room.Id,
			User:      uid,
			CreatedAt: room.CreatedAt,
		}
	}

	if err := adp.RoomCreate(room, memberships); err != nil {
		return nil, false, err
	}
	return room, true, nil
}

// Get loads a single room by id.
func (roomsMapper) Get(room types.Uid) (*types.Room, error) {
	return adp.RoomGet(room)
}

// GetAll loads the rooms of a user, most recently active first.
func (roomsMapper) GetAll(user types.Uid) ([]types.Room, error) {
	return adp.RoomsForUser(user)
}

// Members loads memberships of a room.
func (roomsMapper) Members(room types.Uid) ([]types.Membership, error) {
	return adp.RoomMembers(room)
}

// MemberIds loads ids of the room's members.
func (roomsMapper) MemberIds(room types.Uid) (types.UidSlice, error) {
	memberships, err := adp.RoomMembers(room)
	if err != nil {
		return nil, err
	}
	var ids types.UidSlice
	for _, m := range memberships {
		ids.Add(m.User)
	}
	return ids, nil
}

// IsMember checks if the user is a member of the room.
func (roomsMapper) IsMember(room, user types.Uid) (bool, error) {
	return adp.RoomIsMember(room, user)
}

// TopicsForUser returns topic keys of the rooms the user is a member of.
func (roomsMapper) TopicsForUser(user types.Uid) ([]string, error) {
	rooms, err := adp.RoomsForUser(user)
	if err != nil {
		return nil, err
	}
	topics := make([]string, len(rooms))
	for i, room := range rooms {
		topics[i] = room.Id.String()
	}
	return topics, nil
}

// MessagesPersistenceInterface is an interface for message persistence.
type MessagesPersistenceInterface interface {
	Save(msg *types.Message) (*types.Message, error)
	GetAll(room types.Uid, opts *types.QueryOpt) ([]types.Message, error)
	MarkAllViewed(room, user types.Uid) error
}

// Messages is the anchor for storing/retrieving Message objects.
var Messages MessagesPersistenceInterface = messagesMapper{}

type messagesMapper struct{}

// Save assigns the message id and creation time, seeds the viewed set with the
// sender and persists the record. The write is atomic: both the message and
// the sender's viewed mark are stored, or neither.
func (messagesMapper) Save(msg *types.Message) (*types.Message, error) {
	msg.Id = Store.GetUid()
	msg.InitTimes()

	viewed := types.UidSlice(msg.ViewedBy)
	viewed.Add(msg.User)
	msg.ViewedBy = viewed

	if err := adp.MessageSave(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetAll loads messages of a room, ascending by id.
func (messagesMapper) GetAll(room types.Uid, opts *types.QueryOpt) ([]types.Message, error) {
	return adp.MessageGetAll(room, opts)
}

// MarkAllViewed adds the user to the viewed set of every message in the room.
func (messagesMapper) MarkAllViewed(room, user types.Uid) error {
	return adp.MessageMarkAllViewed(room, user)
}
