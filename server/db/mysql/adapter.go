// Package mysql is a database adapter backed by MySQL.
package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/chitchat/chat/server/store"
	t "github.com/chitchat/chat/server/store/types"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// adapter holds MySQL connection data.
type adapter struct {
	db         *sqlx.DB
	dsn        string
	dbName     string
	maxResults int
	version    int
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/chitchat?parseTime=true"
	defaultDatabase = "chitchat"

	adpVersion = 100

	adapterName = "mysql"

	defaultMaxResults = 1024
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`
}

// Open initializes the MySQL connection pool.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType

	if err = json.Unmarshal(jsonconfig, &config); err != nil {
		return errors.New("mysql adapter failed to parse config: " + err.Error())
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}

	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if err != nil {
		return err
	}

	a.version = -1

	return nil
}

// Close closes the underlying database connection.
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// SetMaxResults configures how many results a read query may return.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// Read current database version.
func (a *adapter) getDbVersion() (int, error) {
	var vers int
	err := a.db.Get(&vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if err == sql.ErrNoRows || isMissingDb(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	a.version = vers

	return a.version, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	if a.version <= 0 {
		if _, err := a.getDbVersion(); err != nil {
			return err
		}
	}

	if a.version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(a.version) +
			". Expected " + strconv.Itoa(adpVersion))
	}

	return nil
}

// Version returns adapter version.
func (a *adapter) Version() int {
	return adpVersion
}

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// Stats returns connection pool stats.
func (a *adapter) Stats() interface{} {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	var err error
	var tx *sql.Tx

	if tx, err = a.db.Begin(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if reset {
		if _, err = tx.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}

	if _, err = tx.Exec("CREATE DATABASE " + a.dbName +
		" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	if _, err = tx.Exec("USE " + a.dbName); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE users(
			id        BIGINT NOT NULL,
			createdat DATETIME(3) NOT NULL,
			firstname VARCHAR(64) NOT NULL DEFAULT '',
			lastname  VARCHAR(64) NOT NULL DEFAULT '',
			avatar    VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE auth(
			uname   VARCHAR(32) NOT NULL,
			userid  BIGINT NOT NULL,
			secret  VARBINARY(255) NOT NULL,
			expires DATETIME(3),
			PRIMARY KEY(uname),
			FOREIGN KEY(userid) REFERENCES users(id),
			INDEX auth_userid(userid)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE rooms(
			id        BIGINT NOT NULL,
			createdat DATETIME(3) NOT NULL,
			PRIMARY KEY(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE memberships(
			room      BIGINT NOT NULL,
			user      BIGINT NOT NULL,
			archived  TINYINT NOT NULL DEFAULT 0,
			ignorenotifications TINYINT NOT NULL DEFAULT 0,
			createdat DATETIME(3) NOT NULL,
			PRIMARY KEY(room, user),
			FOREIGN KEY(room) REFERENCES rooms(id),
			FOREIGN KEY(user) REFERENCES users(id),
			INDEX memberships_user(user)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE messages(
			id        BIGINT NOT NULL,
			createdat DATETIME(3) NOT NULL,
			room      BIGINT NOT NULL,
			user      BIGINT NOT NULL,
			text      TEXT NOT NULL,
			PRIMARY KEY(id),
			FOREIGN KEY(room) REFERENCES rooms(id),
			FOREIGN KEY(user) REFERENCES users(id),
			INDEX messages_room_id(room, id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE messageviews(
			message BIGINT NOT NULL,
			user    BIGINT NOT NULL,
			PRIMARY KEY(message, user),
			FOREIGN KEY(message) REFERENCES messages(id),
			FOREIGN KEY(user) REFERENCES users(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		"CREATE TABLE kvmeta(`key` CHAR(32), `value` TEXT, PRIMARY KEY(`key`))"); err != nil {
		return err
	}
	if _, err = tx.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", adpVersion); err != nil {
		return err
	}

	return tx.Commit()
}

// UserCreate creates a new user.
func (a *adapter) UserCreate(user *t.User) error {
	_, err := a.db.Exec(
		"INSERT INTO users(id,createdat,firstname,lastname,avatar) VALUES(?,?,?,?,?)",
		user.Id, user.CreatedAt, user.FirstName, user.LastName, user.Avatar)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

// UserGet fetches a single user by user id.
func (a *adapter) UserGet(uid t.Uid) (*t.User, error) {
	var user t.User
	err := a.db.Get(&user, "SELECT id,createdat,firstname,lastname,avatar FROM users WHERE id=?", uid)
	if err == sql.ErrNoRows {
		// Clear the error if user does not exist.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserGetAll returns user records for the given list of user IDs.
func (a *adapter) UserGetAll(ids ...t.Uid) ([]t.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q, args, _ := sqlx.In(
		"SELECT id,createdat,firstname,lastname,avatar FROM users WHERE id IN (?) ORDER BY id", ids)
	var users []t.User
	if err := a.db.Select(&users, q, args...); err != nil {
		return nil, err
	}
	return users, nil
}

// AuthAddRecord creates a new authentication record for the given user.
func (a *adapter) AuthAddRecord(user t.Uid, unique string, secret []byte, expires time.Time) error {
	var exp interface{}
	if !expires.IsZero() {
		exp = expires
	}
	_, err := a.db.Exec("INSERT INTO auth(uname,userid,secret,expires) VALUES(?,?,?,?)",
		unique, user, secret, exp)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

// AuthGetRecord fetches an authentication record by the unique value.
func (a *adapter) AuthGetRecord(unique string) (t.Uid, []byte, time.Time, error) {
	var record struct {
		Userid  int64
		Secret  []byte
		Expires sql.NullTime
	}
	if err := a.db.Get(&record, "SELECT userid,secret,expires FROM auth WHERE uname=?", unique); err != nil {
		if err == sql.ErrNoRows {
			err = t.ErrNotFound
		}
		return t.ZeroUid, nil, time.Time{}, err
	}
	return t.Uid(record.Userid), record.Secret, record.Expires.Time, nil
}

// AuthDelRecord deletes an authentication record.
func (a *adapter) AuthDelRecord(unique string) error {
	_, err := a.db.Exec("DELETE FROM auth WHERE uname=?", unique)
	return err
}

// RoomCreate saves a room and its memberships in a single transaction.
func (a *adapter) RoomCreate(room *t.Room, memberships []*t.Membership) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("INSERT INTO rooms(id,createdat) VALUES(?,?)", room.Id, room.CreatedAt); err != nil {
		if isDupe(err) {
			err = t.ErrDuplicate
		}
		return err
	}

	for _, m := range memberships {
		if _, err = tx.Exec(
			"INSERT INTO memberships(room,`user`,archived,ignorenotifications,createdat) VALUES(?,?,?,?,?)",
			m.Room, m.User, m.Archived, m.IgnoreNotifications, m.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RoomGet fetches a single room by id.
func (a *adapter) RoomGet(room t.Uid) (*t.Room, error) {
	var res t.Room
	err := a.db.Get(&res, "SELECT id,createdat FROM rooms WHERE id=?", room)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RoomFindByMembers returns the room whose member set is exactly the given set.
func (a *adapter) RoomFindByMembers(members t.UidSlice) (*t.Room, error) {
	if len(members) == 0 {
		return nil, nil
	}

	q, args, _ := sqlx.In(
		"SELECT room FROM memberships GROUP BY room "+
			"HAVING COUNT(*)=? AND COUNT(CASE WHEN `user` IN (?) THEN 1 END)=?",
		len(members), members, len(members))
	var roomId int64
	err := a.db.Get(&roomId, q, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.RoomGet(t.Uid(roomId))
}

// RoomsForUser fetches the rooms the given user is a member of, most recently
// active first. Activity is the id of the latest message, falling back to the
// room id for rooms with no messages yet.
func (a *adapter) RoomsForUser(user t.Uid) ([]t.Room, error) {
	var rooms []t.Room
	err := a.db.Select(&rooms,
		"SELECT r.id,r.createdat FROM rooms AS r "+
			"JOIN memberships AS m ON m.room=r.id "+
			"LEFT JOIN messages AS msg ON msg.room=r.id "+
			"WHERE m.`user`=? "+
			"GROUP BY r.id,r.createdat "+
			"ORDER BY COALESCE(MAX(msg.id),r.id) DESC LIMIT ?",
		user, a.maxResults)
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomMembers fetches memberships of the given room.
func (a *adapter) RoomMembers(room t.Uid) ([]t.Membership, error) {
	var memberships []t.Membership
	err := a.db.Select(&memberships,
		"SELECT room,`user`,archived,ignorenotifications,createdat FROM memberships "+
			"WHERE room=? ORDER BY `user`", room)
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

// RoomIsMember checks if the given user is a member of the room.
func (a *adapter) RoomIsMember(room, user t.Uid) (bool, error) {
	var count int
	err := a.db.Get(&count, "SELECT COUNT(*) FROM memberships WHERE room=? AND `user`=?", room, user)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MessageSave stores a message and its initial viewed set in one transaction.
func (a *adapter) MessageSave(msg *t.Message) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("INSERT INTO messages(id,createdat,room,`user`,text) VALUES(?,?,?,?,?)",
		msg.Id, msg.CreatedAt, msg.Room, msg.User, msg.Text); err != nil {
		if isDupe(err) {
			err = t.ErrDuplicate
		}
		return err
	}

	for _, uid := range msg.ViewedBy {
		if _, err = tx.Exec("INSERT INTO messageviews(message,`user`) VALUES(?,?)", msg.Id, uid); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MessageGetAll returns messages of the given room, ascending by id, with
// viewed sets populated.
func (a *adapter) MessageGetAll(room t.Uid, opts *t.QueryOpt) ([]t.Message, error) {
	var since, before t.Uid
	limit := a.maxResults
	if opts != nil {
		since = opts.Since
		before = opts.Before
		if opts.Limit > 0 && opts.Limit < limit {
			limit = opts.Limit
		}
	}
	if before == 0 {
		before = t.Uid(1<<63 - 1)
	}

	var msgs []t.Message
	err := a.db.Select(&msgs,
		"SELECT id,createdat,room,`user`,text FROM messages "+
			"WHERE room=? AND id>=? AND id<? ORDER BY id LIMIT ?",
		room, since, before, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]t.Uid, len(msgs))
	byId := make(map[t.Uid]*t.Message, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].Id
		byId[msgs[i].Id] = &msgs[i]
	}

	q, args, _ := sqlx.In(
		"SELECT message,`user` FROM messageviews WHERE message IN (?) ORDER BY message,`user`", ids)
	rows, err := a.db.Queryx(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var message, user int64
		if err = rows.Scan(&message, &user); err != nil {
			return nil, err
		}
		if msg := byId[t.Uid(message)]; msg != nil {
			msg.ViewedBy = append(msg.ViewedBy, t.Uid(user))
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return msgs, nil
}

// MessageMarkAllViewed adds the user to the viewed set of every message in the
// room. Idempotent.
func (a *adapter) MessageMarkAllViewed(room, user t.Uid) error {
	_, err := a.db.Exec(
		"INSERT IGNORE INTO messageviews(message,`user`) SELECT id,? FROM messages WHERE room=?",
		user, room)
	return err
}

func isDupe(err error) bool {
	if err == nil {
		return false
	}
	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1062
}

func isMissingDb(err error) bool {
	if err == nil {
		return false
	}
	myerr, ok := err.(*ms.MySQLError)
	return ok && (myerr.Number == 1049 || myerr.Number == 1146)
}

func init() {
	store.RegisterAdapter(&adapter{})
}
