// Package types contains data structures shared between the storage adapters
// and the rest of the server.
package types

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// StoreError satisfies error interface but allows constant values for direct comparison.
type StoreError string

func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the secret cannot be parsed or otherwise wrong.
	ErrMalformed = StoreError("malformed")
	// ErrFailed means authentication failed (wrong login or password, etc).
	ErrFailed = StoreError("failed")
	// ErrDuplicate means the object already exists.
	ErrDuplicate = StoreError("duplicate value")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrPermissionDenied means the operation is not permitted.
	ErrPermissionDenied = StoreError("denied")
	// ErrExpired means the token or secret has expired.
	ErrExpired = StoreError("expired")
)

// Uid is a database record id, suitable to be used as a primary key.
// Serialized as a plain integer: record ids are a part of the wire contract.
type Uid int64

// ZeroUid is a constant representing uninitialized Uid.
const ZeroUid Uid = 0

// IsZero checks if Uid is uninitialized.
func (uid Uid) IsZero() bool {
	return uid == 0
}

// Compare returns 0 if uid is equal to u2, 1 if uid is greater than u2, -1 if smaller.
func (uid Uid) Compare(u2 Uid) int {
	if uid < u2 {
		return -1
	} else if uid > u2 {
		return 1
	}
	return 0
}

// String converts Uid to base 10 string.
func (uid Uid) String() string {
	return strconv.FormatInt(int64(uid), 10)
}

// ParseUid parses a base 10 string into an Uid. Zero on failure.
func ParseUid(s string) Uid {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return ZeroUid
	}
	return Uid(id)
}

// UserId returns the Uid as a user topic name, i.e. "usr1234".
func (uid Uid) UserId() string {
	return uid.PrefixId("usr")
}

// PrefixId converts Uid to a string prefixed with the given prefix. Empty string for a zero Uid.
func (uid Uid) PrefixId(prefix string) string {
	if uid.IsZero() {
		return ""
	}
	return prefix + uid.String()
}

// ParseUserId parses a user topic name of the form "usr1234" into an Uid.
func ParseUserId(s string) Uid {
	if strings.HasPrefix(s, "usr") {
		return ParseUid(s[3:])
	}
	return ZeroUid
}

// UidSlice is a slice of Uids sorted in ascending order.
type UidSlice []Uid

func (us UidSlice) find(uid Uid) (int, bool) {
	i := sort.Search(len(us), func(i int) bool {
		return uid <= us[i]
	})
	return i, i < len(us) && us[i] == uid
}

// Contains checks if the UidSlice contains the given uid.
func (us UidSlice) Contains(uid Uid) bool {
	_, contains := us.find(uid)
	return contains
}

// Add adds uid to the slice keeping it sorted. Duplicates are rejected.
func (us *UidSlice) Add(uid Uid) bool {
	i, found := us.find(uid)
	if found {
		return false
	}
	*us = append(*us, ZeroUid)
	copy((*us)[i+1:], (*us)[i:])
	(*us)[i] = uid
	return true
}

// NormalizeUids returns a sorted copy of the given uids with duplicates removed.
func NormalizeUids(in []Uid) UidSlice {
	var out UidSlice
	for _, uid := range in {
		if !uid.IsZero() {
			out.Add(uid)
		}
	}
	return out
}

// ObjHeader is the header shared by all stored objects.
type ObjHeader struct {
	Id        Uid       `json:"id"`
	CreatedAt time.Time `json:"created_when"`
}

// InitTimes initializes the object's creation time unless already set.
func (h *ObjHeader) InitTimes() {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = TimeNow()
	}
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// User is a representation of a chat account.
type User struct {
	ObjHeader
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Avatar    string `json:"avatar"`
}

// Room is a group chat: a set of members exchanging messages.
type Room struct {
	ObjHeader
}

// Membership is a relation between a user and a room, carrying per-member flags.
type Membership struct {
	Room                Uid       `json:"room"`
	User                Uid       `json:"user"`
	Archived            bool      `json:"archived"`
	IgnoreNotifications bool      `json:"ignore_notifications"`
	CreatedAt           time.Time `json:"created_when"`
}

// Message is a stored chat message. Immutable once created except for
// monotonic growth of the viewed set.
type Message struct {
	ObjHeader
	Room     Uid    `json:"room"`
	User     Uid    `json:"user"`
	Text     string `json:"text"`
	ViewedBy []Uid  `json:"users_who_viewed"`
}

// QueryOpt limits the result set of a storage query.
type QueryOpt struct {
	// Load messages with ids equal or greater than this (closed).
	Since Uid
	// Load messages with ids lower than this (open).
	Before Uid
	// Maximum number of results to load.
	Limit int
}
