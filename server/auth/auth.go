// Package auth defines the interface for resolving connection credentials into
// an authenticated identity.
package auth

import (
	"encoding/json"
	"time"

	"github.com/chitchat/chat/server/store/types"
)

// Level is the authentication level.
type Level int

// Authentication levels.
const (
	// LevelNone is undefined/not authenticated.
	LevelNone Level = iota * 10
	// LevelAuth is a fully authenticated user.
	LevelAuth
	// LevelRoot is a superuser.
	LevelRoot
)

// String implements Stringer interface for Level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return ""
	case LevelAuth:
		return "auth"
	case LevelRoot:
		return "root"
	default:
		return "unkn"
	}
}

// Rec is an authentication record: the identity resolved from a secret.
type Rec struct {
	// User which owns the secret.
	Uid types.Uid `json:"uid,omitempty"`
	// Authentication level.
	AuthLevel Level `json:"authlvl,omitempty"`
	// Remaining lifetime of the secret.
	Lifetime time.Duration `json:"lifetime,omitempty"`
}

// Handler is the interface which auth providers must implement.
type Handler interface {
	// Init initializes the handler taking config and logical name as parameters.
	Init(jsonconf json.RawMessage, name string) error

	// Authenticate resolves a connection secret into an identity.
	// Returns nil Rec with a store error when the secret cannot be resolved.
	Authenticate(secret []byte, remoteAddr string) (*Rec, error)

	// GenSecret generates a new secret for the given identity, if supported.
	GenSecret(rec *Rec) ([]byte, time.Time, error)
}

var handlers = make(map[string]Handler)

// RegisterHandler makes an authentication scheme available by the provided name.
// Panics on a duplicate or nil handler.
func RegisterHandler(name string, hdl Handler) {
	if hdl == nil {
		panic("auth: handler is nil")
	}
	if _, ok := handlers[name]; ok {
		panic("auth: handler '" + name + "' is already registered")
	}
	handlers[name] = hdl
}

// GetHandler returns a registered handler by name or nil.
func GetHandler(name string) Handler {
	return handlers[name]
}
