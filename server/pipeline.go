/******************************************************************************
 *
 *  Description :
 *
 *    Inbound message pipeline: envelope validation, domain validation,
 *    persistence and publishing. The validation/persistence step and the
 *    user read-shaping function are substitutable through configuration.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chitchat/chat/server/store"
	"github.com/chitchat/chat/server/store/types"

	"github.com/rivo/uniseg"
)

// Maximum chat message length in grapheme clusters.
const maxMessageTextLength = 4096

// MessageFunc validates an inbound chat envelope and persists the resulting
// message. A substitute implementation must honor the same contract: accept
// the same envelope, raise *ValidationError for rejections, and return the
// persisted message with the sender in its viewed set.
type MessageFunc func(from types.Uid, env *ClientComMessage) (*types.Message, error)

// UserShapeFunc converts a stored user to its read representation.
type UserShapeFunc func(user *types.User) interface{}

var messageFuncs = make(map[string]MessageFunc)
var userShapeFuncs = make(map[string]UserShapeFunc)

// RegisterMessageFunc makes a MESSAGE role implementation available by name.
func RegisterMessageFunc(name string, fn MessageFunc) {
	if fn == nil {
		panic("pipeline: MESSAGE function is nil")
	}
	if _, ok := messageFuncs[name]; ok {
		panic("pipeline: MESSAGE function '" + name + "' is already registered")
	}
	messageFuncs[name] = fn
}

// RegisterUserShapeFunc makes a USER role implementation available by name.
func RegisterUserShapeFunc(name string, fn UserShapeFunc) {
	if fn == nil {
		panic("pipeline: USER function is nil")
	}
	if _, ok := userShapeFuncs[name]; ok {
		panic("pipeline: USER function '" + name + "' is already registered")
	}
	userShapeFuncs[name] = fn
}

// SerializersConfig selects implementations for the substitutable roles by
// registered name. Empty values select the defaults.
type SerializersConfig struct {
	Message string `json:"MESSAGE"`
	User    string `json:"USER"`
}

// Serializers is the active role table. Updated only through Configure, which
// makes it safe to re-read the configuration at runtime without a restart.
type Serializers struct {
	mu      sync.RWMutex
	message MessageFunc
	user    UserShapeFunc

	// Envelope whitelist.
	messageTypes []string
}

func newSerializers() *Serializers {
	return &Serializers{
		message:      defaultChatMessage,
		user:         defaultUserShape,
		messageTypes: []string{MsgTypeChat},
	}
}

// Configure resolves role names and atomically swaps the active functions.
func (sr *Serializers) Configure(jsonconf json.RawMessage) error {
	var config SerializersConfig
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("pipeline: failed to parse serializers config: " + err.Error())
		}
	}

	message := defaultChatMessage
	if config.Message != "" {
		fn, ok := messageFuncs[config.Message]
		if !ok {
			return errors.New("pipeline: unknown MESSAGE function '" + config.Message + "'")
		}
		message = fn
	}

	user := defaultUserShape
	if config.User != "" {
		fn, ok := userShapeFuncs[config.User]
		if !ok {
			return errors.New("pipeline: unknown USER function '" + config.User + "'")
		}
		user = fn
	}

	sr.mu.Lock()
	sr.message = message
	sr.user = user
	sr.mu.Unlock()

	return nil
}

func (sr *Serializers) messageFn() MessageFunc {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.message
}

// shapeUser renders a stored user through the active USER role function.
func (sr *Serializers) shapeUser(user *types.User) interface{} {
	sr.mu.RLock()
	fn := sr.user
	sr.mu.RUnlock()
	return fn(user)
}

// handleInbound runs one decoded frame through the pipeline: envelope check,
// role-specific validation and persistence, then publish to the room topic.
func (sr *Serializers) handleInbound(sess *Session, msg *ClientComMessage) error {
	if !sr.validMessageType(msg.MessageType) {
		return errUnknownMessageType(sr.messageTypes)
	}

	switch msg.MessageType {
	case MsgTypeChat:
		persisted, err := sr.messageFn()(msg.from, msg)
		if err != nil {
			return err
		}
		// Delivery metadata must show the sender as a viewer even if a
		// substituted MESSAGE function forgot to record it.
		viewed := types.UidSlice(persisted.ViewedBy)
		viewed.Add(persisted.User)
		persisted.ViewedBy = viewed

		globals.hub.Publish(persisted.Room.String(), ChatEvent(persisted))
	}

	return nil
}

func (sr *Serializers) validMessageType(mt string) bool {
	for _, valid := range sr.messageTypes {
		if mt == valid {
			return true
		}
	}
	return false
}

// defaultChatMessage is the default MESSAGE role: domain validation of a chat
// envelope followed by persistence.
func defaultChatMessage(from types.Uid, env *ClientComMessage) (*types.Message, error) {
	if env.Room.IsZero() {
		return nil, FieldError("room", "This field is required.")
	}
	room, err := store.Rooms.Get(env.Room)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, FieldError("room", fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", env.Room))
	}

	if env.Text == "" {
		return nil, FieldError("text", "This field may not be blank.")
	}
	if uniseg.GraphemeClusterCount(env.Text) > maxMessageTextLength {
		return nil, FieldError("text",
			fmt.Sprintf("Ensure this field has no more than %d characters.", maxMessageTextLength))
	}

	// The sender must currently be a member of the room.
	if isMember, err := store.Rooms.IsMember(room.Id, from); err != nil {
		return nil, err
	} else if !isMember {
		return nil, errNotAMember()
	}

	return store.Messages.Save(&types.Message{
		Room: room.Id,
		User: from,
		Text: env.Text,
	})
}

// defaultUserShape is the default USER role: id, names and avatar.
func defaultUserShape(user *types.User) interface{} {
	return &struct {
		Id        types.Uid `json:"id"`
		FirstName string    `json:"first_name"`
		LastName  string    `json:"last_name"`
		Avatar    string    `json:"avatar"`
	}{
		Id:        user.Id,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Avatar:    user.Avatar,
	}
}

func init() {
	RegisterMessageFunc("default", defaultChatMessage)
	RegisterUserShapeFunc("default", defaultUserShape)
}
