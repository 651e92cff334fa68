/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures.
 *
 *****************************************************************************/

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chitchat/chat/server/store/types"
)

// Inbound message types accepted by the frame dispatcher.
const (
	MsgTypeChat = "chat"
)

// Server-side instruction types delivered through per-user topics.
const (
	// MsgTypeRefreshGroupAdd tells a session to re-read the user's room list
	// and subscribe to any newly applicable room topics.
	MsgTypeRefreshGroupAdd = "refresh_group_add"
)

// ClientComMessage is a message from a client to the server: a decoded inbound frame.
type ClientComMessage struct {
	// Envelope discriminator. Must be one of the whitelisted message types.
	MessageType string `json:"message_type"`
	// Target room, chat messages only.
	Room types.Uid `json:"room,omitempty"`
	// Message body, chat messages only.
	Text string `json:"text,omitempty"`

	// Sender, assigned from the session identity at dispatch. Not a part of the frame.
	from types.Uid
	// Time when the message was received. Not a part of the frame.
	timestamp time.Time
}

// ServerComMessage is a message from the server to a client or, for
// instruction types, to another part of the server through a per-user topic.
type ServerComMessage struct {
	// Event discriminator: "chat" or an instruction type.
	Type string `json:"type,omitempty"`
	// Sending user.
	User types.Uid `json:"user,omitempty"`
	// Room the event belongs to.
	Room types.Uid `json:"room,omitempty"`
	// Message body.
	Text string `json:"text,omitempty"`
	// Message creation time, ISO-8601.
	Time *time.Time `json:"time,omitempty"`
	// Persisted message id.
	Id types.Uid `json:"id,omitempty"`
	// Users who have viewed the message; includes the sender from creation.
	UsersWhoViewed []types.Uid `json:"users_who_viewed,omitempty"`

	// Field-scoped validation failures, keyed by field name.
	FieldErrors map[string][]string `json:"field_errors,omitempty"`
	// Validation failures not tied to a single field.
	NonFieldErrors []string `json:"non_field_errors,omitempty"`
}

// ChatEvent builds the outbound event for a persisted chat message. The event
// is shaped once per publish; every subscribed session relays it as is.
func ChatEvent(msg *types.Message) *ServerComMessage {
	ts := msg.CreatedAt
	return &ServerComMessage{
		Type:           MsgTypeChat,
		User:           msg.User,
		Room:           msg.Room,
		Text:           msg.Text,
		Time:           &ts,
		Id:             msg.Id,
		UsersWhoViewed: msg.ViewedBy,
	}
}

// RefreshGroupAdd builds the resubscription instruction published to a
// member's private topic when room membership changes out of band.
func RefreshGroupAdd() *ServerComMessage {
	return &ServerComMessage{Type: MsgTypeRefreshGroupAdd}
}

// ValidationError is a recoverable validation failure: the offending frame or
// request is rejected, the connection stays open. It carries the wire error
// shape directly.
type ValidationError struct {
	// Failures keyed by the implicated field.
	FieldErrors map[string][]string
	// Failures not tied to a single field: domain rule violations, malformed payload.
	NonFieldErrors []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string
	fields := make([]string, 0, len(e.FieldErrors))
	for field := range e.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		parts = append(parts, field+": "+strings.Join(e.FieldErrors[field], "; "))
	}
	parts = append(parts, e.NonFieldErrors...)
	return strings.Join(parts, "; ")
}

// Message converts the failure to its wire shape.
func (e *ValidationError) Message() *ServerComMessage {
	return &ServerComMessage{FieldErrors: e.FieldErrors, NonFieldErrors: e.NonFieldErrors}
}

// FieldError creates a single-field validation failure.
func FieldError(field, text string) *ValidationError {
	return &ValidationError{FieldErrors: map[string][]string{field: {text}}}
}

// NonFieldError creates a validation failure not tied to a field.
func NonFieldError(text string) *ValidationError {
	return &ValidationError{NonFieldErrors: []string{text}}
}

// ErrInvalidJSON reports an undecodable inbound frame.
func ErrInvalidJSON() *ServerComMessage {
	return &ServerComMessage{NonFieldErrors: []string{"Invalid JSON."}}
}

// ErrSystemError is the generic event sent to the client before an unexpected
// internal failure tears the connection down.
func ErrSystemError() *ServerComMessage {
	return &ServerComMessage{NonFieldErrors: []string{"System Error"}}
}

// errUnknownMessageType reports a message_type outside the whitelist.
func errUnknownMessageType(allowed []string) *ValidationError {
	return FieldError("message_type",
		fmt.Sprintf("Must be one of the following message types: [%s]", strings.Join(allowed, ", ")))
}

// errNotAMember reports a chat message sent to a room the sender is not a member of.
func errNotAMember() *ValidationError {
	return NonFieldError("Cannot send messages to chat rooms that you are not a member of.")
}
