/******************************************************************************
 *
 *  Description :
 *
 *    Handling of user sessions. A session is a single live connection of an
 *    authenticated user; it owns the list of topic keys it subscribed to and
 *    releases all of them on teardown.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/chitchat/chat/server/logs"
	"github.com/chitchat/chat/server/store"
	"github.com/chitchat/chat/server/store/types"

	"github.com/gorilla/websocket"
)

// Wire transport.
const (
	NONE = iota
	WEBSOCK
)

// Session represents a single websocket connection. A user may have multiple
// sessions; each session is subscribed to the user's room topics plus the
// user's private topic.
type Session struct {
	// Protocol - NONE (unset) or WEBSOCK.
	proto int

	// Websocket connection.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// ID of the authenticated user.
	uid types.Uid

	// Time when the session received any packet from the client.
	lastAction time.Time

	// Outbound messages, buffered. Sends never block the publisher longer
	// than the queueOut timeout.
	send chan interface{}

	// Channel for shutting down the session, buffer 1.
	// Content in the same format as for 'send'.
	stop chan interface{}

	// Set of subscribed topic keys. The registry owns the subscriber sets;
	// this is only the cleanup list.
	subs map[string]struct{}
	// Mutex for subs access: both the frame goroutine and publishers touch it.
	subsLock sync.RWMutex

	// Session ID.
	sid string
}

func (s *Session) addSub(topic string) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	s.subs[topic] = struct{}{}
}

func (s *Session) hasSub(topic string) bool {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	_, ok := s.subs[topic]
	return ok
}

func (s *Session) subsCopy() []string {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	return topics
}

// queueOut attempts to send a ServerComMessage to the session; if the send
// buffer is full, timeout is 50 usec.
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}

	select {
	case s.send <- msg:
	case <-time.After(time.Microsecond * 50):
		logs.Warn.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// serialize converts the message to the format suitable for the transport.
func (s *Session) serialize(msg *ServerComMessage) interface{} {
	data, _ := json.Marshal(msg)
	return data
}

// stopSession requests the write loop to terminate, optionally sending one
// last message to the client first.
func (s *Session) stopSession(data interface{}) {
	select {
	case s.stop <- data:
	default:
	}
}

// cleanUp releases the session's resources: removes it from the session store
// and from every topic it holds, the private per-user topic included.
func (s *Session) cleanUp() {
	count := globals.sessionStore.Delete(s)
	statsSet("LiveSessions", int64(count))
	globals.hub.UnsubscribeAll(s)
}

// subscribeUserTopics subscribes the session to one topic per room the user
// currently belongs to, plus the private topic keyed by the user's identity.
func (s *Session) subscribeUserTopics() error {
	topics, err := store.Rooms.TopicsForUser(s.uid)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		globals.hub.Subscribe(topic, s)
		s.addSub(topic)
	}

	// The private topic allows targeted instructions to this user's sessions.
	private := s.uid.UserId()
	globals.hub.Subscribe(private, s)
	s.addSub(private)

	return nil
}

// refreshSubscriptions re-reads the user's current room list and subscribes
// to any newly applicable topics. Subscriptions are only ever added here:
// rooms the user left while connected keep their stale subscription until the
// session reconnects.
func (s *Session) refreshSubscriptions() {
	topics, err := store.Rooms.TopicsForUser(s.uid)
	if err != nil {
		logs.Err.Println("s.refresh: failed to read rooms", s.sid, err)
		return
	}
	for _, topic := range topics {
		if !s.hasSub(topic) {
			globals.hub.Subscribe(topic, s)
			s.addSub(topic)
		}
	}
}

// dispatchRaw decodes an inbound frame and dispatches it.
func (s *Session) dispatchRaw(raw []byte) {
	toLog := raw
	truncated := ""
	if len(raw) > 512 {
		toLog = raw[:512]
		truncated = "<...>"
	}
	logs.Info.Printf("in: '%s%s' ip='%s' sid='%s' uid='%s'", toLog, truncated, s.remoteAddr, s.sid, s.uid)

	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed payload. Report and stay connected.
		logs.Warn.Println("s.dispatch: invalid frame", s.sid, err)
		s.queueOut(ErrInvalidJSON())
		return
	}

	s.dispatch(&msg)
}

// dispatch runs one inbound message through the validation pipeline and
// translates failures to the wire error shape. This is the single error
// translation boundary: validation failures are reported to the client and
// the session stays open; anything else is a system failure which tears the
// session down after notifying the client.
func (s *Session) dispatch(msg *ClientComMessage) {
	s.lastAction = types.TimeNow()
	msg.from = s.uid
	msg.timestamp = s.lastAction

	err := globals.serializers.handleInbound(s, msg)
	if err == nil {
		return
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		s.queueOut(vErr.Message())
		return
	}

	logs.Err.Println("s.dispatch: system error", s.sid, err)
	s.queueOut(ErrSystemError())
	s.stopSession(nil)
}
