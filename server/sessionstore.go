/******************************************************************************
 *
 *  Description :
 *
 *    Management of live sessions.
 *
 *****************************************************************************/

package main

import (
	"sync"
	"time"

	"github.com/chitchat/chat/server/logs"
	"github.com/chitchat/chat/server/store"

	"github.com/gorilla/websocket"
)

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	sessCache map[string]*Session
}

// NewSession creates a new session and saves it to the session store.
func (ss *SessionStore) NewSession(conn interface{}, sid string) (*Session, int) {
	var s Session

	s.sid = sid

	switch c := conn.(type) {
	case *websocket.Conn:
		s.proto = WEBSOCK
		s.ws = c
	default:
		// The transport may be attached later: a session subscribes to its
		// topics before the handshake is accepted and buffers events in the
		// meantime.
		s.proto = NONE
	}

	s.subs = make(map[string]struct{})
	s.send = make(chan interface{}, sendQueueLimit+32) // buffered
	s.stop = make(chan interface{}, 1)                 // Buffered by 1 just to make it non-blocking

	s.lastAction = time.Now()
	if s.sid == "" {
		s.sid = store.Store.GetUidString()
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = &s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsInc("TotalSessions", 1)
	statsSet("LiveSessions", int64(count))

	return &s, count
}

// Get fetches a session from the store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes the session from the store and returns the number of
// sessions left.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	delete(ss.sessCache, s.sid)
	return len(ss.sessCache)
}

// Shutdown terminates all sessions in the store.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	for _, s := range ss.sessCache {
		if s.stop != nil {
			s.stopSession(nil)
		}
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}

// NewSessionStore initializes a session store.
func NewSessionStore() *SessionStore {
	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")

	return &SessionStore{
		sessCache: make(map[string]*Session),
	}
}
