/******************************************************************************
 *
 *  Description :
 *
 *    Topic registry: maps topic keys (room ids, per-user keys) to the set of
 *    currently subscribed sessions and fans published events out to them.
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/chitchat/chat/server/logs"
)

// Router routes published events to live sessions subscribed to a topic.
// The in-process implementation is Hub; a multi-process deployment may back
// it with an external broker without changing session logic.
type Router interface {
	// Subscribe adds the session to the topic's subscriber set. Idempotent.
	Subscribe(topic string, sess *Session)
	// Unsubscribe removes the session from the topic's subscriber set.
	// No-op if absent.
	Unsubscribe(topic string, sess *Session)
	// Publish delivers the event to every session subscribed at call time.
	// At-most-once, best-effort: no retry, no persistence of missed events.
	Publish(topic string, msg *ServerComMessage)
	// UnsubscribeAll removes the session from every topic it is a part of.
	UnsubscribeAll(sess *Session)
}

// Hub is the process-wide topic registry.
//
// The lock is held only while the subscriber sets are mutated or copied,
// never across a send: delivery happens outside the critical section through
// each session's buffered queue, so one slow receiver cannot stall
// registration or delivery to the others.
type Hub struct {
	lock sync.RWMutex

	// Subscriber sets indexed by topic key.
	topics map[string]map[*Session]struct{}
}

func newHub() *Hub {
	statsRegisterInt("LiveTopics")
	statsRegisterInt("TotalTopics")
	statsRegisterInt("PublishedMessagesTotal")
	statsRegisterInt("DroppedMessagesTotal")

	return &Hub{
		topics: make(map[string]map[*Session]struct{}),
	}
}

// Subscribe adds the session to the topic's subscriber set.
func (h *Hub) Subscribe(topic string, sess *Session) {
	h.lock.Lock()
	defer h.lock.Unlock()

	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*Session]struct{})
		h.topics[topic] = subs
		statsInc("LiveTopics", 1)
		statsInc("TotalTopics", 1)
	}
	subs[sess] = struct{}{}
}

// Unsubscribe removes the session from the topic's subscriber set.
func (h *Hub) Unsubscribe(topic string, sess *Session) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.removeLocked(topic, sess)
}

// UnsubscribeAll removes the session from every topic it holds. Called at
// session teardown with the session's own subscription list.
func (h *Hub) UnsubscribeAll(sess *Session) {
	topics := sess.subsCopy()

	h.lock.Lock()
	defer h.lock.Unlock()

	for _, topic := range topics {
		h.removeLocked(topic, sess)
	}
}

// removeLocked deletes the session from one topic. Caller must hold h.lock.
// A topic with no subscribers left is dropped from the registry entirely.
func (h *Hub) removeLocked(topic string, sess *Session) {
	subs := h.topics[topic]
	if subs == nil {
		return
	}
	if _, ok := subs[sess]; !ok {
		return
	}
	delete(subs, sess)
	if len(subs) == 0 {
		delete(h.topics, topic)
		statsInc("LiveTopics", -1)
	}
}

// Publish delivers the event to every current subscriber of the topic.
// Publishing to an absent topic is a no-op.
func (h *Hub) Publish(topic string, msg *ServerComMessage) {
	// Snapshot the subscriber set under the read lock; send outside of it.
	h.lock.RLock()
	subs := h.topics[topic]
	receivers := make([]*Session, 0, len(subs))
	for sess := range subs {
		receivers = append(receivers, sess)
	}
	h.lock.RUnlock()

	if len(receivers) == 0 {
		return
	}

	statsInc("PublishedMessagesTotal", 1)

	// A failed send to one subscriber must not prevent delivery to others.
	for _, sess := range receivers {
		if !sess.queueOut(msg) {
			statsInc("DroppedMessagesTotal", 1)
			logs.Warn.Println("hub: failed to queue message", topic, sess.sid)
		}
	}
}
