package main

import (
	"fmt"
	"sync"
	"testing"

	"github.com/chitchat/chat/server/store/types"
)

type Responses struct {
	messages []interface{}
}

func (s *Session) testWriteLoop(results *Responses, wg *sync.WaitGroup) {
	for msg := range s.send {
		results.messages = append(results.messages, msg)
	}
	wg.Done()
}

func makeTestSessions(n int, bufsize int) ([]*Session, []*Responses, *sync.WaitGroup) {
	ss := make([]*Session, n)
	messages := make([]*Responses, n)
	wg := &sync.WaitGroup{}
	for i := range ss {
		ss[i] = &Session{
			sid:  fmt.Sprintf("sid%d", i),
			uid:  types.Uid(i + 1),
			send: make(chan interface{}, bufsize),
			subs: make(map[string]struct{}),
		}
		messages[i] = &Responses{}
		wg.Add(1)
		go ss[i].testWriteLoop(messages[i], wg)
	}
	return ss, messages, wg
}

func TestHubPublishFanout(t *testing.T) {
	h := newHub()
	ss, messages, wg := makeTestSessions(3, 10)

	// Sessions 0 and 1 are members of the room, session 2 is not.
	h.Subscribe("100", ss[0])
	h.Subscribe("100", ss[1])
	h.Subscribe("200", ss[2])

	event := &ServerComMessage{Type: MsgTypeChat, Room: types.Uid(100), Text: "hello"}
	h.Publish("100", event)

	for _, s := range ss {
		close(s.send)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if len(messages[i].messages) != 1 {
			t.Fatalf("session %d: expected 1 message, received %d", i, len(messages[i].messages))
		}
		if got := messages[i].messages[0].(*ServerComMessage); got != event {
			t.Errorf("session %d: received unexpected message %+v", i, got)
		}
	}
	if len(messages[2].messages) != 0 {
		t.Errorf("session 2: expected no messages, received %d", len(messages[2].messages))
	}
}

func TestHubPublishAbsentTopic(t *testing.T) {
	h := newHub()
	ss, messages, wg := makeTestSessions(1, 10)
	h.Subscribe("100", ss[0])

	h.Publish("999", &ServerComMessage{Type: MsgTypeChat})

	close(ss[0].send)
	wg.Wait()

	if len(messages[0].messages) != 0 {
		t.Errorf("expected no messages, received %d", len(messages[0].messages))
	}
}

func TestHubSubscribeIdempotent(t *testing.T) {
	h := newHub()
	ss, messages, wg := makeTestSessions(1, 10)

	h.Subscribe("100", ss[0])
	h.Subscribe("100", ss[0])

	h.Publish("100", &ServerComMessage{Type: MsgTypeChat})

	close(ss[0].send)
	wg.Wait()

	if len(messages[0].messages) != 1 {
		t.Errorf("expected exactly 1 message, received %d", len(messages[0].messages))
	}
}

func TestHubUnsubscribeAll(t *testing.T) {
	h := newHub()
	ss, messages, wg := makeTestSessions(2, 10)

	for _, topic := range []string{"100", "200", ss[0].uid.UserId()} {
		h.Subscribe(topic, ss[0])
		ss[0].addSub(topic)
	}
	h.Subscribe("100", ss[1])
	ss[1].addSub("100")

	h.UnsubscribeAll(ss[0])

	h.Publish("100", &ServerComMessage{Type: MsgTypeChat})
	h.Publish("200", &ServerComMessage{Type: MsgTypeChat})
	h.Publish(ss[0].uid.UserId(), RefreshGroupAdd())

	for _, s := range ss {
		close(s.send)
	}
	wg.Wait()

	if len(messages[0].messages) != 0 {
		t.Errorf("unsubscribed session: expected no messages, received %d", len(messages[0].messages))
	}
	if len(messages[1].messages) != 1 {
		t.Errorf("remaining session: expected 1 message, received %d", len(messages[1].messages))
	}

	// Topics with no subscribers left must be dropped from the registry.
	h.lock.RLock()
	defer h.lock.RUnlock()
	if _, ok := h.topics["200"]; ok {
		t.Error("topic '200' should have been dropped")
	}
	if _, ok := h.topics["100"]; !ok {
		t.Error("topic '100' should still be present")
	}
}

func TestHubSlowSubscriberIsolation(t *testing.T) {
	h := newHub()

	// Slow session: unbuffered send channel with no reader.
	slow := &Session{sid: "slow", uid: types.Uid(1), send: make(chan interface{}), subs: make(map[string]struct{})}
	fast, messages, wg := makeTestSessions(1, 10)

	h.Subscribe("100", slow)
	h.Subscribe("100", fast[0])

	h.Publish("100", &ServerComMessage{Type: MsgTypeChat, Text: "one"})
	h.Publish("100", &ServerComMessage{Type: MsgTypeChat, Text: "two"})

	close(fast[0].send)
	wg.Wait()

	if len(messages[0].messages) != 2 {
		t.Errorf("fast session: expected 2 messages, received %d", len(messages[0].messages))
	}
}
