package main

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"

	"github.com/chitchat/chat/server/store"
	"github.com/chitchat/chat/server/store/mock_store"
	"github.com/chitchat/chat/server/store/types"
)

func TestSerializersConfigure(t *testing.T) {
	RegisterMessageFunc("pipeline_test_noop", func(from types.Uid, env *ClientComMessage) (*types.Message, error) {
		return &types.Message{User: from}, nil
	})

	sr := newSerializers()
	if err := sr.Configure(json.RawMessage(`{"MESSAGE": "pipeline_test_noop"}`)); err != nil {
		t.Fatal("configure failed:", err)
	}
	msg, err := sr.messageFn()(types.Uid(7), &ClientComMessage{})
	if err != nil || msg.User != types.Uid(7) {
		t.Error("substituted MESSAGE function was not selected")
	}

	// Empty config reverts to defaults.
	if err := sr.Configure(nil); err != nil {
		t.Fatal("empty configure failed:", err)
	}

	if err := sr.Configure(json.RawMessage(`{"USER": "no_such_function"}`)); err == nil {
		t.Error("expected an error for an unknown USER function")
	}
}

func TestHandleInboundSenderAlwaysInViewedSet(t *testing.T) {
	uid := types.Uid(3)
	roomId := types.Uid(42)

	// A sloppy substitute which forgets to record the sender as a viewer.
	RegisterMessageFunc("pipeline_test_sloppy", func(from types.Uid, env *ClientComMessage) (*types.Message, error) {
		msg := &types.Message{Room: env.Room, User: from, Text: env.Text}
		msg.Id = types.Uid(900)
		msg.CreatedAt = types.TimeNow()
		return msg, nil
	})

	sr := newSerializers()
	if err := sr.Configure(json.RawMessage(`{"MESSAGE": "pipeline_test_sloppy"}`)); err != nil {
		t.Fatal("configure failed:", err)
	}

	h := newHub()
	globals.hub = h
	s := &Session{sid: "sid0", uid: uid, send: make(chan interface{}, 10), subs: make(map[string]struct{})}
	h.Subscribe(roomId.String(), s)

	wg := sync.WaitGroup{}
	r := Responses{}
	wg.Add(1)
	go s.testWriteLoop(&r, &wg)

	err := sr.handleInbound(s, &ClientComMessage{MessageType: MsgTypeChat, Room: roomId, Text: "hi", from: uid})
	if err != nil {
		t.Fatal("handleInbound failed:", err)
	}
	close(s.send)
	wg.Wait()

	if len(r.messages) != 1 {
		t.Fatalf("responses: expected 1, received %d.", len(r.messages))
	}
	event := r.messages[0].(*ServerComMessage)
	if diff := cmp.Diff([]types.Uid{uid}, event.UsersWhoViewed); diff != "" {
		t.Errorf("viewed set mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultChatMessageValidation(t *testing.T) {
	uid := types.Uid(1)
	roomId := types.Uid(100)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	oldRooms := store.Rooms
	store.Rooms = rr
	defer func() {
		store.Rooms = oldRooms
		ctrl.Finish()
	}()

	// Missing room.
	_, err := defaultChatMessage(uid, &ClientComMessage{MessageType: MsgTypeChat, Text: "x"})
	vErr, ok := err.(*ValidationError)
	if !ok || vErr.FieldErrors["room"][0] != "This field is required." {
		t.Errorf("missing room: unexpected error %v", err)
	}

	// Nonexistent room.
	rr.EXPECT().Get(roomId).Return(nil, nil)
	_, err = defaultChatMessage(uid, &ClientComMessage{MessageType: MsgTypeChat, Room: roomId, Text: "x"})
	vErr, ok = err.(*ValidationError)
	if !ok || vErr.FieldErrors["room"][0] != `Invalid pk "100" - object does not exist.` {
		t.Errorf("nonexistent room: unexpected error %v", err)
	}

	// Oversized text.
	room := &types.Room{}
	room.Id = roomId
	rr.EXPECT().Get(roomId).Return(room, nil)
	_, err = defaultChatMessage(uid, &ClientComMessage{
		MessageType: MsgTypeChat,
		Room:        roomId,
		Text:        strings.Repeat("a", maxMessageTextLength+1),
	})
	vErr, ok = err.(*ValidationError)
	if !ok || len(vErr.FieldErrors["text"]) != 1 {
		t.Errorf("oversized text: unexpected error %v", err)
	}
}

func TestDefaultUserShape(t *testing.T) {
	user := &types.User{FirstName: "Ada", LastName: "Lovelace", Avatar: "http://example.com/a.png"}
	user.Id = types.Uid(12)

	data, err := json.Marshal(defaultUserShape(user))
	if err != nil {
		t.Fatal("marshal failed:", err)
	}
	var shaped map[string]interface{}
	if err := json.Unmarshal(data, &shaped); err != nil {
		t.Fatal("unmarshal failed:", err)
	}
	want := map[string]interface{}{
		"id":         float64(12),
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"avatar":     "http://example.com/a.png",
	}
	if diff := cmp.Diff(want, shaped); diff != "" {
		t.Errorf("user shape mismatch (-want +got):\n%s", diff)
	}
}
