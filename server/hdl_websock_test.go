package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/chitchat/chat/server/store"
	"github.com/chitchat/chat/server/store/mock_store"
	"github.com/chitchat/chat/server/store/types"

	"github.com/gorilla/websocket"
)

// setupWebsockGlobals wires the pieces serveWebSocket touches: session store,
// identity and per-session id generation.
func setupWebsockGlobals(t *testing.T, ctrl *gomock.Controller) func() {
	setupTestAuth(t)

	ps := mock_store.NewMockPersistentStorageInterface(ctrl)
	ps.EXPECT().GetUidString().Return("ws-test-sid").AnyTimes()
	oldStore := store.Store
	store.Store = ps

	globals.sessionStore = NewSessionStore()
	globals.maxMessageSize = defaultMaxMessageSize

	return func() {
		store.Store = oldStore
	}
}

func waitForTopic(h *Hub, topic string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.lock.RLock()
		n := len(h.topics[topic])
		h.lock.RUnlock()
		if n > 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// A connected session receives messages of a room created after the
// connection was established: the resubscription instruction is absorbed by
// the write loop, never reaches the client, and the next event published to
// the new room arrives on the same connection.
func TestWebsockRefreshInstruction(t *testing.T) {
	uid := types.Uid(1)
	newRoom := types.Uid(42)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	oldRooms := store.Rooms
	store.Rooms = rr
	restore := setupWebsockGlobals(t, ctrl)
	defer func() {
		store.Rooms = oldRooms
		restore()
		ctrl.Finish()
	}()

	h := newHub()
	globals.hub = h
	globals.serializers = newSerializers()

	// No rooms at connect time, one new room on refresh.
	refreshed := make(chan struct{})
	gomock.InOrder(
		rr.EXPECT().TopicsForUser(uid).Return([]string{}, nil),
		rr.EXPECT().TopicsForUser(uid).DoAndReturn(func(types.Uid) ([]string, error) {
			defer close(refreshed)
			return []string{newRoom.String()}, nil
		}),
	)

	srv := httptest.NewServer(http.HandlerFunc(serveWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?auth=" + testToken(t, uid)
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal("failed to dial:", err)
	}
	defer client.Close()

	// The room is created elsewhere; its creation fans the instruction out to
	// the member's private topic.
	h.Publish(uid.UserId(), RefreshGroupAdd())

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("instruction did not trigger a room list refresh")
	}
	if !waitForTopic(h, newRoom.String()) {
		t.Fatal("session was not subscribed to the new room topic")
	}

	msg := &types.Message{Room: newRoom, User: types.Uid(2), Text: "over here", ViewedBy: []types.Uid{2}}
	msg.Id = types.Uid(600)
	msg.CreatedAt = types.TimeNow()
	h.Publish(newRoom.String(), ChatEvent(msg))

	// The first frame on the wire must be the chat event: the instruction is
	// server-internal.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := client.ReadMessage()
	if err != nil {
		t.Fatal("failed to read frame:", err)
	}
	var event ServerComMessage
	if err := json.Unmarshal(frame, &event); err != nil {
		t.Fatal("failed to decode frame:", err)
	}
	if event.Type != MsgTypeChat || event.Room != newRoom || event.Text != "over here" {
		t.Errorf("unexpected frame: %+v", event)
	}
}

func TestWebsockUnauthorized(t *testing.T) {
	ctrl := gomock.NewController(t)
	restore := setupWebsockGlobals(t, ctrl)
	defer func() {
		restore()
		ctrl.Finish()
	}()

	req := httptest.NewRequest(http.MethodGet, "/v0/channels", nil)
	wrt := httptest.NewRecorder()
	serveWebSocket(wrt, req)

	if wrt.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", wrt.Code)
	}
}

// The session subscribes to its topics before the handshake is accepted; a
// failed upgrade must release everything it acquired.
func TestWebsockUpgradeFailureReleasesSession(t *testing.T) {
	uid := types.Uid(1)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	oldRooms := store.Rooms
	store.Rooms = rr
	restore := setupWebsockGlobals(t, ctrl)
	defer func() {
		store.Rooms = oldRooms
		restore()
		ctrl.Finish()
	}()

	h := newHub()
	globals.hub = h

	// Satisfied before the upgrade is attempted.
	rr.EXPECT().TopicsForUser(uid).Return([]string{"10"}, nil)

	// A plain GET with valid credentials but no websocket handshake headers.
	req := httptest.NewRequest(http.MethodGet, "/v0/channels", nil)
	req.Header.Set("X-Auth-Token", testToken(t, uid))
	wrt := httptest.NewRecorder()
	serveWebSocket(wrt, req)

	if wrt.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a failed handshake, got %d", wrt.Code)
	}

	h.lock.RLock()
	topicCount := len(h.topics)
	h.lock.RUnlock()
	if topicCount != 0 {
		t.Errorf("registry should hold no topics after a failed upgrade, has %d", topicCount)
	}

	globals.sessionStore.lock.Lock()
	sessCount := len(globals.sessionStore.sessCache)
	globals.sessionStore.lock.Unlock()
	if sessCount != 0 {
		t.Errorf("session store should be empty after a failed upgrade, has %d sessions", sessCount)
	}
}
