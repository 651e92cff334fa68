package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/chitchat/chat/server/auth"
	"github.com/chitchat/chat/server/store"
	"github.com/chitchat/chat/server/store/mock_store"
	"github.com/chitchat/chat/server/store/types"

	_ "github.com/chitchat/chat/server/auth/token"
)

var authSetup sync.Once

// setupTestAuth wires the real token authenticator with a test key.
func setupTestAuth(t *testing.T) {
	authSetup.Do(func() {
		hdl := auth.GetHandler("token")
		if hdl == nil {
			t.Fatal("token authenticator not registered")
		}
		key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("0123456789abcdef"), 2))
		conf := json.RawMessage(`{"key": "` + key + `", "serial_num": 1, "expire_in": 3600}`)
		if err := hdl.Init(conf, "token"); err != nil {
			t.Fatal("failed to init token authenticator:", err)
		}
		globals.authHandler = hdl
	})
	globals.authHandler = auth.GetHandler("token")
}

// testToken generates a signed connection token for the given user.
func testToken(t *testing.T, uid types.Uid) string {
	secret, _, err := globals.authHandler.GenSecret(&auth.Rec{Uid: uid, AuthLevel: auth.LevelAuth})
	if err != nil {
		t.Fatal("failed to generate token:", err)
	}
	return base64.URLEncoding.EncodeToString(secret)
}

func TestServeRoomsUnauthorized(t *testing.T) {
	setupTestAuth(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/rooms", nil)
	wrt := httptest.NewRecorder()
	serveRooms(wrt, req)

	if wrt.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", wrt.Code)
	}
	var resp ServerComMessage
	if err := json.NewDecoder(wrt.Body).Decode(&resp); err != nil {
		t.Fatal("failed to decode response:", err)
	}
	if len(resp.NonFieldErrors) != 1 || resp.NonFieldErrors[0] != "Authentication credentials were not provided." {
		t.Errorf("unexpected error payload: %+v", resp)
	}
}

func TestCreateRoomRequiresAnotherMember(t *testing.T) {
	setupTestAuth(t)
	uid := types.Uid(1)

	body := bytes.NewBufferString(`{"members": [1]}`)
	req := httptest.NewRequest(http.MethodPost, "/v0/rooms", body)
	req.Header.Set("X-Auth-Token", testToken(t, uid))
	wrt := httptest.NewRecorder()
	serveRooms(wrt, req)

	if wrt.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", wrt.Code)
	}
	var resp ServerComMessage
	if err := json.NewDecoder(wrt.Body).Decode(&resp); err != nil {
		t.Fatal("failed to decode response:", err)
	}
	errs := resp.FieldErrors["members"]
	if len(errs) != 1 || errs[0] != "Must contain at least one user other than the requestor in this list." {
		t.Errorf("unexpected members error: %+v", resp.FieldErrors)
	}
}

func TestCreateRoomPublishesRefresh(t *testing.T) {
	setupTestAuth(t)
	uid1 := types.Uid(1)
	uid2 := types.Uid(2)
	roomId := types.Uid(300)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	uu := mock_store.NewMockUsersPersistenceInterface(ctrl)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldRooms, oldUsers, oldMessages := store.Rooms, store.Users, store.Messages
	store.Rooms = rr
	store.Users = uu
	store.Messages = mm
	defer func() {
		store.Rooms = oldRooms
		store.Users = oldUsers
		store.Messages = oldMessages
		ctrl.Finish()
	}()

	room := &types.Room{}
	room.Id = roomId
	room.InitTimes()
	rr.EXPECT().Create([]types.Uid{uid1, uid2}).Return(room, true, nil)
	rr.EXPECT().MemberIds(roomId).Return(types.UidSlice{uid1, uid2}, nil)
	user1 := types.User{FirstName: "One"}
	user1.Id = uid1
	user2 := types.User{FirstName: "Two"}
	user2.Id = uid2
	uu.EXPECT().GetAll(uid1, uid2).Return([]types.User{user1, user2}, nil)
	mm.EXPECT().GetAll(roomId, nil).Return(nil, nil)

	globals.serializers = newSerializers()
	h := newHub()
	globals.hub = h

	// uid2 has a live session subscribed to its private topic.
	sess := &Session{sid: "sid2", uid: uid2, send: make(chan interface{}, 10), subs: make(map[string]struct{})}
	h.Subscribe(uid2.UserId(), sess)
	wg := sync.WaitGroup{}
	r := Responses{}
	wg.Add(1)
	go sess.testWriteLoop(&r, &wg)

	body := bytes.NewBufferString(`{"members": [2]}`)
	req := httptest.NewRequest(http.MethodPost, "/v0/rooms", body)
	req.Header.Set("X-Auth-Token", testToken(t, uid1))
	wrt := httptest.NewRecorder()
	serveRooms(wrt, req)

	close(sess.send)
	wg.Wait()

	if wrt.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", wrt.Code, wrt.Body.String())
	}
	var resource roomResource
	if err := json.NewDecoder(wrt.Body).Decode(&resource); err != nil {
		t.Fatal("failed to decode response:", err)
	}
	if resource.Id != roomId {
		t.Errorf("room id: expected %s, got %s", roomId, resource.Id)
	}
	if resource.Messages == nil || len(resource.Messages) != 0 {
		t.Errorf("messages must be an empty list, got %v", resource.Messages)
	}
	if len(resource.Members) != 2 {
		t.Errorf("expected 2 members, got %d", len(resource.Members))
	}

	if len(r.messages) != 1 {
		t.Fatalf("member session: expected 1 instruction, received %d", len(r.messages))
	}
	instr := r.messages[0].(*ServerComMessage)
	if instr.Type != MsgTypeRefreshGroupAdd {
		t.Errorf("instruction type: expected '%s', got '%s'", MsgTypeRefreshGroupAdd, instr.Type)
	}
}

func TestCreateRoomExistingReturnsOK(t *testing.T) {
	setupTestAuth(t)
	uid1 := types.Uid(1)
	uid2 := types.Uid(2)
	roomId := types.Uid(300)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	uu := mock_store.NewMockUsersPersistenceInterface(ctrl)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldRooms, oldUsers, oldMessages := store.Rooms, store.Users, store.Messages
	store.Rooms = rr
	store.Users = uu
	store.Messages = mm
	defer func() {
		store.Rooms = oldRooms
		store.Users = oldUsers
		store.Messages = oldMessages
		ctrl.Finish()
	}()

	room := &types.Room{}
	room.Id = roomId
	rr.EXPECT().Create([]types.Uid{uid1, uid2}).Return(room, false, nil)
	rr.EXPECT().MemberIds(roomId).Return(types.UidSlice{uid1, uid2}, nil)
	uu.EXPECT().GetAll(uid1, uid2).Return([]types.User{}, nil)
	mm.EXPECT().GetAll(roomId, nil).Return(nil, nil)

	globals.serializers = newSerializers()
	globals.hub = newHub()

	body := bytes.NewBufferString(`{"members": [2, 2, 1]}`)
	req := httptest.NewRequest(http.MethodPost, "/v0/rooms", body)
	req.Header.Set("X-Auth-Token", testToken(t, uid1))
	wrt := httptest.NewRecorder()
	serveRooms(wrt, req)

	if wrt.Code != http.StatusOK {
		t.Fatalf("expected 200 for an existing room, got %d", wrt.Code)
	}
}

func TestServeRoomViewed(t *testing.T) {
	setupTestAuth(t)
	uid := types.Uid(1)
	roomId := types.Uid(300)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldRooms, oldMessages := store.Rooms, store.Messages
	store.Rooms = rr
	store.Messages = mm
	defer func() {
		store.Rooms = oldRooms
		store.Messages = oldMessages
		ctrl.Finish()
	}()

	rr.EXPECT().IsMember(roomId, uid).Return(true, nil)
	mm.EXPECT().MarkAllViewed(roomId, uid).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/v0/rooms/300/viewed", nil)
	req.Header.Set("X-Auth-Token", testToken(t, uid))
	wrt := httptest.NewRecorder()
	serveRoomViewed(wrt, req)

	if wrt.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", wrt.Code)
	}
}

func TestServeRoomViewedNotAMember(t *testing.T) {
	setupTestAuth(t)
	uid := types.Uid(1)
	roomId := types.Uid(300)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	oldRooms := store.Rooms
	store.Rooms = rr
	defer func() {
		store.Rooms = oldRooms
		ctrl.Finish()
	}()

	rr.EXPECT().IsMember(roomId, uid).Return(false, nil)

	req := httptest.NewRequest(http.MethodPost, "/v0/rooms/300/viewed", nil)
	req.Header.Set("X-Auth-Token", testToken(t, uid))
	wrt := httptest.NewRecorder()
	serveRoomViewed(wrt, req)

	if wrt.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-member, got %d", wrt.Code)
	}
}

func TestListRooms(t *testing.T) {
	setupTestAuth(t)
	uid := types.Uid(1)

	ctrl := gomock.NewController(t)
	rr := mock_store.NewMockRoomsPersistenceInterface(ctrl)
	uu := mock_store.NewMockUsersPersistenceInterface(ctrl)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldRooms, oldUsers, oldMessages := store.Rooms, store.Users, store.Messages
	store.Rooms = rr
	store.Users = uu
	store.Messages = mm
	defer func() {
		store.Rooms = oldRooms
		store.Users = oldUsers
		store.Messages = oldMessages
		ctrl.Finish()
	}()

	room1 := types.Room{}
	room1.Id = types.Uid(300)
	room2 := types.Room{}
	room2.Id = types.Uid(301)
	rr.EXPECT().GetAll(uid).Return([]types.Room{room1, room2}, nil)
	for _, id := range []types.Uid{room1.Id, room2.Id} {
		rr.EXPECT().MemberIds(id).Return(types.UidSlice{uid}, nil)
		uu.EXPECT().GetAll(uid).Return([]types.User{}, nil)
		mm.EXPECT().GetAll(id, nil).Return([]types.Message{{Room: id, User: uid, Text: "hey"}}, nil)
	}

	globals.serializers = newSerializers()
	globals.hub = newHub()

	req := httptest.NewRequest(http.MethodGet, "/v0/rooms", nil)
	req.Header.Set("X-Auth-Token", testToken(t, uid))
	wrt := httptest.NewRecorder()
	serveRooms(wrt, req)

	if wrt.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", wrt.Code)
	}
	var resources []roomResource
	if err := json.NewDecoder(wrt.Body).Decode(&resources); err != nil {
		t.Fatal("failed to decode response:", err)
	}
	if len(resources) != 2 || resources[0].Id != room1.Id || resources[1].Id != room2.Id {
		t.Errorf("unexpected room list: %+v", resources)
	}
}
