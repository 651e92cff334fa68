/******************************************************************************
 *
 *  Description :
 *
 *    REST handlers: listing and creating rooms, marking room messages viewed.
 *    Creating a room also propagates the membership change to the members'
 *    already-connected sessions.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/chitchat/chat/server/logs"
	"github.com/chitchat/chat/server/store"
	"github.com/chitchat/chat/server/store/types"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// roomCreateRequest is the payload of POST /v0/rooms.
type roomCreateRequest struct {
	Members []types.Uid `json:"members" validate:"required,min=1,dive,gt=0"`
}

// roomResource is the read representation of a room.
type roomResource struct {
	Id       types.Uid       `json:"id"`
	Messages []types.Message `json:"messages"`
	Members  []interface{}   `json:"members"`
}

func writeJSON(wrt http.ResponseWriter, status int, body interface{}) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(status)
	if body != nil {
		json.NewEncoder(wrt).Encode(body)
	}
}

// writeError renders an error in the wire error shape: validation failures as
// 400 with their field/non-field payload, anything else as a 500 system error.
func writeError(wrt http.ResponseWriter, err error) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		writeJSON(wrt, http.StatusBadRequest, vErr.Message())
		return
	}
	logs.Err.Println("rest: system error", err)
	writeJSON(wrt, http.StatusInternalServerError, ErrSystemError())
}

// decodeValidationErrors converts validator failures on a request DTO to the
// wire field-error shape.
func decodeValidationErrors(err error) error {
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) {
		return err
	}
	out := &ValidationError{FieldErrors: make(map[string][]string)}
	for _, fe := range vErrs {
		field := strings.ToLower(fe.Field())
		var text string
		switch fe.Tag() {
		case "required":
			text = "This field is required."
		case "min":
			text = "This list may not be empty."
		default:
			text = "This value is invalid."
		}
		out.FieldErrors[field] = append(out.FieldErrors[field], text)
	}
	return out
}

// serveRooms handles GET and POST /v0/rooms.
func serveRooms(wrt http.ResponseWriter, req *http.Request) {
	rec := authenticateRequest(req)
	if rec == nil {
		writeJSON(wrt, http.StatusUnauthorized,
			&ServerComMessage{NonFieldErrors: []string{"Authentication credentials were not provided."}})
		return
	}

	switch req.Method {
	case http.MethodGet:
		listRooms(wrt, rec.Uid)
	case http.MethodPost:
		createRoom(wrt, req, rec.Uid)
	default:
		wrt.Header().Set("Allow", "GET, POST")
		wrt.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// listRooms returns the rooms of the requesting user ordered by most recent
// message, each with its full message list and shaped member list.
func listRooms(wrt http.ResponseWriter, asUid types.Uid) {
	rooms, err := store.Rooms.GetAll(asUid)
	if err != nil {
		writeError(wrt, err)
		return
	}

	resources := make([]*roomResource, 0, len(rooms))
	for i := range rooms {
		resource, err := loadRoomResource(&rooms[i])
		if err != nil {
			writeError(wrt, err)
			return
		}
		resources = append(resources, resource)
	}

	writeJSON(wrt, http.StatusOK, resources)
}

// createRoom creates a room for the given member set, or returns the existing
// room when a room with an identical member set already exists. Either way a
// resubscription instruction is published to every member's private topic so
// connected sessions pick the room up without reconnecting.
func createRoom(wrt http.ResponseWriter, req *http.Request, asUid types.Uid) {
	var payload roomCreateRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(wrt, http.StatusBadRequest, ErrInvalidJSON())
		return
	}
	if err := validate.Struct(&payload); err != nil {
		writeError(wrt, decodeValidationErrors(err))
		return
	}

	members := types.NormalizeUids(payload.Members)
	var others int
	for _, uid := range members {
		if uid != asUid {
			others++
		}
	}
	if others < 1 {
		writeError(wrt, FieldError("members",
			"Must contain at least one user other than the requestor in this list."))
		return
	}
	members.Add(asUid)

	room, created, err := store.Rooms.Create(members)
	if err != nil {
		writeError(wrt, err)
		return
	}

	// Reconnect members: tell every member's live sessions to refresh their
	// room subscriptions.
	for _, uid := range members {
		globals.hub.Publish(uid.UserId(), RefreshGroupAdd())
	}

	resource, err := loadRoomResource(room)
	if err != nil {
		writeError(wrt, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(wrt, status, resource)
}

// serveRoomViewed handles POST /v0/rooms/{id}/viewed: marks every message in
// the room as viewed by the requesting user. Idempotent.
func serveRoomViewed(wrt http.ResponseWriter, req *http.Request) {
	rec := authenticateRequest(req)
	if rec == nil {
		writeJSON(wrt, http.StatusUnauthorized,
			&ServerComMessage{NonFieldErrors: []string{"Authentication credentials were not provided."}})
		return
	}

	if req.Method != http.MethodPost {
		wrt.Header().Set("Allow", "POST")
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Path shape: /v0/rooms/{id}/viewed
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "viewed" {
		wrt.WriteHeader(http.StatusNotFound)
		return
	}
	roomId := types.ParseUid(parts[2])
	if roomId.IsZero() {
		wrt.WriteHeader(http.StatusNotFound)
		return
	}

	if isMember, err := store.Rooms.IsMember(roomId, rec.Uid); err != nil {
		writeError(wrt, err)
		return
	} else if !isMember {
		wrt.WriteHeader(http.StatusNotFound)
		return
	}

	if err := store.Messages.MarkAllViewed(roomId, rec.Uid); err != nil {
		writeError(wrt, err)
		return
	}

	wrt.WriteHeader(http.StatusNoContent)
}

// loadRoomResource assembles the read representation of one room.
func loadRoomResource(room *types.Room) (*roomResource, error) {
	messages, err := store.Messages.GetAll(room.Id, nil)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []types.Message{}
	}

	memberIds, err := store.Rooms.MemberIds(room.Id)
	if err != nil {
		return nil, err
	}
	users, err := store.Users.GetAll(memberIds...)
	if err != nil {
		return nil, err
	}

	members := make([]interface{}, 0, len(users))
	for i := range users {
		members = append(members, globals.serializers.shapeUser(&users[i]))
	}

	return &roomResource{
		Id:       room.Id,
		Messages: messages,
		Members:  members,
	}, nil
}
