package memory

import (
	"errors"

	"github.com/adwski/room-relay/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// Registry maps room ids to their member sets. A room exists only while it
// has at least one member.
//
// Registry is not safe for concurrent use; it is owned by the switch loop.
type Registry struct {
	db map[string]map[*model.Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		db: make(map[string]map[*model.Conn]struct{}),
	}
}

// Add puts conn into the room, creating the room if needed, and returns
// the number of members after the add.
func (r *Registry) Add(roomID string, conn *model.Conn) int {
	room, ok := r.db[roomID]
	if !ok {
		room = make(map[*model.Conn]struct{})
		r.db[roomID] = room
	}
	room[conn] = struct{}{}
	return len(room)
}

// Remove takes conn out of the room and drops the room once it is empty.
// It reports whether conn was a member and how many members remain.
func (r *Registry) Remove(roomID string, conn *model.Conn) (bool, int, error) {
	room, ok := r.db[roomID]
	if !ok {
		return false, 0, ErrRoomNotFound
	}
	_, member := room[conn]
	delete(room, conn)
	if len(room) == 0 {
		delete(r.db, roomID)
	}
	return member, len(room), nil
}

// Members returns a snapshot of the room's members.
func (r *Registry) Members(roomID string) ([]*model.Conn, error) {
	room, ok := r.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	members := make([]*model.Conn, 0, len(room))
	for conn := range room {
		members = append(members, conn)
	}
	return members, nil
}

func (r *Registry) Contains(roomID string, conn *model.Conn) bool {
	_, ok := r.db[roomID][conn]
	return ok
}

func (r *Registry) Exists(roomID string) bool {
	_, ok := r.db[roomID]
	return ok
}

func (r *Registry) Size(roomID string) int {
	return len(r.db[roomID])
}

func (r *Registry) Rooms() int {
	return len(r.db)
}
