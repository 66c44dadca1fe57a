package signaling

import (
	"log/slog"
	"sync"
)

// Rooms maps room ids to their member sets.
//
// A room has no existence independent of membership: it is created on first
// Join and its entry is dropped when the member set empties, so churn does
// not leak memory.
type Rooms struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Client // room id -> session id -> client
}

// NewRooms constructs an empty room index.
func NewRooms(log *slog.Logger) *Rooms {
	return &Rooms{
		log:   log,
		rooms: make(map[string]map[string]*Client),
	}
}

// Join adds client to the room's member set (idempotent).
func (r *Rooms) Join(roomID string, client *Client) {
	if roomID == "" || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Client)
		r.rooms[roomID] = members
	}
	members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.join", "room_id", roomID, "identity", client.Identity, "session_id", client.SessionID)
}

// Leave removes client from the room's member set (idempotent) and drops
// the room entry when it empties.
func (r *Rooms) Leave(roomID string, client *Client) {
	if roomID == "" || client == nil {
		return
	}

	r.mu.Lock()
	if members, ok := r.rooms[roomID]; ok {
		delete(members, client.SessionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()
}

// LeaveAll removes client from every room it belongs to (disconnect cleanup).
func (r *Rooms) LeaveAll(client *Client) {
	if client == nil {
		return
	}

	r.mu.Lock()
	for roomID, members := range r.rooms {
		if _, ok := members[client.SessionID]; !ok {
			continue
		}
		delete(members, client.SessionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()
}

// Members returns a point-in-time copy of the room's member set, so fanout
// iteration is never invalidated by a concurrent join or leave.
func (r *Rooms) Members(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Peers returns the room's members minus exclude (the usual fanout audience).
func (r *Rooms) Peers(roomID string, exclude *Client) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		if c == exclude {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Len returns the number of rooms with at least one member.
func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
