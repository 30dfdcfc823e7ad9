package relay

import "sync"

// Rooms is the in-process membership table: conversation ID -> set of user
// identities. Sets are created on first join and garbage-collected when the
// last member leaves; nothing here survives a restart.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[string]struct{})}
}

// Join adds userID to roomID, creating the set if needed.
func (r *Rooms) Join(userID, roomID string) {
	if userID == "" || roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[roomID]
	if set == nil {
		set = make(map[string]struct{})
		r.members[roomID] = set
	}
	set[userID] = struct{}{}
}

// Leave removes userID from roomID, deleting the set once empty.
func (r *Rooms) Leave(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.members[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.members, roomID)
		}
	}
}

// MembersOf returns a snapshot of the room's members; empty when the room is
// unknown.
func (r *Rooms) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[roomID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

// Contains reports membership without copying the set.
func (r *Rooms) Contains(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[roomID][userID]
	return ok
}

// Len returns the number of active rooms.
func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
