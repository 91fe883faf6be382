/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 *
 * Rooms - 服务端房间成员与推流者集合
 * 每次 JOIN/LEAVE/STARTSTREAM/STOPSTREAM 都重新计算完整集合并随广播下发
 */
package broker

import (
	"slices"
	"strings"
	"sync"

	"github.com/maiguangyang/roomcast/pkg/signaling"
)

// RoomInfo 房间快照
type RoomInfo struct {
	RoomID    string   `json:"room_id"`
	Users     []string `json:"users"`
	Streamers []string `json:"streamers"`
}

type roomSets struct {
	users     []string
	streamers []string
}

// Rooms tracks membership and broadcasters of every room
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]*roomSets
}

// NewRooms creates an empty room table
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*roomSets)}
}

// Process applies s to roomID and returns the signals to broadcast on the
// room topic. Negotiation signals are relayed unchanged.
func (r *Rooms) Process(roomID string, s *signaling.Signal) []*signaling.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch s.Type {
	case signaling.SignalJoin:
		rs := r.room(roomID)
		rs.users = addMember(rs.users, s.Sender)
		return []*signaling.Signal{{
			Type:   signaling.SignalJoin,
			Sender: s.Sender,
			Peers:  slices.Clone(rs.users),
		}}

	case signaling.SignalLeave:
		return r.leave(roomID, s.Sender)

	case signaling.SignalStartStream, signaling.SignalStopStream:
		rs := r.room(roomID)
		if s.Type == signaling.SignalStartStream {
			rs.streamers = addMember(rs.streamers, s.Sender)
		} else {
			rs.streamers, _ = removeMember(rs.streamers, s.Sender)
		}
		return []*signaling.Signal{{
			Type:      s.Type,
			Sender:    s.Sender,
			Streamers: slices.Clone(rs.streamers),
		}}

	default:
		relay := *s
		return []*signaling.Signal{&relay}
	}
}

// Forget removes peerID as if it had sent LEAVE. It returns nil when the
// peer was not a member.
func (r *Rooms) Forget(roomID, peerID string) []*signaling.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok || !slices.Contains(rs.users, peerID) {
		return nil
	}
	return r.leave(roomID, peerID)
}

// leave 需持有锁；推流者离开时额外广播 STOPSTREAM
func (r *Rooms) leave(roomID, peerID string) []*signaling.Signal {
	rs := r.room(roomID)
	rs.users, _ = removeMember(rs.users, peerID)
	var wasStreaming bool
	rs.streamers, wasStreaming = removeMember(rs.streamers, peerID)

	out := []*signaling.Signal{{
		Type:   signaling.SignalLeave,
		Sender: peerID,
		Peers:  slices.Clone(rs.users),
	}}
	if wasStreaming {
		out = append(out, &signaling.Signal{
			Type:      signaling.SignalStopStream,
			Sender:    peerID,
			Streamers: slices.Clone(rs.streamers),
		})
	}
	if len(rs.users) == 0 && len(rs.streamers) == 0 {
		delete(r.rooms, roomID)
	}
	return out
}

func (r *Rooms) room(roomID string) *roomSets {
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomSets{users: []string{}, streamers: []string{}}
		r.rooms[roomID] = rs
	}
	return rs
}

// Get returns a snapshot of one room
func (r *Rooms) Get(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{RoomID: roomID, Users: slices.Clone(rs.users), Streamers: slices.Clone(rs.streamers)}, true
}

// Snapshot returns every room sorted by id
func (r *Rooms) Snapshot() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, rs := range r.rooms {
		out = append(out, RoomInfo{RoomID: id, Users: slices.Clone(rs.users), Streamers: slices.Clone(rs.streamers)})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(a.RoomID, b.RoomID) })
	return out
}

// addMember 保持加入顺序，去重
func addMember(set []string, id string) []string {
	if slices.Contains(set, id) {
		return set
	}
	return append(set, id)
}

func removeMember(set []string, id string) ([]string, bool) {
	i := slices.Index(set, id)
	if i < 0 {
		return set, false
	}
	return slices.Delete(set, i, i+1), true
}

// RoomFromDestination extracts the room id of a /app/signal/{roomId} destination
func RoomFromDestination(dest string) (string, bool) {
	const prefix = "/app/signal/"
	if !strings.HasPrefix(dest, prefix) || len(dest) == len(prefix) {
		return "", false
	}
	return dest[len(prefix):], true
}
