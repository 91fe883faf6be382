/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 *
 * RoomState - 房间成员与推流者集合
 * 服务端每次广播都携带完整集合，客户端只做整体替换
 */
package mesh

import (
	"slices"

	"github.com/maiguangyang/roomcast/pkg/signaling"
)

// RoomState is the server-authoritative view of one room
type RoomState struct {
	Peers     []string `json:"peers"`
	Streamers []string `json:"streamers"`
}

// Apply returns the state after sig. Membership signals replace Peers,
// broadcast signals replace Streamers, and a signal missing its set leaves
// the state untouched. The result never aliases sig.
func (s RoomState) Apply(sig *signaling.Signal) RoomState {
	if sig == nil {
		return s
	}
	switch sig.Type {
	case signaling.SignalJoin, signaling.SignalLeave:
		if sig.Peers != nil {
			s.Peers = normalize(sig.Peers)
		}
	case signaling.SignalStartStream, signaling.SignalStopStream:
		if sig.Streamers != nil {
			s.Streamers = normalize(sig.Streamers)
		}
	}
	return s
}

// HasPeer reports whether id is a member
func (s RoomState) HasPeer(id string) bool {
	_, ok := slices.BinarySearch(s.Peers, id)
	return ok
}

// IsStreamer reports whether id is broadcasting
func (s RoomState) IsStreamer(id string) bool {
	_, ok := slices.BinarySearch(s.Streamers, id)
	return ok
}

// Equal reports whether both states hold the same sets
func (s RoomState) Equal(o RoomState) bool {
	return slices.Equal(s.Peers, o.Peers) && slices.Equal(s.Streamers, o.Streamers)
}

// Clone returns a deep copy
func (s RoomState) Clone() RoomState {
	return RoomState{Peers: slices.Clone(s.Peers), Streamers: slices.Clone(s.Streamers)}
}

// normalize 排序去重，并保证空集合不为 nil
func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	out = append(out, ids...)
	slices.Sort(out)
	return slices.Compact(out)
}
