/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 *
 * Registry - 每个远端最多一个存活会话
 * RemoteStream 表也由这里维护，是"流是否可用"的唯一依据
 */
package mesh

import (
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// RemoteStream is the inbound media of one peer. Entries are replaced,
// never mutated, so a returned value is safe to keep.
type RemoteStream struct {
	PeerID   string
	StreamID string
	Tracks   []media.RemoteTrack
}

func (r *RemoteStream) MarshalJSON() ([]byte, error) {
	type track struct {
		ID   string     `json:"id"`
		Kind media.Kind `json:"kind"`
	}
	tracks := make([]track, 0, len(r.Tracks))
	for _, t := range r.Tracks {
		tracks = append(tracks, track{ID: t.ID(), Kind: t.Kind()})
	}
	return json.Marshal(struct {
		PeerID   string  `json:"peer_id"`
		StreamID string  `json:"stream_id"`
		Tracks   []track `json:"tracks"`
	}{r.PeerID, r.StreamID, tracks})
}

// Registry owns the sessions of one room
type Registry struct {
	mu         sync.RWMutex
	engine     media.Engine
	iceServers []media.ICEServer
	sessions   map[string]*Session
	streams    map[string]*RemoteStream
	generation uint64
	closed     bool

	// post 把连接回调投递到控制器队列
	post func(event)

	logger *utils.Logger
}

func newRegistry(engine media.Engine, iceServers []media.ICEServer, post func(event), logger *utils.Logger) *Registry {
	if logger == nil {
		logger = utils.GetLogger().Named("Registry")
	}
	return &Registry{
		engine:     engine,
		iceServers: iceServers,
		sessions:   make(map[string]*Session),
		streams:    make(map[string]*RemoteStream),
		post:       post,
		logger:     logger,
	}
}

// GetOrCreate closes any session for peerID and returns a fresh one
func (r *Registry) GetOrCreate(peerID string) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrControllerClosed
	}

	conn, err := r.engine.NewConnection(r.iceServers)
	if err != nil {
		return nil, &NegotiationError{Op: "create-connection", PeerID: peerID, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil, ErrControllerClosed
	}
	r.generation++
	sess := newSession(peerID, r.generation, conn)
	old := r.sessions[peerID]
	r.sessions[peerID] = sess
	delete(r.streams, peerID)
	r.mu.Unlock()

	if old != nil {
		r.logger.Debug("Replacing session %s#%d with #%d", peerID, old.generation, sess.generation)
		old.close()
	}
	r.wire(sess)
	return sess, nil
}

// wire 连接回调只投递事件，不直接修改状态
func (r *Registry) wire(sess *Session) {
	sess.conn.OnICECandidate(func(c media.ICECandidate) {
		r.post(evLocalCandidate{sess: sess, candidate: c})
	})
	sess.conn.OnTrack(func(t media.RemoteTrack) {
		r.post(evTrack{sess: sess, track: t})
	})
	sess.conn.OnConnectionStateChange(func(h media.Health) {
		r.post(evHealth{sess: sess, health: h})
	})
	sess.conn.OnNegotiationNeeded(func() {
		r.post(evNegotiationNeeded{sess: sess})
	})
}

// Get returns the live session for peerID
func (r *Registry) Get(peerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[peerID]
	return sess, ok
}

// IsCurrent reports whether sess is still the registered, open session
func (r *Registry) IsCurrent(sess *Session) bool {
	if sess == nil {
		return false
	}
	r.mu.RLock()
	cur := r.sessions[sess.peerID]
	r.mu.RUnlock()
	return cur == sess && sess.State() != StateClosed
}

// Remove evicts sess if it is the current session of its peer
func (r *Registry) Remove(peerID string, sess *Session) bool {
	r.mu.Lock()
	if r.sessions[peerID] != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, peerID)
	delete(r.streams, peerID)
	r.mu.Unlock()

	sess.close()
	return true
}

// CloseAll tears down every session; later GetOrCreate calls fail
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.streams = make(map[string]*RemoteStream)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// Reset closes every session but keeps the registry usable
func (r *Registry) Reset() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.streams = make(map[string]*RemoteStream)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Peers returns the ids with a session, sorted
func (r *Registry) Peers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sessions returns a view of every session, sorted by peer
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, sess.Info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].PeerID < infos[j].PeerID })
	return infos
}

// HandleTrack records inbound media of sess; it reports whether the map changed
func (r *Registry) HandleTrack(sess *Session, track media.RemoteTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.peerID] != sess {
		return false
	}

	cur := r.streams[sess.peerID]
	if cur == nil || cur.StreamID != track.StreamID() {
		r.streams[sess.peerID] = &RemoteStream{
			PeerID:   sess.peerID,
			StreamID: track.StreamID(),
			Tracks:   []media.RemoteTrack{track},
		}
		return true
	}
	for _, t := range cur.Tracks {
		if t.ID() == track.ID() {
			return false
		}
	}
	r.streams[sess.peerID] = &RemoteStream{
		PeerID:   cur.PeerID,
		StreamID: cur.StreamID,
		Tracks:   append(slices.Clip(cur.Tracks), track),
	}
	return true
}

// HandleState records health; on a terminal state the peer's RemoteStream is
// dropped and true is returned so the caller closes the session
func (r *Registry) HandleState(sess *Session, h media.Health) bool {
	sess.setHealth(h)
	if !h.Terminal() {
		return false
	}
	r.mu.Lock()
	if r.sessions[sess.peerID] == sess {
		delete(r.streams, sess.peerID)
	}
	r.mu.Unlock()
	return true
}

// RemoteStreams returns a copy of the RemoteStream map
func (r *Registry) RemoteStreams() map[string]*RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*RemoteStream, len(r.streams))
	for id, s := range r.streams {
		out[id] = s
	}
	return out
}
