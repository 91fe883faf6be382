/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 *
 * Session - 与单个远端的协商会话
 * 媒体操作在会话自己的串行队列中执行，结果回投到控制器
 */
package mesh

import (
	"sync"
	"time"

	"github.com/maiguangyang/roomcast/pkg/media"
)

// SessionState is the negotiation state of a session
type SessionState int

const (
	StateIdle SessionState = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is the side this session last took in an offer/answer exchange
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// SessionInfo is a read-only view of a session
type SessionInfo struct {
	PeerID     string `json:"peer_id"`
	State      string `json:"state"`
	Role       string `json:"role"`
	Health     string `json:"health"`
	Generation uint64 `json:"generation"`
}

// Session drives one peer connection through offer/answer
type Session struct {
	mu         sync.RWMutex
	peerID     string
	generation uint64
	conn       media.Connection
	role       Role
	state      SessionState
	health     media.Health

	// 以下字段只在控制器 actor 中读写
	localTracksAttached bool
	remoteDescSet       bool
	localSignaled       bool
	wantOffer           bool
	applyingAnswer      bool
	answersPending      int
	offerRound          uint64
	pendingCandidates   []media.ICECandidate
	outbound            []media.ICECandidate

	// senders 和 localOffer 只在 ops worker 中读写
	senders    []media.Sender
	localOffer *media.SessionDescription

	ops         *opQueue
	answerTimer *time.Timer
}

func newSession(peerID string, generation uint64, conn media.Connection) *Session {
	return &Session{
		peerID:     peerID,
		generation: generation,
		conn:       conn,
		ops:        newOpQueue(),
	}
}

// PeerID returns the remote peer id
func (s *Session) PeerID() string {
	return s.peerID
}

// Generation returns the registry-wide creation sequence of the session
func (s *Session) Generation() uint64 {
	return s.generation
}

// Connection returns the underlying peer link
func (s *Session) Connection() media.Connection {
	return s.conn
}

// State returns the negotiation state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Role returns the current role
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Health returns the last reported connection health
func (s *Session) Health() media.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		PeerID:     s.peerID,
		State:      s.state.String(),
		Role:       s.role.String(),
		Health:     s.health.String(),
		Generation: s.generation,
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *Session) setRole(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *Session) setHealth(h media.Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// live reports whether the session can start a new exchange right away
func (s *Session) live() bool {
	st := s.State()
	return st == StateIdle || st == StateConnected
}

// enqueue schedules op on the session worker
func (s *Session) enqueue(op func()) error {
	if !s.ops.push(op) {
		return ErrSessionClosed
	}
	return nil
}

// armAnswerTimer 在 d 后调用 fn，替换上一次的定时器
func (s *Session) armAnswerTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerTimer != nil {
		s.answerTimer.Stop()
	}
	if s.state == StateClosed {
		s.answerTimer = nil
		return
	}
	s.answerTimer = time.AfterFunc(d, fn)
}

func (s *Session) stopAnswerTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
}

// close marks the session Closed, drops queued operations and releases the
// connection. Safe to call more than once.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	s.mu.Unlock()

	s.ops.close()
	go s.conn.Close()
}

// attach 在 worker 中挂载本地轨道：同类 sender 已存在时 ReplaceTrack，否则 AddTrack
func (s *Session) attach(tracks []media.Track) error {
	used := make(map[int]bool, len(s.senders))
	for _, t := range tracks {
		idx := s.findSender(t, used)
		if idx >= 0 {
			used[idx] = true
			if s.senders[idx].Track() == t {
				continue
			}
			if err := s.senders[idx].ReplaceTrack(t); err != nil {
				return err
			}
			continue
		}
		sender, err := s.conn.AddTrack(t)
		if err != nil {
			return err
		}
		s.senders = append(s.senders, sender)
		used[len(s.senders)-1] = true
	}
	return nil
}

// rollback 在 worker 中撤销尚未得到应答的本地 offer
func (s *Session) rollback() error {
	offer := s.localOffer
	if offer == nil {
		return nil
	}
	s.localOffer = nil
	return s.conn.SetLocalDescription(media.SessionDescription{Type: media.SDPTypeRollback, SDP: offer.SDP})
}

// findSender 优先返回已经承载 t 的 sender，其次是同类或空闲的 sender
func (s *Session) findSender(t media.Track, used map[int]bool) int {
	candidate := -1
	for i, snd := range s.senders {
		if used[i] {
			continue
		}
		cur := snd.Track()
		if cur == t {
			return i
		}
		if candidate < 0 && (cur == nil || cur.Kind() == t.Kind()) {
			candidate = i
		}
	}
	return candidate
}

// opQueue 无界串行任务队列，push 永不阻塞
type opQueue struct {
	mu     sync.Mutex
	ops    []func()
	closed bool
	wake   chan struct{}
}

func newOpQueue() *opQueue {
	q := &opQueue{wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

func (q *opQueue) push(op func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.ops = append(q.ops, op)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

func (q *opQueue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed || len(q.ops) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			op := q.ops[0]
			q.ops[0] = nil
			q.ops = q.ops[1:]
			q.mu.Unlock()

			op()
		}
	}
}

func (q *opQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ops = nil
	close(q.wake)
}
