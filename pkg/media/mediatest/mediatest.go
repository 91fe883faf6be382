/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-16
 *
 * 内存版媒体引擎，供测试使用
 * SDP 是携带轨道列表的 JSON；两端都设置好描述即视为已连接
 */
package mediatest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maiguangyang/roomcast/pkg/media"
)

// Operation names accepted by Engine.SetFail and Connection.SetFail
const (
	OpCreateOffer          = "CreateOffer"
	OpCreateAnswer         = "CreateAnswer"
	OpSetLocalDescription  = "SetLocalDescription"
	OpSetRemoteDescription = "SetRemoteDescription"
	OpAddICECandidate      = "AddICECandidate"
	OpAddTrack             = "AddTrack"
)

// BadCandidate is rejected by AddICECandidate
const BadCandidate = "candidate:bad"

var (
	ErrClosed           = errors.New("mediatest: connection closed")
	ErrNoRemoteOffer    = errors.New("mediatest: no remote offer")
	ErrNoRemoteDesc     = errors.New("mediatest: remote description not set")
	ErrInvalidSDP       = errors.New("mediatest: invalid sdp")
	ErrInvalidCandidate = errors.New("mediatest: invalid candidate")
	// ErrRollbackSDP mirrors pion: a rollback must carry the pending offer
	ErrRollbackSDP = errors.New("mediatest: rollback does not match the pending local offer")
	// ErrHaveLocalOffer is returned for a remote offer while our own offer is pending
	ErrHaveLocalOffer = errors.New("mediatest: remote offer while a local offer is pending")
)

// Track is a fake local track
type Track struct {
	id   string
	kind media.Kind
}

// NewTrack creates a fake local track
func NewTrack(id string, kind media.Kind) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

// RemoteTrack is a fake inbound track
type RemoteTrack struct {
	id       string
	streamID string
	kind     media.Kind
}

func (t *RemoteTrack) ID() string       { return t.id }
func (t *RemoteTrack) StreamID() string { return t.streamID }
func (t *RemoteTrack) Kind() media.Kind { return t.kind }

type trackInfo struct {
	ID     string     `json:"id"`
	Stream string     `json:"stream"`
	Kind   media.Kind `json:"kind"`
}

type sdpBody struct {
	Conn   string      `json:"conn"`
	Tracks []trackInfo `json:"tracks"`
}

// Engine creates fake connections. Local tracks are announced under
// StreamID, normally the owning participant's id.
type Engine struct {
	StreamID string

	mu      sync.Mutex
	seq     int
	conns   []*Connection
	failNew error
	fail    map[string]error
}

var _ media.Engine = (*Engine)(nil)

// NewEngine creates an engine announcing tracks under streamID
func NewEngine(streamID string) *Engine {
	return &Engine{StreamID: streamID, fail: make(map[string]error)}
}

// FailNewConnection makes NewConnection return err until cleared with nil
func (e *Engine) FailNewConnection(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNew = err
}

// SetFail makes op fail with err on connections created afterwards
func (e *Engine) SetFail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.fail, op)
		return
	}
	e.fail[op] = err
}

// NewConnection implements media.Engine
func (e *Engine) NewConnection(iceServers []media.ICEServer) (media.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNew != nil {
		return nil, e.failNew
	}
	e.seq++
	c := &Connection{
		engine:     e,
		id:         fmt.Sprintf("%s-conn-%d", e.StreamID, e.seq),
		iceServers: iceServers,
		remoteSeen: make(map[string]bool),
		fail:       make(map[string]error),
	}
	for op, err := range e.fail {
		c.fail[op] = err
	}
	e.conns = append(e.conns, c)
	return c, nil
}

// Connections returns every connection created so far
func (e *Engine) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Connection(nil), e.conns...)
}

// Sender is a fake RTP sender
type Sender struct {
	mu    sync.Mutex
	track media.Track
}

func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

// Connection is a fake peer link
type Connection struct {
	engine     *Engine
	id         string
	iceServers []media.ICEServer

	mu         sync.Mutex
	senders    []*Sender
	local      *media.SessionDescription
	stable     *media.SessionDescription
	pending    *media.SessionDescription
	remote     *media.SessionDescription
	rollbacks  int
	remoteSeen map[string]bool
	candidates []media.ICECandidate
	candSeq    int
	health     media.Health
	closed     bool
	fail       map[string]error

	onCandidate func(media.ICECandidate)
	onTrack     func(media.RemoteTrack)
	onState     func(media.Health)
	onNeg       func()
}

var _ media.Connection = (*Connection)(nil)

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// SetFail makes op fail with err until cleared with nil
func (c *Connection) SetFail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

func (c *Connection) check(op string) error {
	if c.closed {
		return ErrClosed
	}
	return c.fail[op]
}

func (c *Connection) describe(typ media.SDPType) media.SessionDescription {
	body := sdpBody{Conn: c.id}
	for _, s := range c.senders {
		if t := s.Track(); t != nil {
			body.Tracks = append(body.Tracks, trackInfo{ID: t.ID(), Stream: c.engine.StreamID, Kind: t.Kind()})
		}
	}
	data, _ := json.Marshal(body)
	return media.SessionDescription{Type: typ, SDP: string(data)}
}

// CreateOffer implements media.Connection
func (c *Connection) CreateOffer() (media.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpCreateOffer); err != nil {
		return media.SessionDescription{}, err
	}
	return c.describe(media.SDPTypeOffer), nil
}

// CreateAnswer implements media.Connection
func (c *Connection) CreateAnswer() (media.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpCreateAnswer); err != nil {
		return media.SessionDescription{}, err
	}
	if c.remote == nil || c.remote.Type != media.SDPTypeOffer {
		return media.SessionDescription{}, ErrNoRemoteOffer
	}
	return c.describe(media.SDPTypeAnswer), nil
}

// SetLocalDescription implements media.Connection; it trickles one candidate
func (c *Connection) SetLocalDescription(desc media.SessionDescription) error {
	c.mu.Lock()
	if err := c.check(OpSetLocalDescription); err != nil {
		c.mu.Unlock()
		return err
	}
	if desc.Type == media.SDPTypeRollback {
		defer c.mu.Unlock()
		if c.pending == nil {
			return nil
		}
		if desc.SDP != c.pending.SDP {
			return ErrRollbackSDP
		}
		c.local = c.stable
		c.pending = nil
		c.rollbacks++
		return nil
	}
	c.local = &desc
	switch desc.Type {
	case media.SDPTypeOffer:
		c.pending = &desc
	case media.SDPTypeAnswer:
		c.stable = &desc
	}
	c.candSeq++
	n := c.candSeq
	onCandidate := c.onCandidate
	c.mu.Unlock()

	if onCandidate != nil {
		mid := "0"
		idx := uint16(0)
		onCandidate(media.ICECandidate{
			Candidate:     fmt.Sprintf("candidate:%s-%d 1 udp 2130706431 10.0.0.1 %d typ host", c.id, n, 5000+n),
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	}
	c.maybeConnected()
	return nil
}

// SetRemoteDescription implements media.Connection; it reports new remote tracks
func (c *Connection) SetRemoteDescription(desc media.SessionDescription) error {
	var body sdpBody
	if err := json.Unmarshal([]byte(desc.SDP), &body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}

	c.mu.Lock()
	if err := c.check(OpSetRemoteDescription); err != nil {
		c.mu.Unlock()
		return err
	}
	if desc.Type == media.SDPTypeOffer && c.pending != nil {
		c.mu.Unlock()
		return ErrHaveLocalOffer
	}
	c.remote = &desc
	if desc.Type == media.SDPTypeAnswer {
		c.stable = c.local
		c.pending = nil
	}
	var fresh []media.RemoteTrack
	for _, t := range body.Tracks {
		if c.remoteSeen[t.ID] {
			continue
		}
		c.remoteSeen[t.ID] = true
		fresh = append(fresh, &RemoteTrack{id: t.ID, streamID: t.Stream, kind: t.Kind})
	}
	onTrack := c.onTrack
	c.mu.Unlock()

	if onTrack != nil {
		for _, t := range fresh {
			onTrack(t)
		}
	}
	c.maybeConnected()
	return nil
}

func (c *Connection) maybeConnected() {
	c.mu.Lock()
	if c.closed || c.local == nil || c.remote == nil || c.health >= media.HealthConnecting {
		c.mu.Unlock()
		return
	}
	c.health = media.HealthConnected
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(media.HealthConnecting)
		fn(media.HealthConnected)
	}
}

// AddICECandidate implements media.Connection
func (c *Connection) AddICECandidate(cand media.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpAddICECandidate); err != nil {
		return err
	}
	if c.remote == nil {
		return ErrNoRemoteDesc
	}
	if cand.Candidate == BadCandidate {
		return ErrInvalidCandidate
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

// AddTrack implements media.Connection
func (c *Connection) AddTrack(t media.Track) (media.Sender, error) {
	c.mu.Lock()
	if err := c.check(OpAddTrack); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	renegotiate := c.local != nil
	fn := c.onNeg
	c.mu.Unlock()

	if renegotiate && fn != nil {
		fn()
	}
	return s, nil
}

// Close implements media.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.health = media.HealthClosed
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(media.HealthClosed)
	}
	return nil
}

// SetHealth simulates a connection state change
func (c *Connection) SetHealth(h media.Health) {
	c.mu.Lock()
	c.health = h
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

func (c *Connection) OnICECandidate(fn func(media.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Connection) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnConnectionStateChange(fn func(media.Health)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNeg = fn
}

// Candidates returns the remote candidates applied so far
func (c *Connection) Candidates() []media.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.ICECandidate(nil), c.candidates...)
}

// SenderTracks returns the ids of the tracks currently sent
func (c *Connection) SenderTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, s := range c.senders {
		if t := s.Track(); t != nil {
			ids = append(ids, t.ID())
		}
	}
	return ids
}

// Health returns the last reported state
func (c *Connection) Health() media.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Rollbacks returns how many pending local offers were rolled back
func (c *Connection) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// Closed reports whether Close was called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// HasRemoteDescription reports whether a remote description was applied
func (c *Connection) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

// Capture is a fake capture
type Capture struct {
	tracks []media.Track

	mu      sync.Mutex
	stopped bool
	ended   bool
	hooks   []func()
}

var _ media.Capture = (*Capture)(nil)

// NewCapture creates a capture of tracks
func NewCapture(tracks ...media.Track) *Capture {
	return &Capture{tracks: tracks}
}

func (c *Capture) Tracks() []media.Track {
	return append([]media.Track(nil), c.tracks...)
}

func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *Capture) OnEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// End simulates the capture ending outside the application
func (c *Capture) End() {
	c.mu.Lock()
	if c.stopped || c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Stopped reports whether Stop was called
func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Capturer hands out queued captures, or a fresh single-video capture
type Capturer struct {
	mu       sync.Mutex
	prefix   string
	queue    []*Capture
	err      error
	acquired int
}

var _ media.Capturer = (*Capturer)(nil)

// NewCapturer creates a capturer naming its tracks after prefix
func NewCapturer(prefix string) *Capturer {
	return &Capturer{prefix: prefix}
}

// Queue makes the next acquisition return c
func (cp *Capturer) Queue(c *Capture) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.queue = append(cp.queue, c)
}

// SetError makes acquisitions fail with err until cleared with nil
func (cp *Capturer) SetError(err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.err = err
}

// AcquireDisplayCapture implements media.Capturer
func (cp *Capturer) AcquireDisplayCapture(ctx context.Context) (media.Capture, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cp.err != nil {
		return nil, cp.err
	}
	cp.acquired++
	if len(cp.queue) > 0 {
		c := cp.queue[0]
		cp.queue = cp.queue[1:]
		return c, nil
	}
	return NewCapture(NewTrack(fmt.Sprintf("%s-video-%d", cp.prefix, cp.acquired), media.KindVideo)), nil
}

// Placeholder hands out silent audio tracks
type Placeholder struct {
	seq atomic.Int64
}

var _ media.PlaceholderSource = (*Placeholder)(nil)

// SilentPlaceholderTrack implements media.PlaceholderSource
func (p *Placeholder) SilentPlaceholderTrack() (media.Track, error) {
	return NewTrack(fmt.Sprintf("placeholder-%d", p.seq.Add(1)), media.KindAudio), nil
}
