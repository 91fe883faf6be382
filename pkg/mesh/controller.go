/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 *
 * Controller - 房间信令控制器
 * 单 actor 处理全部入站信令、连接回调、媒体操作完成和本地命令，
 * 每个会话的媒体操作在各自的 worker 中执行，互不阻塞
 */
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/signaling"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// DefaultSTUNServer is used when no ICE servers are configured
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Config 控制器配置
type Config struct {
	RoomID  string
	LocalID string

	ICEServers []media.ICEServer

	// 新成员加入后，等待多久再向其发起 offer
	SettleDelay time.Duration

	// 单条信令发送超时
	SendTimeout time.Duration

	// 发出 OFFER 后等待 ANSWER 的时长，超时丢弃会话，推流中则重新 offer
	AnswerTimeout time.Duration

	// 信令断线后自动重连
	Reconnect bool

	Transport   signaling.Transport
	Engine      media.Engine
	Capturer    media.Capturer
	Placeholder media.PlaceholderSource

	Logger *utils.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ICEServers:  []media.ICEServer{{URLs: []string{DefaultSTUNServer}}},
		SettleDelay: 2 * time.Second,
		SendTimeout:   5 * time.Second,
		AnswerTimeout: 10 * time.Second,
		Reconnect:     true,
	}
}

// Snapshot is the read-only room view exposed to the UI layer
type Snapshot struct {
	Connected     bool                     `json:"connected"`
	Streaming     bool                     `json:"streaming"`
	Peers         []string                 `json:"peers"`
	Streamers     []string                 `json:"streamers"`
	RemoteStreams map[string]*RemoteStream `json:"remote_streams"`
	ActiveStreams map[string]*RemoteStream `json:"active_streams"`
	Sessions      []SessionInfo            `json:"sessions"`
}

// ToJSON 序列化为 JSON
func (s Snapshot) ToJSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Controller runs the signaling of one room for one local participant
type Controller struct {
	config   Config
	channel  *signaling.Channel
	registry *Registry
	events   *eventQueue
	stats    Stats
	logger   *utils.Logger

	mu        sync.RWMutex
	room      RoomState
	connected bool
	streaming bool
	joined    bool
	closed    bool
	onChange  func(Snapshot)

	// 以下字段只在 actor 中读写
	capture      media.Capture
	channelLost  bool
	settleTimers map[string]*time.Timer

	running   atomic.Bool
	startOnce sync.Once
	leaveOnce sync.Once
	leaveErr  error
	quit      chan struct{}
	done      chan struct{}
	changed   chan struct{}
}

// New creates a controller. Nothing is sent until Join.
func New(config Config) (*Controller, error) {
	switch {
	case config.RoomID == "":
		return nil, errors.New("mesh: room id is required")
	case config.LocalID == "":
		return nil, errors.New("mesh: local id is required")
	case config.Transport == nil:
		return nil, errors.New("mesh: transport is required")
	case config.Engine == nil:
		return nil, errors.New("mesh: media engine is required")
	}
	if len(config.ICEServers) == 0 {
		config.ICEServers = DefaultConfig().ICEServers
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultConfig().SendTimeout
	}
	if config.AnswerTimeout <= 0 {
		config.AnswerTimeout = DefaultConfig().AnswerTimeout
	}
	if config.SettleDelay < 0 {
		config.SettleDelay = 0
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}

	c := &Controller{
		config:       config,
		events:       newEventQueue(),
		logger:       logger.Named("Mesh"),
		settleTimers: make(map[string]*time.Timer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		changed:      make(chan struct{}, 1),
	}

	chCfg := signaling.DefaultChannelConfig(config.RoomID)
	chCfg.Reconnect = config.Reconnect
	c.channel = signaling.NewChannel(config.Transport, chCfg, signaling.WithChannelLogger(logger.Named("Channel")))
	c.channel.SetOnSignal(func(s *signaling.Signal) {
		c.events.push(evSignal{sig: s})
	})
	c.channel.SetOnStateChange(func(st signaling.ChannelState) {
		c.events.push(evChannelState{state: st})
	})

	c.registry = newRegistry(config.Engine, config.ICEServers, c.events.push, logger.Named("Registry"))
	return c, nil
}

// LocalID returns the local participant id
func (c *Controller) LocalID() string {
	return c.config.LocalID
}

// RoomID returns the room id
func (c *Controller) RoomID() string {
	return c.config.RoomID
}

// Registry returns the session registry
func (c *Controller) Registry() *Registry {
	return c.registry
}

// SetOnChange sets the observer fired on its own goroutine after state changes.
// Consecutive identical snapshots are delivered once.
func (c *Controller) SetOnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Join opens the room channel and announces the local participant.
// Joining again while joined resets every peer link and re-announces.
func (c *Controller) Join(ctx context.Context) error {
	if c.isClosed() {
		return ErrControllerClosed
	}
	c.start()

	if err := c.channel.Open(ctx); err != nil {
		return &TransportError{Op: "join", Err: err}
	}
	return c.do(ctx, func() error {
		if c.isClosed() {
			return ErrControllerClosed
		}
		c.mu.RLock()
		rejoin := c.joined
		c.mu.RUnlock()
		if rejoin {
			c.resetLinks()
		}
		if err := c.send(c.signal(signaling.SignalJoin, "")); err != nil {
			return err
		}
		c.mu.Lock()
		c.joined = true
		c.mu.Unlock()
		c.logger.Info("Joined room %s as %s", c.config.RoomID, c.config.LocalID)
		return nil
	})
}

// StartStream acquires a display capture and offers it to every peer.
// Any previous capture is stopped first.
func (c *Controller) StartStream(ctx context.Context) error {
	if c.isClosed() {
		return ErrControllerClosed
	}
	c.mu.RLock()
	joined := c.joined
	c.mu.RUnlock()
	if !joined {
		return ErrNotJoined
	}
	if c.config.Capturer == nil {
		return &MediaAcquisitionError{}
	}

	capture, err := c.config.Capturer.AcquireDisplayCapture(ctx)
	if err != nil {
		return &MediaAcquisitionError{Err: err}
	}
	return c.do(ctx, func() error {
		if c.isClosed() {
			capture.Stop()
			return ErrControllerClosed
		}
		return c.beginCapture(capture)
	})
}

// StopStream stops the local capture and announces STOPSTREAM
func (c *Controller) StopStream(ctx context.Context) error {
	if c.isClosed() {
		return ErrControllerClosed
	}
	if !c.running.Load() {
		return nil
	}
	return c.do(ctx, func() error {
		if c.capture != nil {
			c.capture.Stop()
			c.capture = nil
		}
		c.setStreaming(false)
		c.mu.RLock()
		joined := c.joined
		c.mu.RUnlock()
		if !joined {
			return nil
		}
		return c.send(c.signal(signaling.SignalStopStream, ""))
	})
}

// Leave announces LEAVE and tears everything down. Only the first call has
// any effect; later calls return the first result.
func (c *Controller) Leave() error {
	c.leaveOnce.Do(func() {
		c.leaveErr = c.leave()
	})
	return c.leaveErr
}

func (c *Controller) leave() error {
	var first error
	teardown := func() error {
		c.stopSettleTimers()
		c.mu.RLock()
		joined := c.joined
		c.mu.RUnlock()

		var err error
		if joined && c.channel.Connected() {
			err = c.send(c.signal(signaling.SignalLeave, ""))
		}
		c.mu.Lock()
		c.closed = true
		c.joined = false
		c.streaming = false
		c.mu.Unlock()

		if c.capture != nil {
			c.capture.Stop()
			c.capture = nil
		}
		c.registry.CloseAll()
		return err
	}

	if c.running.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
		first = c.do(ctx, teardown)
		cancel()
		close(c.quit)
		<-c.done
		if errors.Is(first, context.DeadlineExceeded) || errors.Is(first, ErrControllerClosed) {
			// actor 未能执行 teardown，这里补做
			teardown()
		}
	} else {
		first = teardown()
	}

	if err := c.channel.Close(); err != nil && first == nil {
		first = &TransportError{Op: "close", Err: err}
	}
	c.logger.Info("Left room %s", c.config.RoomID)
	return first
}

// Snapshot returns the current observable state
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	room := c.room.Clone()
	connected, streaming := c.connected, c.streaming
	c.mu.RUnlock()

	remote := c.registry.RemoteStreams()
	active := make(map[string]*RemoteStream, len(remote))
	for id, s := range remote {
		if room.IsStreamer(id) {
			active[id] = s
		}
	}
	if room.Peers == nil {
		room.Peers = []string{}
	}
	if room.Streamers == nil {
		room.Streamers = []string{}
	}
	return Snapshot{
		Connected:     connected,
		Streaming:     streaming,
		Peers:         room.Peers,
		Streamers:     room.Streamers,
		RemoteStreams: remote,
		ActiveStreams: active,
		Sessions:      c.registry.Sessions(),
	}
}

// GetStats returns the dispatch counters
func (c *Controller) GetStats() StatsSnapshot {
	return c.stats.Snapshot()
}

// GetStatus 获取状态
func (c *Controller) GetStatus() map[string]interface{} {
	snap := c.Snapshot()
	active := make([]string, 0, len(snap.ActiveStreams))
	for id := range snap.ActiveStreams {
		active = append(active, id)
	}
	return map[string]interface{}{
		"room_id":        c.config.RoomID,
		"local_id":       c.config.LocalID,
		"connected":      snap.Connected,
		"streaming":      snap.Streaming,
		"peers":          snap.Peers,
		"streamers":      snap.Streamers,
		"active_streams": active,
		"sessions":       snap.Sessions,
		"stats":          c.stats.Snapshot(),
		"channel":        c.channel.Stats(),
	}
}

// ToJSON 获取 JSON 状态
func (c *Controller) ToJSON() string {
	data, _ := json.Marshal(c.GetStatus())
	return string(data)
}

func (c *Controller) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Controller) start() {
	c.startOnce.Do(func() {
		c.running.Store(true)
		go c.run()
		go c.notifyLoop()
	})
}

// do 在 actor 中执行 fn 并等待结果
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	c.events.push(evCommand{fn: fn, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-c.events.notify:
		}
		for _, ev := range c.events.drain() {
			select {
			case <-c.quit:
				return
			default:
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	switch e := ev.(type) {
	case evCommand:
		e.reply <- e.fn()
	case evSignal:
		c.handleSignal(e.sig)
	case evChannelState:
		c.handleChannelState(e.state)
	case evLocalCandidate:
		c.handleLocalCandidate(e)
	case evTrack:
		if c.registry.HandleTrack(e.sess, e.track) {
			c.logger.Debug("Track %s from %s", e.track.ID(), e.sess.peerID)
			c.markChanged()
		}
	case evHealth:
		c.handleHealth(e)
	case evNegotiationNeeded:
		c.handleNegotiationNeeded(e)
	case evOfferCreated:
		c.handleOfferCreated(e)
	case evRemoteApplied:
		c.handleRemoteApplied(e)
	case evAnswerCreated:
		c.handleAnswerCreated(e)
	case evCandidateResult:
		c.stats.CandidatesFailed.Add(1)
		c.logger.Warn("%v", &CandidateError{PeerID: e.sess.peerID, Err: e.err})
	case evSettle:
		c.handleSettle(e)
	case evCaptureEnded:
		c.handleCaptureEnded(e)
	case evAnswerTimeout:
		c.handleAnswerTimeout(e)
	default:
		c.logger.Error("Unknown event %T", ev)
	}
}

// markChanged 合并通知，由 notifyLoop 读取最新快照
func (c *Controller) markChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Controller) notifyLoop() {
	var last string
	deliver := func() {
		c.mu.RLock()
		fn := c.onChange
		c.mu.RUnlock()
		if fn == nil {
			return
		}
		snap := c.Snapshot()
		key := snap.ToJSON()
		if key == last {
			return
		}
		last = key
		fn(snap)
	}
	for {
		select {
		case <-c.changed:
			deliver()
		case <-c.done:
			deliver()
			return
		}
	}
}

func (c *Controller) signal(typ signaling.SignalType, receiver string) *signaling.Signal {
	return &signaling.Signal{Type: typ, Sender: c.config.LocalID, Receiver: receiver}
}

func (c *Controller) send(sig *signaling.Signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
	defer cancel()
	if err := c.channel.Send(ctx, sig); err != nil {
		c.stats.SendFailures.Add(1)
		terr := &TransportError{Op: "send " + string(sig.Type), Err: err}
		c.logger.Warn("%v", terr)
		return terr
	}
	c.stats.SignalsSent.Add(1)
	return nil
}

func (c *Controller) setStreaming(on bool) {
	c.mu.Lock()
	changed := c.streaming != on
	c.streaming = on
	c.mu.Unlock()
	if changed {
		c.markChanged()
	}
}

func (c *Controller) localTracks() []media.Track {
	if c.capture == nil {
		return nil
	}
	return c.capture.Tracks()
}

// ---- 入站信令 ----

func (c *Controller) handleSignal(sig *signaling.Signal) {
	c.stats.SignalsReceived.Add(1)
	self := c.config.LocalID
	if !sig.AddressedTo(self) {
		c.stats.SignalsFiltered.Add(1)
		return
	}

	switch sig.Type {
	case signaling.SignalJoin, signaling.SignalLeave, signaling.SignalStartStream, signaling.SignalStopStream:
		c.applyRoom(sig)
	}

	if sig.Type.IsNegotiation() && sig.Sender == self {
		c.stats.SignalsDropped.Add(1)
		return
	}

	switch sig.Type {
	case signaling.SignalJoin:
		c.handleJoin(sig)
	case signaling.SignalLeave:
		if sig.Sender != self {
			c.dropPeer(sig.Sender)
		}
	case signaling.SignalOffer:
		c.handleOffer(sig)
	case signaling.SignalAnswer:
		c.handleAnswer(sig)
	case signaling.SignalCandidate:
		c.handleCandidate(sig)
	}
}

func (c *Controller) applyRoom(sig *signaling.Signal) {
	next := c.room.Apply(sig)
	if next.Equal(c.room) {
		return
	}
	c.mu.Lock()
	c.room = next
	c.mu.Unlock()
	c.markChanged()
}

// handleJoin 新成员加入：旧会话视为失效；本端正在推流时延迟向其发起 offer
func (c *Controller) handleJoin(sig *signaling.Signal) {
	self := c.config.LocalID
	if sig.Sender == self {
		if c.capture == nil {
			return
		}
		for _, p := range c.room.Peers {
			if p == self {
				continue
			}
			if _, ok := c.registry.Get(p); !ok {
				c.offerTo(p)
			}
		}
		return
	}

	if sess, ok := c.registry.Get(sig.Sender); ok {
		c.logger.Info("Peer %s rejoined, dropping session #%d", sig.Sender, sess.generation)
		c.evict(sess)
	}
	if c.capture != nil {
		c.scheduleSettle(sig.Sender)
	}
}

func (c *Controller) dropPeer(peerID string) {
	if t, ok := c.settleTimers[peerID]; ok {
		t.Stop()
		delete(c.settleTimers, peerID)
	}
	if sess, ok := c.registry.Get(peerID); ok {
		c.evict(sess)
	}
}

func (c *Controller) handleOffer(sig *signaling.Signal) {
	if sig.SDP == nil {
		c.stats.SignalsDropped.Add(1)
		return
	}
	peer := sig.Sender
	self := c.config.LocalID

	// 已离开或尚未加入的成员发来的 offer 直接丢弃
	if c.room.Peers != nil && !c.room.HasPeer(peer) {
		c.stats.StaleOffers.Add(1)
		c.logger.Debug("Offer from %s who is not in the room", peer)
		return
	}

	sess, ok := c.registry.Get(peer)
	rollback := false
	switch {
	case !ok || sess.State() == StateClosed:
		s, err := c.registry.GetOrCreate(peer)
		if err != nil {
			c.stats.NegotiationFails.Add(1)
			c.logger.Warn("%v", err)
			return
		}
		sess = s
	case sess.State() == StateOffering || sess.State() == StateAwaitingAnswer:
		// 双方同时 offer：id 较小的一方让步，回滚自己的 offer
		if self > peer {
			c.stats.GlareIgnored.Add(1)
			c.logger.Debug("Glare with %s, keeping our offer", peer)
			return
		}
		c.stats.GlareRolledBack.Add(1)
		c.logger.Debug("Glare with %s, rolling back our offer", peer)
		rollback = true
		sess.wantOffer = true
		sess.applyingAnswer = false
		sess.stopAnswerTimer()
	}

	sess.setState(StateAnswering)
	sess.setRole(RoleAnswerer)
	sess.localSignaled = false
	sess.answersPending++

	tracks := c.localTracks()
	if len(tracks) == 0 && !sess.localTracksAttached && c.config.Placeholder != nil {
		t, err := c.config.Placeholder.SilentPlaceholderTrack()
		if err != nil {
			c.logger.Warn("Placeholder track unavailable: %v", err)
		} else {
			tracks = []media.Track{t}
		}
	}
	if len(tracks) > 0 {
		sess.localTracksAttached = true
	}

	offer := media.SessionDescription{Type: media.SDPTypeOffer, SDP: sig.SDP.SDP}
	post := c.events.push
	err := sess.enqueue(func() {
		fail := func(op string, err error) error {
			return &NegotiationError{Op: op, PeerID: peer, Err: err}
		}
		if rollback {
			if err := sess.rollback(); err != nil {
				post(evRemoteApplied{sess: sess, typ: media.SDPTypeOffer, err: fail("rollback", err)})
				return
			}
		}
		if err := sess.conn.SetRemoteDescription(offer); err != nil {
			post(evRemoteApplied{sess: sess, typ: media.SDPTypeOffer, err: fail("set-remote-offer", err)})
			return
		}
		post(evRemoteApplied{sess: sess, typ: media.SDPTypeOffer})

		if err := sess.attach(tracks); err != nil {
			post(evAnswerCreated{sess: sess, err: fail("attach-tracks", err)})
			return
		}
		answer, err := sess.conn.CreateAnswer()
		if err != nil {
			post(evAnswerCreated{sess: sess, err: fail("create-answer", err)})
			return
		}
		if err := sess.conn.SetLocalDescription(answer); err != nil {
			post(evAnswerCreated{sess: sess, err: fail("set-local-answer", err)})
			return
		}
		post(evAnswerCreated{sess: sess, desc: answer})
	})
	if err != nil {
		c.logger.Debug("Offer from %s: %v", peer, err)
		return
	}
	c.markChanged()
}

func (c *Controller) handleAnswer(sig *signaling.Signal) {
	if sig.SDP == nil {
		c.stats.SignalsDropped.Add(1)
		return
	}
	sess, ok := c.registry.Get(sig.Sender)
	if !ok || sess.State() != StateAwaitingAnswer || sess.applyingAnswer {
		c.stats.UnexpectedAnswers.Add(1)
		c.logger.Debug("%v from %s", ErrUnexpectedAnswer, sig.Sender)
		return
	}

	sess.applyingAnswer = true
	answer := media.SessionDescription{Type: media.SDPTypeAnswer, SDP: sig.SDP.SDP}
	post := c.events.push
	err := sess.enqueue(func() {
		var err error
		if e := sess.conn.SetRemoteDescription(answer); e != nil {
			err = &NegotiationError{Op: "set-remote-answer", PeerID: sess.peerID, Err: e}
		} else {
			sess.localOffer = nil
		}
		post(evRemoteApplied{sess: sess, typ: media.SDPTypeAnswer, err: err})
	})
	if err != nil {
		sess.applyingAnswer = false
		c.logger.Debug("Answer from %s: %v", sess.peerID, err)
	}
}

func (c *Controller) handleCandidate(sig *signaling.Signal) {
	if sig.Candidate == nil {
		c.stats.SignalsDropped.Add(1)
		return
	}
	sess, ok := c.registry.Get(sig.Sender)
	if !ok || sess.State() == StateClosed {
		c.stats.CandidatesUnknown.Add(1)
		c.logger.Debug("%v: candidate from %s", ErrUnknownPeer, sig.Sender)
		return
	}

	cand := media.ICECandidate{
		Candidate:        sig.Candidate.Candidate,
		SDPMid:           sig.Candidate.SDPMid,
		SDPMLineIndex:    sig.Candidate.SDPMLineIndex,
		UsernameFragment: sig.Candidate.UsernameFragment,
	}
	if !sess.remoteDescSet {
		sess.pendingCandidates = append(sess.pendingCandidates, cand)
		c.stats.CandidatesQueued.Add(1)
		return
	}
	c.applyCandidate(sess, cand)
}

func (c *Controller) applyCandidate(sess *Session, cand media.ICECandidate) {
	post := c.events.push
	err := sess.enqueue(func() {
		if err := sess.conn.AddICECandidate(cand); err != nil {
			post(evCandidateResult{sess: sess, err: err})
		}
	})
	if err != nil {
		c.logger.Debug("Candidate from %s: %v", sess.peerID, err)
	}
}

// ---- 通道状态 ----

func (c *Controller) handleChannelState(st signaling.ChannelState) {
	connected := st == signaling.ChannelStateConnected
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	joined, closed := c.joined, c.closed
	c.mu.Unlock()
	if changed {
		c.markChanged()
	}
	if closed || !joined {
		return
	}

	switch st {
	case signaling.ChannelStateDisconnected:
		c.channelLost = true
	case signaling.ChannelStateConnected:
		if !c.channelLost {
			return
		}
		// 服务端已把本端当作离开处理，链接全部重建
		c.channelLost = false
		c.logger.Info("Channel restored, rejoining room %s", c.config.RoomID)
		c.resetLinks()
		if err := c.send(c.signal(signaling.SignalJoin, "")); err != nil {
			return
		}
		if c.capture != nil {
			c.send(c.signal(signaling.SignalStartStream, ""))
		}
	}
}

func (c *Controller) resetLinks() {
	c.stopSettleTimers()
	if c.registry.Len() > 0 {
		c.registry.Reset()
		c.markChanged()
	}
}

// ---- 连接回调 ----

func (c *Controller) handleLocalCandidate(e evLocalCandidate) {
	if !c.registry.IsCurrent(e.sess) {
		return
	}
	if !e.sess.localSignaled {
		e.sess.outbound = append(e.sess.outbound, e.candidate)
		return
	}
	c.sendCandidate(e.sess, e.candidate)
}

func (c *Controller) sendCandidate(sess *Session, cand media.ICECandidate) {
	sig := c.signal(signaling.SignalCandidate, sess.peerID)
	sig.Candidate = &signaling.CandidateMessage{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
	c.send(sig)
}

func (c *Controller) flushOutbound(sess *Session) {
	out := sess.outbound
	sess.outbound = nil
	for _, cand := range out {
		c.sendCandidate(sess, cand)
	}
}

func (c *Controller) handleHealth(e evHealth) {
	if !c.registry.IsCurrent(e.sess) {
		return
	}
	if c.registry.HandleState(e.sess, e.health) {
		c.logger.Info("Session with %s %s", e.sess.peerID, e.health)
		c.evict(e.sess)
	}
	c.markChanged()
}

// handleNegotiationNeeded 仅作提示：会话空闲且本端有待发送的轨道时才重新 offer
func (c *Controller) handleNegotiationNeeded(e evNegotiationNeeded) {
	if !c.registry.IsCurrent(e.sess) || e.sess.State() != StateConnected {
		return
	}
	if e.sess.wantOffer || c.capture != nil {
		c.startOffer(e.sess)
	}
}

// ---- offer / answer ----

// offerTo 向 peer 发起 offer；会话忙时推迟到当前交换结束
func (c *Controller) offerTo(peerID string) {
	sess, ok := c.registry.Get(peerID)
	if !ok || sess.State() == StateClosed {
		s, err := c.registry.GetOrCreate(peerID)
		if err != nil {
			c.stats.NegotiationFails.Add(1)
			c.logger.Warn("%v", err)
			return
		}
		sess = s
		c.markChanged()
	}
	if sess.live() {
		c.startOffer(sess)
		return
	}
	sess.wantOffer = true
}

func (c *Controller) startOffer(sess *Session) {
	tracks := c.localTracks()
	if len(tracks) > 0 {
		sess.localTracksAttached = true
	}
	sess.wantOffer = false
	sess.localSignaled = false
	sess.offerRound++
	sess.setState(StateOffering)
	sess.setRole(RoleOfferer)

	post := c.events.push
	err := sess.enqueue(func() {
		fail := func(op string, err error) {
			post(evOfferCreated{sess: sess, err: &NegotiationError{Op: op, PeerID: sess.peerID, Err: err}})
		}
		if err := sess.attach(tracks); err != nil {
			fail("attach-tracks", err)
			return
		}
		offer, err := sess.conn.CreateOffer()
		if err != nil {
			fail("create-offer", err)
			return
		}
		if err := sess.conn.SetLocalDescription(offer); err != nil {
			fail("set-local-offer", err)
			return
		}
		sess.localOffer = &offer
		post(evOfferCreated{sess: sess, desc: offer})
	})
	if err != nil {
		c.logger.Debug("Offer to %s: %v", sess.peerID, err)
		return
	}
	c.markChanged()
}

func (c *Controller) handleOfferCreated(e evOfferCreated) {
	sess := e.sess
	// 回滚后到达的结果直接丢弃
	if !c.registry.IsCurrent(sess) || sess.State() != StateOffering {
		return
	}
	if e.err != nil {
		c.fail(sess, e.err)
		return
	}

	sig := c.signal(signaling.SignalOffer, sess.peerID)
	sig.SDP = &signaling.SessionDescription{Type: string(e.desc.Type), SDP: e.desc.SDP}
	if err := c.send(sig); err != nil {
		c.fail(sess, &NegotiationError{Op: "send-offer", PeerID: sess.peerID, Err: err})
		return
	}
	c.stats.OffersSent.Add(1)
	sess.localSignaled = true
	c.flushOutbound(sess)
	sess.setState(StateAwaitingAnswer)
	round := sess.offerRound
	post := c.events.push
	sess.armAnswerTimer(c.config.AnswerTimeout, func() {
		post(evAnswerTimeout{sess: sess, round: round})
	})
	c.markChanged()
}

func (c *Controller) handleRemoteApplied(e evRemoteApplied) {
	sess := e.sess
	if !c.registry.IsCurrent(sess) {
		return
	}
	if e.typ == media.SDPTypeAnswer {
		sess.applyingAnswer = false
		sess.stopAnswerTimer()
	}
	if e.err != nil {
		c.fail(sess, e.err)
		return
	}

	sess.remoteDescSet = true
	if pending := sess.pendingCandidates; len(pending) > 0 {
		sess.pendingCandidates = nil
		for _, cand := range pending {
			c.applyCandidate(sess, cand)
		}
		c.stats.CandidatesFlushed.Add(uint64(len(pending)))
	}

	if e.typ == media.SDPTypeAnswer && sess.State() == StateAwaitingAnswer {
		sess.setState(StateConnected)
		c.markChanged()
		c.afterExchange(sess)
	}
}

func (c *Controller) handleAnswerCreated(e evAnswerCreated) {
	sess := e.sess
	if !c.registry.IsCurrent(sess) {
		return
	}
	if e.err != nil {
		c.fail(sess, e.err)
		return
	}
	if sess.answersPending > 0 {
		sess.answersPending--
	}

	sig := c.signal(signaling.SignalAnswer, sess.peerID)
	sig.SDP = &signaling.SessionDescription{Type: string(e.desc.Type), SDP: e.desc.SDP}
	if err := c.send(sig); err != nil {
		c.fail(sess, &NegotiationError{Op: "send-answer", PeerID: sess.peerID, Err: err})
		return
	}
	c.stats.AnswersSent.Add(1)
	sess.localSignaled = true
	c.flushOutbound(sess)

	if sess.answersPending == 0 {
		sess.setState(StateConnected)
		c.markChanged()
		c.afterExchange(sess)
	}
}

// afterExchange 交换结束后补发被推迟的 offer
func (c *Controller) afterExchange(sess *Session) {
	if sess.wantOffer {
		c.startOffer(sess)
	}
}

// handleAnswerTimeout 对端一直不应答：丢弃会话，仍在推流则重新 offer
func (c *Controller) handleAnswerTimeout(e evAnswerTimeout) {
	sess := e.sess
	if !c.registry.IsCurrent(sess) || sess.offerRound != e.round ||
		sess.State() != StateAwaitingAnswer || sess.applyingAnswer {
		return
	}
	c.stats.AnswerTimeouts.Add(1)
	c.fail(sess, &NegotiationError{Op: "await-answer", PeerID: sess.peerID, Err: ErrAnswerTimeout})
	if c.capture != nil && c.room.HasPeer(sess.peerID) {
		c.offerTo(sess.peerID)
	}
}

func (c *Controller) fail(sess *Session, err error) {
	c.stats.NegotiationFails.Add(1)
	c.logger.Warn("%v", err)
	c.evict(sess)
}

func (c *Controller) evict(sess *Session) {
	if c.registry.Remove(sess.peerID, sess) {
		c.stats.SessionsEvicted.Add(1)
		c.markChanged()
	}
}

// ---- 本地采集 ----

func (c *Controller) beginCapture(capture media.Capture) error {
	if prev := c.capture; prev != nil {
		prev.Stop()
	}
	c.capture = capture
	capture.OnEnded(func() {
		c.events.push(evCaptureEnded{capture: capture})
	})

	self := c.config.LocalID
	targets := make(map[string]bool)
	for _, p := range c.room.Peers {
		if p != self {
			targets[p] = true
		}
	}
	for _, p := range c.registry.Peers() {
		targets[p] = true
	}
	for p := range targets {
		c.offerTo(p)
	}

	c.setStreaming(true)
	c.logger.Info("Streaming %d track(s) to %d peer(s)", len(capture.Tracks()), len(targets))
	return c.send(c.signal(signaling.SignalStartStream, ""))
}

func (c *Controller) handleCaptureEnded(e evCaptureEnded) {
	if c.capture == nil || e.capture != c.capture {
		return
	}
	c.logger.Info("Capture ended, stopping stream")
	c.capture = nil
	c.setStreaming(false)
	c.send(c.signal(signaling.SignalStopStream, ""))
}

func (c *Controller) scheduleSettle(peerID string) {
	if t, ok := c.settleTimers[peerID]; ok {
		t.Stop()
	}
	ev := evSettle{peerID: peerID, capture: c.capture}
	if c.config.SettleDelay <= 0 {
		delete(c.settleTimers, peerID)
		c.events.push(ev)
		return
	}
	c.settleTimers[peerID] = time.AfterFunc(c.config.SettleDelay, func() {
		c.events.push(ev)
	})
}

func (c *Controller) handleSettle(e evSettle) {
	delete(c.settleTimers, e.peerID)
	if c.capture == nil || e.capture != c.capture || !c.room.HasPeer(e.peerID) {
		return
	}
	c.logger.Debug("Offering to late joiner %s", e.peerID)
	c.offerTo(e.peerID)
	c.send(c.signal(signaling.SignalStartStream, ""))
}

func (c *Controller) stopSettleTimers() {
	for id, t := range c.settleTimers {
		t.Stop()
		delete(c.settleTimers, id)
	}
}

// String 便于日志输出
func (c *Controller) String() string {
	return fmt.Sprintf("Controller(%s@%s)", c.config.LocalID, c.config.RoomID)
}
