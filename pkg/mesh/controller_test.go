/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 */
package mesh

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/maiguangyang/roomcast/pkg/broker"
	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/media/mediatest"
	"github.com/maiguangyang/roomcast/pkg/signaling"
)

const waitTimeout = 3 * time.Second

// participant 一个完整的本地参与者：控制器 + 假媒体引擎 + 内存传输
type participant struct {
	id        string
	ctrl      *Controller
	engine    *mediatest.Engine
	capturer  *mediatest.Capturer
	transport *broker.MemoryTransport
}

func newParticipant(t *testing.T, m *broker.Memory, id string, settle time.Duration) *participant {
	t.Helper()
	return newParticipantWith(t, m, id, settle, nil)
}

// newParticipantWith 允许在 New 之前调整配置
func newParticipantWith(t *testing.T, m *broker.Memory, id string, settle time.Duration, tune func(*Config)) *participant {
	t.Helper()
	p := &participant{
		id:        id,
		engine:    mediatest.NewEngine(id),
		capturer:  mediatest.NewCapturer(id),
		transport: m.NewTransport(),
	}
	cfg := DefaultConfig()
	cfg.RoomID = "room"
	cfg.LocalID = id
	cfg.SettleDelay = settle
	cfg.Transport = p.transport
	cfg.Engine = p.engine
	cfg.Capturer = p.capturer
	cfg.Placeholder = &mediatest.Placeholder{}
	cfg.Logger = quietLogger()
	if tune != nil {
		tune(&cfg)
	}

	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.ctrl = ctrl
	t.Cleanup(func() { ctrl.Leave() })
	return p
}

func (p *participant) join(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := p.ctrl.Join(ctx); err != nil {
		t.Fatalf("%s Join failed: %v", p.id, err)
	}
}

func (p *participant) startStream(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := p.ctrl.StartStream(ctx); err != nil {
		t.Fatalf("%s StartStream failed: %v", p.id, err)
	}
}

func (p *participant) sessionState(peer string) SessionState {
	sess, ok := p.ctrl.Registry().Get(peer)
	if !ok {
		return StateClosed
	}
	return sess.State()
}

func (p *participant) conn(t *testing.T, peer string) *mediatest.Connection {
	t.Helper()
	sess, ok := p.ctrl.Registry().Get(peer)
	if !ok {
		t.Fatalf("%s has no session for %s", p.id, peer)
	}
	return sess.Connection().(*mediatest.Connection)
}

func (p *participant) hasActive(peer string) bool {
	_, ok := p.ctrl.Snapshot().ActiveStreams[peer]
	return ok
}

func (p *participant) hasRemote(peer string) bool {
	_, ok := p.ctrl.Snapshot().RemoteStreams[peer]
	return ok
}

func (p *participant) peers() []string {
	return p.ctrl.Snapshot().Peers
}

// joinAll 按顺序加入并等待所有人看到完整成员
func joinAll(t *testing.T, ps ...*participant) {
	t.Helper()
	var ids []string
	for _, p := range ps {
		p.join(t)
		ids = append(ids, p.id)
	}
	slices.Sort(ids)
	for _, p := range ps {
		p := p
		waitUntil(t, waitTimeout, func() bool { return slices.Equal(p.peers(), ids) }, p.id+" sees all peers")
	}
}

// rawPeer 直接收发信令的对端，用来构造精确的时序
type rawPeer struct {
	id        string
	transport *broker.MemoryTransport
	ch        chan *signaling.Signal
}

func newRawPeer(t *testing.T, m *broker.Memory, id string) *rawPeer {
	t.Helper()
	r := &rawPeer{id: id, transport: m.NewTransport(), ch: make(chan *signaling.Signal, 128)}
	ctx := context.Background()
	if err := r.transport.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := r.transport.Subscribe(ctx, signaling.RoomTopic("room"), func(payload []byte) {
		if s, err := signaling.Decode(payload); err == nil && s.AddressedTo(id) {
			r.ch <- s
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.transport.Close() })
	return r
}

func (r *rawPeer) send(t *testing.T, s *signaling.Signal) {
	t.Helper()
	s.Sender = r.id
	payload, err := signaling.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.transport.Publish(context.Background(), signaling.RoomDestination("room"), payload); err != nil {
		t.Fatal(err)
	}
}

// expect 等待下一条指定类型的信令，跳过其它类型
func (r *rawPeer) expect(t *testing.T, typ signaling.SignalType) *signaling.Signal {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-r.ch:
			if s.Type == typ && s.Sender != r.id {
				return s
			}
		case <-timeout:
			t.Fatalf("%s timed out waiting for %s", r.id, typ)
			return nil
		}
	}
}

// fakeSDP 生成 mediatest 能解析的描述
func fakeSDP(typ, conn string, tracks ...string) *signaling.SessionDescription {
	body := `{"conn":"` + conn + `","tracks":[`
	for i, id := range tracks {
		if i > 0 {
			body += ","
		}
		body += `{"id":"` + id + `","stream":"` + conn + `","kind":"video"}`
	}
	body += `]}`
	return &signaling.SessionDescription{Type: typ, SDP: body}
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", 10*time.Millisecond)
	b := newParticipant(t, m, "b", 10*time.Millisecond)
	c := newParticipant(t, m, "c", 10*time.Millisecond)
	joinAll(t, a, b, c)

	a.startStream(t)

	for _, p := range []*participant{b, c} {
		p := p
		waitUntil(t, waitTimeout, func() bool { return p.sessionState("a") == StateConnected }, p.id+" connected to a")
		waitUntil(t, waitTimeout, func() bool { return p.hasActive("a") }, p.id+" sees a's stream")
		snap := p.ctrl.Snapshot()
		if !slices.Equal(snap.Streamers, []string{"a"}) {
			t.Errorf("%s streamers = %v", p.id, snap.Streamers)
		}
		if len(snap.ActiveStreams) != 1 {
			t.Errorf("%s active = %v", p.id, snap.ActiveStreams)
		}
	}
	waitUntil(t, waitTimeout, func() bool {
		return a.sessionState("b") == StateConnected && a.sessionState("c") == StateConnected
	}, "a connected to b and c")

	// 非推流者的占位轨道只出现在 remoteStreams，不在 activeStreams
	waitUntil(t, waitTimeout, func() bool { return a.hasRemote("b") }, "a receives b's placeholder")
	if a.hasActive("b") {
		t.Error("Placeholder media must not be an active stream")
	}
	if !a.ctrl.Snapshot().Streaming {
		t.Error("a should be streaming")
	}
	if n := a.ctrl.GetStats().OffersSent; n < 2 {
		t.Errorf("OffersSent = %d", n)
	}
}

func TestLateJoinerReceivesStream(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", 20*time.Millisecond)
	b := newParticipant(t, m, "b", 20*time.Millisecond)
	joinAll(t, a, b)
	a.startStream(t)
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "b sees a")

	d := newParticipant(t, m, "d", 20*time.Millisecond)
	d.join(t)

	waitUntil(t, waitTimeout, func() bool { return d.hasRemote("a") }, "d receives a")
	waitUntil(t, waitTimeout, func() bool { return d.hasActive("a") }, "d learns a is streaming")
	if d.sessionState("a") != StateConnected {
		t.Errorf("d session state = %v", d.sessionState("a"))
	}
	// b 的链接不受影响
	if !b.hasActive("a") {
		t.Error("b lost a's stream")
	}
}

func TestFailedLinkEvictedOnBothSides(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", 10*time.Millisecond)
	b := newParticipant(t, m, "b", 10*time.Millisecond)
	joinAll(t, a, b)
	a.startStream(t)
	b.startStream(t)

	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") && a.hasActive("b") }, "both see each other")

	a.conn(t, "b").SetHealth(media.HealthFailed)
	b.conn(t, "a").SetHealth(media.HealthFailed)

	waitUntil(t, waitTimeout, func() bool { return !a.hasRemote("b") && !b.hasRemote("a") }, "streams evicted")
	if a.hasActive("b") || b.hasActive("a") {
		t.Error("Failed peer still listed as active")
	}
	waitUntil(t, waitTimeout, func() bool { return a.ctrl.Registry().Len() == 0 && b.ctrl.Registry().Len() == 0 }, "sessions evicted")
	// 推流者集合不变，只是流不可用了
	if !slices.Equal(a.ctrl.Snapshot().Streamers, []string{"a", "b"}) {
		t.Errorf("Streamers = %v", a.ctrl.Snapshot().Streamers)
	}
}

func TestCaptureEndedStopsStream(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", 10*time.Millisecond)
	b := newParticipant(t, m, "b", 10*time.Millisecond)
	joinAll(t, a, b)

	capture := mediatest.NewCapture(mediatest.NewTrack("screen", media.KindVideo))
	a.capturer.Queue(capture)
	a.startStream(t)
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "b sees a")

	capture.End()

	waitUntil(t, waitTimeout, func() bool { return !a.ctrl.Snapshot().Streaming }, "a stops streaming")
	waitUntil(t, waitTimeout, func() bool { return len(b.ctrl.Snapshot().Streamers) == 0 }, "b sees STOPSTREAM")
	if b.hasActive("a") {
		t.Error("a's stream should no longer be active at b")
	}
}

func TestStopStream(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", 10*time.Millisecond)
	b := newParticipant(t, m, "b", 10*time.Millisecond)
	joinAll(t, a, b)

	capture := mediatest.NewCapture(mediatest.NewTrack("screen", media.KindVideo))
	a.capturer.Queue(capture)
	a.startStream(t)
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "b sees a")

	if err := a.ctrl.StopStream(context.Background()); err != nil {
		t.Fatalf("StopStream failed: %v", err)
	}
	if !capture.Stopped() {
		t.Error("Capture should be stopped")
	}
	if a.ctrl.Snapshot().Streaming {
		t.Error("Streaming should be false")
	}
	waitUntil(t, waitTimeout, func() bool { return !b.hasActive("a") }, "b drops a from active")
}

func TestRestartStreamReplacesTracks(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", 10*time.Millisecond)
	b := newParticipant(t, m, "b", 10*time.Millisecond)
	joinAll(t, a, b)

	first := mediatest.NewCapture(mediatest.NewTrack("screen-1", media.KindVideo))
	second := mediatest.NewCapture(mediatest.NewTrack("screen-2", media.KindVideo))
	a.capturer.Queue(first)
	a.capturer.Queue(second)

	a.startStream(t)
	waitUntil(t, waitTimeout, func() bool { return a.sessionState("b") == StateConnected }, "first exchange")
	sess, _ := a.ctrl.Registry().Get("b")

	a.startStream(t)
	if !first.Stopped() {
		t.Error("Previous capture should be stopped")
	}
	waitUntil(t, waitTimeout, func() bool {
		ids := a.conn(t, "b").SenderTracks()
		return len(ids) == 1 && ids[0] == "screen-2"
	}, "track replaced in place")
	if cur, _ := a.ctrl.Registry().Get("b"); cur != sess {
		t.Error("Renegotiation must reuse the session")
	}
	waitUntil(t, waitTimeout, func() bool { return a.sessionState("b") == StateConnected }, "renegotiated")
}

func TestReceiverFilter(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	b := newParticipant(t, m, "b", time.Millisecond)
	joinAll(t, a, b)
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	waitUntil(t, waitTimeout, func() bool { return len(a.peers()) == 3 && len(b.peers()) == 3 }, "a and b see x")

	x.send(t, &signaling.Signal{Type: signaling.SignalOffer, Receiver: "b", SDP: fakeSDP("offer", "x", "x-video")})

	answer := x.expect(t, signaling.SignalAnswer)
	if answer.Sender != "b" || answer.Receiver != "x" {
		t.Errorf("Unexpected answer: %+v", answer)
	}
	waitUntil(t, waitTimeout, func() bool { return b.hasRemote("x") }, "b receives x")
	if _, ok := a.ctrl.Registry().Get("x"); ok {
		t.Error("a must ignore signals addressed to b")
	}
	if a.ctrl.GetStats().SignalsFiltered == 0 {
		t.Error("a should count the filtered signal")
	}
}

func TestCandidateBeforeAnswerIsQueued(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	a.join(t)
	waitUntil(t, waitTimeout, func() bool { return slices.Equal(a.peers(), []string{"a", "x"}) }, "a sees x")

	a.startStream(t)
	offer := x.expect(t, signaling.SignalOffer)
	if offer.Receiver != "x" || offer.SDP == nil {
		t.Fatalf("Unexpected offer: %+v", offer)
	}
	// a 的本地 candidate 必须在 OFFER 之后
	cand := x.expect(t, signaling.SignalCandidate)
	if cand.Candidate == nil || cand.Receiver != "x" {
		t.Errorf("Unexpected candidate: %+v", cand)
	}

	x.send(t, &signaling.Signal{
		Type:      signaling.SignalCandidate,
		Receiver:  "a",
		Candidate: &signaling.CandidateMessage{Candidate: "candidate:x-1 1 udp 1 10.0.0.2 6000 typ host"},
	})
	waitUntil(t, waitTimeout, func() bool { return a.ctrl.GetStats().CandidatesQueued == 1 }, "candidate queued")
	if n := len(a.conn(t, "x").Candidates()); n != 0 {
		t.Fatalf("Candidate applied before the answer: %d", n)
	}

	x.send(t, &signaling.Signal{Type: signaling.SignalAnswer, Receiver: "a", SDP: fakeSDP("answer", "x")})
	waitUntil(t, waitTimeout, func() bool { return len(a.conn(t, "x").Candidates()) == 1 }, "queued candidate applied")
	waitUntil(t, waitTimeout, func() bool { return a.sessionState("x") == StateConnected }, "a connected")
	if a.ctrl.GetStats().CandidatesFlushed != 1 {
		t.Errorf("CandidatesFlushed = %d", a.ctrl.GetStats().CandidatesFlushed)
	}
}

func TestBadCandidateKeepsSession(t *testing.T) {
	m := broker.NewMemory()
	b := newParticipant(t, m, "b", time.Millisecond)
	b.join(t)
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	waitUntil(t, waitTimeout, func() bool { return len(b.peers()) == 2 }, "b sees x")

	x.send(t, &signaling.Signal{Type: signaling.SignalOffer, Receiver: "b", SDP: fakeSDP("offer", "x", "x-video")})
	x.expect(t, signaling.SignalAnswer)
	x.send(t, &signaling.Signal{
		Type:      signaling.SignalCandidate,
		Receiver:  "b",
		Candidate: &signaling.CandidateMessage{Candidate: mediatest.BadCandidate},
	})

	waitUntil(t, waitTimeout, func() bool { return b.ctrl.GetStats().CandidatesFailed == 1 }, "candidate failure counted")
	if b.sessionState("x") != StateConnected {
		t.Errorf("Session state = %v, want connected", b.sessionState("x"))
	}
}

func TestUnexpectedSignalsDropped(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	a.join(t)
	x := newRawPeer(t, m, "x")

	x.send(t, &signaling.Signal{Type: signaling.SignalAnswer, Receiver: "a", SDP: fakeSDP("answer", "x")})
	x.send(t, &signaling.Signal{Type: signaling.SignalCandidate, Receiver: "a", Candidate: &signaling.CandidateMessage{Candidate: "candidate:1"}})
	x.send(t, &signaling.Signal{Type: signaling.SignalOffer, Receiver: "a"})

	waitUntil(t, waitTimeout, func() bool {
		s := a.ctrl.GetStats()
		return s.UnexpectedAnswers == 1 && s.CandidatesUnknown == 1 && s.SignalsDropped == 1
	}, "drops counted")
	if a.ctrl.Registry().Len() != 0 {
		t.Error("Dropped signals must not create sessions")
	}
}

func TestGlarePolitePeerRollsBack(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	a.join(t)
	waitUntil(t, waitTimeout, func() bool { return a.ctrl.Snapshot().Peers != nil && len(a.peers()) == 2 }, "a sees x")

	a.startStream(t)
	x.expect(t, signaling.SignalOffer)
	waitUntil(t, waitTimeout, func() bool { return a.sessionState("x") == StateAwaitingAnswer }, "a awaiting answer")

	// x 同时发起 offer；"a" < "x"，a 让步
	x.send(t, &signaling.Signal{Type: signaling.SignalOffer, Receiver: "a", SDP: fakeSDP("offer", "x", "x-video")})
	answer := x.expect(t, signaling.SignalAnswer)
	if answer.Receiver != "x" {
		t.Errorf("Unexpected answer: %+v", answer)
	}
	// 让步后重新发起自己的 offer
	x.expect(t, signaling.SignalOffer)

	if a.ctrl.GetStats().GlareRolledBack != 1 {
		t.Errorf("GlareRolledBack = %d", a.ctrl.GetStats().GlareRolledBack)
	}
	if a.conn(t, "x").Rollbacks() != 1 {
		t.Errorf("Rollbacks = %d", a.conn(t, "x").Rollbacks())
	}
	x.send(t, &signaling.Signal{Type: signaling.SignalAnswer, Receiver: "a", SDP: fakeSDP("answer", "x", "x-video")})
	waitUntil(t, waitTimeout, func() bool { return a.sessionState("x") == StateConnected }, "a connected")
}

func TestGlareImpolitePeerIgnoresOffer(t *testing.T) {
	m := broker.NewMemory()
	z := newParticipant(t, m, "z", time.Millisecond)
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	z.join(t)
	waitUntil(t, waitTimeout, func() bool { return len(z.peers()) == 2 }, "z sees x")

	z.startStream(t)
	x.expect(t, signaling.SignalOffer)
	waitUntil(t, waitTimeout, func() bool { return z.sessionState("x") == StateAwaitingAnswer }, "z awaiting answer")

	x.send(t, &signaling.Signal{Type: signaling.SignalOffer, Receiver: "z", SDP: fakeSDP("offer", "x", "x-video")})
	waitUntil(t, waitTimeout, func() bool { return z.ctrl.GetStats().GlareIgnored == 1 }, "glare ignored")
	if z.sessionState("x") != StateAwaitingAnswer {
		t.Errorf("State = %v, want awaiting-answer", z.sessionState("x"))
	}

	x.send(t, &signaling.Signal{Type: signaling.SignalAnswer, Receiver: "z", SDP: fakeSDP("answer", "x")})
	waitUntil(t, waitTimeout, func() bool { return z.sessionState("x") == StateConnected }, "z connected")
}

func TestSimultaneousStartStream(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	b := newParticipant(t, m, "b", time.Millisecond)
	joinAll(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	// 双方同时推流，两个 offer 交错
	errs := make(chan error, 2)
	for _, p := range []*participant{a, b} {
		go func(p *participant) { errs <- p.ctrl.StartStream(ctx) }(p)
	}
	for n := 0; n < 2; n++ {
		if err := <-errs; err != nil {
			t.Fatalf("StartStream failed: %v", err)
		}
	}

	waitUntil(t, waitTimeout, func() bool { return a.hasActive("b") && b.hasActive("a") }, "both receive each other")
	waitUntil(t, waitTimeout, func() bool {
		return a.sessionState("b") == StateConnected && b.sessionState("a") == StateConnected
	}, "both sessions connected")
	for _, p := range []*participant{a, b} {
		if n := p.ctrl.GetStats().NegotiationFails; n != 0 {
			t.Errorf("%s NegotiationFails = %d", p.id, n)
		}
	}
}

func TestAnswerTimeoutRetriesOffer(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipantWith(t, m, "a", time.Millisecond, func(cfg *Config) {
		cfg.AnswerTimeout = 300 * time.Millisecond
	})
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	a.join(t)
	waitUntil(t, waitTimeout, func() bool { return len(a.peers()) == 2 }, "a sees x")

	a.startStream(t)
	x.expect(t, signaling.SignalOffer)
	first, ok := a.ctrl.Registry().Get("x")
	if !ok {
		t.Fatal("a has no session for x")
	}

	// 不回 ANSWER，a 超时后换新会话重新 offer
	x.expect(t, signaling.SignalOffer)
	x.send(t, &signaling.Signal{Type: signaling.SignalAnswer, Receiver: "a", SDP: fakeSDP("answer", "x")})
	waitUntil(t, waitTimeout, func() bool { return a.sessionState("x") == StateConnected }, "a connected after retry")

	if n := a.ctrl.GetStats().AnswerTimeouts; n == 0 {
		t.Error("AnswerTimeouts should be counted")
	}
	second, _ := a.ctrl.Registry().Get("x")
	if second == first {
		t.Fatal("Timeout should replace the session")
	}
	waitUntil(t, waitTimeout, func() bool {
		return first.Connection().(*mediatest.Connection).Closed()
	}, "timed out connection closed")
}

func TestStaleOfferDropped(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	a.join(t)
	x := newRawPeer(t, m, "x")
	x.send(t, &signaling.Signal{Type: signaling.SignalJoin})
	waitUntil(t, waitTimeout, func() bool { return len(a.peers()) == 2 }, "a sees x")
	x.send(t, &signaling.Signal{Type: signaling.SignalLeave})
	waitUntil(t, waitTimeout, func() bool { return len(a.peers()) == 1 }, "a sees x leave")

	// LEAVE 之后迟到的 OFFER
	x.send(t, &signaling.Signal{Type: signaling.SignalOffer, Receiver: "a", SDP: fakeSDP("offer", "x", "x-video")})
	waitUntil(t, waitTimeout, func() bool { return a.ctrl.GetStats().StaleOffers == 1 }, "stale offer counted")
	if a.ctrl.Registry().Len() != 0 {
		t.Error("Stale offer must not create a session")
	}
}

func TestOfferFailureClosesSession(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	b := newParticipant(t, m, "b", time.Millisecond)
	joinAll(t, a, b)

	b.engine.SetFail(mediatest.OpCreateAnswer, errors.New("codec mismatch"))
	a.startStream(t)

	waitUntil(t, waitTimeout, func() bool { return b.ctrl.GetStats().NegotiationFails == 1 }, "b counts the failure")
	waitUntil(t, waitTimeout, func() bool { return b.ctrl.Registry().Len() == 0 }, "b evicts the session")

	// 重新 JOIN 后，推流方丢弃旧会话并重新发起 offer
	b.engine.SetFail(mediatest.OpCreateAnswer, nil)
	b.join(t)
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "b recovers after rejoining")
	if a.ctrl.GetStats().SessionsEvicted == 0 {
		t.Error("a should drop its stale session on b's JOIN")
	}
}

func TestPeerLeaveEvictsSession(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	b := newParticipant(t, m, "b", time.Millisecond)
	joinAll(t, a, b)
	a.startStream(t)
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "b sees a")

	if err := a.ctrl.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	waitUntil(t, waitTimeout, func() bool {
		snap := b.ctrl.Snapshot()
		return slices.Equal(snap.Peers, []string{"b"}) && len(snap.Streamers) == 0 && len(snap.RemoteStreams) == 0
	}, "b forgets a")
	if b.ctrl.Registry().Len() != 0 {
		t.Error("b should close its session with a")
	}
}

func TestLeaveRunsOnce(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	a.join(t)
	x := newRawPeer(t, m, "x")

	capture := mediatest.NewCapture(mediatest.NewTrack("screen", media.KindVideo))
	a.capturer.Queue(capture)
	a.startStream(t)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.ctrl.Leave()
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != errs[0] {
			t.Errorf("Leave %d = %v, first = %v", i, err, errs[0])
		}
	}

	x.expect(t, signaling.SignalLeave)
	select {
	case s := <-x.ch:
		if s.Type == signaling.SignalLeave && s.Sender == "a" {
			t.Error("LEAVE sent twice")
		}
	case <-time.After(50 * time.Millisecond):
	}
	if !capture.Stopped() {
		t.Error("Leave should stop the capture")
	}
	if err := a.ctrl.Join(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("Join after Leave = %v", err)
	}
	if err := a.ctrl.StartStream(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("StartStream after Leave = %v", err)
	}
}

func TestStartStreamRequiresJoin(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	if err := a.ctrl.StartStream(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("StartStream before Join = %v", err)
	}
}

func TestStartStreamMediaUnavailable(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	a.join(t)

	a.capturer.SetError(errors.New("permission denied"))
	err := a.ctrl.StartStream(context.Background())
	var merr *MediaAcquisitionError
	if !errors.As(err, &merr) || !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("StartStream = %v, want MediaAcquisitionError", err)
	}
	if a.ctrl.Snapshot().Streaming {
		t.Error("State must be unchanged")
	}
}

func TestJoinTransportFailure(t *testing.T) {
	m := broker.NewMemory()
	m.SetRefuse(true)
	a := newParticipant(t, m, "a", time.Millisecond)

	err := a.ctrl.Join(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Join = %v, want TransportError", err)
	}
	if a.ctrl.Snapshot().Connected {
		t.Error("connected should be false")
	}
}

func TestChannelReconnectRejoins(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	b := newParticipant(t, m, "b", time.Millisecond)
	joinAll(t, a, b)
	a.startStream(t)
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "b sees a")

	if !m.Drop(a.transport) {
		t.Fatal("Drop failed")
	}
	waitUntil(t, waitTimeout, func() bool { return !b.hasActive("a") }, "b sees a leave")
	waitUntil(t, waitTimeout, func() bool {
		return a.ctrl.Snapshot().Connected && slices.Equal(b.peers(), []string{"a", "b"})
	}, "a rejoins")
	waitUntil(t, waitTimeout, func() bool { return b.hasActive("a") }, "stream restored")
}

func TestOnChangeFires(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)

	var mu sync.Mutex
	var snaps []Snapshot
	a.ctrl.SetOnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	a.join(t)

	waitUntil(t, waitTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(snaps) == 0 {
			return false
		}
		last := snaps[len(snaps)-1]
		return last.Connected && slices.Equal(last.Peers, []string{"a"})
	}, "change observed")
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg); err == nil {
		t.Error("New without room id should fail")
	}
	cfg.RoomID, cfg.LocalID = "r", "a"
	if _, err := New(cfg); err == nil {
		t.Error("New without transport should fail")
	}
}

func TestGetStatusJSON(t *testing.T) {
	m := broker.NewMemory()
	a := newParticipant(t, m, "a", time.Millisecond)
	a.join(t)
	status := a.ctrl.GetStatus()
	if status["room_id"] != "room" || status["local_id"] != "a" {
		t.Errorf("Unexpected status: %v", status)
	}
	if js := a.ctrl.ToJSON(); len(js) == 0 || js[0] != '{' {
		t.Errorf("ToJSON = %q", js)
	}
}
