/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 *
 * Connection - PeerConnection 适配
 */
package pionmedia

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// ErrForeignTrack is returned when a track was not created by this package
var ErrForeignTrack = errors.New("pionmedia: track not created by pionmedia")

// Connection wraps a webrtc.PeerConnection
type Connection struct {
	engine *Engine
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	lastPLI time.Time

	keyframeRequests atomic.Uint64
}

var _ media.Connection = (*Connection)(nil)

func newConnection(e *Engine, pc *webrtc.PeerConnection) *Connection {
	return &Connection{engine: e, pc: pc}
}

// PeerConnection exposes the wrapped connection
func (c *Connection) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// KeyframeRequests returns the number of PLI/FIR packets received
func (c *Connection) KeyframeRequests() uint64 {
	return c.keyframeRequests.Load()
}

func (c *Connection) CreateOffer() (media.SessionDescription, error) {
	desc, err := c.pc.CreateOffer(nil)
	if err != nil {
		return media.SessionDescription{}, err
	}
	return fromDescription(desc), nil
}

func (c *Connection) CreateAnswer() (media.SessionDescription, error) {
	desc, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return media.SessionDescription{}, err
	}
	return fromDescription(desc), nil
}

// SetLocalDescription applies desc. A rollback with nothing pending is a no-op.
func (c *Connection) SetLocalDescription(desc media.SessionDescription) error {
	if desc.Type == media.SDPTypeRollback {
		return c.rollback(desc.SDP)
	}
	return c.pc.SetLocalDescription(toDescription(desc))
}

// rollback 撤销未应答的本地 offer；pion 要求 rollback 携带非空 SDP
func (c *Connection) rollback(sdp string) error {
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	if sdp == "" {
		pending := c.pc.PendingLocalDescription()
		if pending == nil {
			return nil
		}
		sdp = pending.SDP
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: sdp})
}

func (c *Connection) SetRemoteDescription(desc media.SessionDescription) error {
	return c.pc.SetRemoteDescription(toDescription(desc))
}

func (c *Connection) AddICECandidate(cand media.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// AddTrack attaches a track created by NewLocalSource or Placeholder
func (c *Connection) AddTrack(t media.Track) (media.Sender, error) {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return nil, ErrForeignTrack
	}
	rtpSender, err := c.pc.AddTrack(lt.track)
	if err != nil {
		return nil, err
	}
	sender := &Sender{rtp: rtpSender, track: lt}
	go c.readRTCP(sender)
	return sender, nil
}

func (c *Connection) Close() error {
	return c.pc.Close()
}

func (c *Connection) OnICECandidate(fn func(media.ICECandidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil 表示收集结束
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		fn(media.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (c *Connection) OnTrack(fn func(media.RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &RemoteTrack{track: tr}
		c.engine.logger.Debug("Remote track %s (%s) stream=%s", tr.ID(), tr.Codec().MimeType, tr.StreamID())
		fn(rt)
		go c.readRemote(rt)
	})
}

func (c *Connection) OnConnectionStateChange(fn func(media.Health)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(toHealth(s))
	})
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.pc.OnNegotiationNeeded(fn)
}

// readRemote 持续读取远端 RTP，否则 pion 的接收缓冲会被填满
func (c *Connection) readRemote(rt *RemoteTrack) {
	for {
		pkt, _, err := rt.track.ReadRTP()
		if err != nil {
			return
		}
		rt.packets.Add(1)
		rt.bytes.Add(uint64(len(pkt.Payload)))
		if c.engine.onRTP != nil {
			c.engine.onRTP(rt, pkt)
		}
	}
}

// readRTCP 读取 sender 的 RTCP，PLI/FIR 节流后转给关键帧回调
func (c *Connection) readRTCP(sender *Sender) {
	buf := utils.GetBuffer(utils.MTUBufferSize)
	defer utils.PutBuffer(buf)

	for {
		n, _, err := sender.rtp.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.keyframeRequests.Add(1)
				if c.allowKeyframe() {
					trackID := sender.Track().ID()
					c.engine.logger.Debug("Keyframe requested on track %s", trackID)
					if c.engine.onKeyframeRequest != nil {
						c.engine.onKeyframeRequest(trackID)
					}
				}
			}
		}
	}
}

func (c *Connection) allowKeyframe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastPLI) < keyframeThrottle {
		return false
	}
	c.lastPLI = now
	return true
}

// Sender carries one LocalTrack
type Sender struct {
	rtp *webrtc.RTPSender

	mu    sync.Mutex
	track *LocalTrack
}

var _ media.Sender = (*Sender)(nil)

func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

// ReplaceTrack swaps the outbound track without renegotiation
func (s *Sender) ReplaceTrack(t media.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return ErrForeignTrack
	}
	if err := s.rtp.ReplaceTrack(lt.track); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = lt
	s.mu.Unlock()
	return nil
}

func toDescription(desc media.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}

func fromDescription(desc webrtc.SessionDescription) media.SessionDescription {
	return media.SessionDescription{
		Type: media.SDPType(desc.Type.String()),
		SDP:  desc.SDP,
	}
}

func toHealth(s webrtc.PeerConnectionState) media.Health {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return media.HealthConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.HealthConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.HealthDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.HealthFailed
	case webrtc.PeerConnectionStateClosed:
		return media.HealthClosed
	default:
		return media.HealthNew
	}
}
