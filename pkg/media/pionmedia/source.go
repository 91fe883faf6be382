/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 *
 * LocalSource - 本地推流源
 * 外部编码器把 RTP 包注入进来，通过 TrackLocalStaticRTP 扇出给所有连接
 */
package pionmedia

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/roomcast/pkg/media"
)

var (
	ErrSourceStopped = errors.New("pionmedia: source stopped")
	ErrNoSuchTrack   = errors.New("pionmedia: source has no track of that kind")
)

// SourceOption configures a LocalSource
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	video *webrtc.RTPCodecCapability
	audio *webrtc.RTPCodecCapability
}

// WithVideoCodec adds a video track using codec
func WithVideoCodec(codec webrtc.RTPCodecCapability) SourceOption {
	return func(o *sourceOptions) { o.video = &codec }
}

// WithAudioCodec adds an audio track using codec
func WithAudioCodec(codec webrtc.RTPCodecCapability) SourceOption {
	return func(o *sourceOptions) { o.audio = &codec }
}

// LocalSource is a capture fed with RTP packets. It implements media.Capture.
type LocalSource struct {
	streamID string
	video    *webrtc.TrackLocalStaticRTP
	audio    *webrtc.TrackLocalStaticRTP
	tracks   []media.Track

	mu      sync.Mutex
	done    bool
	ended   bool
	hooks   []func()
	closers []io.Closer

	videoPackets atomic.Uint64
	audioPackets atomic.Uint64
}

var _ media.Capture = (*LocalSource)(nil)

// NewLocalSource creates a source announced under streamID. Without options
// it carries a VP8 video track only.
func NewLocalSource(streamID string, opts ...SourceOption) (*LocalSource, error) {
	o := &sourceOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.video == nil && o.audio == nil {
		codec := defaultVideoCodec
		o.video = &codec
	}

	s := &LocalSource{streamID: streamID}
	if o.video != nil {
		track, err := webrtc.NewTrackLocalStaticRTP(*o.video, streamID+"-video", streamID)
		if err != nil {
			return nil, err
		}
		s.video = track
		s.tracks = append(s.tracks, &LocalTrack{track: track, kind: media.KindVideo})
	}
	if o.audio != nil {
		track, err := webrtc.NewTrackLocalStaticRTP(*o.audio, streamID+"-audio", streamID)
		if err != nil {
			return nil, err
		}
		s.audio = track
		s.tracks = append(s.tracks, &LocalTrack{track: track, kind: media.KindAudio})
	}
	return s, nil
}

// StreamID returns the stream the tracks are announced under
func (s *LocalSource) StreamID() string {
	return s.streamID
}

func (s *LocalSource) Tracks() []media.Track {
	return append([]media.Track(nil), s.tracks...)
}

// InjectPacket parses raw as RTP and writes it to the track of kind
func (s *LocalSource) InjectPacket(kind media.Kind, raw []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		return err
	}
	return s.WriteRTP(kind, pkt)
}

// WriteRTP writes pkt to every connection carrying the track of kind
func (s *LocalSource) WriteRTP(kind media.Kind, pkt *rtp.Packet) error {
	if s.Done() {
		return ErrSourceStopped
	}
	track, counter := s.video, &s.videoPackets
	if kind == media.KindAudio {
		track, counter = s.audio, &s.audioPackets
	}
	if track == nil {
		return ErrNoSuchTrack
	}
	if err := track.WriteRTP(pkt); err != nil {
		return err
	}
	counter.Add(1)
	return nil
}

// Stats returns the packets written per kind
func (s *LocalSource) Stats() (video, audio uint64) {
	return s.videoPackets.Load(), s.audioPackets.Load()
}

// OnEnded registers fn; it runs at once if the source already ended on its own
func (s *LocalSource) OnEnded(fn func()) {
	s.mu.Lock()
	if s.done {
		ended := s.ended
		s.mu.Unlock()
		if ended {
			go fn()
		}
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// End marks the source as ended by its producer and fires the ended hooks
func (s *LocalSource) End() {
	for _, fn := range s.finish(true) {
		fn()
	}
}

// Stop releases the source without firing the ended hooks
func (s *LocalSource) Stop() {
	s.finish(false)
}

// Done reports whether the source was stopped or ended
func (s *LocalSource) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// addCloser 注册随源一起释放的资源
func (s *LocalSource) addCloser(c io.Closer) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

func (s *LocalSource) finish(ended bool) []func() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.ended = ended
	hooks := s.hooks
	closers := s.closers
	s.hooks = nil
	s.closers = nil
	s.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	return hooks
}
