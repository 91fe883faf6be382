/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 *
 * Placeholder - 静音占位轨道
 * 只接收的连接也需要一条本地轨道才能完成协商，这里用 Opus 静音帧填充
 */
package pionmedia

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/maiguangyang/roomcast/pkg/media"
)

// opusSilence 一帧 20ms 的 Opus 静音
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

// Placeholder provides one shared silent audio track
type Placeholder struct {
	streamID string

	mu     sync.Mutex
	track  *LocalTrack
	sample *webrtc.TrackLocalStaticSample
	stop   chan struct{}
	closed bool
}

var _ media.PlaceholderSource = (*Placeholder)(nil)

// NewPlaceholder creates a placeholder announced under streamID
func NewPlaceholder(streamID string) *Placeholder {
	return &Placeholder{streamID: streamID}
}

// SilentPlaceholderTrack returns the silent track, creating it on first use
func (p *Placeholder) SilentPlaceholderTrack() (media.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSourceStopped
	}
	if p.track != nil {
		return p.track, nil
	}

	sample, err := webrtc.NewTrackLocalStaticSample(
		defaultAudioCodec,
		p.streamID+"-silence",
		p.streamID,
	)
	if err != nil {
		return nil, err
	}
	p.sample = sample
	p.track = &LocalTrack{track: sample, kind: media.KindAudio}
	p.stop = make(chan struct{})
	go p.loop(sample, p.stop)
	return p.track, nil
}

func (p *Placeholder) loop(sample *webrtc.TrackLocalStaticSample, stop chan struct{}) {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = sample.WriteSample(pmedia.Sample{Data: opusSilence, Duration: silenceFrameDuration})
		}
	}
}

// Close stops the silence writer
func (p *Placeholder) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stop != nil {
		close(p.stop)
	}
}
