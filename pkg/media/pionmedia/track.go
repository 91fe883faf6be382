/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 */
package pionmedia

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/roomcast/pkg/media"
)

var (
	defaultVideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	defaultAudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// LocalTrack is an outbound track backed by a pion static track
type LocalTrack struct {
	track webrtc.TrackLocal
	kind  media.Kind
}

var _ media.Track = (*LocalTrack)(nil)

func (t *LocalTrack) ID() string       { return t.track.ID() }
func (t *LocalTrack) StreamID() string { return t.track.StreamID() }
func (t *LocalTrack) Kind() media.Kind { return t.kind }

// TrackLocal returns the pion track
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}

// RemoteTrack is an inbound pion track
type RemoteTrack struct {
	track *webrtc.TrackRemote

	packets atomic.Uint64
	bytes   atomic.Uint64
}

var _ media.RemoteTrack = (*RemoteTrack)(nil)

func (t *RemoteTrack) ID() string       { return t.track.ID() }
func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }
func (t *RemoteTrack) Kind() media.Kind { return fromCodecType(t.track.Kind()) }

// Codec returns the negotiated mime type
func (t *RemoteTrack) Codec() string {
	return t.track.Codec().MimeType
}

// Stats returns received packets and payload bytes
func (t *RemoteTrack) Stats() (packets, bytes uint64) {
	return t.packets.Load(), t.bytes.Load()
}

func fromCodecType(k webrtc.RTPCodecType) media.Kind {
	if k == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}
