/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-16
 *
 * 媒体协作方接口
 * 信令核心只通过这些接口操作连接、轨道和本地采集，具体实现见 pionmedia
 */
package media

import (
	"context"
	"errors"
)

// ErrMediaUnavailable indicates the capture could not be acquired
// (permission denied, user cancelled, no source).
var ErrMediaUnavailable = errors.New("media unavailable")

// Kind is the media kind of a track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Health is the connection state reported by the media engine
type Health int

const (
	HealthNew Health = iota
	HealthConnecting
	HealthConnected
	HealthDisconnected
	HealthFailed
	HealthClosed
)

func (h Health) String() string {
	switch h {
	case HealthNew:
		return "new"
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthDisconnected:
		return "disconnected"
	case HealthFailed:
		return "failed"
	case HealthClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the link is considered gone
func (h Health) Terminal() bool {
	return h == HealthDisconnected || h == HealthFailed || h == HealthClosed
}

// ICEServer is a STUN/TURN server
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SDPType is "offer", "answer" or "rollback"
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
	// SDPTypeRollback discards a pending local offer when passed to
	// SetLocalDescription
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription is an SDP blob with its type
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is a trickled candidate
type ICECandidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// Track is a local outbound track
type Track interface {
	ID() string
	Kind() Kind
}

// RemoteTrack is an inbound track
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() Kind
}

// Sender carries one local track on a connection
type Sender interface {
	Track() Track
	ReplaceTrack(t Track) error
}

// Connection is one peer link.
//
// Event callbacks may be invoked from any goroutine, including from inside
// the method that caused them.
type Connection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	AddTrack(t Track) (Sender, error)
	Close() error

	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(Health))
	OnNegotiationNeeded(fn func())
}

// Engine creates connections
type Engine interface {
	NewConnection(iceServers []ICEServer) (Connection, error)
}

// Capture is an acquired local capture
type Capture interface {
	Tracks() []Track
	// Stop ends the capture; ended hooks do not fire for an explicit Stop.
	Stop()
	// OnEnded registers fn, fired once when the capture ends on its own.
	OnEnded(fn func())
}

// Capturer acquires a display capture
type Capturer interface {
	AcquireDisplayCapture(ctx context.Context) (Capture, error)
}

// PlaceholderSource provides a silent track that keeps an otherwise
// receive-only connection negotiable.
type PlaceholderSource interface {
	SilentPlaceholderTrack() (Track, error)
}
