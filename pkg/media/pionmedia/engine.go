/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 *
 * Engine - 基于 pion/webrtc 的媒体引擎
 * 默认编解码 + 默认拦截器 + 周期性 PLI，日志统一走 utils.Logger
 */
package pionmedia

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// DefaultPLIInterval is how often a receiver asks the sender for a keyframe
const DefaultPLIInterval = 3 * time.Second

// keyframeThrottle 同一连接上转发关键帧请求的最小间隔
const keyframeThrottle = time.Second

// Engine creates pion peer connections
type Engine struct {
	api    *webrtc.API
	logger *utils.Logger

	loggerFactory logging.LoggerFactory
	net           transport.Net
	pliInterval   time.Duration

	onKeyframeRequest func(trackID string)
	onRTP             func(track *RemoteTrack, pkt *rtp.Packet)
}

var _ media.Engine = (*Engine)(nil)

// Option configures an Engine
type Option func(*Engine)

// WithLogger routes engine and pion logs through l
func WithLogger(l *utils.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLoggerFactory overrides the pion logger factory
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(e *Engine) {
		e.loggerFactory = f
	}
}

// WithNet runs every connection on n, e.g. a vnet.Net in tests
func WithNet(n transport.Net) Option {
	return func(e *Engine) {
		e.net = n
	}
}

// WithPLIInterval sets the receiver side keyframe request period; 0 disables it
func WithPLIInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pliInterval = d
	}
}

// WithKeyframeRequestHandler is called when a remote receiver asks for a
// keyframe on one of our tracks. Calls are throttled per connection.
func WithKeyframeRequestHandler(fn func(trackID string)) Option {
	return func(e *Engine) {
		e.onKeyframeRequest = fn
	}
}

// WithRTPHandler receives every inbound RTP packet. pkt is only valid for
// the duration of the call.
func WithRTPHandler(fn func(track *RemoteTrack, pkt *rtp.Packet)) Option {
	return func(e *Engine) {
		e.onRTP = fn
	}
}

// NewEngine creates an engine with the default codecs and interceptors
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:      utils.GetLogger().Named("Media"),
		pliInterval: DefaultPLIInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.loggerFactory == nil {
		e.loggerFactory = utils.NewLoggerFactory(e.logger)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	if e.pliInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(
			intervalpli.GeneratorInterval(e.pliInterval),
			intervalpli.GeneratorLog(e.loggerFactory.NewLogger("pli")),
		)
		if err != nil {
			return nil, err
		}
		ir.Add(pli)
	}

	se := webrtc.SettingEngine{LoggerFactory: e.loggerFactory}
	if e.net != nil {
		se.SetNet(e.net)
	}

	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return e, nil
}

// NewConnection creates a peer connection using iceServers
func (e *Engine) NewConnection(iceServers []media.ICEServer) (media.Connection, error) {
	cfg := webrtc.Configuration{ICEServers: toICEServers(iceServers)}
	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(e, pc), nil
}

func toICEServers(servers []media.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
