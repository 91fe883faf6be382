/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-14
 *
 * STOMP over WebSocket 客户端
 * 实现 signaling.Transport：go-stomp 负责协议，WebSocketConn 负责承载
 */
package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/maiguangyang/roomcast/pkg/signaling"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with many candidates fits.
	maxMessageSize = 64 * 1024

	// DISCONNECT 等待 RECEIPT 的时长
	disconnectWait = time.Second
)

// Subprotocols offered during the WebSocket handshake
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

var (
	// ErrNotConnected is returned when no STOMP session is established
	ErrNotConnected = errors.New("stomp: not connected")
	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("stomp: client closed")
)

// BrokerError is an ERROR frame received from the broker
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp broker error: %s: %s", e.Message, e.Body)
	}
	return "stomp broker error: " + e.Message
}

// brokerError 把 go-stomp 的 ERROR 帧错误转成 BrokerError
func brokerError(err error) error {
	var serr gostomp.Error
	if !errors.As(err, &serr) {
		var perr *gostomp.Error
		if !errors.As(err, &perr) {
			return err
		}
		serr = *perr
	}
	if serr.Frame == nil || serr.Frame.Command != frame.ERROR {
		return err
	}
	return &BrokerError{Message: serr.Message, Body: string(serr.Frame.Body)}
}

// Config STOMP 客户端配置
type Config struct {
	URL      string
	Host     string // STOMP virtual host, defaults to the URL host
	Login    string
	Passcode string
	Header   http.Header

	HandshakeTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:              rawURL,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Client is a STOMP client over a gorilla/websocket connection
type Client struct {
	mu           sync.RWMutex
	config       Config
	dialer       *websocket.Dialer
	session      *session
	onDisconnect func(error)
	closed       bool

	logger *utils.Logger
}

var _ signaling.Transport = (*Client)(nil)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithDialer overrides the websocket dialer
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithLogger sets the client logger
func WithLogger(l *utils.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client; Connect dials the broker
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	c := &Client{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			Subprotocols:     Subprotocols,
		},
		logger: utils.GetLogger().Named("STOMP"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// session 是一条 WebSocket 连接上的 STOMP 会话，重连会创建新的 session
type session struct {
	ws   *websocket.Conn
	rw   *WebSocketConn
	conn *gostomp.Conn
	done chan struct{}
	once sync.Once
}

func (s *session) shutdown() bool {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		s.rw.Close()
	})
	return first
}

// SetOnDisconnect implements signaling.Transport
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connect dials the broker and performs the CONNECT handshake.
// It is a no-op while a session is alive.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	alive := c.session != nil
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}
	if alive {
		return nil
	}

	u, err := url.Parse(c.config.URL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	ws, _, err := c.dialer.DialContext(ctx, u.String(), c.config.Header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	s := &session{ws: ws, done: make(chan struct{})}
	s.rw = NewWebSocketConn(ws, func(err error) { c.lost(s, err) })

	host := c.config.Host
	if host == "" {
		host = u.Hostname()
	}
	opts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.Host(host),
		gostomp.ConnOpt.HeartBeat(0, 0),
	}
	if c.config.Login != "" {
		opts = append(opts, gostomp.ConnOpt.Login(c.config.Login, c.config.Passcode))
	}

	deadline := time.Now().Add(c.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)

	// 握手期间 ctx 取消则直接关闭连接
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	conn, err := gostomp.Connect(s.rw, opts...)
	stop()
	if err != nil {
		s.shutdown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stomp handshake: %w", brokerError(err))
	}
	s.conn = conn

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.MustDisconnect()
		s.shutdown()
		return ErrClientClosed
	}
	c.session = s
	c.mu.Unlock()

	c.logger.Debug("Connected to %s (version %s)", u.Host, conn.Version())

	go c.keepalive(s)
	return nil
}

func (c *Client) currentSession() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// Subscribe subscribes to topic. Frames on one connection are processed in
// order by the broker, so a later Publish never overtakes the SUBSCRIBE.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func([]byte)) (signaling.Subscription, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := s.conn.Subscribe(topic, gostomp.AckAuto)
	if err != nil {
		return nil, c.sendError(s, err)
	}
	go c.dispatch(s, sub, handler)
	return &subscription{sub: sub}, nil
}

// dispatch 按 broker 顺序把 MESSAGE 交给 handler
func (c *Client) dispatch(s *session, sub *gostomp.Subscription, handler func([]byte)) {
	for msg := range sub.C {
		if msg.Err != nil {
			if berr := brokerError(msg.Err); berr != msg.Err {
				c.logger.Error("%v", berr)
				c.lost(s, berr)
			}
			continue
		}
		handler(msg.Body)
	}
}

// Publish sends payload to destination as a JSON SEND frame
func (c *Client) Publish(ctx context.Context, destination string, payload []byte) error {
	s, err := c.currentSession()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.conn.Send(destination, "application/json", payload)
	}()
	select {
	case err := <-done:
		return c.sendError(s, err)
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendError 连接已断开时统一返回 ErrNotConnected
func (c *Client) sendError(s *session, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gostomp.ErrAlreadyClosed) || errors.Is(err, gostomp.ErrClosedUnexpectedly) {
		return ErrNotConnected
	}
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	return err
}

// Close sends DISCONNECT and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- s.conn.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			c.logger.Debug("DISCONNECT: %v", err)
		}
	case <-time.After(disconnectWait):
	}
	s.shutdown()
	return nil
}

// keepalive 定时发送 WebSocket ping；WriteControl 可与 go-stomp 的写并发
func (c *Client) keepalive(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.lost(s, err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// lost 关闭 session，若不是主动关闭则通知上层
func (c *Client) lost(s *session, err error) {
	if !s.shutdown() {
		return
	}

	c.mu.Lock()
	current := c.session == s
	if current {
		c.session = nil
	}
	closed := c.closed
	fn := c.onDisconnect
	c.mu.Unlock()

	if closed || !current {
		return
	}
	if err == nil {
		err = ErrNotConnected
	}
	c.logger.Warn("Connection lost: %v", err)
	if fn != nil {
		fn(err)
	}
}

type subscription struct {
	sub  *gostomp.Subscription
	once sync.Once
}

// Unsubscribe tells the broker and stops the dispatch goroutine
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		done := make(chan error, 1)
		go func() { done <- s.sub.Unsubscribe() }()
		select {
		case err = <-done:
		case <-time.After(writeWait):
		}
		if errors.Is(err, gostomp.ErrAlreadyClosed) || errors.Is(err, gostomp.ErrCompletedSubscription) {
			err = nil
		}
	})
	return err
}
