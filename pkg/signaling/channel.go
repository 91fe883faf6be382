/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-14
 *
 * Channel - 房间信令通道
 * 封装发布/订阅传输层：订阅 /topic/rooms/{roomId}，发送到 /app/signal/{roomId}
 * 传输断开后按指数退避自动重连并重新订阅
 */
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maiguangyang/roomcast/pkg/utils"
)

var (
	// ErrChannelNotConnected is returned by Send while the channel is down
	ErrChannelNotConnected = errors.New("signal channel not connected")
	// ErrChannelClosed is returned after Close
	ErrChannelClosed = errors.New("signal channel closed")
)

// ChannelState 通道连接状态
type ChannelState int32

const (
	ChannelStateDisconnected ChannelState = iota
	ChannelStateConnecting
	ChannelStateConnected
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateDisconnected:
		return "disconnected"
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateConnected:
		return "connected"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelConfig 通道配置
type ChannelConfig struct {
	RoomID string

	// 断线后是否自动重连
	Reconnect bool

	// 重连退避的初始值与上限
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// 单次连接+订阅的超时
	ConnectTimeout time.Duration
}

// DefaultChannelConfig 默认配置
func DefaultChannelConfig(roomID string) ChannelConfig {
	return ChannelConfig{
		RoomID:         roomID,
		Reconnect:      true,
		MinBackoff:     500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// ChannelStats 通道计数
type ChannelStats struct {
	Received     uint64 `json:"received"`
	Malformed    uint64 `json:"malformed"`
	Sent         uint64 `json:"sent"`
	SendFailures uint64 `json:"send_failures"`
	Reconnects   uint64 `json:"reconnects"`
}

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the channel logger
func WithChannelLogger(l *utils.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = l
	}
}

// Channel is the signal stream of one room
type Channel struct {
	mu        sync.RWMutex
	config    ChannelConfig
	transport Transport
	sub       Subscription
	state     ChannelState
	closed    bool

	// 重连循环的取消函数
	cancelReconnect context.CancelFunc

	onSignal      func(*Signal)
	onStateChange func(ChannelState)

	received     atomic.Uint64
	malformed    atomic.Uint64
	sent         atomic.Uint64
	sendFailures atomic.Uint64
	reconnects   atomic.Uint64

	logger *utils.Logger
}

// NewChannel creates a channel for config.RoomID over transport
func NewChannel(transport Transport, config ChannelConfig, opts ...ChannelOption) *Channel {
	if config.MinBackoff <= 0 {
		config.MinBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	c := &Channel{
		config:    config,
		transport: transport,
		logger:    utils.GetLogger().Named("Channel"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOnSignal sets the handler for decoded inbound signals
func (c *Channel) SetOnSignal(fn func(*Signal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

// SetOnStateChange sets the handler for connection state changes
func (c *Channel) SetOnStateChange(fn func(ChannelState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// RoomID returns the room this channel is scoped to
func (c *Channel) RoomID() string {
	return c.config.RoomID
}

// State returns the current connection state
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether signals can currently be sent
func (c *Channel) Connected() bool {
	return c.State() == ChannelStateConnected
}

// Open connects the transport and subscribes to the room topic.
// Calling Open on a connected channel is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state == ChannelStateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.transport.SetOnDisconnect(c.handleDisconnect)
	c.setState(ChannelStateConnecting)
	if err := c.connect(ctx); err != nil {
		c.setState(ChannelStateDisconnected)
		return err
	}
	c.setState(ChannelStateConnected)
	return nil
}

// connect 建立连接并订阅房间主题
func (c *Channel) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	sub, err := c.transport.Subscribe(ctx, RoomTopic(c.config.RoomID), c.handlePayload)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", RoomTopic(c.config.RoomID), err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Send publishes a signal to the room destination
func (c *Channel) Send(ctx context.Context, s *Signal) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if state == ChannelStateClosed {
		return ErrChannelClosed
	}
	if state != ChannelStateConnected {
		c.sendFailures.Add(1)
		return ErrChannelNotConnected
	}

	payload, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Type, err)
	}
	if err := c.transport.Publish(ctx, RoomDestination(c.config.RoomID), payload); err != nil {
		c.sendFailures.Add(1)
		return fmt.Errorf("publish %s: %w", s.Type, err)
	}
	c.sent.Add(1)
	return nil
}

// Close unsubscribes and closes the transport
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	cancel := c.cancelReconnect
	c.cancelReconnect = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("Unsubscribe failed: %v", err)
		}
	}
	err := c.transport.Close()
	c.setState(ChannelStateClosed)
	return err
}

// Stats returns channel counters
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Received:     c.received.Load(),
		Malformed:    c.malformed.Load(),
		Sent:         c.sent.Load(),
		SendFailures: c.sendFailures.Load(),
		Reconnects:   c.reconnects.Load(),
	}
}

// handlePayload 解码入站消息，格式错误的直接丢弃
func (c *Channel) handlePayload(payload []byte) {
	c.received.Add(1)
	s, err := Decode(payload)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Debug("Dropping signal: %v", err)
		return
	}

	c.mu.RLock()
	fn := c.onSignal
	c.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// handleDisconnect 传输断开回调
func (c *Channel) handleDisconnect(err error) {
	c.mu.Lock()
	if c.closed || c.state != ChannelStateConnected {
		c.mu.Unlock()
		return
	}
	c.sub = nil
	reconnect := c.config.Reconnect
	var ctx context.Context
	if reconnect {
		ctx, c.cancelReconnect = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	c.logger.Warn("Room %s transport lost: %v", c.config.RoomID, err)
	c.setState(ChannelStateDisconnected)

	if reconnect {
		go c.reconnectLoop(ctx)
	}
}

// reconnectLoop 指数退避重连，直到成功或通道关闭
func (c *Channel) reconnectLoop(ctx context.Context) {
	backoff := c.config.MinBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.setState(ChannelStateConnecting)
		err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			closed := c.closed
			c.cancelReconnect = nil
			c.mu.Unlock()
			if closed {
				return
			}
			c.reconnects.Add(1)
			c.logger.Info("Room %s reconnected after %d attempt(s)", c.config.RoomID, attempt)
			c.setState(ChannelStateConnected)
			return
		}

		c.logger.Debug("Reconnect attempt %d failed: %v", attempt, err)
		c.setState(ChannelStateDisconnected)

		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// setState 更新状态并在变化时通知
func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	if c.state == state || (c.closed && state != ChannelStateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onStateChange
	c.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}
