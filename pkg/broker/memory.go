/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 *
 * Memory - 进程内 broker
 * 与 WebSocket 服务共用 Rooms 逻辑，用于测试和单进程示例
 */
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/maiguangyang/roomcast/pkg/signaling"
)

var (
	// ErrTransportClosed is returned by a closed memory transport
	ErrTransportClosed = errors.New("memory transport closed")
	// ErrNotConnected is returned before Connect or after a drop
	ErrNotConnected = errors.New("memory transport not connected")
	// ErrConnectRefused is returned while the broker refuses connections
	ErrConnectRefused = errors.New("memory broker refused connection")
)

// Memory is an in-process broker
type Memory struct {
	mu     sync.Mutex
	rooms  *Rooms
	topics map[string]map[*memorySub]struct{}
	refuse bool
}

// NewMemory creates an in-process broker
func NewMemory() *Memory {
	return &Memory{
		rooms:  NewRooms(),
		topics: make(map[string]map[*memorySub]struct{}),
	}
}

// Rooms returns the broker's room table
func (m *Memory) Rooms() *Rooms {
	return m.rooms
}

// SetRefuse makes Connect fail until reset
func (m *Memory) SetRefuse(refuse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuse = refuse
}

// NewTransport creates a client transport attached to this broker
func (m *Memory) NewTransport() *MemoryTransport {
	return &MemoryTransport{
		broker: m,
		peers:  make(map[string]string),
		subs:   make(map[*memorySub]struct{}),
	}
}

// Drop simulates the loss of t's connection: its subscriptions vanish, the
// rooms it joined see an implicit LEAVE and its disconnect hook fires.
func (m *Memory) Drop(t *MemoryTransport) bool {
	return t.detach(true)
}

// publish 在 broker 锁内处理，保证同一主题的全序
func (m *Memory) publish(t *MemoryTransport, roomID string, sig *signaling.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch sig.Type {
	case signaling.SignalJoin:
		t.setPeer(roomID, sig.Sender)
	case signaling.SignalLeave:
		t.clearPeer(roomID)
	}
	m.deliverLocked(roomID, m.rooms.Process(roomID, sig))
}

func (m *Memory) forget(roomID, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliverLocked(roomID, m.rooms.Forget(roomID, peerID))
}

func (m *Memory) deliverLocked(roomID string, out []*signaling.Signal) {
	topic := signaling.RoomTopic(roomID)
	for _, sig := range out {
		payload, err := signaling.Encode(sig)
		if err != nil {
			continue
		}
		for sub := range m.topics[topic] {
			sub.enqueue(payload)
		}
	}
}

func (m *Memory) subscribe(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.topics[sub.topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		m.topics[sub.topic] = subs
	}
	subs[sub] = struct{}{}
}

func (m *Memory) unsubscribe(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.topics, sub.topic)
		}
	}
}

// MemoryTransport implements signaling.Transport against a Memory broker
type MemoryTransport struct {
	broker *Memory

	mu           sync.Mutex
	connected    bool
	closed       bool
	peers        map[string]string // roomID -> peerID
	subs         map[*memorySub]struct{}
	onDisconnect func(error)
}

var _ signaling.Transport = (*MemoryTransport)(nil)

// Connect implements signaling.Transport
func (t *MemoryTransport) Connect(ctx context.Context) error {
	t.broker.mu.Lock()
	refuse := t.broker.refuse
	t.broker.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if refuse {
		return ErrConnectRefused
	}
	t.connected = true
	return nil
}

// Subscribe implements signaling.Transport. Delivery to handler is
// asynchronous and ordered.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, handler func([]byte)) (signaling.Subscription, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub := newMemorySub(t, topic, handler)
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	t.broker.subscribe(sub)
	return sub, nil
}

// Publish implements signaling.Transport
func (t *MemoryTransport) Publish(ctx context.Context, destination string, payload []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	roomID, ok := RoomFromDestination(destination)
	if !ok {
		return nil
	}
	sig, err := signaling.Decode(payload)
	if err != nil {
		return nil
	}
	t.broker.publish(t, roomID, sig)
	return nil
}

// SetOnDisconnect implements signaling.Transport
func (t *MemoryTransport) SetOnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// Close implements signaling.Transport
func (t *MemoryTransport) Close() error {
	t.detach(false)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// detach 断开连接：取消订阅并为已加入的房间合成 LEAVE
func (t *MemoryTransport) detach(notify bool) bool {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return false
	}
	t.connected = false
	subs := make([]*memorySub, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*memorySub]struct{})
	peers := t.peers
	t.peers = make(map[string]string)
	fn := t.onDisconnect
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for roomID, peerID := range peers {
		t.broker.forget(roomID, peerID)
	}
	if notify && fn != nil {
		fn(errors.New("memory transport dropped"))
	}
	return true
}

func (t *MemoryTransport) setPeer(roomID, peerID string) {
	t.mu.Lock()
	t.peers[roomID] = peerID
	t.mu.Unlock()
}

func (t *MemoryTransport) clearPeer(roomID string) {
	t.mu.Lock()
	delete(t.peers, roomID)
	t.mu.Unlock()
}

// memorySub 每个订阅一个投递协程，无界队列保证发布方不阻塞
type memorySub struct {
	transport *MemoryTransport
	topic     string
	handler   func([]byte)

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMemorySub(t *MemoryTransport, topic string, handler func([]byte)) *memorySub {
	sub := &memorySub{
		transport: t,
		topic:     topic,
		handler:   handler,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go sub.loop()
	return sub
}

func (s *memorySub) enqueue(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			payload := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(payload)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() {
		close(s.done)
		s.transport.broker.unsubscribe(s)
	})
}

// Unsubscribe implements signaling.Subscription
func (s *memorySub) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()
	s.stop()
	return nil
}
