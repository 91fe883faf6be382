/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 */
package broker

import (
	"context"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/maiguangyang/roomcast/pkg/signaling"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// inbound 是某个连接收到的一帧
type inbound struct {
	conn  *conn
	frame *frame.Frame
}

// Hub is the single goroutine that owns subscriptions and room state for
// the WebSocket server.
type Hub struct {
	rooms *Rooms

	// topic -> conn -> subscription id
	topics map[string]map[*conn]string

	register   chan *conn
	unregister chan *conn
	inbound    chan inbound
	quit       chan struct{}

	messageID uint64
	logger    *utils.Logger
}

// NewHub creates a hub over rooms
func NewHub(rooms *Rooms, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.GetLogger().Named("Hub")
	}
	return &Hub{
		rooms:      rooms,
		topics:     make(map[string]map[*conn]string),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		inbound:    make(chan inbound, 256),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes connection events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case c := <-h.register:
			h.logger.Debug("Client registered: %s", c.remote)

		case c := <-h.unregister:
			h.drop(c)

		case in := <-h.inbound:
			h.handle(in.conn, in.frame)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handle(c *conn, f *frame.Frame) {
	if c.gone {
		return
	}
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		c.write(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
			frame.Server, "roomcast",
		))

	case frame.SUBSCRIBE:
		dest := f.Header.Get(frame.Destination)
		id := f.Header.Get(frame.Id)
		if dest == "" || id == "" {
			h.fail(c, f, "SUBSCRIBE requires destination and id")
			return
		}
		subs, ok := h.topics[dest]
		if !ok {
			subs = make(map[*conn]string)
			h.topics[dest] = subs
		}
		subs[c] = id
		h.receipt(c, f)

	case frame.UNSUBSCRIBE:
		id := f.Header.Get(frame.Id)
		for dest, subs := range h.topics {
			if subs[c] == id {
				delete(subs, c)
				if len(subs) == 0 {
					delete(h.topics, dest)
				}
			}
		}
		h.receipt(c, f)

	case frame.SEND:
		h.handleSend(c, f)
		h.receipt(c, f)

	case frame.DISCONNECT:
		h.receipt(c, f)
		h.drop(c)

	default:
		h.fail(c, f, "unsupported command "+f.Command)
	}
}

// handleSend 处理 /app/signal/{roomId} 上的信令
func (h *Hub) handleSend(c *conn, f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	roomID, ok := RoomFromDestination(dest)
	if !ok {
		h.logger.Warn("SEND to unknown destination %q from %s", dest, c.remote)
		h.fail(c, f, "unknown destination "+dest)
		return
	}
	sig, err := signaling.Decode(f.Body)
	if err != nil {
		h.logger.Debug("Dropping signal from %s: %v", c.remote, err)
		return
	}

	switch sig.Type {
	case signaling.SignalJoin:
		c.peers[roomID] = sig.Sender
	case signaling.SignalLeave:
		delete(c.peers, roomID)
	}

	h.broadcast(roomID, h.rooms.Process(roomID, sig))
}

func (h *Hub) broadcast(roomID string, out []*signaling.Signal) {
	topic := signaling.RoomTopic(roomID)
	for _, sig := range out {
		payload, err := signaling.Encode(sig)
		if err != nil {
			h.logger.Error("Encode %s failed: %v", sig.Type, err)
			continue
		}
		for c, subID := range h.topics[topic] {
			h.messageID++
			msg := frame.New(frame.MESSAGE,
				frame.Destination, topic,
				frame.Subscription, subID,
				frame.MessageId, strconv.FormatUint(h.messageID, 10),
				frame.ContentType, "application/json",
				frame.ContentLength, strconv.Itoa(len(payload)),
			)
			msg.Body = payload
			if !c.write(msg) {
				h.drop(c)
			}
		}
	}
}

func (h *Hub) receipt(c *conn, f *frame.Frame) {
	if id, ok := f.Header.Contains(frame.Receipt); ok {
		c.write(frame.New(frame.RECEIPT, frame.ReceiptId, id))
	}
}

func (h *Hub) fail(c *conn, f *frame.Frame, message string) {
	errFrame := frame.New(frame.ERROR, frame.Message, message)
	if id, ok := f.Header.Contains(frame.Receipt); ok {
		errFrame.Header.Set(frame.ReceiptId, id)
	}
	c.write(errFrame)
	h.drop(c)
}

// drop 清理断开的连接，并为其加入过的房间合成 LEAVE
func (h *Hub) drop(c *conn) {
	if c.gone {
		return
	}
	c.gone = true
	for dest, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, dest)
		}
	}
	for roomID, peerID := range c.peers {
		if out := h.rooms.Forget(roomID, peerID); out != nil {
			h.logger.Info("Peer %s dropped from room %s", peerID, roomID)
			h.broadcast(roomID, out)
		}
	}
	// writePump 写完剩余帧后关闭连接
	close(c.send)
	h.logger.Debug("Client unregistered: %s", c.remote)
}
