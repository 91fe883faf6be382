/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 */
package broker

import (
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/maiguangyang/roomcast/pkg/signaling/stomp"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// conn is one WebSocket client of the hub
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	remote string

	// send is drained by writePump; closed by the hub on drop
	send chan []byte

	// 以下字段只在 hub 协程中访问
	peers map[string]string // roomID -> peerID announced by JOIN
	gone  bool
}

func newConn(hub *Hub, ws *websocket.Conn) *conn {
	return &conn{
		hub:    hub,
		ws:     ws,
		remote: ws.RemoteAddr().String(),
		send:   make(chan []byte, sendBuffer),
		peers:  make(map[string]string),
	}
}

// write queues a frame; it reports false when the client is too slow
func (c *conn) write(f *frame.Frame) bool {
	if c.gone {
		return false
	}
	data, err := stomp.EncodeFrame(f)
	if err != nil {
		c.hub.logger.Error("Encode %s failed: %v", f.Command, err)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Warn("Client %s send buffer full", c.remote)
		return false
	}
}

// readPump pumps frames from the websocket connection to the hub.
func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// 帧流跨 WebSocket 消息连续，解析出错后无法再同步，直接断开
	reader := frame.NewReader(stomp.NewWebSocketConn(c.ws, nil))
	for {
		f, err := reader.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Read error from %s: %v", c.remote, err)
			}
			return
		}
		if f == nil {
			continue
		}
		select {
		case c.hub.inbound <- inbound{conn: c, frame: f}:
		case <-c.hub.quit:
			return
		}
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.quit:
			return
		}
	}
}
