/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-14
 *
 * WebSocketConn - 把 gorilla/websocket 连接包装成 go-stomp 需要的字节流
 * 写入按帧聚合成一条 WebSocket 消息，读取跨消息连续
 */
package stomp

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a *websocket.Conn to io.ReadWriteCloser.
// One goroutine may Read while another Writes.
type WebSocketConn struct {
	ws *websocket.Conn

	// reader 只在 Read 中使用
	reader io.Reader

	wmu  sync.Mutex
	wbuf []byte

	onReadError func(error)
	once        sync.Once
}

// NewWebSocketConn wraps ws. onReadError, if set, is called once with the
// first read error.
func NewWebSocketConn(ws *websocket.Conn, onReadError func(error)) *WebSocketConn {
	return &WebSocketConn{ws: ws, onReadError: onReadError}
}

// Read reads the next bytes of the stream, moving on to the next WebSocket
// message when the current one is drained.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.readFailed(err)
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.readFailed(err)
		}
		return n, err
	}
}

func (c *WebSocketConn) readFailed(err error) {
	c.once.Do(func() {
		if c.onReadError != nil {
			c.onReadError(err)
		}
	})
}

// Write buffers p until a whole frame (or heart-beat) is collected, then
// sends it as one text message.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.wbuf = append(c.wbuf, p...)
	if !frameComplete(c.wbuf) {
		return len(p), nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteMessage(websocket.TextMessage, c.wbuf)
	c.wbuf = c.wbuf[:0]
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// frameComplete 帧以 NUL 结尾；只含换行的是心跳
func frameComplete(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if b[len(b)-1] == 0 {
		return true
	}
	return len(bytes.Trim(b, "\r\n")) == 0
}

// Close sends a close message and closes the connection
func (c *WebSocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// EncodeFrame renders f for a single WebSocket message
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
