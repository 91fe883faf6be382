/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 *
 * UDPCapturer - 从 UDP 端口接收外部编码器 (ffmpeg/gstreamer) 推来的 RTP
 * 例: ffmpeg -re -f x11grab -i :0 -c:v libvpx -f rtp rtp://127.0.0.1:5004
 */
package pionmedia

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// StaticCapturer hands out prepared captures in order
type StaticCapturer struct {
	mu       sync.Mutex
	captures []media.Capture
}

var _ media.Capturer = (*StaticCapturer)(nil)

// NewStaticCapturer queues captures for later acquisition
func NewStaticCapturer(captures ...media.Capture) *StaticCapturer {
	return &StaticCapturer{captures: captures}
}

// Push queues one more capture
func (c *StaticCapturer) Push(capture media.Capture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures = append(c.captures, capture)
}

// AcquireDisplayCapture pops the next capture or fails with media.ErrMediaUnavailable
func (c *StaticCapturer) AcquireDisplayCapture(ctx context.Context) (media.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.captures) == 0 {
		return nil, fmt.Errorf("%w: no capture prepared", media.ErrMediaUnavailable)
	}
	capture := c.captures[0]
	c.captures = c.captures[1:]
	return capture, nil
}

// UDPCapturer acquires a LocalSource fed by RTP over UDP
type UDPCapturer struct {
	// StreamID the tracks are announced under, normally the local peer id
	StreamID string
	// VideoAddr receives VP8 RTP, e.g. "127.0.0.1:5004"
	VideoAddr string
	// AudioAddr receives Opus RTP; empty disables audio
	AudioAddr string
	// IdleTimeout ends the capture when no packet arrives for this long; 0 never
	IdleTimeout time.Duration
	// Net defaults to the host network
	Net transport.Net

	Logger *utils.Logger
}

var _ media.Capturer = (*UDPCapturer)(nil)

// AcquireDisplayCapture binds the sockets and starts forwarding. A bind
// failure is reported as media.ErrMediaUnavailable.
func (c *UDPCapturer) AcquireDisplayCapture(ctx context.Context) (media.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.VideoAddr == "" && c.AudioAddr == "" {
		return nil, fmt.Errorf("%w: no ingest address", media.ErrMediaUnavailable)
	}

	logger := c.Logger
	if logger == nil {
		logger = utils.GetLogger().Named("Capture")
	}
	n := c.Net
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrMediaUnavailable, err)
		}
		n = std
	}

	var opts []SourceOption
	if c.VideoAddr != "" {
		opts = append(opts, WithVideoCodec(defaultVideoCodec))
	}
	if c.AudioAddr != "" {
		opts = append(opts, WithAudioCodec(defaultAudioCodec))
	}
	src, err := NewLocalSource(c.StreamID, opts...)
	if err != nil {
		return nil, err
	}

	for _, in := range []struct {
		addr string
		kind media.Kind
	}{{c.VideoAddr, media.KindVideo}, {c.AudioAddr, media.KindAudio}} {
		if in.addr == "" {
			continue
		}
		conn, err := n.ListenPacket("udp", in.addr)
		if err != nil {
			src.Stop()
			return nil, fmt.Errorf("%w: listen %s: %v", media.ErrMediaUnavailable, in.addr, err)
		}
		src.addCloser(conn)
		logger.Info("Ingesting %s RTP on %s", in.kind, conn.LocalAddr())
		go c.ingest(src, conn, in.kind, logger)
	}
	return src, nil
}

// ingest 读取 UDP 包写入源；超时视为外部编码器已退出
func (c *UDPCapturer) ingest(src *LocalSource, conn net.PacketConn, kind media.Kind, logger *utils.Logger) {
	buf := utils.GetBuffer(utils.MTUBufferSize)
	defer utils.PutBuffer(buf)

	for {
		if c.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.IdleTimeout))
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
				logger.Warn("No %s RTP for %v, ending capture", kind, c.IdleTimeout)
				src.End()
				return
			}
			if !src.Done() {
				logger.Warn("%s ingest stopped: %v", kind, err)
				src.End()
			}
			return
		}
		if err := src.InjectPacket(kind, buf[:n]); err != nil {
			if errors.Is(err, ErrSourceStopped) {
				return
			}
			logger.Debug("Dropping %s packet: %v", kind, err)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
