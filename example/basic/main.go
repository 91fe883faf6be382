/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 *
 * Example: Basic Room Usage
 *
 * 三个成员通过进程内 broker 交换信令，在本机上建立真实的 WebRTC 连接，
 * alice 推送合成的 VP8 RTP，bob 和 carol 接收。
 *
 * 运行命令: go run ./example/basic
 */
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/maiguangyang/roomcast/pkg/broker"
	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/media/pionmedia"
	"github.com/maiguangyang/roomcast/pkg/mesh"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

const roomID = "example-room"

func main() {
	fmt.Println("=== roomcast Basic Example ===")
	fmt.Println()

	logger := utils.GetLogger()
	logger.SetLevel(utils.LogLevelWarn)

	// 1. 进程内 broker
	fmt.Println("1. Creating in-process broker...")
	hub := broker.NewMemory()
	fmt.Println("   ✓ Broker ready")

	// 2. alice 的推流源
	fmt.Println("\n2. Creating alice's capture...")
	src, err := pionmedia.NewLocalSource("alice")
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	stop := make(chan struct{})
	defer close(stop)
	go feed(src, stop)
	fmt.Println("   ✓ Synthetic VP8 source running")

	// 3. 三个成员
	fmt.Println("\n3. Creating participants...")
	alice, err := newPeer(hub, "alice", pionmedia.NewStaticCapturer(src), logger)
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer alice.Leave()
	bob, err := newPeer(hub, "bob", nil, logger)
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer bob.Leave()
	carol, err := newPeer(hub, "carol", nil, logger)
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer carol.Leave()

	bob.SetOnChange(func(s mesh.Snapshot) {
		fmt.Printf("   → bob sees peers=%v streamers=%v active=%d\n", s.Peers, s.Streamers, len(s.ActiveStreams))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// 4. 加入房间
	fmt.Println("\n4. Joining room...")
	for _, p := range []*mesh.Controller{alice, bob, carol} {
		if err := p.Join(ctx); err != nil {
			fmt.Printf("   Error: %s join: %v\n", p.LocalID(), err)
			return
		}
		fmt.Printf("   + %s joined\n", p.LocalID())
	}

	// 5. alice 开始推流
	fmt.Println("\n5. alice starts streaming...")
	if err := alice.StartStream(ctx); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}

	// 6. 等待接收端出现 alice 的流
	fmt.Println("\n6. Waiting for receivers...")
	for _, p := range []*mesh.Controller{bob, carol} {
		if waitActive(ctx, p, "alice") {
			fmt.Printf("   ✓ %s receives alice\n", p.LocalID())
		} else {
			fmt.Printf("   ✗ %s timed out\n", p.LocalID())
		}
	}

	// 7. 状态
	fmt.Println("\n7. Status of bob:")
	status, _ := json.MarshalIndent(bob.GetStatus(), "   ", "  ")
	fmt.Printf("   %s\n", status)

	// 8. 停止推流
	fmt.Println("\n8. alice stops streaming...")
	if err := alice.StopStream(ctx); err != nil {
		fmt.Printf("   Error: %v\n", err)
	}
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("   bob streamers: %v\n", bob.Snapshot().Streamers)

	video, _ := src.Stats()
	fmt.Printf("\n   alice wrote %d video packets\n", video)
	fmt.Println("\n=== Example Complete ===")
}

func newPeer(hub *broker.Memory, id string, capturer media.Capturer, logger *utils.Logger) (*mesh.Controller, error) {
	engine, err := pionmedia.NewEngine(pionmedia.WithLogger(logger.Named(id)))
	if err != nil {
		return nil, err
	}
	cfg := mesh.DefaultConfig()
	cfg.RoomID = roomID
	cfg.LocalID = id
	cfg.SettleDelay = 200 * time.Millisecond
	cfg.Transport = hub.NewTransport()
	cfg.Engine = engine
	cfg.Capturer = capturer
	cfg.Placeholder = pionmedia.NewPlaceholder(id)
	cfg.Logger = logger.Named(id)
	return mesh.New(cfg)
}

func waitActive(ctx context.Context, p *mesh.Controller, peerID string) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := p.Snapshot().ActiveStreams[peerID]; ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// feed 每 33ms 写一个合成的 VP8 包
func feed(src *pionmedia.LocalSource, stop <-chan struct{}) {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SSRC: 0xcafe, Marker: true},
		Payload: []byte{0x10, 0x00, 0x9d, 0x01, 0x2a},
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += 3000
			if err := src.WriteRTP(media.KindVideo, pkt); err == pionmedia.ErrSourceStopped {
				return
			}
		}
	}
}
