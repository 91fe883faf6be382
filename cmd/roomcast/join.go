/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maiguangyang/roomcast/pkg/config"
	"github.com/maiguangyang/roomcast/pkg/media/pionmedia"
	"github.com/maiguangyang/roomcast/pkg/mesh"
	"github.com/maiguangyang/roomcast/pkg/signaling/stomp"
)

const joinTimeout = 15 * time.Second

var (
	flagURL          string
	flagRoom         string
	flagPeerID       string
	flagSTUN         string
	flagTURN         string
	flagTURNUser     string
	flagTURNPass     string
	flagPublishVideo string
	flagPublishAudio string
	flagSettle       time.Duration
	flagIdle         time.Duration
	flagNoReconnect  bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and optionally broadcast",
	Long: `Join a room, link with every member and show the room state.

With --publish-udp, RTP packets received on that address are broadcast to the
room, e.g. from:
  ffmpeg -re -f x11grab -i :0 -c:v libvpx -deadline realtime -f rtp rtp://127.0.0.1:5004

Examples:
  roomcast join --room standup
  roomcast join --url ws://broker:8080/ws --room standup --publish-udp 127.0.0.1:5004`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{
			URL:          flagURL,
			Room:         flagRoom,
			PeerID:       flagPeerID,
			STUNServer:   flagSTUN,
			TURNServer:   flagTURN,
			TURNUser:     flagTURNUser,
			TURNPass:     flagTURNPass,
			PublishVideo: flagPublishVideo,
			PublishAudio: flagPublishAudio,
			SettleDelay:  flagSettle,
			IdleTimeout:  flagIdle,
			LogLevel:     flagLogLevel,
			NoReconnect:  flagNoReconnect,
		})
		if err != nil {
			return err
		}
		if cfg.Room == "" {
			return fmt.Errorf("no room specified (--room or %s)", config.EnvRoom)
		}
		return runJoin(cfg)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagURL, "url", "", "broker websocket url (env "+config.EnvURL+")")
	f.StringVar(&flagRoom, "room", "", "room id (env "+config.EnvRoom+")")
	f.StringVar(&flagPeerID, "peer-id", "", "local peer id, random when empty (env "+config.EnvPeerID+")")
	f.StringVar(&flagSTUN, "stun", "", "STUN server (env "+config.EnvSTUN+")")
	f.StringVar(&flagTURN, "turn", "", "TURN server (env "+config.EnvTURN+")")
	f.StringVar(&flagTURNUser, "turn-user", "", "TURN username (env "+config.EnvTURNUser+")")
	f.StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env "+config.EnvTURNPass+")")
	f.StringVar(&flagPublishVideo, "publish-udp", "", "broadcast VP8 RTP received on this UDP address (env "+config.EnvPublishVideo+")")
	f.StringVar(&flagPublishAudio, "publish-audio-udp", "", "also broadcast Opus RTP received on this UDP address (env "+config.EnvPublishAudio+")")
	f.DurationVar(&flagSettle, "settle", 0, "delay before offering to a late joiner (env "+config.EnvSettle+")")
	f.DurationVar(&flagIdle, "idle-timeout", 0, "end the broadcast when no RTP arrives for this long (env "+config.EnvIdleTimeout+")")
	f.BoolVar(&flagNoReconnect, "no-reconnect", false, "do not reconnect the signaling channel (env "+config.EnvNoReconnect+")")
}

func runJoin(cfg *config.Config) error {
	logger := setupLogger(cfg)

	engine, err := pionmedia.NewEngine(
		pionmedia.WithLogger(logger.Named("Media")),
		pionmedia.WithKeyframeRequestHandler(func(trackID string) {
			// UDP 推流无法回传关键帧请求，只记录
			logger.Debug("Keyframe requested for %s", trackID)
		}),
	)
	if err != nil {
		return err
	}
	placeholder := pionmedia.NewPlaceholder(cfg.PeerID)
	defer placeholder.Close()

	mcfg := mesh.DefaultConfig()
	mcfg.RoomID = cfg.Room
	mcfg.LocalID = cfg.PeerID
	mcfg.ICEServers = cfg.ICEServers()
	mcfg.SettleDelay = cfg.SettleDelay
	mcfg.Reconnect = cfg.Reconnect
	mcfg.Transport = stomp.NewClient(stomp.DefaultConfig(cfg.URL), stomp.WithLogger(logger.Named("STOMP")))
	mcfg.Engine = engine
	mcfg.Placeholder = placeholder
	mcfg.Logger = logger
	if cfg.Publishing() {
		mcfg.Capturer = &pionmedia.UDPCapturer{
			StreamID:    cfg.PeerID,
			VideoAddr:   cfg.PublishVideo,
			AudioAddr:   cfg.PublishAudio,
			IdleTimeout: cfg.IdleTimeout,
			Logger:      logger.Named("Capture"),
		}
	}

	ctrl, err := mesh.New(mcfg)
	if err != nil {
		return err
	}
	view := newStatusView(os.Stdout, cfg.Room, cfg.PeerID)
	ctrl.SetOnChange(view.Render)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	err = ctrl.Join(joinCtx)
	if err == nil && cfg.Publishing() {
		err = ctrl.StartStream(joinCtx)
	}
	cancel()
	if err != nil {
		ctrl.Leave()
		return err
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stdout, mutedStyle.Render("Leaving "+cfg.Room+"..."))
	if err := ctrl.Leave(); err != nil {
		logger.Warn("Leave: %v", err)
	}
	fmt.Fprintln(os.Stdout, mutedStyle.Render(ctrl.GetStats().ToJSON()))
	return nil
}
