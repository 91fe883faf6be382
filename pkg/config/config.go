/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 *
 * CLI 配置
 * 优先级: 命令行参数 > 环境变量 (ROOMCAST_*) > 默认值
 */
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/mesh"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// Default values
const (
	DefaultURL         = "ws://127.0.0.1:8080/ws"
	DefaultAddr        = ":8080"
	DefaultSTUN        = mesh.DefaultSTUNServer
	DefaultSettleDelay = 2 * time.Second
	DefaultIdleTimeout = 10 * time.Second
	DefaultLogLevel    = utils.LogLevelInfo
)

// Environment variable names
const (
	EnvURL          = "ROOMCAST_URL"
	EnvAddr         = "ROOMCAST_ADDR"
	EnvRoom         = "ROOMCAST_ROOM"
	EnvPeerID       = "ROOMCAST_PEER_ID"
	EnvSTUN         = "ROOMCAST_STUN_SERVER"
	EnvTURN         = "ROOMCAST_TURN_SERVER"
	EnvTURNUser     = "ROOMCAST_TURN_USERNAME"
	EnvTURNPass     = "ROOMCAST_TURN_PASSWORD"
	EnvPublishVideo = "ROOMCAST_PUBLISH_UDP"
	EnvPublishAudio = "ROOMCAST_PUBLISH_AUDIO_UDP"
	EnvSettle       = "ROOMCAST_SETTLE"
	EnvIdleTimeout  = "ROOMCAST_IDLE_TIMEOUT"
	EnvLogLevel     = "ROOMCAST_LOG_LEVEL"
	EnvNoReconnect  = "ROOMCAST_NO_RECONNECT"
)

// Config holds the resolved CLI configuration
type Config struct {
	// 信令服务地址 (join) 和监听地址 (serve)
	URL  string
	Addr string

	Room   string
	PeerID string

	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// 非空时从这些 UDP 地址接收 RTP 并推流
	PublishVideo string
	PublishAudio string

	SettleDelay time.Duration
	IdleTimeout time.Duration
	LogLevel    utils.LogLevel
	Reconnect   bool
}

// Options carries flag values; zero values mean "not set"
type Options struct {
	URL          string
	Addr         string
	Room         string
	PeerID       string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	PublishVideo string
	PublishAudio string
	SettleDelay  time.Duration
	IdleTimeout  time.Duration
	LogLevel     string
	NoReconnect  bool
}

// Load resolves every field as flag > env > default. A missing peer id is
// replaced with a random UUID.
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		URL:          pick(opts.URL, EnvURL, DefaultURL),
		Addr:         pick(opts.Addr, EnvAddr, DefaultAddr),
		Room:         pick(opts.Room, EnvRoom, ""),
		PeerID:       pick(opts.PeerID, EnvPeerID, ""),
		STUNServer:   pick(opts.STUNServer, EnvSTUN, DefaultSTUN),
		TURNServer:   pick(opts.TURNServer, EnvTURN, ""),
		TURNUser:     pick(opts.TURNUser, EnvTURNUser, ""),
		TURNPass:     pick(opts.TURNPass, EnvTURNPass, ""),
		PublishVideo: pick(opts.PublishVideo, EnvPublishVideo, ""),
		PublishAudio: pick(opts.PublishAudio, EnvPublishAudio, ""),
		Reconnect:    true,
	}
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}

	var err error
	if cfg.SettleDelay, err = pickDuration(opts.SettleDelay, EnvSettle, DefaultSettleDelay); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = pickDuration(opts.IdleTimeout, EnvIdleTimeout, DefaultIdleTimeout); err != nil {
		return nil, err
	}

	level := pick(opts.LogLevel, EnvLogLevel, "")
	cfg.LogLevel = DefaultLogLevel
	if level != "" {
		parsed, ok := utils.ParseLogLevel(level)
		if !ok {
			return nil, fmt.Errorf("config: invalid log level %q", level)
		}
		cfg.LogLevel = parsed
	}

	if opts.NoReconnect {
		cfg.Reconnect = false
	} else if v, ok := os.LookupEnv(EnvNoReconnect); ok {
		off, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s: %w", EnvNoReconnect, err)
		}
		cfg.Reconnect = !off
	}
	return cfg, nil
}

// ICEServers returns the STUN server plus the TURN server when configured
func (c *Config) ICEServers() []media.ICEServer {
	var servers []media.ICEServer
	if c.STUNServer != "" {
		servers = append(servers, media.ICEServer{URLs: []string{c.STUNServer}})
	}
	if c.TURNServer != "" {
		servers = append(servers, media.ICEServer{
			URLs: []string{
				c.TURNServer + "?transport=udp",
				c.TURNServer + "?transport=tcp",
			},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// Publishing reports whether a UDP ingest address is configured
func (c *Config) Publishing() bool {
	return c.PublishVideo != "" || c.PublishAudio != ""
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickDuration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", env, err)
	}
	return d, nil
}
