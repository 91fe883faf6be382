/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 *
 * Server - STOMP over WebSocket 信令服务
 * /ws 升级为 STOMP 会话，/healthz 存活检查，/rooms 输出房间快照
 */
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maiguangyang/roomcast/pkg/signaling/stomp"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Addr string

	// 允许的 Origin，为空表示全部允许
	AllowedOrigins []string

	ShutdownTimeout time.Duration
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server serves the room broker over HTTP
type Server struct {
	config   ServerConfig
	rooms    *Rooms
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

// NewServer creates a server; call Run or mount Handler and start the hub
// with RunHub.
func NewServer(config ServerConfig, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.GetLogger().Named("Broker")
	}
	rooms := NewRooms()
	s := &Server{
		config: config,
		rooms:  rooms,
		hub:    NewHub(rooms, logger.Named("Hub")),
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		Subprotocols:    stomp.Subprotocols,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Rooms returns the room table
func (s *Server) Rooms() *Rooms {
	return s.rooms
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.config.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWs)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.rooms.Snapshot())
	})
	return mux
}

// serveWs upgrades the connection and starts its pumps
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection: %v", err)
		return
	}
	c := newConn(s.hub, ws)

	select {
	case s.hub.register <- c:
	case <-s.hub.quit:
		ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// RunHub runs the hub loop until ctx is done
func (s *Server) RunHub(ctx context.Context) {
	s.hub.Run(ctx)
}

// Run serves on config.Addr until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Broker listening on %s", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer stop()
		s.logger.Info("Broker shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
