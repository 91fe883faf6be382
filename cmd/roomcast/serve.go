/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maiguangyang/roomcast/pkg/broker"
	"github.com/maiguangyang/roomcast/pkg/config"
)

var (
	flagAddr    string
	flagOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the room signaling broker",
	Long: `Run the STOMP-over-WebSocket room broker.

Examples:
  roomcast serve
  roomcast serve --addr :9000 --origin https://app.example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{Addr: flagAddr, LogLevel: flagLogLevel})
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srvCfg := broker.DefaultServerConfig()
		srvCfg.Addr = cfg.Addr
		srvCfg.AllowedOrigins = flagOrigins
		return broker.NewServer(srvCfg, logger.Named("Broker")).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (env "+config.EnvAddr+", default "+config.DefaultAddr+")")
	serveCmd.Flags().StringSliceVar(&flagOrigins, "origin", nil, "allowed websocket origins, empty allows all")
}
