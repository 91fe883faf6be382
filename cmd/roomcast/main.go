/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 *
 * roomcast 命令行入口
 */
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maiguangyang/roomcast/pkg/config"
	"github.com/maiguangyang/roomcast/pkg/utils"
)

// Version is set at build time
var Version = "dev"

var flagLogLevel string

var rootCmd = &cobra.Command{
	Use:     "roomcast",
	Short:   "Room-scoped peer-to-peer screen sharing over WebRTC",
	Long:    `roomcast runs a signaling broker and joins rooms where every participant links directly to every other one and any of them may broadcast.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "trace|debug|info|warn|error|off (env "+config.EnvLogLevel+")")
	rootCmd.AddCommand(serveCmd, joinCmd, roomsCmd)
}

// setupLogger applies the resolved level to the shared logger
func setupLogger(cfg *config.Config) *utils.Logger {
	logger := utils.GetLogger()
	logger.SetLevel(cfg.LogLevel)
	logger.SetOutput(os.Stderr)
	return logger
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
