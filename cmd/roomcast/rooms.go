/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 */
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maiguangyang/roomcast/pkg/broker"
	"github.com/maiguangyang/roomcast/pkg/config"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms of a running broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{URL: flagURL, LogLevel: flagLogLevel})
		if err != nil {
			return err
		}
		endpoint, err := roomsEndpoint(cfg.URL)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		rooms, err := fetchRooms(ctx, endpoint)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, renderRooms(rooms))
		return nil
	},
}

func init() {
	roomsCmd.Flags().StringVar(&flagURL, "url", "", "broker websocket url (env "+config.EnvURL+")")
}

// roomsEndpoint 由 ws 地址推出 /rooms 的 http 地址
func roomsEndpoint(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/rooms"
	return u.String(), nil
}

func fetchRooms(ctx context.Context, endpoint string) ([]broker.RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker returned %s", resp.Status)
	}
	var rooms []broker.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func renderRooms(rooms []broker.RoomInfo) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Members", "Broadcasting"})
	for _, r := range rooms {
		t.AppendRow(table.Row{r.RoomID, strings.Join(r.Users, ", "), strings.Join(r.Streamers, ", ")})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(rooms)), "", ""})
	return t.Render()
}
