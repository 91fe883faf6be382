/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 *
 * 房间状态表格
 */
package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/maiguangyang/roomcast/pkg/mesh"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	liveStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// statusView renders a Snapshot as a member table
type statusView struct {
	mu     sync.Mutex
	out    io.Writer
	room   string
	selfID string
}

func newStatusView(out io.Writer, room, selfID string) *statusView {
	return &statusView{out: out, room: room, selfID: selfID}
}

// Render writes the header line and the member table
func (v *statusView) Render(s mesh.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	state := errorStyle.Render("offline")
	if s.Connected {
		state = liveStyle.Render("online")
	}
	header := fmt.Sprintf("%s %s  %s", titleStyle.Render("Room"), v.room, state)
	if s.Streaming {
		header += "  " + liveStyle.Render("● broadcasting")
	}
	fmt.Fprintln(v.out)
	fmt.Fprintln(v.out, header)
	fmt.Fprintln(v.out, renderMembers(v.selfID, s))
}

// renderMembers 每个成员一行：是否推流、会话状态、是否在接收其画面
func renderMembers(selfID string, s mesh.Snapshot) string {
	sessions := make(map[string]mesh.SessionInfo, len(s.Sessions))
	for _, info := range s.Sessions {
		sessions[info.PeerID] = info
	}
	streamers := make(map[string]bool, len(s.Streamers))
	for _, id := range s.Streamers {
		streamers[id] = true
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Peer", "Broadcasting", "Session", "Link", "Receiving"})
	for _, id := range s.Peers {
		name := id
		if id == selfID {
			name += " (you)"
		}
		session, link := "-", "-"
		if info, ok := sessions[id]; ok {
			session, link = info.State, info.Health
		}
		receiving := ""
		if stream, ok := s.ActiveStreams[id]; ok {
			receiving = fmt.Sprintf("%d tracks", len(stream.Tracks))
		}
		t.AppendRow(table.Row{name, yesNo(streamers[id]), session, link, receiving})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d members", len(s.Peers)), fmt.Sprintf("%d", len(s.Streamers)), "", "", fmt.Sprintf("%d", len(s.ActiveStreams))})
	return t.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
