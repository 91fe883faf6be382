/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-19
 */
package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maiguangyang/roomcast/pkg/broker"
	"github.com/maiguangyang/roomcast/pkg/mesh"
	"github.com/maiguangyang/roomcast/pkg/signaling"
)

func TestRoomsEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"ws://127.0.0.1:8080/ws", "http://127.0.0.1:8080/rooms", false},
		{"wss://broker.example.com/ws", "https://broker.example.com/rooms", false},
		{"http://broker:9000", "http://broker:9000/rooms", false},
		{"ftp://broker/ws", "", true},
	}
	for _, tt := range tests {
		got, err := roomsEndpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("roomsEndpoint(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("roomsEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchRooms(t *testing.T) {
	srv := broker.NewServer(broker.DefaultServerConfig(), nil)
	srv.Rooms().Process("standup", &signaling.Signal{Type: signaling.SignalJoin, Sender: "alice"})
	srv.Rooms().Process("standup", &signaling.Signal{Type: signaling.SignalStartStream, Sender: "alice"})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	endpoint, err := roomsEndpoint(strings.Replace(ts.URL, "http", "ws", 1) + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	rooms, err := fetchRooms(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("fetchRooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RoomID != "standup" {
		t.Fatalf("Unexpected rooms: %+v", rooms)
	}
	out := renderRooms(rooms)
	if !strings.Contains(out, "standup") || !strings.Contains(out, "alice") {
		t.Errorf("Table missing room data:\n%s", out)
	}
}

func TestStatusViewRender(t *testing.T) {
	var buf bytes.Buffer
	view := newStatusView(&buf, "standup", "bob")
	view.Render(mesh.Snapshot{
		Connected: true,
		Peers:     []string{"alice", "bob"},
		Streamers: []string{"alice"},
		Sessions: []mesh.SessionInfo{
			{PeerID: "alice", State: "connected", Health: "connected"},
		},
		ActiveStreams: map[string]*mesh.RemoteStream{
			"alice": {PeerID: "alice", StreamID: "alice"},
		},
	})

	out := buf.String()
	for _, want := range []string{"standup", "online", "alice", "bob (you)", "connected", "0 tracks", "2 MEMBERS"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}
