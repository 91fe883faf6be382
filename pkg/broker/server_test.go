/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 */
package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/maiguangyang/roomcast/pkg/signaling"
	"github.com/maiguangyang/roomcast/pkg/signaling/stomp"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(DefaultServerConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.RunHub(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *stomp.Client {
	t.Helper()
	c := stomp.NewClient(stomp.DefaultConfig(url))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerStompRoundTrip(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := dial(t, url), dial(t, url)
	ca, cb := newCollector(), newCollector()
	if _, err := a.Subscribe(ctx, signaling.RoomTopic("r1"), ca.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	// 同一连接上 SUBSCRIBE 先于 SEND 处理，a 一定能收到自己的 JOIN
	publish(t, a, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "a"})
	if got := ca.next(t); got.Type != signaling.SignalJoin || !slices.Equal(got.Peers, []string{"a"}) {
		t.Errorf("Unexpected JOIN: %+v", got)
	}

	if _, err := b.Subscribe(ctx, signaling.RoomTopic("r1"), cb.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	publish(t, b, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "b"})
	for _, c := range []*collector{ca, cb} {
		if got := c.next(t); got.Type != signaling.SignalJoin || got.Sender != "b" {
			t.Errorf("Unexpected JOIN: %+v", got)
		}
	}

	publish(t, b, "r1", &signaling.Signal{
		Type:     signaling.SignalOffer,
		Sender:   "b",
		Receiver: "a",
		SDP:      &signaling.SessionDescription{Type: "offer", SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},
	})
	got := ca.next(t)
	if got.Type != signaling.SignalOffer || got.Receiver != "a" || got.SDP == nil || !strings.Contains(got.SDP.SDP, "o=- 1 1") {
		t.Errorf("Unexpected OFFER: %+v", got)
	}
}

func TestServerDroppedConnectionLeaves(t *testing.T) {
	srv, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := dial(t, url), dial(t, url)
	cb := newCollector()
	if _, err := b.Subscribe(ctx, signaling.RoomTopic("r1"), cb.handle); err != nil {
		t.Fatal(err)
	}
	publish(t, b, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "b"})
	cb.next(t)

	publish(t, a, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "a"})
	cb.next(t)
	if info, ok := srv.Rooms().Get("r1"); !ok || !slices.Equal(info.Users, []string{"b", "a"}) {
		t.Fatalf("Unexpected room: %+v", info)
	}

	a.Close()
	leave := cb.next(t)
	if leave.Type != signaling.SignalLeave || leave.Sender != "a" {
		t.Errorf("Expected implicit LEAVE, got %+v", leave)
	}
}

func TestServerRoomsEndpoint(t *testing.T) {
	srv, _ := startServer(t)
	srv.Rooms().Process("r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "a"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	var rooms []RoomInfo
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RoomID != "r1" {
		t.Errorf("Unexpected rooms: %+v", rooms)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestStompClientDisconnectHook(t *testing.T) {
	_, url := startServer(t)
	c := stomp.NewClient(stomp.DefaultConfig(url))
	lost := make(chan error, 1)
	c.SetOnDisconnect(func(err error) { lost <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// 未知目的地会让服务端回 ERROR 并断开
	if err := c.Publish(ctx, "/nowhere", []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case err := <-lost:
		if err == nil {
			t.Error("Expected a cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect hook not called")
	}

	// 可以重新连接
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	c.Close()
}
