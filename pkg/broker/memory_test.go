/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-15
 */
package broker

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/maiguangyang/roomcast/pkg/signaling"
)

// collector 收集某个订阅收到的信令
type collector struct {
	ch chan *signaling.Signal
}

func newCollector() *collector {
	return &collector{ch: make(chan *signaling.Signal, 64)}
}

func (c *collector) handle(payload []byte) {
	s, err := signaling.Decode(payload)
	if err == nil {
		c.ch <- s
	}
}

func (c *collector) next(t *testing.T) *signaling.Signal {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for signal")
		return nil
	}
}

func publish(t *testing.T, tr signaling.Transport, room string, s *signaling.Signal) {
	t.Helper()
	payload, err := signaling.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Publish(context.Background(), signaling.RoomDestination(room), payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestMemoryBroadcastsMembership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ta, tb := m.NewTransport(), m.NewTransport()
	ca, cb := newCollector(), newCollector()
	for _, p := range []struct {
		tr *MemoryTransport
		c  *collector
	}{{ta, ca}, {tb, cb}} {
		if err := p.tr.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := p.tr.Subscribe(ctx, signaling.RoomTopic("r1"), p.c.handle); err != nil {
			t.Fatal(err)
		}
	}

	publish(t, ta, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "a"})
	publish(t, tb, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "b"})

	ca.next(t)
	got := ca.next(t)
	if got.Sender != "b" || !slices.Equal(got.Peers, []string{"a", "b"}) {
		t.Errorf("Unexpected JOIN at a: %+v", got)
	}
	cb.next(t)
	if got := cb.next(t); !slices.Equal(got.Peers, []string{"a", "b"}) {
		t.Errorf("Unexpected JOIN at b: %+v", got)
	}
}

func TestMemoryDropSynthesizesLeave(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ta, tb := m.NewTransport(), m.NewTransport()
	cb := newCollector()
	ta.Connect(ctx)
	tb.Connect(ctx)
	tb.Subscribe(ctx, signaling.RoomTopic("r1"), cb.handle)

	lost := make(chan error, 1)
	ta.SetOnDisconnect(func(err error) { lost <- err })

	publish(t, ta, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "a"})
	publish(t, ta, "r1", &signaling.Signal{Type: signaling.SignalStartStream, Sender: "a"})
	cb.next(t)
	cb.next(t)

	if !m.Drop(ta) {
		t.Fatal("Drop should detach a connected transport")
	}
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("Disconnect hook not called")
	}

	leave := cb.next(t)
	if leave.Type != signaling.SignalLeave || leave.Sender != "a" || len(leave.Peers) != 0 {
		t.Errorf("Unexpected LEAVE: %+v", leave)
	}
	stop := cb.next(t)
	if stop.Type != signaling.SignalStopStream || len(stop.Streamers) != 0 {
		t.Errorf("Unexpected STOPSTREAM: %+v", stop)
	}

	if err := ta.Publish(ctx, signaling.RoomDestination("r1"), []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish after drop = %v", err)
	}
}

func TestMemoryRefuse(t *testing.T) {
	m := NewMemory()
	tr := m.NewTransport()
	m.SetRefuse(true)
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrConnectRefused) {
		t.Errorf("Connect = %v, want ErrConnectRefused", err)
	}
	m.SetRefuse(false)
	if err := tr.Connect(context.Background()); err != nil {
		t.Errorf("Connect failed: %v", err)
	}
	tr.Close()
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Connect after Close = %v", err)
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tr := m.NewTransport()
	tr.Connect(ctx)
	c := newCollector()
	sub, err := tr.Subscribe(ctx, signaling.RoomTopic("r1"), c.handle)
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()

	publish(t, tr, "r1", &signaling.Signal{Type: signaling.SignalJoin, Sender: "a"})
	select {
	case s := <-c.ch:
		t.Errorf("Unexpected delivery after unsubscribe: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}
