package websocket_test

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/spillq/internal/device"
	"github.com/snehjoshi/spillq/internal/metrics"
	"github.com/snehjoshi/spillq/internal/msgid"
	"github.com/snehjoshi/spillq/internal/queue"
	"github.com/snehjoshi/spillq/internal/storage"
	"github.com/snehjoshi/spillq/internal/storage/memory"
	transportws "github.com/snehjoshi/spillq/internal/transport/websocket"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// flakyStore is a memory store whose next failWrites writes fail.
type flakyStore struct {
	*memory.Store
	failWrites atomix.Int64
}

func (s *flakyStore) Write(id msgid.ID, p []byte) error {
	if s.failWrites.Load() > 0 {
		s.failWrites.Add(-1)
		return fmt.Errorf("%w: %s: disk full", storage.ErrWriteFailed, id)
	}
	return s.Store.Write(id, p)
}

func dial(t *testing.T) (*gorillaws.Conn, *queue.Queue) {
	t.Helper()
	return dialStore(t, memory.New())
}

func dialStore(t *testing.T, store storage.Store, opts ...queue.Option) (*gorillaws.Conn, *queue.Queue) {
	t.Helper()
	q, err := queue.New(store, queue.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	c := queue.NewCompactor(q)
	c.Start()

	srv := httptest.NewServer(&transportws.Handler{
		Device:      device.New(q, c),
		MaxElemSize: queue.MaxElemSize,
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Close()
		c.Stop()
		_ = q.Close()
	})
	return conn, q
}

func roundTrip(t *testing.T, conn *gorillaws.Conn, req transportws.ClientFrame) transportws.ServerFrame {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", req.Op, err)
	}
	return readFrame(t, conn)
}

func readFrame(t *testing.T, conn *gorillaws.Conn) transportws.ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply transportws.ServerFrame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func intPtr(n int) *int { return &n }

// ─── tests ───────────────────────────────────────────────────────────────────

func TestWS_PushPop(t *testing.T) {
	conn, _ := dial(t)

	reply := roundTrip(t, conn, transportws.ClientFrame{Op: "push", Body: []byte("hello")})
	if !reply.OK || reply.N != 5 {
		t.Fatalf("push reply = %+v", reply)
	}

	reply = roundTrip(t, conn, transportws.ClientFrame{Op: "pop", MaxLen: intPtr(3)})
	if !reply.OK || string(reply.Body) != "hel" {
		t.Fatalf("pop reply = %+v", reply)
	}

	reply = roundTrip(t, conn, transportws.ClientFrame{Op: "pop"})
	if reply.OK || reply.Code != "empty" {
		t.Fatalf("pop on empty = %+v", reply)
	}
}

func TestWS_SyncAndAsync(t *testing.T) {
	conn, q := dial(t)
	for _, p := range []string{"a", "bb", "ccc", "dddd"} {
		roundTrip(t, conn, transportws.ClientFrame{Op: "push", Body: []byte(p)})
	}

	reply := roundTrip(t, conn, transportws.ClientFrame{Op: "sync", Count: 1})
	if !reply.OK || reply.N != 1 {
		t.Fatalf("sync reply = %+v", reply)
	}

	reply = roundTrip(t, conn, transportws.ClientFrame{Op: "async", Count: 2})
	if !reply.OK {
		t.Fatalf("async reply = %+v", reply)
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.PendingSpill() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("async campaign did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := q.Stats(); s.Spilled != 3 {
		t.Fatalf("Spilled = %d, want 3", s.Spilled)
	}

	for _, want := range []string{"a", "bb", "ccc", "dddd"} {
		reply := roundTrip(t, conn, transportws.ClientFrame{Op: "pop"})
		if string(reply.Body) != want {
			t.Fatalf("pop = %q, want %q", reply.Body, want)
		}
	}
}

func TestWS_InvalidFrames(t *testing.T) {
	conn, _ := dial(t)

	reply := roundTrip(t, conn, transportws.ClientFrame{Op: "frobnicate"})
	if reply.OK || reply.Code != "invalid" {
		t.Fatalf("unknown op reply = %+v", reply)
	}

	if err := conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	reply = readFrame(t, conn)
	if reply.OK || reply.Code != "invalid" {
		t.Fatalf("malformed frame reply = %+v", reply)
	}

	// The session survives both.
	reply = roundTrip(t, conn, transportws.ClientFrame{Op: "push", Body: []byte("x")})
	if !reply.OK {
		t.Fatalf("push after errors = %+v", reply)
	}
}

func TestWS_Subscribe(t *testing.T) {
	conn, q := dial(t)

	reply := roundTrip(t, conn, transportws.ClientFrame{Op: "subscribe"})
	if !reply.OK {
		t.Fatalf("subscribe reply = %+v", reply)
	}

	if _, err := q.Enqueue([]byte("pushed")); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Op != "message" || string(frame.Body) != "pushed" {
		t.Fatalf("pushed frame = %+v", frame)
	}
}

func TestWS_SyncPartialFailure(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	conn, _ := dialStore(t, store)
	for _, p := range []string{"a", "bb", "ccc"} {
		roundTrip(t, conn, transportws.ClientFrame{Op: "push", Body: []byte(p)})
	}

	store.failWrites.Store(1)
	reply := roundTrip(t, conn, transportws.ClientFrame{Op: "sync", Count: 2})
	if !reply.OK || reply.N != 2 || reply.Code != "storage" || reply.Error == "" {
		t.Fatalf("partial sync reply = %+v", reply)
	}

	store.failWrites.Store(1)
	reply = roundTrip(t, conn, transportws.ClientFrame{Op: "sync", Count: 1})
	if reply.OK || reply.N != 0 || reply.Code != "storage" {
		t.Fatalf("failed sync reply = %+v", reply)
	}
}

func TestWS_IdleSubscriptionIsNotRejected(t *testing.T) {
	reg := &metrics.Registry{}
	conn, q := dialStore(t, memory.New(), queue.WithMetrics(reg))

	if reply := roundTrip(t, conn, transportws.ClientFrame{Op: "subscribe"}); !reply.OK {
		t.Fatalf("subscribe reply = %+v", reply)
	}
	// Let several poll intervals pass on an empty queue.
	time.Sleep(700 * time.Millisecond)
	if got := reg.Rejected.Value("empty"); got != 0 {
		t.Fatalf("Rejected[empty] = %d after idle polling, want 0", got)
	}

	if _, err := q.Enqueue([]byte("late")); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Op != "message" || string(frame.Body) != "late" {
		t.Fatalf("pushed frame = %+v", frame)
	}
}
