package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/spillq/internal/config"
	"github.com/snehjoshi/spillq/internal/device"
	"github.com/snehjoshi/spillq/internal/metrics"
	"github.com/snehjoshi/spillq/internal/queue"
	"github.com/snehjoshi/spillq/internal/storage/local"
	transphttp "github.com/snehjoshi/spillq/internal/transport/http"
	"github.com/snehjoshi/spillq/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// newTestEnv spins up a real spillq stack (file store + queue + HTTP) backed
// by httptest.Server. All resources are cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, maxQueue int) (*client.Client, *queue.Queue) {
	t.Helper()

	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.HTTP.RateLimitRPS = 0
	cfg.Queue.MaxQueueSize = maxQueue

	store, err := local.Open(cfg.StorageDir(), local.Config{Fsync: local.FsyncNever})
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	q, err := queue.New(store, queue.Config{MaxQueueSize: maxQueue, MaxElemSize: cfg.Queue.MaxElemSize})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	c := queue.NewCompactor(q)
	c.Start()
	t.Cleanup(func() {
		c.Stop()
		_ = q.Close()
	})

	srv := transphttp.New(device.New(q, c), cfg, &metrics.Registry{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL), q
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

// ─── Queue operations ─────────────────────────────────────────────────────────

func TestPushPop_RoundTrip(t *testing.T) {
	c, _ := newTestEnv(t, 16)

	n, err := c.Push(ctx(), []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Push = (%d, %v)", n, err)
	}
	body, err := c.Pop(ctx(), 1024)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("Pop = %q", body)
	}
}

func TestPop_Empty(t *testing.T) {
	c, _ := newTestEnv(t, 16)
	_, err := c.Pop(ctx(), 10)
	if !client.IsEmpty(err) {
		t.Fatalf("want ErrEmpty, got %v", err)
	}
	if !iox.IsWouldBlock(err) {
		t.Error("ErrEmpty should be a would-block error")
	}
}

func TestPush_Full(t *testing.T) {
	c, _ := newTestEnv(t, 1)
	if _, err := c.Push(ctx(), []byte("a")); err != nil {
		t.Fatal(err)
	}
	_, err := c.Push(ctx(), []byte("b"))
	if !client.IsFull(err) {
		t.Fatalf("want ErrFull, got %v", err)
	}
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want 503 APIError, got %v", err)
	}
}

func TestPush_TooLarge(t *testing.T) {
	c, _ := newTestEnv(t, 16)
	_, err := c.Push(ctx(), make([]byte, queue.MaxElemSize+1))
	if !errors.Is(err, client.ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestSpillSync_ThroughFileStore(t *testing.T) {
	c, q := newTestEnv(t, 16)
	for _, p := range []string{"a", "bb", "ccc"} {
		if _, err := c.Push(ctx(), []byte(p)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.SpillSync(ctx(), 2)
	if err != nil || n != 2 {
		t.Fatalf("SpillSync = (%d, %v)", n, err)
	}
	st, err := c.Stats(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if st.Spilled != 2 || st.Resident != 1 || st.SpilledBytes != 5 {
		t.Fatalf("Stats = %+v", st)
	}

	for _, want := range []string{"a", "bb", "ccc"} {
		body, err := c.Pop(ctx(), 10)
		if err != nil || string(body) != want {
			t.Fatalf("Pop = (%q, %v), want %q", body, err, want)
		}
	}
	if q.Stats().Size != 0 {
		t.Fatal("queue should be empty")
	}
}

func TestSpillAsync(t *testing.T) {
	c, q := newTestEnv(t, 16)
	for i := 0; i < 5; i++ {
		if _, err := c.Push(ctx(), []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.SpillAsync(ctx(), 3); err != nil {
		t.Fatalf("SpillAsync: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for q.PendingSpill() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("async campaign did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, err := c.Stats(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if st.Spilled != 3 {
		t.Fatalf("Spilled = %d, want 3", st.Spilled)
	}
}

func TestPushWaitPopWait(t *testing.T) {
	c, _ := newTestEnv(t, 2)
	const total = 20

	g, gctx := errgroup.WithContext(ctx())
	g.Go(func() error {
		for i := 0; i < total; i++ {
			if _, err := c.PushWait(gctx, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	got := make([]byte, 0, total)
	g.Go(func() error {
		for len(got) < total {
			b, err := c.PopWait(gctx, 1)
			if err != nil {
				return err
			}
			got = append(got, b...)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("PushWait/PopWait: %v", err)
	}
	for i, b := range got {
		if int(b) != i {
			t.Fatalf("message %d = %d, out of order", i, b)
		}
	}
}

func TestHealth(t *testing.T) {
	c, _ := newTestEnv(t, 16)
	_, _ = c.Push(ctx(), []byte("x"))

	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.QueueSize != 1 {
		t.Fatalf("Health = %+v", h)
	}
}

// ─── Error type ───────────────────────────────────────────────────────────────

func TestAPIError_SpillInProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queue/control", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "busy", "code": "spill_in_progress"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := client.New(ts.URL)
	err := c.SpillAsync(ctx(), 1)

	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if ae.StatusCode != http.StatusConflict || ae.Message != "busy" {
		t.Fatalf("APIError = %+v", ae)
	}
	if !client.IsSpillInProgress(err) || !iox.IsWouldBlock(err) {
		t.Fatal("409 spill_in_progress should match ErrSpillInProgress")
	}
}

func TestSpillSync_PartialFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queue/control", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"op": "sync", "spilled": 2, "code": "storage",
			"error": "queue: spill 01J: storage: write failed",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	n, err := client.New(ts.URL).SpillSync(ctx(), 3)
	if n != 2 {
		t.Fatalf("SpillSync count = %d, want 2", n)
	}
	if !errors.Is(err, client.ErrPartialSpill) {
		t.Fatalf("want ErrPartialSpill, got %v", err)
	}
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.Code != "storage" || ae.StatusCode != http.StatusMultiStatus {
		t.Fatalf("APIError = %+v", ae)
	}
	if iox.IsWouldBlock(err) {
		t.Error("a partial spill is not a would-block error")
	}
}

// ─── Client options tests ─────────────────────────────────────────────────────

func TestWithAPIKey_Passed(t *testing.T) {
	// Minimal server that requires X-Api-Key.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "mysecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "queue_size": 0, "uptime_ms": 0, "version": "1.0",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Without key → 401
	c1 := client.New(ts.URL)
	if _, err := c1.Health(ctx()); err == nil {
		t.Fatal("expected auth error without API key")
	}

	// With key → success
	c2 := client.New(ts.URL, client.WithAPIKey("mysecret"))
	if _, err := c2.Health(ctx()); err != nil {
		t.Fatalf("Health with API key: %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	c := client.New("http://localhost:1", client.WithTimeout(50*time.Millisecond))
	_, err := c.Health(ctx())
	if err == nil {
		t.Fatal("expected error on unreachable server")
	}
}
