// Package websocket provides a framed, bidirectional session over the spillq
// device.
//
// Clients open a WebSocket connection to:
//
//	GET /queue/ws
//
// Every client frame is answered by exactly one reply frame, in order.
//
// Client → server request frame:
//
//	{"op":"push",  "body":"<base64>"}
//	{"op":"pop",   "max_len":N}
//	{"op":"sync",  "count":N}
//	{"op":"async", "count":N}
//	{"op":"subscribe", "max_len":N}   // server pushes messages as they arrive
//	{"op":"unsubscribe"}
//
// Server → client reply frame:
//
//	{"op":"push","ok":true,"n":3}
//	{"op":"pop","ok":true,"n":3,"body":"<base64>"}
//	{"op":"pop","ok":false,"code":"empty","error":"queue: empty: ..."}
//
// While subscribed the server polls the queue every 200 ms and sends each
// message it pops as {"op":"message","ok":true,"n":N,"body":"<base64>"}.
// A message whose frame cannot be written stays in the queue.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/spillq/internal/device"
)

// pollInterval is how often a subscribed session checks for new messages.
const pollInterval = 200 * time.Millisecond

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the WebSocket device session.
type Handler struct {
	Device *device.Device
	// MaxElemSize bounds the default pop length and the inbound frame size.
	MaxElemSize int
}

// ClientFrame is the JSON structure the client sends to the server.
type ClientFrame struct {
	Op     string `json:"op"`
	Body   []byte `json:"body,omitempty"` // base64 on the wire
	MaxLen *int   `json:"max_len,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// ServerFrame is the JSON structure the server sends to the client.
type ServerFrame struct {
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	N     int    `json:"n,omitempty"`
	Body  []byte `json:"body,omitempty"` // base64 on the wire
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and runs the session loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// base64 inflates a payload by 4/3; leave room for the envelope.
	conn.SetReadLimit(int64(h.MaxElemSize)*2 + 1024)

	// Start a goroutine to read request frames from the client.
	requests := make(chan ClientFrame, 64)
	go func() {
		defer close(requests)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf ClientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				// Malformed frame: answered with an error, session stays open.
				cf = ClientFrame{}
			}
			requests <- cf
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	subscribed := false
	subMaxLen := h.MaxElemSize

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-requests:
			if !ok {
				return // client disconnected
			}
			switch cf.Op {
			case "subscribe":
				reply := ServerFrame{Op: cf.Op, OK: true}
				if n := h.maxLen(cf); n < 0 {
					reply = ServerFrame{Op: cf.Op, Code: "invalid", Error: "max_len must be non-negative"}
				} else {
					subscribed, subMaxLen = true, n
				}
				if conn.WriteJSON(reply) != nil {
					return
				}
				continue
			case "unsubscribe":
				subscribed = false
				if conn.WriteJSON(ServerFrame{Op: cf.Op, OK: true}) != nil {
					return
				}
				continue
			}
			if conn.WriteJSON(h.handle(r.Context(), cf)) != nil {
				return
			}

		case <-ticker.C:
			if !subscribed {
				continue
			}
			// Len gates the poll so an idle session does not count as a
			// stream of empty reads.
			for h.Device.Len() > 0 {
				var writeErr error
				err := h.Device.Deliver(subMaxLen, func(body []byte) error {
					writeErr = conn.WriteJSON(ServerFrame{Op: "message", OK: true, N: len(body), Body: body})
					return writeErr
				})
				if writeErr != nil {
					// The message went back to the head of the queue.
					return
				}
				if err != nil {
					if device.Code(err) != "empty" {
						slog.Warn("ws delivery failed", "err", err)
					}
					break
				}
			}
		}
	}
}

// handle executes one request frame against the device.
func (h *Handler) handle(ctx context.Context, cf ClientFrame) ServerFrame {
	reply := ServerFrame{Op: cf.Op}
	var err error

	switch cf.Op {
	case "push":
		reply.N, err = h.Device.Write(cf.Body)
	case "pop":
		reply.Body, err = h.Device.Pop(h.maxLen(cf))
		reply.N = len(reply.Body)
	case "sync":
		reply.N, err = h.Device.Control(ctx, device.OpSpillSync, cf.Count)
	case "async":
		_, err = h.Device.Control(ctx, device.OpSpillAsync, cf.Count)
	case "":
		reply.Code = "invalid"
		reply.Error = "malformed frame"
		return reply
	default:
		reply.Code = "invalid"
		reply.Error = fmt.Sprintf("unknown op %q", cf.Op)
		return reply
	}

	if err != nil {
		reply.Code = device.Code(err)
		reply.Error = err.Error()
		// A partial sync campaign still reports how many it spilled.
		reply.OK = cf.Op == "sync" && reply.N > 0
		return reply
	}
	reply.OK = true
	return reply
}

// maxLen returns the frame's max_len, defaulting to the element size limit.
func (h *Handler) maxLen(cf ClientFrame) int {
	if cf.MaxLen == nil {
		return h.MaxElemSize
	}
	return *cf.MaxLen
}
