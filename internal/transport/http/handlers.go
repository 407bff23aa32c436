package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/spillq/internal/device"
)

// Handler groups all HTTP request handlers around a Device.
type Handler struct {
	dev     *device.Device
	maxElem int
	dataDir string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type pushResp struct {
	Bytes int `json:"bytes"`
}

type controlReq struct {
	Op    device.Op `json:"op"`
	Count int       `json:"count"`
}

type controlResp struct {
	Op      string `json:"op"`
	Spilled int    `json:"spilled"`
	Async   bool   `json:"async"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type healthResp struct {
	Status    string `json:"status"`
	QueueSize int    `json:"queue_size"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
	DataDir   string `json:"data_dir"`
}

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:    "ok",
		QueueSize: h.dev.Stats().Size,
		Uptime:    elapsed.Round(time.Second).String(),
		UptimeMs:  elapsed.Milliseconds(),
		Version:   "1.0.0",
		DataDir:   h.dataDir,
	})
}

// ─── Push ─────────────────────────────────────────────────────────────────────

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	// Read one byte past the limit so an oversized body is reported by the
	// queue as too large rather than silently truncated.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.maxElem)+1))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: err.Error(), Code: "too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}

	n, err := h.dev.Write(body)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	status := http.StatusCreated
	if n == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, pushResp{Bytes: n})
}

// ─── Pop ──────────────────────────────────────────────────────────────────────

func (h *Handler) pop(w http.ResponseWriter, r *http.Request) {
	maxLen := h.maxElem
	if v := r.URL.Query().Get("max_len"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "max_len must be a non-negative integer", Code: "invalid"})
			return
		}
		maxLen = parsed
	}

	body, err := h.dev.Pop(maxLen)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ─── Control ──────────────────────────────────────────────────────────────────

func (h *Handler) control(w http.ResponseWriter, r *http.Request) {
	var req controlReq
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.dev.Control(r.Context(), req.Op, req.Count)
	if err != nil && n == 0 {
		writeDeviceError(w, err)
		return
	}
	// A synchronous campaign that spilled some messages but hit per-message
	// storage errors reports both.
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, controlResp{
			Op:      req.Op.String(),
			Spilled: n,
			Error:   err.Error(),
			Code:    device.Code(err),
		})
		return
	}

	if req.Op == device.OpSpillAsync {
		writeJSON(w, http.StatusAccepted, controlResp{Op: req.Op.String(), Async: true})
		return
	}
	writeJSON(w, http.StatusOK, controlResp{Op: req.Op.String(), Spilled: n})
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dev.Stats())
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// statusFor maps a device error to its HTTP status code.
func statusFor(err error) int {
	switch device.Code(err) {
	case "too_large":
		return http.StatusRequestEntityTooLarge
	case "capacity", "closed":
		return http.StatusServiceUnavailable
	case "empty":
		return http.StatusNoContent
	case "spill_in_progress":
		return http.StatusConflict
	case "invalid":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeDeviceError writes err with its mapped status. An empty queue is a
// bodiless 204.
func writeDeviceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	switch code {
	case http.StatusNoContent:
		w.WriteHeader(code)
		return
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorResp{Error: err.Error(), Code: device.Code(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
