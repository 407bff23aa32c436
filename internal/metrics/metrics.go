// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for spillq. It renders the text exposition format itself rather
// than pulling in prometheus/client_golang.
//
// # Counter naming convention
//
// Labelled counters use a tab-separated string as their key so a single
// sync.Map holds every label combination without nested maps.
//
//	Rejected      →  key = "reason"
//	StorageErrors →  key = "op"
//	HTTPReqs      →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt →  key = "method\tpath"
//
// # Gauges
//
// Queue-depth gauges are not stored; they are read from a GaugeSource at
// scrape time so they can never drift from the queue's own counters.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"code.hybscloud.com/atomix"
)

// ─── counter ──────────────────────────────────────────────────────────────────

// Counter is a monotonically increasing, lock-free counter.
type Counter struct {
	v atomix.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.v.Load() }

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map.
type labelCounter struct {
	vals sync.Map // key string → *atomix.Int64
}

func (lc *labelCounter) get(key string) *atomix.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomix.Int64))
	return v.(*atomix.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the counter for key (0 if never incremented).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomix.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomix.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Gauges is a point-in-time view of the queue, supplied by a GaugeSource.
type Gauges struct {
	Size          int64
	Capacity      int64
	Resident      int64
	Spilled       int64
	ResidentBytes int64
	SpilledBytes  int64
	PendingSpill  int64
}

// GaugeSource returns the current gauge values.
type GaugeSource func() Gauges

// Registry holds all spillq application metrics. The zero value is ready to use.
type Registry struct {
	// Queue-level counters.
	Enqueued Counter // messages accepted by Enqueue
	Dequeued Counter // messages returned by Dequeue
	Spilled  Counter // Resident → Spilled transitions
	Reloaded Counter // Spilled → Resident transitions

	Rejected      labelCounter // key = reason ("too_large", "capacity", "empty", "spill_in_progress")
	StorageErrors labelCounter // key = op ("write", "read", "delete")

	// HTTP-level counters.
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	mu     sync.RWMutex
	gauges GaugeSource
}

// SetGaugeSource installs fn as the source of queue gauges.
func (r *Registry) SetGaugeSource(fn GaugeSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = fn
}

func (r *Registry) gaugeSource() GaugeSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	// ── queue counters ────────────────────────────────────────────────────────
	writeScalar(&b, "spillq_enqueued_total", "Total messages accepted by the queue", "counter", r.Enqueued.Value())
	writeScalar(&b, "spillq_dequeued_total", "Total messages delivered to consumers", "counter", r.Dequeued.Value())
	writeScalar(&b, "spillq_spilled_total", "Total messages moved from memory to the backing store", "counter", r.Spilled.Value())
	writeScalar(&b, "spillq_reloaded_total", "Total messages loaded back from the backing store", "counter", r.Reloaded.Value())

	writeFamily(&b, "spillq_rejected_total",
		"Total operations rejected by reason", "counter",
		func(fn func(labels, val string)) {
			r.Rejected.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`reason=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "spillq_storage_errors_total",
		"Total backing store failures by operation", "counter",
		func(fn func(labels, val string)) {
			r.StorageErrors.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`op=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	// ── queue gauges ──────────────────────────────────────────────────────────
	if src := r.gaugeSource(); src != nil {
		g := src()
		writeScalar(&b, "spillq_queue_size", "Messages currently queued", "gauge", g.Size)
		writeScalar(&b, "spillq_queue_capacity", "Maximum number of queued messages", "gauge", g.Capacity)
		writeScalar(&b, "spillq_resident_messages", "Queued messages held in memory", "gauge", g.Resident)
		writeScalar(&b, "spillq_spilled_messages", "Queued messages held in the backing store", "gauge", g.Spilled)
		writeScalar(&b, "spillq_resident_bytes", "Payload bytes held in memory", "gauge", g.ResidentBytes)
		writeScalar(&b, "spillq_spilled_bytes", "Payload bytes held in the backing store", "gauge", g.SpilledBytes)
		writeScalar(&b, "spillq_pending_spill", "Messages owed by the in-flight spill campaign", "gauge", g.PendingSpill)
	}

	// ── HTTP counters ─────────────────────────────────────────────────────────
	writeFamily(&b, "spillq_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "spillq_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "spillq_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeScalar writes an unlabelled metric family with a single sample.
func writeScalar(b *strings.Builder, name, help, typ string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

// writeFamily writes a single labelled metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
