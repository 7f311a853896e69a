package bridge

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects bridge counters for Prometheus text exposition. The
// histogram is hand-rolled so the exposition path carries no dependencies.
type Metrics struct {
	messagesReceived atomic.Int64
	messagesBridged  atomic.Int64
	messagesFailed   atomic.Int64
	messagesSent     atomic.Int64
	dedupDropped     atomic.Int64
	blacklistDropped atomic.Int64

	mediaDownloaded atomic.Int64
	mediaUploaded   atomic.Int64

	groupsCreated     atomic.Int64
	revokes           atomic.Int64
	reconnectAttempts atomic.Int64
	gatewayErrors     atomic.Int64

	gatewayOnline atomic.Int64 // 1=online, 0=offline
	liveWorkers   atomic.Int64

	wechatToTgLatency *histogram
	tgToWechatLatency *histogram

	// per direction:type counters
	messagesByType sync.Map

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime:         time.Now(),
		wechatToTgLatency: newHistogram(defaultBuckets),
		tgToWechatLatency: newHistogram(defaultBuckets),
	}
}

// Nil-safe increments so tests can pass a zero Metrics.

func (m *Metrics) IncrMessagesReceived() {
	if m != nil {
		m.messagesReceived.Add(1)
	}
}
func (m *Metrics) IncrMessagesBridged() {
	if m != nil {
		m.messagesBridged.Add(1)
	}
}
func (m *Metrics) IncrMessagesFailed() {
	if m != nil {
		m.messagesFailed.Add(1)
	}
}
func (m *Metrics) IncrMessagesSent() {
	if m != nil {
		m.messagesSent.Add(1)
	}
}
func (m *Metrics) IncrDedupDropped() {
	if m != nil {
		m.dedupDropped.Add(1)
	}
}
func (m *Metrics) IncrBlacklistDropped() {
	if m != nil {
		m.blacklistDropped.Add(1)
	}
}
func (m *Metrics) IncrMediaDownloaded() {
	if m != nil {
		m.mediaDownloaded.Add(1)
	}
}
func (m *Metrics) IncrMediaUploaded() {
	if m != nil {
		m.mediaUploaded.Add(1)
	}
}
func (m *Metrics) IncrGroupsCreated() {
	if m != nil {
		m.groupsCreated.Add(1)
	}
}
func (m *Metrics) IncrRevokes() {
	if m != nil {
		m.revokes.Add(1)
	}
}
func (m *Metrics) IncrReconnectAttempts() {
	if m != nil {
		m.reconnectAttempts.Add(1)
	}
}
func (m *Metrics) IncrGatewayErrors() {
	if m != nil {
		m.gatewayErrors.Add(1)
	}
}

func (m *Metrics) SetGatewayOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.gatewayOnline.Store(1)
	} else {
		m.gatewayOnline.Store(0)
	}
}

func (m *Metrics) SetLiveWorkers(n int) {
	if m != nil {
		m.liveWorkers.Store(int64(n))
	}
}

// IncrMessagesByType counts one bridged message per direction and wire type.
func (m *Metrics) IncrMessagesByType(direction, msgType string) {
	if m == nil {
		return
	}
	key := direction + ":" + msgType
	val, _ := m.messagesByType.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func (m *Metrics) ObserveWeChatToTgLatency(d time.Duration) {
	if m != nil {
		m.wechatToTgLatency.observe(d.Seconds())
	}
}

func (m *Metrics) ObserveTgToWeChatLatency(d time.Duration) {
	if m != nil {
		m.tgToWechatLatency.observe(d.Seconds())
	}
}

// Handler serves the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.write(w)
	})
}

func (m *Metrics) write(w http.ResponseWriter) {
	writeGauge(w, "wegram_uptime_seconds", "Bridge uptime in seconds", time.Since(m.startTime).Seconds())
	writeGauge(w, "wegram_gateway_online", "Whether the WeChat gateway session is online (1=yes, 0=no)", float64(m.gatewayOnline.Load()))
	writeGauge(w, "wegram_live_workers", "Per-contact workers currently alive", float64(m.liveWorkers.Load()))

	writeCounter(w, "wegram_messages_received_total", "WeChat messages accepted from the ingress sources", float64(m.messagesReceived.Load()))
	writeCounter(w, "wegram_messages_bridged_total", "Messages delivered into Telegram", float64(m.messagesBridged.Load()))
	writeCounter(w, "wegram_messages_sent_total", "Messages delivered into WeChat", float64(m.messagesSent.Load()))
	writeCounter(w, "wegram_messages_failed_total", "Messages that failed in either direction", float64(m.messagesFailed.Load()))
	writeCounter(w, "wegram_dedup_dropped_total", "Duplicate deliveries dropped by the dedup cache", float64(m.dedupDropped.Load()))
	writeCounter(w, "wegram_blacklist_dropped_total", "Messages dropped by the sender blacklist", float64(m.blacklistDropped.Load()))

	writeCounter(w, "wegram_media_downloaded_total", "Media payloads fetched from WeChat", float64(m.mediaDownloaded.Load()))
	writeCounter(w, "wegram_media_uploaded_total", "Media payloads pushed to WeChat", float64(m.mediaUploaded.Load()))

	writeCounter(w, "wegram_groups_created_total", "Mirror groups provisioned", float64(m.groupsCreated.Load()))
	writeCounter(w, "wegram_revokes_total", "Revocations bridged in either direction", float64(m.revokes.Load()))
	writeCounter(w, "wegram_reconnect_attempts_total", "Gateway reconnection attempts", float64(m.reconnectAttempts.Load()))
	writeCounter(w, "wegram_gateway_errors_total", "Gateway calls that returned an error", float64(m.gatewayErrors.Load()))

	m.wechatToTgLatency.writePrometheus(w, "wegram_wechat_to_tg_latency_seconds", "Bridging latency from WeChat to Telegram")
	m.tgToWechatLatency.writePrometheus(w, "wegram_tg_to_wechat_latency_seconds", "Bridging latency from Telegram to WeChat")

	var typeKeys []string
	m.messagesByType.Range(func(key, _ interface{}) bool {
		typeKeys = append(typeKeys, key.(string))
		return true
	})
	sort.Strings(typeKeys)
	if len(typeKeys) > 0 {
		fmt.Fprintf(w, "# HELP wegram_messages_by_type_total Messages by direction and type\n")
		fmt.Fprintf(w, "# TYPE wegram_messages_by_type_total counter\n")
		for _, key := range typeKeys {
			val, _ := m.messagesByType.Load(key)
			direction, msgType := splitTypeKey(key)
			fmt.Fprintf(w, "wegram_messages_by_type_total{direction=%q,msg_type=%q} %d\n", direction, msgType, val.(*atomic.Int64).Load())
		}
		fmt.Fprintln(w)
	}
}

func writeCounter(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func splitTypeKey(key string) (string, string) {
	for i, c := range key {
		if c == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, "unknown"
}

// Latency buckets in seconds.
var defaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	total   uint64
	sum     float64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.sum += value
	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
		}
	}
}

func (h *histogram) writePrometheus(w http.ResponseWriter, name, help string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for i, b := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, fmt.Sprintf("%g", b), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.total)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n\n", name, h.total)
}

func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
