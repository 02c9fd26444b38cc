package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mlukasch/balance-link/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_frames_total",
		Help: "Total framed messages received from the device.",
	})
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_frames_total",
		Help: "Total framed messages sent to the device.",
	})
	RxResyncBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_resync_bytes_total",
		Help: "Total protocol-noise bytes discarded while scanning for the start token.",
	})
	RxBufferbloat = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_bufferbloat_events_total",
		Help: "Times the receive accumulation buffer exceeded its allowed residue after extracting a frame.",
	})
	DeserializeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deserialize_errors_total",
		Help: "Total payloads that failed JSON deserialization or interface validation.",
	})
	LinkConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_connects_total",
		Help: "Total successful device connections.",
	})
	LinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_state",
		Help: "Current link state (0=disconnected, 1=connecting, 2=connected).",
	})
	HubDroppedUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_updates_total",
		Help: "Total telemetry updates dropped by the hub due to slow subscribers.",
	})
	HubKickedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_subscribers_total",
		Help: "Total subscribers detached due to backpressure kick policy.",
	})
	HubActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_subscribers",
		Help: "Current number of attached telemetry subscribers.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrConnect     = "connect"
	ErrSend        = "send"
	ErrReceive     = "receive"
	ErrDeserialize = "deserialize"
	ErrDiscover    = "discover"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRxFrames    uint64
	localTxFrames    uint64
	localResyncBytes uint64
	localBufferbloat uint64
	localDeserErrs   uint64
	localConnects    uint64
	localErrors      uint64
	localHubDrops    uint64
	localHubKicks    uint64
	localHubSubs     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames    uint64
	TxFrames    uint64
	ResyncBytes uint64
	Bufferbloat uint64
	DeserErrs   uint64
	Connects    uint64
	Errors      uint64 // sum across error labels
	HubDrops    uint64
	HubKicks    uint64
	HubSubs     uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:    atomic.LoadUint64(&localRxFrames),
		TxFrames:    atomic.LoadUint64(&localTxFrames),
		ResyncBytes: atomic.LoadUint64(&localResyncBytes),
		Bufferbloat: atomic.LoadUint64(&localBufferbloat),
		DeserErrs:   atomic.LoadUint64(&localDeserErrs),
		Connects:    atomic.LoadUint64(&localConnects),
		Errors:      atomic.LoadUint64(&localErrors),
		HubDrops:    atomic.LoadUint64(&localHubDrops),
		HubKicks:    atomic.LoadUint64(&localHubKicks),
		HubSubs:     atomic.LoadUint64(&localHubSubs),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRxFrame() {
	LinkRxFrames.Inc()
	atomic.AddUint64(&localRxFrames, 1)
}

func IncTxFrame() {
	LinkTxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

// AddResyncBytes records n bytes of discarded protocol noise.
func AddResyncBytes(n int) {
	RxResyncBytes.Add(float64(n))
	atomic.AddUint64(&localResyncBytes, uint64(n))
}

func IncBufferbloat() {
	RxBufferbloat.Inc()
	atomic.AddUint64(&localBufferbloat, 1)
}

func IncDeserializeError() {
	DeserializeErrors.Inc()
	atomic.AddUint64(&localDeserErrs, 1)
}

func IncConnect() {
	LinkConnects.Inc()
	atomic.AddUint64(&localConnects, 1)
}

// SetLinkState records the numeric link state (0..2).
func SetLinkState(s int) { LinkState.Set(float64(s)) }

func IncHubDrop() {
	HubDroppedUpdates.Inc()
	atomic.AddUint64(&localHubDrops, 1)
}

func IncHubKick() {
	HubKickedSubscribers.Inc()
	atomic.AddUint64(&localHubKicks, 1)
}

func SetHubSubscribers(n int) {
	HubActiveSubscribers.Set(float64(n))
	atomic.StoreUint64(&localHubSubs, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register the error label series so the first error does not pay
	// registration latency.
	for _, lbl := range []string{ErrConnect, ErrSend, ErrReceive, ErrDeserialize, ErrDiscover} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
