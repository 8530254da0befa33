// Package metrics exposes Prometheus instrumentation for the control
// channel, heartbeat, and stream receiver, plus small in-process atomic
// mirrors so a diagnostic tool can log counters without scraping itself.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-gev/gev/internal/logging"
)

// Prometheus series.
var (
	GVCPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_gvcp_requests_total",
		Help: "Total GVCP requests issued on the control channel.",
	})
	GVCPRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_gvcp_retries_total",
		Help: "Total GVCP request retries (deadline expired without a valid ack).",
	})
	GVCPTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_gvcp_timeouts_total",
		Help: "Total GVCP requests that exhausted all retries.",
	})
	GVCPPendingAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_gvcp_pending_acks_total",
		Help: "Total PENDING_ACK packets received, extending a request deadline.",
	})
	GVCPErrorAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gev_gvcp_error_acks_total",
		Help: "Total error-ack packets received, by mapped device error kind.",
	}, []string{"kind"})
	HeartbeatLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_heartbeat_control_lost_total",
		Help: "Total times the heartbeat observed control privilege had been lost.",
	})
	HeartbeatReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_heartbeat_read_failures_total",
		Help: "Total failed heartbeat register reads.",
	})
	FramesByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gev_stream_frames_total",
		Help: "Total frames closed by the stream receiver, by final status.",
	}, []string{"status"})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_stream_packets_received_total",
		Help: "Total GVSP packets received.",
	})
	PacketsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_stream_packets_duplicate_total",
		Help: "Total GVSP packets discarded as duplicates.",
	})
	PacketsLate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_stream_packets_late_total",
		Help: "Total GVSP packets dropped as belonging to an already-closed frame.",
	})
	ResendRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_stream_resend_requests_total",
		Help: "Total packet-resend requests issued by the stream receiver.",
	})
	BufferUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_stream_buffer_underruns_total",
		Help: "Total times a new frame could not claim a free buffer from the input FIFO.",
	})
	FramesMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gev_stream_frames_missed_total",
		Help: "Total frame-id gaps observed (frames never seen at all).",
	})
	NegotiatedPacketSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gev_stream_negotiated_packet_size_bytes",
		Help: "Most recently negotiated GVSP packet size.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gev_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Local atomic mirrors for cheap in-process snapshot logging.
var (
	localFrameSuccess uint64
	localFrameTimeout uint64
	localFrameAborted uint64
	localFrameMissing uint64
	localResends      uint64
	localDuplicates   uint64
	localUnderruns    uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FramesSuccess uint64
	FramesTimeout uint64
	FramesAborted uint64
	FramesMissing uint64
	Resends       uint64
	Duplicates    uint64
	Underruns     uint64
}

// Snap returns the current local counter values.
func Snap() Snapshot {
	return Snapshot{
		FramesSuccess: atomic.LoadUint64(&localFrameSuccess),
		FramesTimeout: atomic.LoadUint64(&localFrameTimeout),
		FramesAborted: atomic.LoadUint64(&localFrameAborted),
		FramesMissing: atomic.LoadUint64(&localFrameMissing),
		Resends:       atomic.LoadUint64(&localResends),
		Duplicates:    atomic.LoadUint64(&localDuplicates),
		Underruns:     atomic.LoadUint64(&localUnderruns),
	}
}

// IncGVCPRequest records one issued GVCP request.
func IncGVCPRequest() { GVCPRequests.Inc() }

// IncGVCPRetry records one retry (deadline expired, resending).
func IncGVCPRetry() { GVCPRetries.Inc() }

// IncGVCPTimeout records a request that exhausted all retries.
func IncGVCPTimeout() { GVCPTimeouts.Inc() }

// IncGVCPPendingAck records a PENDING_ACK deadline extension.
func IncGVCPPendingAck() { GVCPPendingAcks.Inc() }

// IncGVCPErrorAck records an error-ack mapped to the given device error kind.
func IncGVCPErrorAck(kind string) { GVCPErrorAcks.WithLabelValues(kind).Inc() }

// IncHeartbeatLost records the heartbeat observing a loss of control privilege.
func IncHeartbeatLost() { HeartbeatLost.Inc() }

// IncHeartbeatReadFailure records a failed heartbeat register read.
func IncHeartbeatReadFailure() { HeartbeatReadFailures.Inc() }

// IncFrame records a frame closing with the given status and updates local mirrors.
func IncFrame(status string) {
	FramesByStatus.WithLabelValues(status).Inc()
	switch status {
	case "Success":
		atomic.AddUint64(&localFrameSuccess, 1)
	case "Timeout":
		atomic.AddUint64(&localFrameTimeout, 1)
	case "Aborted":
		atomic.AddUint64(&localFrameAborted, 1)
	case "MissingPackets":
		atomic.AddUint64(&localFrameMissing, 1)
	}
}

// IncPacketReceived records one received GVSP packet.
func IncPacketReceived() { PacketsReceived.Inc() }

// IncPacketDuplicate records a duplicate GVSP packet.
func IncPacketDuplicate() {
	PacketsDuplicate.Inc()
	atomic.AddUint64(&localDuplicates, 1)
}

// IncPacketLate records a packet dropped as belonging to an already-closed frame.
func IncPacketLate() { PacketsLate.Inc() }

// IncResendRequest records one issued resend request.
func IncResendRequest() {
	ResendRequests.Inc()
	atomic.AddUint64(&localResends, 1)
}

// IncBufferUnderrun records a new-frame attempt that found no free buffer.
func IncBufferUnderrun() {
	BufferUnderruns.Inc()
	atomic.AddUint64(&localUnderruns, 1)
}

// IncFrameMissed records a frame-id gap (frames never observed at all).
func IncFrameMissed() { FramesMissed.Inc() }

// SetNegotiatedPacketSize records the packet size chosen by the negotiator.
func SetNegotiatedPacketSize(size int) { NegotiatedPacketSize.Set(float64(size)) }

// InitBuildInfo sets the build info gauge and pre-registers bounded label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, kind := range []string{
		"NotFound", "NotSupported", "InvalidParameter", "Timeout", "ProtocolError",
		"NotController", "NoStreamChannel", "GenicamNotFound", "Unknown",
	} {
		GVCPErrorAcks.WithLabelValues(kind).Add(0)
	}
	for _, status := range []string{
		"Success", "Timeout", "Aborted", "MissingPackets", "WrongPacketID", "PayloadNotSupported",
	} {
		FramesByStatus.WithLabelValues(status).Add(0)
	}
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to true if unset.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
