// Package metrics provides Prometheus collectors for encoders, tunes,
// background monitors and VNC tunnels.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagecaster"

var (
	encoderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "state",
		Help:      "1 for the encoder's current status, 0 otherwise",
	}, []string{"encoder_id", "state"})

	tunesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tune",
		Name:      "total",
		Help:      "Tune attempts by outcome (ok or error code)",
	}, []string{"outcome"})

	tuneDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tune",
		Name:      "duration_seconds",
		Help:      "Time from reservation to streaming for successful tunes",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
	})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "active",
		Help:      "Number of active streams",
	})

	pauseResumes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pause_monitor",
		Name:      "resumes_total",
		Help:      "Paused videos resumed by the pause monitor",
	}, []string{"encoder_id"})

	healthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "failures_total",
		Help:      "Browser health probe failures",
	}, []string{"encoder_id"})

	browserLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "browser",
		Name:      "launches_total",
		Help:      "Browser launches by reason and result",
	}, []string{"encoder_id", "reason", "result"})

	browserRSS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "browser",
		Name:      "resident_memory_bytes",
		Help:      "Resident memory of the browser root process",
	}, []string{"encoder_id"})

	vncTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "vnc",
		Name:      "tunnels_active",
		Help:      "Open VNC tunnels",
	})

	vncBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vnc",
		Name:      "bytes_total",
		Help:      "Bytes relayed through VNC tunnels",
	}, []string{"direction"})

	dvrJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dvr",
		Name:      "jobs_total",
		Help:      "Recording job submissions by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetEncoderState moves the encoder's status gauge from old to current.
func SetEncoderState(encoderID, old, current string) {
	if old != "" && old != current {
		encoderState.WithLabelValues(encoderID, old).Set(0)
	}
	encoderState.WithLabelValues(encoderID, current).Set(1)
}

// ObserveTune records a tune outcome. Duration is only observed on success.
func ObserveTune(outcome string, took time.Duration) {
	tunesTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		tuneDuration.Observe(took.Seconds())
	}
}

// SetActiveStreams sets the active stream gauge.
func SetActiveStreams(n int) {
	activeStreams.Set(float64(n))
}

// IncPauseResume counts a resumed video.
func IncPauseResume(encoderID string) {
	pauseResumes.WithLabelValues(encoderID).Inc()
}

// IncHealthFailure counts a failed health probe.
func IncHealthFailure(encoderID string) {
	healthFailures.WithLabelValues(encoderID).Inc()
}

// IncBrowserLaunch counts a launch attempt.
func IncBrowserLaunch(encoderID, reason string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	browserLaunches.WithLabelValues(encoderID, reason, result).Inc()
}

// SetBrowserRSS records browser memory; negative values clear the series.
func SetBrowserRSS(encoderID string, bytes int64) {
	if bytes < 0 {
		browserRSS.DeleteLabelValues(encoderID)
		return
	}
	browserRSS.WithLabelValues(encoderID).Set(float64(bytes))
}

// VNCTunnelOpened increments the open tunnel gauge and returns its decrement.
func VNCTunnelOpened() func() {
	vncTunnels.Inc()
	return vncTunnels.Dec
}

// AddVNCBytes adds relayed bytes per direction ("to_server" or "to_client").
func AddVNCBytes(direction string, n int64) {
	if n > 0 {
		vncBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// IncDVRJob counts a recording job submission.
func IncDVRJob(err error) {
	if err != nil {
		dvrJobs.WithLabelValues("error").Inc()
		return
	}
	dvrJobs.WithLabelValues("ok").Inc()
}
