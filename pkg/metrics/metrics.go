package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hardshare_instances",
			Help: "Instances by workspace deployment and state",
		},
		[]string{"wdid", "state"},
	)

	InstancesLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hardshare_instances_launched_total",
			Help: "Total instances that entered INIT",
		},
	)

	InstancesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_instances_failed_total",
			Help: "Instances that reached INIT_FAIL or terminated with error, by reason",
		},
		[]string{"reason"},
	)

	// Transport metrics
	TransportReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hardshare_transport_reconnects_total",
			Help: "Upstream transport reconnect attempts",
		},
	)

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_frames_received_total",
			Help: "Inbound frames by command",
		},
		[]string{"cmd"},
	)

	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_frames_sent_total",
			Help: "Outbound frames by command",
		},
		[]string{"cmd"},
	)

	// Camera metrics
	CamFramesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_cam_frames_published_total",
			Help: "Camera frames published upstream by WD",
		},
		[]string{"wdid"},
	)

	CamFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hardshare_cam_frames_dropped_total",
			Help: "Camera frames dropped on publish failure",
		},
	)

	// Admin metrics
	AdminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_admin_requests_total",
			Help: "Admin socket requests by command and outcome",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesByState,
		InstancesLaunched,
		InstancesFailed,
		TransportReconnects,
		FramesReceived,
		FramesSent,
		CamFramesPublished,
		CamFramesDropped,
		AdminRequests,
	)
}

// Serve exposes the Prometheus registry on addr. It blocks; callers run it
// in a goroutine only when HARDSHARE_METRICS_ADDR is set.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
