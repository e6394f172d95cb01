package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	MethodCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blex_methods_total",
		Help: "The total number of client methods handled",
	}, []string{"method", "status"})

	NotificationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blex_notifications_total",
		Help: "The total number of notifications published to sessions",
	}, []string{"event"})

	ScanStartCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blex_scan_starts_total",
		Help: "The total number of scan (re)starts issued to the adapter",
	})

	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blex_device_read_bytes_total",
		Help: "The total number of bytes received from device notifications",
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blex_device_written_bytes_total",
		Help: "The total number of payload bytes written to devices",
	})

	// Gauges
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blex_sessions_active",
		Help: "The number of currently connected client sessions",
	})

	TrackedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blex_devices_tracked",
		Help: "The number of devices currently in the registry",
	})
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// IncMethod increments the method counter.
func IncMethod(method, status string) {
	MethodCount.WithLabelValues(method, status).Inc()
}

// IncNotification increments the notification counter.
func IncNotification(event string) {
	NotificationCount.WithLabelValues(event).Inc()
}

// IncScanStart increments the scan start counter.
func IncScanStart() {
	ScanStartCount.Inc()
}

// IncRead adds received notification bytes.
func IncRead(n int) {
	BytesRead.Add(float64(n))
}

// IncWrite adds written payload bytes.
func IncWrite(n int) {
	BytesWritten.Add(float64(n))
}

// SetSessions sets the number of active sessions.
func SetSessions(count int) {
	ActiveSessions.Set(float64(count))
}

// SetDevices sets the number of tracked devices.
func SetDevices(count int) {
	TrackedDevices.Set(float64(count))
}
