package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertHijackSpike         AlertType = "hijack_spike"
	AlertWriteRejectionSpike AlertType = "write_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// spikeWindow counts events in a sliding window and fires once per spike.
type spikeWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	seen      []time.Time
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	hijacks  spikeWindow
	rejected spikeWindow

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultHijackWindow            = 5 * time.Minute
	defaultHijackThreshold         = 5
	defaultWriteRejectionWindow    = 1 * time.Minute
	defaultWriteRejectionThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		hijacks: spikeWindow{
			alert:     AlertHijackSpike,
			message:   "requests with unknown or revoked authenticator certificates exceed threshold",
			window:    defaultHijackWindow,
			threshold: defaultHijackThreshold,
		},
		rejected: spikeWindow{
			alert:     AlertWriteRejectionSpike,
			message:   "rejected authenticator data writes exceed threshold",
			window:    defaultWriteRejectionWindow,
			threshold: defaultWriteRejectionThreshold,
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditHijackSuspected:
		m.record(&m.hijacks)
	case AuditWriteRejected:
		m.record(&m.rejected)
	}
}

func (m *metricsCollector) record(w *spikeWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.seen = append(w.seen, now)
	w.seen = trimWindow(w.seen, now, w.window)

	if len(w.seen) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.seen),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.seen = w.seen[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
