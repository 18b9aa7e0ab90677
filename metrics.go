package serial

import (
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks traffic and health statistics for one Connection.
type Metrics struct {
	// Connection Statistics
	ConnectionAttempts atomic.Int64
	SuccessfulConnects atomic.Int64
	ConnectionFailures atomic.Int64
	Disconnections     atomic.Int64
	LastConnectTime    atomic.Int64 // unix nanoseconds

	// Read side
	ReadOperations  atomic.Int64
	BytesRead       atomic.Int64
	LinesDispatched atomic.Int64
	ReadErrors      atomic.Int64
	LastReadTime    atomic.Int64 // unix nanoseconds

	// Write side
	WriteOperations atomic.Int64
	BytesWritten    atomic.Int64
	WriteErrors     atomic.Int64
	LastWriteTime   atomic.Int64 // unix nanoseconds

	ConsecutiveFailures atomic.Int64
}

// HealthStatus represents the overall health of serial communication
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Timestamp           time.Time    `json:"timestamp"`
	Port                string       `json:"port"`
	IsConnected         bool         `json:"connected"`
	UptimeSeconds       float64      `json:"uptime_seconds"`
	ConnectionAttempts  int64        `json:"connection_attempts"`
	ConnectionFailures  int64        `json:"connection_failures"`
	BytesRead           int64        `json:"bytes_read"`
	BytesWritten        int64        `json:"bytes_written"`
	LinesDispatched     int64        `json:"lines_dispatched"`
	ReadErrors          int64        `json:"read_errors"`
	WriteErrors         int64        `json:"write_errors"`
	ErrorRate           float64      `json:"error_rate"` // percent of I/O operations
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	HealthStatus        HealthStatus `json:"health_status"`
}

func (m *Metrics) recordConnect(err error) {
	m.ConnectionAttempts.Inc()
	if err != nil {
		m.ConnectionFailures.Inc()
		return
	}
	m.SuccessfulConnects.Inc()
	m.LastConnectTime.Store(time.Now().UnixNano())
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordRead(n int, lines int, err error) {
	m.ReadOperations.Inc()
	if err != nil {
		m.ReadErrors.Inc()
		m.ConsecutiveFailures.Inc()
		return
	}
	m.BytesRead.Add(int64(n))
	m.LinesDispatched.Add(int64(lines))
	m.LastReadTime.Store(time.Now().UnixNano())
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordWrite(n int, err error) {
	m.WriteOperations.Inc()
	if err != nil {
		m.WriteErrors.Inc()
		m.ConsecutiveFailures.Inc()
		return
	}
	m.BytesWritten.Add(int64(n))
	m.LastWriteTime.Store(time.Now().UnixNano())
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) calculateErrorRate() float64 {
	ops := m.ReadOperations.Load() + m.WriteOperations.Load()
	if ops == 0 {
		return 0
	}
	errs := m.ReadErrors.Load() + m.WriteErrors.Load()
	return float64(errs) / float64(ops) * 100
}

func (m *Metrics) calculateUptime(isConnected bool) float64 {
	start := m.LastConnectTime.Load()
	if !isConnected || start == 0 {
		return 0
	}
	d := time.Now().UnixNano() - start
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Second)
}

func assessHealthStatus(s *MetricsSnapshot) HealthStatus {
	if !s.IsConnected {
		return HealthStatusDown
	}
	if s.ErrorRate > 50.0 || s.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}
	if s.ErrorRate > 10.0 || s.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func (m *Metrics) snapshot(port string, isConnected bool) MetricsSnapshot {
	s := MetricsSnapshot{
		Timestamp:           time.Now(),
		Port:                port,
		IsConnected:         isConnected,
		UptimeSeconds:       m.calculateUptime(isConnected),
		ConnectionAttempts:  m.ConnectionAttempts.Load(),
		ConnectionFailures:  m.ConnectionFailures.Load(),
		BytesRead:           m.BytesRead.Load(),
		BytesWritten:        m.BytesWritten.Load(),
		LinesDispatched:     m.LinesDispatched.Load(),
		ReadErrors:          m.ReadErrors.Load(),
		WriteErrors:         m.WriteErrors.Load(),
		ErrorRate:           m.calculateErrorRate(),
		ConsecutiveFailures: m.ConsecutiveFailures.Load(),
	}
	s.HealthStatus = assessHealthStatus(&s)
	return s
}
