// internal/data/models.go
package data

import "time"

// Roles as issued by the backend, ordered lowest to highest privilege.
const (
	RoleViewer   = "viewer"
	RoleEngineer = "engineer"
	RoleManager  = "manager"
	RoleAdmin    = "admin"
)

// Alert severities as sent by the backend.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Session is the authenticated client identity. It is all-or-nothing:
// either every field is populated or no Session exists at all.
type Session struct {
	Token    string `json:"-"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// CanControlSimulation reports whether this session may start or stop
// the backend simulation. Only admins and managers are allowed.
func (s *Session) CanControlSimulation() bool {
	return s != nil && (s.Role == RoleAdmin || s.Role == RoleManager)
}

// Device is static equipment metadata, fetched once per view activation.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"` // motor, compressor, hvac, conveyor
	Location  string    `json:"location"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// SensorReading is one telemetry sample for a device. Readings are
// ephemeral on the client: they live only in the rolling feed buffer.
type SensorReading struct {
	ID           string    `json:"id,omitempty"`
	DeviceID     string    `json:"device_id"`
	Timestamp    time.Time `json:"timestamp"`
	PowerKW      float64   `json:"power_kw"`
	TemperatureC float64   `json:"temperature_c"`
	Vibration    float64   `json:"vibration"`
	RuntimeHours float64   `json:"runtime_hours,omitempty"`
}

// Alert is a raised condition on a device. Lifecycle state is exactly
// the Acknowledged flag; acknowledged alerts leave the client's active set.
//
// AckFailed is client-side only: it marks an alert whose optimistic
// acknowledgment was rejected by the backend and may be retried. It is
// never sent upstream.
type Alert struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	AlertType    string    `json:"alert_type,omitempty"` // threshold_exceeded, anomaly_detected
	Metric       string    `json:"metric"`               // power_kw, temperature_c, vibration
	Value        float64   `json:"value,omitempty"`
	Threshold    float64   `json:"threshold,omitempty"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	Timestamp    time.Time `json:"timestamp"`

	AckFailed bool `json:"ack_failed,omitempty"`
}

// DashboardSummary is the backend-owned aggregate. The client treats it
// as opaque and re-fetches the whole thing rather than recomputing parts.
type DashboardSummary struct {
	DeviceCount  int     `json:"device_count"`
	ActiveAlerts int     `json:"active_alerts"`
	AvgPowerKW   float64 `json:"avg_power_kw"`
	SystemStatus string  `json:"system_status"`
}
