package event

import "time"

// Type identifies a wire event emitted to observer connections.
type Type string

const (
	TypeVehicleUpdate  Type = "vehicle:update"
	TypeStopArrival    Type = "stop:arrival"
	TypeAlertBroadcast Type = "alert:broadcast"
)

// Event is the envelope delivered to subscribers. Payload is one of the
// payload structs below, chosen by Type.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

type VehicleUpdate struct {
	VehicleID   string    `json:"vehicleId"`
	RouteID     string    `json:"routeId"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Speed       float64   `json:"speed"`
	Heading     float64   `json:"heading"`
	Status      string    `json:"status"`
	NextStopID  string    `json:"nextStopId,omitempty"`
	NextStopETA int       `json:"nextStopEta"`
	Timestamp   time.Time `json:"timestamp"`
}

type StopArrival struct {
	VehicleID string    `json:"vehicleId"`
	StopID    string    `json:"stopId"`
	StopName  string    `json:"stopName"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertLevel is the severity of an admin broadcast.
type AlertLevel string

const (
	AlertInfo      AlertLevel = "info"
	AlertWarning   AlertLevel = "warning"
	AlertEmergency AlertLevel = "emergency"
)

// ValidAlertLevel reports whether s is a recognized severity.
func ValidAlertLevel(s string) bool {
	switch AlertLevel(s) {
	case AlertInfo, AlertWarning, AlertEmergency:
		return true
	}
	return false
}

type Alert struct {
	Level     AlertLevel `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}
