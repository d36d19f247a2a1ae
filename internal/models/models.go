package models

import "time"

// Role of a profile. Unknown values are carried through untouched so
// consumers can render a fallback instead of failing.
type Role string

const (
	RoleUser   Role = "user"
	RoleDriver Role = "driver"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Profile is the per-identity record stored at users/{uid}.
type Profile struct {
	Role      Role      `json:"role"`
	IsOnline  bool      `json:"is_online,omitempty"` // drivers only
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RideStatus string

const (
	StatusSearching RideStatus = "searching"
	StatusMatched   RideStatus = "matched"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// RideRequest is one rider's trip solicitation, stored at rideRequests/{id}.
// DriverID is empty until a driver accepts.
type RideRequest struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Status         RideStatus `json:"status"`
	PickupLocation Location   `json:"pickup_location"`
	DriverID       string     `json:"driver_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type RideEventType string

const (
	RideCreated   RideEventType = "created"
	RideMatched   RideEventType = "matched"
	RideCompleted RideEventType = "completed"
	RideCancelled RideEventType = "cancelled"
)

// RideEvent is the lifecycle record published to the event pipeline.
type RideEvent struct {
	RequestID string        `json:"request_id"`
	Type      RideEventType `json:"type"`
	RiderID   string        `json:"rider_id"`
	DriverID  string        `json:"driver_id,omitempty"`
	At        time.Time     `json:"at"`
}
