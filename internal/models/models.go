package models

import "time"

type TripStatus string

const (
	StatusPendingAssignment TripStatus = "PENDING_ASSIGNMENT"
	StatusConfirmed         TripStatus = "CONFIRMED"
)

type PaymentStatus string

const PaymentPaid PaymentStatus = "PAID"

// RoleDriver is the directory role a user must carry to be offered trips.
const RoleDriver = "driver"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TripRequest struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	ScheduledTime time.Time     `json:"scheduled_time"`
	Pickup        Coord         `json:"pickup"`
	Status        TripStatus    `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	DriverID      *string       `json:"driver_id,omitempty"`
	PickupAt      *time.Time    `json:"pickup_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Driver is a directory entry.
type Driver struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Available bool   `json:"available"`
}

// DriverLiveLocation is the last reported position of a driver. Role and
// Available are joined in from the directory when read for dispatch.
type DriverLiveLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
	Role      string    `json:"role,omitempty"`
	Available bool      `json:"available"`
}

// Qualifies reports whether the directory side of the row allows dispatch.
func (l DriverLiveLocation) Qualifies() bool {
	return l.Role == RoleDriver && l.Available
}

type TripUpdate struct {
	ID     string     `json:"id"`
	Status TripStatus `json:"status"`
}

const EventTripUpdate = "trip:update"

func DriverChannel(id string) string { return "driver:" + id }
func UserChannel(id string) string   { return "user:" + id }
