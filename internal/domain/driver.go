package domain

import (
	"math"
	"time"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// IsValid reports whether the point lies within WGS84 bounds.
func (c Coordinates) IsValid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// DriverPresence is the ephemeral location and availability snapshot of a driver.
type DriverPresence struct {
	DriverID    string      `json:"driver_id"`
	Coordinates Coordinates `json:"coordinates"`
	Heading     float64     `json:"heading"`
	Speed       float64     `json:"speed"`
	IsOnline    bool        `json:"is_online"`
	IsAvailable bool        `json:"is_available"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsFresh reports whether the snapshot is younger than ttl at now.
func (p *DriverPresence) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.UpdatedAt) < ttl
}

// IsDispatchable reports whether the driver may receive offers.
func (p *DriverPresence) IsDispatchable(now time.Time, ttl time.Duration) bool {
	return p.IsOnline && p.IsAvailable && p.IsFresh(now, ttl)
}

// PresenceMeta carries the optional fields of a heartbeat.
type PresenceMeta struct {
	Heading     float64 `json:"heading"`
	Speed       float64 `json:"speed"`
	IsOnline    bool    `json:"is_online"`
	IsAvailable bool    `json:"is_available"`
}
