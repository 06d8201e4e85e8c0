package aisstream

import (
	"math"
	"time"
)

// VesselPosition is the published, validated position event.
type VesselPosition struct {
	MMSI        string    `json:"mmsi"`
	ShipName    string    `json:"ship_name"`
	ShipType    string    `json:"ship_type"`
	Destination string    `json:"destination"`
	Latitude    float64   `json:"lat"`
	Longitude   float64   `json:"lon"`
	Speed       float64   `json:"speed"`
	Course      float64   `json:"course"`
	Heading     float64   `json:"heading"`
	LastUpdate  time.Time `json:"last_update"`
}

// ValidCoordinate reports whether lat/lon are in range and not the (0,0)
// "no fix" sentinel.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return !(lat == 0 && lon == 0)
}

// Validate turns a decoded update into a VesselPosition stamped with the
// receipt time now.
func Validate(u PositionUpdate, now time.Time) (VesselPosition, error) {
	if !ValidCoordinate(u.Latitude, u.Longitude) {
		return VesselPosition{}, streamErrorf(CategoryValidation, "invalid coordinates (%g, %g) for mmsi %s", u.Latitude, u.Longitude, u.MMSI)
	}
	if now.IsZero() {
		now = time.Now()
	}
	return VesselPosition{
		MMSI:        u.MMSI,
		ShipName:    u.ShipName,
		ShipType:    u.ShipType,
		Destination: u.Destination,
		Latitude:    u.Latitude,
		Longitude:   u.Longitude,
		Speed:       u.SpeedOverGround,
		Course:      u.CourseOverGround,
		Heading:     u.Heading,
		LastUpdate:  now,
	}, nil
}
