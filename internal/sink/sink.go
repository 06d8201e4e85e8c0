package sink

import (
	"context"
	"encoding/json"
	"time"

	"marinex-ng/internal/aisstream"
)

// Sink forwards validated positions to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, p aisstream.VesselPosition) error
	Close() error
}

// Record is the wire form shared by every sink.
type Record struct {
	MMSI          string  `json:"mmsi"`
	ShipName      string  `json:"ship_name"`
	ShipType      string  `json:"ship_type"`
	Destination   string  `json:"destination"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Speed         float64 `json:"speed"`
	Course        float64 `json:"course"`
	Heading       float64 `json:"heading"`
	LastUpdateUTC string  `json:"last_update_utc"`
}

func NewRecord(p aisstream.VesselPosition) Record {
	r := Record{
		MMSI:        p.MMSI,
		ShipName:    p.ShipName,
		ShipType:    p.ShipType,
		Destination: p.Destination,
		Lat:         p.Latitude,
		Lon:         p.Longitude,
		Speed:       p.Speed,
		Course:      p.Course,
		Heading:     p.Heading,
	}
	if !p.LastUpdate.IsZero() {
		r.LastUpdateUTC = p.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	return r
}

func encode(p aisstream.VesselPosition) ([]byte, error) {
	return json.Marshal(NewRecord(p))
}
