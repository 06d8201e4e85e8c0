package aisstream

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// LatLon is a coordinate pair in decimal degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// BoundingBox is a southwest/northeast subscription region.
type BoundingBox struct {
	SouthWest LatLon
	NorthEast LatLon
}

func (b BoundingBox) Validate() error {
	for _, p := range []LatLon{b.SouthWest, b.NorthEast} {
		if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
			return fmt.Errorf("bounding box coordinate is NaN")
		}
		if p.Lat < -90 || p.Lat > 90 {
			return fmt.Errorf("bounding box latitude %.6f out of range", p.Lat)
		}
		if p.Lon < -180 || p.Lon > 180 {
			return fmt.Errorf("bounding box longitude %.6f out of range", p.Lon)
		}
	}
	if b.SouthWest.Lat > b.NorthEast.Lat {
		return fmt.Errorf("bounding box southwest latitude above northeast")
	}
	return nil
}

// Contains reports whether the point lies inside the box. Boxes whose
// southwest longitude is east of the northeast longitude wrap the antimeridian.
func (b BoundingBox) Contains(lat, lon float64) bool {
	if lat < b.SouthWest.Lat || lat > b.NorthEast.Lat {
		return false
	}
	if b.SouthWest.Lon <= b.NorthEast.Lon {
		return lon >= b.SouthWest.Lon && lon <= b.NorthEast.Lon
	}
	return lon >= b.SouthWest.Lon || lon <= b.NorthEast.Lon
}

func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([2][2]float64{
		{b.SouthWest.Lat, b.SouthWest.Lon},
		{b.NorthEast.Lat, b.NorthEast.Lon},
	})
}

func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var raw [2][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.SouthWest = LatLon{Lat: raw[0][0], Lon: raw[0][1]}
	b.NorthEast = LatLon{Lat: raw[1][0], Lon: raw[1][1]}
	return nil
}

// SubscriptionRequest is sent once per session right after connect.
// Construct it with NewSubscriptionRequest; the value is not modified after.
type SubscriptionRequest struct {
	apiKey       string
	boxes        []BoundingBox
	messageTypes []string
	mmsiFilter   []string
}

func NewSubscriptionRequest(apiKey string, boxes []BoundingBox, messageTypes []string, mmsiFilter []string) (SubscriptionRequest, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return SubscriptionRequest{}, fmt.Errorf("subscription api key is required")
	}
	if len(boxes) == 0 {
		return SubscriptionRequest{}, fmt.Errorf("subscription requires at least one bounding box")
	}
	for i, b := range boxes {
		if err := b.Validate(); err != nil {
			return SubscriptionRequest{}, fmt.Errorf("bounding box %d: %w", i, err)
		}
	}
	return SubscriptionRequest{
		apiKey:       apiKey,
		boxes:        append([]BoundingBox(nil), boxes...),
		messageTypes: append([]string(nil), messageTypes...),
		mmsiFilter:   append([]string(nil), mmsiFilter...),
	}, nil
}

func (r SubscriptionRequest) APIKey() string { return r.apiKey }

func (r SubscriptionRequest) BoundingBoxes() []BoundingBox {
	return append([]BoundingBox(nil), r.boxes...)
}

func (r SubscriptionRequest) FilterMessageTypes() []string {
	return append([]string(nil), r.messageTypes...)
}

func (r SubscriptionRequest) FilterMMSI() []string {
	return append([]string(nil), r.mmsiFilter...)
}

type subscriptionWire struct {
	APIKey             string        `json:"APIKey"`
	BoundingBoxes      []BoundingBox `json:"BoundingBoxes"`
	FiltersShipMMSI    []string      `json:"FiltersShipMMSI,omitempty"`
	FilterMessageTypes []string      `json:"FilterMessageTypes,omitempty"`
}

func (r SubscriptionRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(subscriptionWire{
		APIKey:             r.apiKey,
		BoundingBoxes:      r.boxes,
		FiltersShipMMSI:    r.mmsiFilter,
		FilterMessageTypes: r.messageTypes,
	})
}

// ParseSubscriptionRequest decodes a subscription message as sent on the wire.
func ParseSubscriptionRequest(data []byte) (SubscriptionRequest, error) {
	var w subscriptionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return SubscriptionRequest{}, fmt.Errorf("parse subscription: %w", err)
	}
	return NewSubscriptionRequest(w.APIKey, w.BoundingBoxes, w.FilterMessageTypes, w.FiltersShipMMSI)
}
