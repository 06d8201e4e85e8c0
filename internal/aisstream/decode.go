package aisstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const unknownField = "Unknown"

// PayloadKind tags the decoded variant.
type PayloadKind int

const (
	PayloadUnrecognized PayloadKind = iota
	PayloadPositionUpdate
)

// PositionUpdate is a decoded position report before validation.
type PositionUpdate struct {
	MMSI             string
	ShipName         string
	ShipType         string
	Destination      string
	Latitude         float64
	Longitude        float64
	SpeedOverGround  float64
	CourseOverGround float64
	Heading          float64
	// ObservedAt is the feed's own timestamp when present. Informational only.
	ObservedAt time.Time
}

// InboundPayload is the result of decoding one assembled message.
type InboundPayload struct {
	Kind        PayloadKind
	MessageType string
	Position    PositionUpdate
}

// Field names are matched case-insensitively by encoding/json.
type envelopeWire struct {
	MessageType json.RawMessage `json:"MessageType"`
	Message     json.RawMessage `json:"Message"`
	MetaData    json.RawMessage `json:"MetaData"`
}

type messageWire struct {
	PositionReport json.RawMessage `json:"PositionReport"`
}

type positionReportWire struct {
	UserID      json.RawMessage `json:"UserID"`
	Latitude    *float64        `json:"Latitude"`
	Longitude   *float64        `json:"Longitude"`
	Sog         optionalFloat   `json:"Sog"`
	Cog         optionalFloat   `json:"Cog"`
	TrueHeading optionalFloat   `json:"TrueHeading"`
}

type metaDataWire struct {
	ShipName    optionalString `json:"ShipName"`
	ShipType    optionalString `json:"ShipType"`
	Destination optionalString `json:"Destination"`
	TimeUTC     optionalString `json:"time_utc"`
}

// optionalFloat accepts a number, null, or anything else (treated as absent).
type optionalFloat struct {
	v  float64
	ok bool
}

func (f *optionalFloat) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		*f = optionalFloat{}
		return nil
	}
	*f = optionalFloat{v: v, ok: true}
	return nil
}

func (f optionalFloat) or(def float64) float64 {
	if !f.ok {
		return def
	}
	return f.v
}

type optionalString struct {
	v  string
	ok bool
}

func (s *optionalString) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		*s = optionalString{}
		return nil
	}
	*s = optionalString{v: v, ok: true}
	return nil
}

func (s optionalString) text() string {
	if !s.ok {
		return unknownField
	}
	v := strings.TrimSpace(strings.TrimRight(s.v, "@ "))
	if v == "" {
		return unknownField
	}
	return v
}

// Decode parses one assembled message. Messages without a position report
// decode to PayloadUnrecognized with a nil error. A malformed payload, or a
// position report without coordinates, yields a Decode *StreamError.
func Decode(data []byte) (InboundPayload, error) {
	var env envelopeWire
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundPayload{}, streamErrorf(CategoryDecode, "parse message: %w", err)
	}

	out := InboundPayload{Kind: PayloadUnrecognized}
	var mt string
	if len(env.MessageType) > 0 && json.Unmarshal(env.MessageType, &mt) == nil {
		out.MessageType = mt
	}

	if isNullOrEmpty(env.Message) {
		return out, nil
	}
	var msg messageWire
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		// Message is not an object; nothing we understand.
		return out, nil
	}
	if isNullOrEmpty(msg.PositionReport) {
		return out, nil
	}

	var pr positionReportWire
	if err := json.Unmarshal(msg.PositionReport, &pr); err != nil {
		return InboundPayload{}, streamErrorf(CategoryDecode, "parse position report: %w", err)
	}
	if pr.Latitude == nil || pr.Longitude == nil {
		var missing []string
		if pr.Latitude == nil {
			missing = append(missing, "Latitude")
		}
		if pr.Longitude == nil {
			missing = append(missing, "Longitude")
		}
		return InboundPayload{}, streamErrorf(CategoryDecode, "position report missing %s", strings.Join(missing, ", "))
	}

	var meta metaDataWire
	if !isNullOrEmpty(env.MetaData) {
		// Metadata is optional; a malformed block just leaves defaults.
		if err := json.Unmarshal(env.MetaData, &meta); err != nil {
			meta = metaDataWire{}
		}
	}

	out.Kind = PayloadPositionUpdate
	out.Position = PositionUpdate{
		MMSI:             mmsiText(pr.UserID),
		ShipName:         meta.ShipName.text(),
		ShipType:         meta.ShipType.text(),
		Destination:      meta.Destination.text(),
		Latitude:         *pr.Latitude,
		Longitude:        *pr.Longitude,
		SpeedOverGround:  pr.Sog.or(0),
		CourseOverGround: pr.Cog.or(0),
		Heading:          pr.TrueHeading.or(0),
	}
	if meta.TimeUTC.ok {
		out.Position.ObservedAt = parseFeedTime(meta.TimeUTC.v)
	}
	return out, nil
}

func isNullOrEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// mmsiText renders UserID as a decimal string. Anything that is not a
// non-negative number maps to "Unknown".
func mmsiText(raw json.RawMessage) string {
	if isNullOrEmpty(raw) {
		return unknownField
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return unknownField
	}
	if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return strconv.FormatUint(v, 10)
	}
	f, err := n.Float64()
	if err != nil || f < 0 || math.IsInf(f, 0) || f != math.Trunc(f) {
		return unknownField
	}
	return strconv.FormatFloat(f, 'f', 0, 64)
}

var feedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
}

func parseFeedTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (k PayloadKind) String() string {
	switch k {
	case PayloadPositionUpdate:
		return "position_update"
	case PayloadUnrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
