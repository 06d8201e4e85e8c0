package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Message types rendered by the fleet, named as on the live feed.
const (
	TypePositionReport = "PositionReport"
	TypeShipStaticData = "ShipStaticData"
)

const feedTimeLayout = "2006-01-02 15:04:05.999999999 -0700 MST"

type Vessel struct {
	MMSI        uint32
	Name        string
	ShipType    string
	Destination string
	Lat         float64
	Lon         float64
	Course      float64
	SpeedKt     float64
	Heading     float64
}

// Fleet places vessels on a circle around the center; they orbit once per
// Period. Output is a pure function of time so tests are deterministic.
type Fleet struct {
	CenterLat float64
	CenterLon float64
	RadiusNm  float64
	Period    time.Duration
	SpeedKt   float64
	Count     int
	BaseMMSI  uint32
	// StaticEvery emits ShipStaticData for every vessel on each Nth tick.
	// 0 disables static data.
	StaticEvery int
}

// Message is one rendered feed message plus the fields a server filters on.
type Message struct {
	Type    string
	MMSI    string
	Lat     float64
	Lon     float64
	Payload []byte
}

var (
	names        = []string{"MARINEX PIONEER", "SEA LION", "STRAIT RUNNER", "HARBOUR STAR", "OCEAN TRADER", "CAPE EXPRESS"}
	shipTypes    = []string{"Cargo", "Tanker", "Passenger", "Tug", "Fishing", "Pleasure Craft"}
	destinations = []string{"SINGAPORE", "PORT KLANG", "JAKARTA", "TANJUNG PRIOK", "BATAM", "JOHOR"}
)

// Vessels returns the fleet at now.
func (f Fleet) Vessels(now time.Time) []Vessel {
	count := f.Count
	if count <= 0 {
		return nil
	}

	period := f.Period
	if period <= 0 {
		period = 10 * time.Minute
	}
	radiusNm := f.RadiusNm
	if radiusNm <= 0 {
		radiusNm = 5.0
	}
	speedKt := f.SpeedKt
	if speedKt <= 0 {
		speedKt = 12
	}
	base := f.BaseMMSI
	if base == 0 {
		base = 563000000
	}

	// Convert NM to degrees latitude (~60 NM per degree).
	radiusDeg := radiusNm / 60.0

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	baseTheta := 2 * math.Pi * phase

	out := make([]Vessel, 0, count)
	for i := 0; i < count; i++ {
		offset := 2 * math.Pi * (float64(i) / float64(count))
		theta := baseTheta + offset

		lat := f.CenterLat + radiusDeg*math.Cos(theta)
		lon := f.CenterLon + radiusDeg*math.Sin(theta)/math.Cos(f.CenterLat*math.Pi/180.0)
		cog := math.Mod((theta*180/math.Pi)+90, 360)

		out = append(out, Vessel{
			MMSI:        base + uint32(i),
			Name:        names[i%len(names)],
			ShipType:    shipTypes[i%len(shipTypes)],
			Destination: destinations[i%len(destinations)],
			Lat:         lat,
			Lon:         normalizeLon(lon),
			Course:      cog,
			SpeedKt:     speedKt + float64(i%4)*0.5,
			Heading:     math.Round(cog),
		})
	}
	return out
}

// Messages renders the feed for one tick. seq numbers ticks from 0.
func (f Fleet) Messages(now time.Time, seq uint64) ([]Message, error) {
	vessels := f.Vessels(now)
	out := make([]Message, 0, len(vessels)*2)
	for _, v := range vessels {
		b, err := PositionReportJSON(v, now)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Type: TypePositionReport, MMSI: mmsiString(v.MMSI), Lat: v.Lat, Lon: v.Lon, Payload: b})
	}
	if f.StaticEvery > 0 && seq%uint64(f.StaticEvery) == 0 {
		for _, v := range vessels {
			b, err := ShipStaticDataJSON(v, now)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{Type: TypeShipStaticData, MMSI: mmsiString(v.MMSI), Lat: v.Lat, Lon: v.Lon, Payload: b})
		}
	}
	return out, nil
}

type metaData struct {
	MMSI        uint32  `json:"MMSI"`
	ShipName    string  `json:"ShipName"`
	ShipType    string  `json:"ShipType,omitempty"`
	Destination string  `json:"Destination,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	TimeUTC     string  `json:"time_utc"`
}

type envelope struct {
	MessageType string         `json:"MessageType"`
	MetaData    metaData       `json:"MetaData"`
	Message     map[string]any `json:"Message"`
}

// PositionReportJSON renders v the way the live feed does. Ship names are
// padded with '@' to the 20 character AIS field width.
func PositionReportJSON(v Vessel, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		MessageType: TypePositionReport,
		MetaData:    meta(v, now),
		Message: map[string]any{
			TypePositionReport: map[string]any{
				"UserID":      v.MMSI,
				"Latitude":    v.Lat,
				"Longitude":   v.Lon,
				"Sog":         round1(v.SpeedKt),
				"Cog":         round1(v.Course),
				"TrueHeading": v.Heading,
				"Valid":       true,
			},
		},
	})
}

func ShipStaticDataJSON(v Vessel, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		MessageType: TypeShipStaticData,
		MetaData:    meta(v, now),
		Message: map[string]any{
			TypeShipStaticData: map[string]any{
				"UserID":      v.MMSI,
				"Name":        padName(v.Name),
				"Destination": v.Destination,
				"Valid":       true,
			},
		},
	})
}

func meta(v Vessel, now time.Time) metaData {
	return metaData{
		MMSI:        v.MMSI,
		ShipName:    padName(v.Name),
		ShipType:    v.ShipType,
		Destination: v.Destination,
		Latitude:    v.Lat,
		Longitude:   v.Lon,
		TimeUTC:     now.UTC().Format(feedTimeLayout),
	}
}

func padName(s string) string {
	const width = 20
	if len(s) >= width {
		return s[:width]
	}
	b := make([]byte, 0, width)
	b = append(b, s...)
	for len(b) < width {
		b = append(b, '@')
	}
	return string(b)
}

func mmsiString(m uint32) string { return strconv.FormatUint(uint64(m), 10) }

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

func (v Vessel) String() string {
	return fmt.Sprintf("%d %s (%.5f, %.5f)", v.MMSI, v.Name, v.Lat, v.Lon)
}

// ParseMessage recovers the filter fields of a feed message. ok is false
// when the message lacks a type or position.
func ParseMessage(raw []byte) (m Message, ok bool) {
	var env struct {
		MessageType string `json:"MessageType"`
		MetaData    struct {
			MMSI      *uint64  `json:"MMSI"`
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"MetaData"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, false
	}
	md := env.MetaData
	if env.MessageType == "" || md.Latitude == nil || md.Longitude == nil {
		return Message{}, false
	}
	m = Message{Type: env.MessageType, Lat: *md.Latitude, Lon: *md.Longitude, Payload: raw}
	if md.MMSI != nil {
		m.MMSI = strconv.FormatUint(*md.MMSI, 10)
	}
	return m, true
}
