package sim

import (
	"math"
	"strings"
	"testing"
	"time"

	"marinex-ng/internal/aisstream"
)

func TestFleet_Vessels_CountAndInvariants(t *testing.T) {
	f := Fleet{
		CenterLat: 1.25,
		CenterLon: 103.8,
		RadiusNm:  5.0,
		Period:    10 * time.Minute,
		SpeedKt:   12,
		Count:     6,
	}

	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	vessels := f.Vessels(now)
	if len(vessels) != 6 {
		t.Fatalf("expected 6 vessels, got %d", len(vessels))
	}

	radiusDeg := f.RadiusNm / 60.0
	maxLonDeg := radiusDeg / math.Cos(f.CenterLat*math.Pi/180.0)

	seen := map[uint32]bool{}
	for i, v := range vessels {
		if !aisstream.ValidCoordinate(v.Lat, v.Lon) {
			t.Fatalf("vessel[%d] invalid coordinate: %v", i, v)
		}
		if v.Course < 0 || v.Course >= 360 {
			t.Fatalf("vessel[%d] course out of range: %v", i, v.Course)
		}
		if math.Abs(v.Lat-f.CenterLat) > radiusDeg*1.01 {
			t.Fatalf("vessel[%d] lat offset too large", i)
		}
		if math.Abs(v.Lon-f.CenterLon) > maxLonDeg*1.01 {
			t.Fatalf("vessel[%d] lon offset too large", i)
		}
		if seen[v.MMSI] {
			t.Fatalf("duplicate mmsi %d", v.MMSI)
		}
		seen[v.MMSI] = true
	}
	if vessels[0].MMSI != 563000000 {
		t.Fatalf("mmsi=%d want default base", vessels[0].MMSI)
	}
}

func TestFleet_Vessels_ZeroCountNil(t *testing.T) {
	if got := (Fleet{}).Vessels(time.Now()); got != nil {
		t.Fatalf("expected nil for count=0")
	}
	if got := (Fleet{Count: -1}).Vessels(time.Now()); got != nil {
		t.Fatalf("expected nil for count<0")
	}
}

func TestFleet_MessagesDecode(t *testing.T) {
	f := Fleet{CenterLat: 1.25, CenterLon: 103.8, Count: 3, StaticEvery: 2}
	now := time.Date(2026, 10, 19, 8, 0, 0, 123456789, time.UTC)

	msgs, err := f.Messages(now, 0)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("tick 0: got %d messages want 6", len(msgs))
	}

	var positions int
	for _, m := range msgs {
		p, err := aisstream.Decode(m.Payload)
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", m.Payload, err)
		}
		switch m.Type {
		case TypePositionReport:
			positions++
			if p.Kind != aisstream.PayloadPositionUpdate {
				t.Fatalf("kind=%v want position", p.Kind)
			}
			if p.Position.MMSI != m.MMSI {
				t.Fatalf("mmsi=%q want %q", p.Position.MMSI, m.MMSI)
			}
			if strings.Contains(p.Position.ShipName, "@") {
				t.Fatalf("ship name not trimmed: %q", p.Position.ShipName)
			}
			if !p.Position.ObservedAt.Equal(now) {
				t.Fatalf("observed_at=%v want %v", p.Position.ObservedAt, now)
			}
		case TypeShipStaticData:
			if p.Kind != aisstream.PayloadUnrecognized {
				t.Fatalf("static data kind=%v want unrecognized", p.Kind)
			}
		}
	}
	if positions != 3 {
		t.Fatalf("positions=%d want 3", positions)
	}

	msgs, err = f.Messages(now, 1)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("tick 1: got %d messages want 3", len(msgs))
	}
}

func TestPadName(t *testing.T) {
	if got := padName("ALPHA"); got != "ALPHA@@@@@@@@@@@@@@@" {
		t.Fatalf("padName=%q", got)
	}
	if got := padName(strings.Repeat("X", 25)); len(got) != 20 {
		t.Fatalf("len=%d want 20", len(got))
	}
}
