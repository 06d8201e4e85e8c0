package aisstream

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestPublisher_DeliversInRegistrationOrder(t *testing.T) {
	p := NewPublisher(zerolog.Nop())
	var order []int
	p.OnPositionReceived(func(VesselPosition) { order = append(order, 1) })
	p.OnPositionReceived(func(VesselPosition) { order = append(order, 2) })
	p.OnPositionReceived(func(VesselPosition) { order = append(order, 3) })

	p.PublishPosition(VesselPosition{MMSI: "1"})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order=%v want [1 2 3]", order)
	}
}

func TestPublisher_KindsAreIndependent(t *testing.T) {
	p := NewPublisher(zerolog.Nop())
	var positions, statuses, errs int
	p.OnPositionReceived(func(VesselPosition) { positions++ })
	p.OnConnectionStatusChanged(func(ConnectionStatusEvent) { statuses++ })
	p.OnError(func(StreamError) { errs++ })

	p.PublishStatus(ConnectionStatusEvent{Connected: true})
	p.PublishError(StreamError{Category: CategoryDecode, Detail: "x"})
	p.PublishError(StreamError{Category: CategoryValidation, Detail: "y"})

	if positions != 0 || statuses != 1 || errs != 2 {
		t.Fatalf("positions=%d statuses=%d errs=%d want 0/1/2", positions, statuses, errs)
	}
}

func TestPublisher_PanickingListenerIsIsolated(t *testing.T) {
	p := NewPublisher(zerolog.Nop())
	var after int
	p.OnError(func(StreamError) { panic("listener bug") })
	p.OnError(func(StreamError) { after++ })

	p.PublishError(StreamError{Category: CategoryDecode})
	p.PublishError(StreamError{Category: CategoryDecode})
	if after != 2 {
		t.Fatalf("after=%d want 2", after)
	}
}

func TestPublisher_Remove(t *testing.T) {
	p := NewPublisher(zerolog.Nop())
	var a, b int
	idA := p.OnPositionReceived(func(VesselPosition) { a++ })
	p.OnPositionReceived(func(VesselPosition) { b++ })

	p.PublishPosition(VesselPosition{})
	p.Remove(idA)
	p.Remove(idA)
	p.Remove(999)
	p.PublishPosition(VesselPosition{})

	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d want 1/2", a, b)
	}
}

func TestPublisher_RegisterDuringDelivery(t *testing.T) {
	p := NewPublisher(zerolog.Nop())
	var late int
	p.OnPositionReceived(func(VesselPosition) {
		p.OnPositionReceived(func(VesselPosition) { late++ })
	})
	p.PublishPosition(VesselPosition{})
	if late != 0 {
		t.Fatalf("listener added during delivery ran in the same delivery")
	}
	p.PublishPosition(VesselPosition{})
	if late != 1 {
		t.Fatalf("late=%d want 1", late)
	}
}

func TestPublisher_NilSafe(t *testing.T) {
	var p *Publisher
	p.PublishPosition(VesselPosition{})
	p.PublishStatus(ConnectionStatusEvent{})
	p.PublishError(StreamError{})
	if id := p.OnError(func(StreamError) {}); id != 0 {
		t.Fatalf("id=%d want 0", id)
	}
	p.Remove(1)
}
