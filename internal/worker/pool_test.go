package worker

import "testing"

func TestPool_CapacityAndInFlight(t *testing.T) {
	p := New(Config{MaxWorkers: 3}, nil)
	if p.Capacity() != 3 {
		t.Fatalf("Capacity() = %d, want 3", p.Capacity())
	}
	if p.InFlight() != 0 {
		t.Fatalf("InFlight() = %d, want 0", p.InFlight())
	}

	slot := <-p.slots
	if p.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want 1 after checkout", p.InFlight())
	}
	p.slots <- slot
	if p.InFlight() != 0 {
		t.Fatalf("InFlight() = %d, want 0 after return", p.InFlight())
	}
}

func TestNew_DefaultsMaxWorkers(t *testing.T) {
	p := New(Config{}, nil)
	if p.Capacity() != 4 {
		t.Fatalf("Capacity() = %d, want default 4", p.Capacity())
	}
}
