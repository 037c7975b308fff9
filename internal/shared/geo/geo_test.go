package geo

import (
	"math"
	"testing"
)

func TestHaversineKm(t *testing.T) {
	// Berlin (52.52, 13.405) to Potsdam (52.3906, 13.0645) ~ 26-28 km
	d := HaversineKm(52.52, 13.405, 52.3906, 13.0645)
	if d < 24 || d > 32 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestMetersBetween(t *testing.T) {
	// Two vertices of the simulator's park loop, a few hundred metres apart.
	m := MetersBetween(52.5200, 13.4050, 52.5218, 13.4071)
	if m < 100 || m > 500 {
		t.Fatalf("unexpected distance: %v m", m)
	}
	if zero := MetersBetween(52.52, 13.405, 52.52, 13.405); math.Abs(zero) > 1e-9 {
		t.Fatalf("identical points should be 0m apart, got %v", zero)
	}
}
