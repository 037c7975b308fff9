package wearable

// Reading is an instantaneous sample from the acquisition layer.
type Reading struct {
	DistanceM float64
	HeartRate float64
	Calories  float64
	Lat       float64
	Lng       float64
	HasFix    bool
}

// Sensors is the telemetry acquisition surface the session machine
// drives. The workout hooks bracket a hardware session; Current may be
// read at any rate between them.
type Sensors interface {
	BeginWorkout() error
	EndWorkout() error
	Current() Reading
}

// Power reports device power pressure. Low power widens the snapshot
// cadence without touching heartbeats.
type Power interface {
	LowPower() bool
}

type alwaysHighPower struct{}

func (alwaysHighPower) LowPower() bool { return false }
