package wearable

// Kalman is a single-state recursive filter used to damp positional
// jitter before snapshot assembly. One instance per coordinate; process
// noise is fixed at construction.
type Kalman struct {
	q, r   float64
	x, p   float64
	primed bool
}

// NewKalman builds a filter with the given process and measurement
// noise.
func NewKalman(processNoise, measurementNoise float64) *Kalman {
	return &Kalman{q: processNoise, r: measurementNoise}
}

// NewPositionFilter returns a filter tuned for degree-scale GPS jitter.
func NewPositionFilter() *Kalman {
	return NewKalman(1e-6, 2e-5)
}

// Update folds one measurement and returns the smoothed estimate. The
// first measurement primes the filter and passes through unchanged.
func (k *Kalman) Update(z float64) float64 {
	if !k.primed {
		k.x = z
		k.p = k.r
		k.primed = true
		return k.x
	}
	k.p += k.q
	g := k.p / (k.p + k.r)
	k.x += g * (z - k.x)
	k.p *= 1 - g
	return k.x
}

// Reset clears the filter for a new run.
func (k *Kalman) Reset() {
	k.x, k.p, k.primed = 0, 0, false
}
