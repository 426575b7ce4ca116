// Package geometry converts between azimuth angles and stepper steps.
package geometry

// Defaults for a 1.8° stepper on an A4988 with MS1-3 low (full step).
const (
	DefaultStepsPerRev   = 200
	DefaultMicrostepping = 1
)

// StepsCalculator converts angles to motor step counts and back.
type StepsCalculator struct {
	stepsPerRev    int
	stepsPerDegree float64
}

// NewStepsCalculator creates a calculator for a motor with stepsPerRev
// full steps per revolution driven at the given microstepping factor.
// Non-positive values select the defaults.
func NewStepsCalculator(stepsPerRev, microstepping int) *StepsCalculator {
	if stepsPerRev <= 0 {
		stepsPerRev = DefaultStepsPerRev
	}
	if microstepping <= 0 {
		microstepping = DefaultMicrostepping
	}
	total := stepsPerRev * microstepping
	return &StepsCalculator{
		stepsPerRev:    total,
		stepsPerDegree: float64(total) / 360.0,
	}
}

// StepsPerRev returns the number of pulses for one full turn.
func (s *StepsCalculator) StepsPerRev() int {
	return s.stepsPerRev
}

// StepsFromAngle converts an angle (in degrees) to motor steps,
// truncating toward zero.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int {
	return int(angleDegrees * s.stepsPerDegree)
}

// AngleFromSteps converts a signed step count to degrees.
func (s *StepsCalculator) AngleFromSteps(steps int64) float64 {
	return float64(steps) / s.stepsPerDegree
}

// Heading returns the azimuth for a signed step count, in [0, 360).
func (s *StepsCalculator) Heading(steps int64) float64 {
	r := steps % int64(s.stepsPerRev)
	if r < 0 {
		r += int64(s.stepsPerRev)
	}
	return s.AngleFromSteps(r)
}
