// Package sim generates synthetic vehicle trajectories and streams them to
// a tiplot receiver over the producer protocol.
package sim

import (
	"math"
	"sort"
)

// Trajectory maps elapsed seconds to a NED position in meters.
type Trajectory func(t float64) (north, east, down float64)

// Trajectories are the built-in trajectory generators by topic name.
var Trajectories = map[string]Trajectory{
	"spiral":        spiral,
	"figure8":       figure8,
	"rollercoaster": rollercoaster,
	"helix":         helix,
	"cloverleaf":    cloverleaf,
	"wave":          wave,
	"orbit":         orbit,
}

// Names returns the built-in trajectory names, sorted.
func Names() []string {
	names := make([]string, 0, len(Trajectories))
	for n := range Trajectories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// spiral ascends at 5 m/s while circling with a radius oscillating 15..30m.
func spiral(t float64) (float64, float64, float64) {
	angle := 2 * math.Pi * 0.3 * t
	radius := 22.5 + 7.5*math.Sin(0.2*math.Pi*t)
	return radius * math.Cos(angle), radius * math.Sin(angle), -5 * t
}

// figure8 traces a lemniscate laterally while moving north at 8 m/s.
func figure8(t float64) (float64, float64, float64) {
	const period = 10.0
	phase := 2 * math.Pi * (t / period)
	return 8 * t, 25 * math.Sin(phase) * math.Cos(phase), -30 + 5*math.Sin(phase)
}

func rollercoaster(t float64) (float64, float64, float64) {
	north := 10 * t
	east := 20 * math.Sin(2*math.Pi*north/50)
	down := -40 + 20*math.Sin(2*math.Pi*north/60) + 8*math.Sin(2*math.Pi*north/25)
	return north, east, down
}

func helix(t float64) (float64, float64, float64) {
	angle := 2 * math.Pi * (t / 8)
	return 6 * t, 20 * math.Sin(angle), -3 * t
}

func cloverleaf(t float64) (float64, float64, float64) {
	north := 7 * t
	phase := 2 * math.Pi * north / 60
	east := 25 * math.Abs(math.Sin(2*phase)) * math.Sin(phase)
	return north, east, -35 - 8*math.Sin(4*phase)
}

func wave(t float64) (float64, float64, float64) {
	north := 12 * t
	return north, 18 * math.Sin(2*math.Pi*north/40), -35 + 12*math.Sin(2*math.Pi*north/50)
}

// orbit circles at constant altitude with a slow northward drift.
func orbit(t float64) (float64, float64, float64) {
	angle := 2 * math.Pi * (t / 12)
	return 3*t + 35*math.Cos(angle), 35 * math.Sin(angle), -45
}

// gradient returns df/dx using second-order central differences in the
// interior and first-order differences at the ends. x may be non-uniform.
// A nil x means unit spacing.
func gradient(f, x []float64) []float64 {
	n := len(f)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	at := func(i int) float64 {
		if x == nil {
			return float64(i)
		}
		return x[i]
	}

	out[0] = (f[1] - f[0]) / (at(1) - at(0))
	out[n-1] = (f[n-1] - f[n-2]) / (at(n-1) - at(n-2))
	for i := 1; i < n-1; i++ {
		hs := at(i) - at(i-1)
		hd := at(i+1) - at(i)
		out[i] = (hs*hs*f[i+1] + (hd*hd-hs*hs)*f[i] - hd*hd*f[i-1]) / (hs * hd * (hd + hs))
	}
	return out
}

// maxRoll bounds the simulated bank angle (45 degrees).
const maxRoll = 0.785

// orientation derives roll, pitch and yaw (radians) from NED velocity,
// assuming the vehicle points along its direction of travel.
func orientation(vn, ve, vd []float64) (roll, pitch, yaw []float64) {
	n := len(vn)
	roll = make([]float64, n)
	pitch = make([]float64, n)
	yaw = make([]float64, n)

	for i := range vn {
		yaw[i] = math.Atan2(ve[i], vn[i])
		pitch[i] = -math.Atan2(vd[i], math.Hypot(vn[i], ve[i]))
	}

	yawRate := gradient(yaw, nil)
	for i := range vn {
		speed := math.Sqrt(vn[i]*vn[i] + ve[i]*ve[i] + vd[i]*vd[i])
		roll[i] = math.Max(-maxRoll, math.Min(maxRoll, yawRate[i]*speed*2))
	}
	return roll, pitch, yaw
}
