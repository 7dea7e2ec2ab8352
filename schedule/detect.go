package schedule

import (
	"math"
	"time"

	"github.com/openfleet/traffic/protocol"
)

// ConflictDetector decides whether two trajectories physically
// interfere. The routes are known to share a map before this is called.
// The geometric test is an external concern: the node accepts any
// implementation with this signature.
type ConflictDetector func(
	profileA protocol.Profile,
	trajectoryA protocol.Trajectory,
	profileB protocol.Profile,
	trajectoryB protocol.Trajectory,
) bool

// detectSampleInterval bounds the interpolation step of the default
// detector.
const detectSampleInterval = 100 * time.Millisecond

// DetectConflict is the default detector: over the overlapping time
// window, sample both trajectories by linear interpolation and flag a
// conflict when one footprint enters the other's vicinity.
func DetectConflict(
	profileA protocol.Profile,
	trajectoryA protocol.Trajectory,
	profileB protocol.Profile,
	trajectoryB protocol.Trajectory,
) bool {
	aStart, ok := trajectoryA.StartTime()
	if !ok {
		return false
	}
	bStart, ok := trajectoryB.StartTime()
	if !ok {
		return false
	}
	aFinish, _ := trajectoryA.FinishTime()
	bFinish, _ := trajectoryB.FinishTime()

	lower := aStart
	if lower.Before(bStart) {
		lower = bStart
	}
	upper := aFinish
	if bFinish.Before(upper) {
		upper = bFinish
	}
	if upper.Before(lower) {
		return false
	}

	limit := math.Max(
		profileA.Footprint+profileB.Vicinity,
		profileB.Footprint+profileA.Vicinity,
	)

	for t := lower; !t.After(upper); t = t.Add(detectSampleInterval) {
		ax, ay := positionAt(trajectoryA, t)
		bx, by := positionAt(trajectoryB, t)
		dx := ax - bx
		dy := ay - by
		if dx*dx+dy*dy < limit*limit {
			return true
		}
	}
	return false
}

func positionAt(trajectory protocol.Trajectory, t time.Time) (float64, float64) {
	if t.Before(trajectory[0].Time) {
		return trajectory[0].Position[0], trajectory[0].Position[1]
	}
	for i := 1; i < len(trajectory); i += 1 {
		w0 := trajectory[i-1]
		w1 := trajectory[i]
		if t.After(w1.Time) {
			continue
		}
		span := w1.Time.Sub(w0.Time)
		if span <= 0 {
			return w1.Position[0], w1.Position[1]
		}
		f := float64(t.Sub(w0.Time)) / float64(span)
		x := w0.Position[0] + f*(w1.Position[0]-w0.Position[0])
		y := w0.Position[1] + f*(w1.Position[1]-w0.Position[1])
		return x, y
	}
	last := trajectory[len(trajectory)-1]
	return last.Position[0], last.Position[1]
}
