package schedule

import (
	"testing"
	"time"

	"github.com/openfleet/traffic/protocol"
)

func testProfile() protocol.Profile {
	return protocol.Profile{
		Footprint: 0.5,
		Vicinity:  1.0,
	}
}

func testDescription(owner string, name string) protocol.ParticipantDescription {
	return protocol.ParticipantDescription{
		Name:           name,
		Owner:          owner,
		Responsiveness: protocol.ResponsivenessResponsive,
		Profile:        testProfile(),
	}
}

// a straight line from (x0, y0) to (x1, y1) over 10 seconds
func testRoute(mapName string, start time.Time, x0 float64, y0 float64, x1 float64, y1 float64) protocol.Route {
	return protocol.Route{
		Map: mapName,
		Trajectory: protocol.Trajectory{
			{Time: start, Position: [3]float64{x0, y0, 0}},
			{Time: start.Add(10 * time.Second), Position: [3]float64{x1, y1, 0}},
		},
	}
}

func testItinerary(routeId RouteId, route protocol.Route) protocol.Itinerary {
	return protocol.Itinerary{
		{Id: routeId, Route: route},
	}
}

// waitFor polls the condition until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if end.Before(time.Now()) {
			t.Fatalf("condition not reached within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// receiveTimeout reads one value from the channel or fails the test.
func receiveTimeout[T any](t *testing.T, c <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(timeout):
		t.Fatalf("timeout after %s", timeout)
		panic("unreachable")
	}
}
