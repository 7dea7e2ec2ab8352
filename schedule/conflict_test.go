package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/openfleet/traffic/protocol"
)

func collectConflicts() (func(conflict ConflictSet), func() []ConflictSet) {
	var mutex sync.Mutex
	conflicts := []ConflictSet{}
	emit := func(conflict ConflictSet) {
		mutex.Lock()
		defer mutex.Unlock()
		conflicts = append(conflicts, conflict)
	}
	snapshot := func() []ConflictSet {
		mutex.Lock()
		defer mutex.Unlock()
		out := make([]ConflictSet, len(conflicts))
		copy(out, conflicts)
		return out
	}
	return emit, snapshot
}

func TestConflictDetectorRaisesCollision(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")
	registerTestParticipant(database, 2, "robotA", "r2")

	emit, snapshot := collectConflicts()
	detector := newConflictDetector(ctx, database, DetectConflict, emit, DefaultConflictDetectorSettings())
	defer detector.Close()

	start := time.Now()

	// crossing paths on the same map
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", start, 0, 0, 10, 0)),
		ItineraryVersion: 1,
	}))
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      2,
		Itinerary:        testItinerary(1, testRoute("L1", start, 10, 0, 0, 0)),
		ItineraryVersion: 1,
	}))

	waitFor(t, 5*time.Second, func() bool {
		return 0 < len(snapshot())
	})
	assert.Equal(t, NewConflictSet(1, 2), snapshot()[0])
}

func TestConflictDetectorDisjointMapsNoConflict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")
	registerTestParticipant(database, 2, "robotA", "r2")

	emit, snapshot := collectConflicts()
	detector := newConflictDetector(ctx, database, DetectConflict, emit, DefaultConflictDetectorSettings())
	defer detector.Close()

	start := time.Now()
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", start, 0, 0, 10, 0)),
		ItineraryVersion: 1,
	}))
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      2,
		Itinerary:        testItinerary(1, testRoute("L2", start, 10, 0, 0, 0)),
		ItineraryVersion: 1,
	}))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, len(snapshot()))
}

func TestConflictDetectorSkipsUnresponsivePair(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database := NewDatabaseWithDefaults()
	for _, p := range []struct {
		id   ParticipantId
		name string
	}{{1, "r1"}, {2, "r2"}} {
		description := testDescription("robotA", p.name)
		description.Responsiveness = protocol.ResponsivenessUnresponsive
		database.Register(protocol.ParticipantInfo{
			Id:          p.id,
			Description: description,
		}, 0, 0)
	}

	emit, snapshot := collectConflicts()
	detector := newConflictDetector(ctx, database, DetectConflict, emit, DefaultConflictDetectorSettings())
	defer detector.Close()

	start := time.Now()
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", start, 0, 0, 10, 0)),
		ItineraryVersion: 1,
	}))
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      2,
		Itinerary:        testItinerary(1, testRoute("L1", start, 10, 0, 0, 0)),
		ItineraryVersion: 1,
	}))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, len(snapshot()))
}

func TestDetectConflictGeometry(t *testing.T) {
	start := time.Now()
	profile := testProfile()

	// head-on along the same line
	a := testRoute("L1", start, 0, 0, 10, 0)
	b := testRoute("L1", start, 10, 0, 0, 0)
	assert.Equal(t, true, DetectConflict(profile, a.Trajectory, profile, b.Trajectory))

	// far apart laterally
	c := testRoute("L1", start, 0, 100, 10, 100)
	assert.Equal(t, false, DetectConflict(profile, a.Trajectory, profile, c.Trajectory))

	// same path, disjoint time windows
	d := testRoute("L1", start.Add(time.Hour), 0, 0, 10, 0)
	assert.Equal(t, false, DetectConflict(profile, a.Trajectory, profile, d.Trajectory))
}
