package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/openfleet/traffic/protocol"
)

func registerTestParticipant(database *Database, id ParticipantId, owner string, name string) {
	database.Register(protocol.ParticipantInfo{
		Id:          id,
		Description: testDescription(owner, name),
	}, 0, 0)
}

func TestDatabaseGaplessEdits(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")

	start := time.Now()

	err := database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", start, 0, 0, 10, 0)),
		ItineraryVersion: 1,
	})
	assert.Equal(t, nil, err)

	version, err := database.ItineraryVersion(1)
	assert.Equal(t, nil, err)
	assert.Equal(t, ItineraryVersion(1), version)

	// a gap: v=3 arrives before v=2
	err = database.Extend(&protocol.ItineraryExtend{
		Participant:      1,
		Routes:           testItinerary(2, testRoute("L1", start, 0, 5, 10, 5)),
		ItineraryVersion: 3,
	})
	assert.Equal(t, nil, err)

	version, _ = database.ItineraryVersion(1)
	assert.Equal(t, ItineraryVersion(1), version)

	inconsistency := database.InconsistencyFor(1)
	assert.NotEqual(t, nil, inconsistency)
	assert.Equal(t, []protocol.Range{{Lower: 2, Upper: 2}}, inconsistency.Ranges)
	assert.Equal(t, ItineraryVersion(3), inconsistency.LastKnownVersion)
	assert.Equal(t, map[ParticipantId][]protocol.Range{
		1: {{Lower: 2, Upper: 2}},
	}, database.Inconsistencies())

	// closing the gap applies the buffered edit too
	err = database.Delay(&protocol.ItineraryDelay{
		Participant:      1,
		Delay:            5 * time.Second,
		ItineraryVersion: 2,
	})
	assert.Equal(t, nil, err)

	version, _ = database.ItineraryVersion(1)
	assert.Equal(t, ItineraryVersion(3), version)
	assert.Equal(t, nil, database.InconsistencyFor(1))

	itinerary, err := database.Itinerary(1)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(itinerary))
	// route 1 was delayed before route 2 was appended
	startTime, _ := itinerary[0].Route.Trajectory.StartTime()
	assert.Equal(t, start.Add(5*time.Second), startTime)
	startTime, _ = itinerary[1].Route.Trajectory.StartTime()
	assert.Equal(t, start, startTime)
}

func TestDatabaseDuplicateEditIdempotent(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")

	start := time.Now()
	set := &protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", start, 0, 0, 10, 0)),
		ItineraryVersion: 1,
	}

	assert.Equal(t, nil, database.Set(set))
	versionAfterFirst := database.LatestVersion()

	assert.Equal(t, nil, database.Set(set))
	assert.Equal(t, versionAfterFirst, database.LatestVersion())

	itinerary, _ := database.Itinerary(1)
	assert.Equal(t, 1, len(itinerary))
}

func TestDatabaseUnknownParticipant(t *testing.T) {
	database := NewDatabaseWithDefaults()

	err := database.Set(&protocol.ItinerarySet{
		Participant:      99,
		Itinerary:        testItinerary(1, testRoute("L1", time.Now(), 0, 0, 1, 1)),
		ItineraryVersion: 1,
	})
	assert.Equal(t, true, errors.Is(err, ErrUnknownParticipant))
}

func TestDatabaseInvalidInput(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")

	err := database.Set(&protocol.ItinerarySet{
		Participant: 1,
		Itinerary: protocol.Itinerary{
			{Id: 1, Route: protocol.Route{Map: ""}},
		},
		ItineraryVersion: 1,
	})
	assert.Equal(t, true, errors.Is(err, ErrInvalidInput))

	err = database.Set(&protocol.ItinerarySet{
		Participant: 1,
		Itinerary: protocol.Itinerary{
			{Id: 1, Route: testRoute("L1", time.Now(), 0, 0, 1, 1)},
			{Id: 1, Route: testRoute("L1", time.Now(), 2, 2, 3, 3)},
		},
		ItineraryVersion: 1,
	})
	assert.Equal(t, true, errors.Is(err, ErrInvalidInput))
}

func TestDatabaseEraseAndClear(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")

	start := time.Now()
	itinerary := protocol.Itinerary{
		{Id: 1, Route: testRoute("L1", start, 0, 0, 10, 0)},
		{Id: 2, Route: testRoute("L2", start, 0, 5, 10, 5)},
	}
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        itinerary,
		ItineraryVersion: 1,
	}))

	assert.Equal(t, nil, database.Erase(&protocol.ItineraryErase{
		Participant:      1,
		RouteIds:         []RouteId{1},
		ItineraryVersion: 2,
	}))
	current, _ := database.Itinerary(1)
	assert.Equal(t, 1, len(current))
	assert.Equal(t, RouteId(2), current[0].Id)

	assert.Equal(t, nil, database.Clear(&protocol.ItineraryClear{
		Participant:      1,
		ItineraryVersion: 3,
	}))
	current, _ = database.Itinerary(1)
	assert.Equal(t, 0, len(current))

	lastRouteId, _ := database.LastRouteId(1)
	assert.Equal(t, RouteId(2), lastRouteId)
}

func TestDatabaseUnregisterRejectsEdits(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")

	assert.Equal(t, nil, database.Unregister(1))

	err := database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", time.Now(), 0, 0, 1, 1)),
		ItineraryVersion: 1,
	})
	assert.Equal(t, true, errors.Is(err, ErrUnknownParticipant))

	err = database.Unregister(1)
	assert.Equal(t, true, errors.Is(err, ErrUnknownParticipant))
}

func TestDatabaseVersionAdvances(t *testing.T) {
	database := NewDatabaseWithDefaults()
	assert.Equal(t, Version(0), database.LatestVersion())

	registerTestParticipant(database, 1, "robotA", "r1")
	assert.Equal(t, Version(1), database.LatestVersion())

	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", time.Now(), 0, 0, 1, 1)),
		ItineraryVersion: 1,
	}))
	assert.Equal(t, Version(2), database.LatestVersion())

	assert.Equal(t, nil, database.Unregister(1))
	assert.Equal(t, Version(3), database.LatestVersion())
}

func TestDatabaseChangesMonotoneSuffix(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")
	registerTestParticipant(database, 2, "robotA", "r2")

	start := time.Now()
	for v := 1; v <= 3; v += 1 {
		assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
			Participant:      1,
			Itinerary:        testItinerary(RouteId(v), testRoute("L1", start, float64(v), 0, 10, 0)),
			ItineraryVersion: ItineraryVersion(v),
		}))
	}
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      2,
		Itinerary:        testItinerary(1, testRoute("L2", start, 0, 0, 10, 0)),
		ItineraryVersion: 1,
	}))

	queryAll := protocol.QueryAll()

	lower := Version(3)
	higher := Version(5)
	patchLower := database.Changes(queryAll, &lower)
	patchHigher := database.Changes(queryAll, &higher)

	// the higher patch is a suffix of the lower patch
	assert.Equal(t, patchLower.Latest, patchHigher.Latest)
	suffix := []protocol.Change{}
	for _, participantPatch := range patchLower.Participants {
		for _, change := range participantPatch.Changes {
			if higher < change.DatabaseVersion {
				suffix = append(suffix, change)
			}
		}
	}
	higherChanges := []protocol.Change{}
	for _, participantPatch := range patchHigher.Participants {
		higherChanges = append(higherChanges, participantPatch.Changes...)
	}
	assert.Equal(t, suffix, higherChanges)
}

func TestDatabaseChangesCull(t *testing.T) {
	settings := &DatabaseSettings{
		ChangelogRetention: 2,
	}
	database := NewDatabase(settings)
	registerTestParticipant(database, 1, "robotA", "r1")

	start := time.Now()
	for v := 1; v <= 5; v += 1 {
		assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
			Participant:      1,
			Itinerary:        testItinerary(RouteId(v), testRoute("L1", start, float64(v), 0, 10, 0)),
			ItineraryVersion: ItineraryVersion(v),
		}))
	}

	stale := Version(1)
	patch := database.Changes(protocol.QueryAll(), &stale)
	assert.Equal(t, true, patch.Cull)
	assert.Equal(t, nil, patch.Base)

	// a fresh mirror adopting the culled patch lands on the snapshot
	mirror := NewMirror()
	_, err := mirror.Update(&patch)
	assert.Equal(t, nil, err)
	itinerary, ok := mirror.Itinerary(1)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, len(itinerary))
	assert.Equal(t, RouteId(5), itinerary[0].Id)
}

func TestDatabaseQueryFiltering(t *testing.T) {
	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")
	registerTestParticipant(database, 2, "robotA", "r2")

	start := time.Now()
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant: 1,
		Itinerary: protocol.Itinerary{
			{Id: 1, Route: testRoute("L1", start, 0, 0, 10, 0)},
			{Id: 2, Route: testRoute("L2", start, 0, 0, 10, 0)},
		},
		ItineraryVersion: 1,
	}))
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      2,
		Itinerary:        testItinerary(1, testRoute("L2", start, 5, 5, 15, 5)),
		ItineraryVersion: 1,
	}))

	query := protocol.Query{
		Maps: []string{"L1"},
	}
	patch := database.Changes(query, nil)

	mirror := NewMirror()
	_, err := mirror.Update(&patch)
	assert.Equal(t, nil, err)

	itinerary, _ := mirror.Itinerary(1)
	assert.Equal(t, 1, len(itinerary))
	assert.Equal(t, "L1", itinerary[0].Route.Map)
	itinerary, _ = mirror.Itinerary(2)
	assert.Equal(t, 0, len(itinerary))
}
