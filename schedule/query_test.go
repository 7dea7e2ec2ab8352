package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/openfleet/traffic/protocol"
)

func testQueryRegistry(ctx context.Context, t *testing.T) (*QueryRegistry, *MemoryBus) {
	bus := NewMemoryBus(ctx)
	registry := NewQueryRegistry(
		func(queryId QueryId) Publisher {
			return bus.Publisher(protocol.MirrorUpdateTopicName(queryId), DefaultQos())
		},
		DefaultQueryRegistrySettings(),
	)
	return registry, bus
}

func TestQueryRegistrationDeduplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, _ := testQueryRegistry(ctx, t)
	defer registry.Close()

	query := protocol.Query{
		Maps: []string{"L1", "L2"},
	}
	first, err := registry.Register(query)
	assert.Equal(t, nil, err)

	// equal predicate, different map order
	second, err := registry.Register(protocol.Query{
		Maps: []string{"L2", "L1"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, first, second)

	third, err := registry.Register(protocol.Query{
		Maps: []string{"L3"},
	})
	assert.Equal(t, nil, err)
	assert.NotEqual(t, first, third)

	queryIds, queries := registry.Queries()
	assert.Equal(t, 2, len(queryIds))
	assert.Equal(t, 2, len(queries))
}

func TestQueryCleanupAfterGracePeriod(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus(ctx)
	registry := NewQueryRegistry(
		func(queryId QueryId) Publisher {
			return bus.Publisher(protocol.MirrorUpdateTopicName(queryId), DefaultQos())
		},
		&QueryRegistrySettings{
			CleanupPeriod: 10 * time.Millisecond,
			GracePeriod:   30 * time.Millisecond,
		},
	)
	defer registry.Close()

	subscribedId, err := registry.Register(protocol.Query{Maps: []string{"L1"}})
	assert.Equal(t, nil, err)
	unusedId, err := registry.Register(protocol.Query{Maps: []string{"L2"}})
	assert.Equal(t, nil, err)

	subscription := bus.Subscribe(
		protocol.MirrorUpdateTopicName(subscribedId),
		DefaultQos(),
		func(payload []byte) {},
	)
	defer subscription.Close()

	// within the grace period nothing is erased
	assert.Equal(t, false, registry.Cleanup())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, true, registry.Cleanup())

	queryIds, _ := registry.Queries()
	assert.Equal(t, []QueryId{subscribedId}, queryIds)

	err = registry.RequestChanges(unusedId, nil, true)
	assert.Equal(t, true, errors.Is(err, ErrUnknownQuery))
}

func collectMirrorUpdates(bus *MemoryBus, queryId QueryId) (func() []*protocol.MirrorUpdate, Subscription) {
	var mutex sync.Mutex
	updates := []*protocol.MirrorUpdate{}
	subscription := bus.Subscribe(
		protocol.MirrorUpdateTopicName(queryId),
		DefaultQos(),
		func(payload []byte) {
			var update protocol.MirrorUpdate
			if err := protocol.Unmarshal(payload, &update); err != nil {
				return
			}
			mutex.Lock()
			updates = append(updates, &update)
			mutex.Unlock()
		},
	)
	snapshot := func() []*protocol.MirrorUpdate {
		mutex.Lock()
		defer mutex.Unlock()
		out := make([]*protocol.MirrorUpdate, len(updates))
		copy(out, updates)
		return out
	}
	return snapshot, subscription
}

func TestMirrorUpdateStreamReconstructsDatabase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, bus := testQueryRegistry(ctx, t)
	defer registry.Close()

	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")

	queryId, err := registry.Register(protocol.QueryAll())
	assert.Equal(t, nil, err)

	snapshot, subscription := collectMirrorUpdates(bus, queryId)
	defer subscription.Close()

	start := time.Now()

	// interleave edits and update ticks
	registry.Update(database, 0)
	for v := 1; v <= 3; v += 1 {
		assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
			Participant:      1,
			Itinerary:        testItinerary(RouteId(v), testRoute("L1", start, float64(v), 0, 10, 0)),
			ItineraryVersion: ItineraryVersion(v),
		}))
		registry.Update(database, 0)
	}

	waitFor(t, time.Second, func() bool {
		updates := snapshot()
		if len(updates) == 0 {
			return false
		}
		return updates[len(updates)-1].DatabaseVersion == database.LatestVersion()
	})

	// the concatenated patches rebuild the same state as one full
	// snapshot
	streamMirror := NewMirror()
	for _, update := range snapshot() {
		_, err := streamMirror.Update(&update.Patch)
		assert.Equal(t, nil, err)
	}

	// run the snapshot through the codec too so timestamps compare at
	// wire precision
	fullMirror := NewMirror()
	full := database.Changes(protocol.QueryAll(), nil)
	var decodedFull protocol.Patch
	assert.Equal(t, nil, protocol.Unmarshal(protocol.RequireMarshal(&full), &decodedFull))
	_, err = fullMirror.Update(&decodedFull)
	assert.Equal(t, nil, err)

	streamItinerary, _ := streamMirror.Itinerary(1)
	fullItinerary, _ := fullMirror.Itinerary(1)
	assert.Equal(t, fullItinerary, streamItinerary)

	streamVersion, _ := streamMirror.Version()
	assert.Equal(t, database.LatestVersion(), streamVersion)
}

func TestMirrorUpdateRemedial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, bus := testQueryRegistry(ctx, t)
	defer registry.Close()

	database := NewDatabaseWithDefaults()
	registerTestParticipant(database, 1, "robotA", "r1")
	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      1,
		Itinerary:        testItinerary(1, testRoute("L1", time.Now(), 0, 0, 10, 0)),
		ItineraryVersion: 1,
	}))

	queryId, err := registry.Register(protocol.QueryAll())
	assert.Equal(t, nil, err)

	// catch the stream up so the remedial is distinguishable
	registry.Update(database, 0)

	snapshot, subscription := collectMirrorUpdates(bus, queryId)
	defer subscription.Close()

	assert.Equal(t, nil, registry.RequestChanges(queryId, nil, true))
	registry.Update(database, 0)

	waitFor(t, time.Second, func() bool {
		return 0 < len(snapshot())
	})

	updates := snapshot()
	assert.Equal(t, true, updates[0].IsRemedialUpdate)
	assert.Equal(t, nil, updates[0].Patch.Base)

	// the remedial patch equals the full snapshot
	remedialMirror := NewMirror()
	_, err = remedialMirror.Update(&updates[0].Patch)
	assert.Equal(t, nil, err)
	fullMirror := NewMirror()
	full := database.Changes(protocol.QueryAll(), nil)
	var decodedFull protocol.Patch
	assert.Equal(t, nil, protocol.Unmarshal(protocol.RequireMarshal(&full), &decodedFull))
	_, err = fullMirror.Update(&decodedFull)
	assert.Equal(t, nil, err)

	remedialItinerary, _ := remedialMirror.Itinerary(1)
	fullItinerary, _ := fullMirror.Itinerary(1)
	assert.Equal(t, fullItinerary, remedialItinerary)
}
