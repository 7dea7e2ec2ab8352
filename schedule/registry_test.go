package schedule

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/openfleet/traffic/protocol"
)

func TestRegistryIdempotentRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.log")

	database := NewDatabaseWithDefaults()
	registry, err := OpenParticipantRegistry(path, database)
	assert.Equal(t, nil, err)
	defer registry.Close()

	first, err := registry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)

	// registering again with a different profile keeps the id and
	// overwrites the description
	description := testDescription("robotA", "r1")
	description.Profile.Footprint = 2.0
	second, err := registry.AddOrRetrieve(description)
	assert.Equal(t, nil, err)
	assert.Equal(t, first.Id, second.Id)

	info, ok := database.GetParticipant(first.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2.0, info.Description.Profile.Footprint)

	// re-registration does not advance the participant's itinerary
	// version
	assert.Equal(t, ItineraryVersion(0), second.LastItineraryVersion)

	other, err := registry.AddOrRetrieve(testDescription("robotA", "r2"))
	assert.Equal(t, nil, err)
	assert.NotEqual(t, first.Id, other.Id)
}

func TestRegistryResumesAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.log")

	database := NewDatabaseWithDefaults()
	registry, err := OpenParticipantRegistry(path, database)
	assert.Equal(t, nil, err)

	registration, err := registry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, database.Set(&protocol.ItinerarySet{
		Participant:      registration.Id,
		Itinerary:        testItinerary(7, testRoute("L1", time.Now(), 0, 0, 1, 1)),
		ItineraryVersion: 1,
	}))
	// persist the watermarks as a retirement would
	assert.Equal(t, nil, registry.RecordWatermarks(registration.Id))
	registry.Close()

	// restart: a fresh database and registry replay the log
	restartDatabase := NewDatabaseWithDefaults()
	restartRegistry, err := OpenParticipantRegistry(path, restartDatabase)
	assert.Equal(t, nil, err)
	defer restartRegistry.Close()

	resumed, err := restartRegistry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, registration.Id, resumed.Id)
	assert.Equal(t, ItineraryVersion(1), resumed.LastItineraryVersion)
	assert.Equal(t, RouteId(7), resumed.LastRouteId)

	// the resumed stream continues from the watermark
	version, err := restartDatabase.ItineraryVersion(resumed.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, ItineraryVersion(1), version)
}

func TestRegistryToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.log")

	database := NewDatabaseWithDefaults()
	registry, err := OpenParticipantRegistry(path, database)
	assert.Equal(t, nil, err)
	_, err = registry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)
	registry.Close()

	// a torn append: some bytes of a frame, but not a whole one
	logFile, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.Equal(t, nil, err)
	_, err = logFile.Write([]byte{0, 0, 0, 99, 1, 2, 3})
	assert.Equal(t, nil, err)
	logFile.Close()

	restartDatabase := NewDatabaseWithDefaults()
	restartRegistry, err := OpenParticipantRegistry(path, restartDatabase)
	assert.Equal(t, nil, err)
	defer restartRegistry.Close()

	resumed, err := restartRegistry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(restartDatabase.Participants()))

	// the tail was truncated; appending again keeps the log replayable
	restartRegistry.Close()
	finalDatabase := NewDatabaseWithDefaults()
	finalRegistry, err := OpenParticipantRegistry(path, finalDatabase)
	assert.Equal(t, nil, err)
	defer finalRegistry.Close()
	final, err := finalRegistry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, resumed.Id, final.Id)
}

func TestRegistryCorruptLogFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.log")

	database := NewDatabaseWithDefaults()
	registry, err := OpenParticipantRegistry(path, database)
	assert.Equal(t, nil, err)
	_, err = registry.AddOrRetrieve(testDescription("robotA", "r1"))
	assert.Equal(t, nil, err)
	_, err = registry.AddOrRetrieve(testDescription("robotA", "r2"))
	assert.Equal(t, nil, err)
	registry.Close()

	// flip a byte inside the first committed record's payload
	logBytes, err := os.ReadFile(path)
	assert.Equal(t, nil, err)
	logBytes[40] ^= 0xff
	assert.Equal(t, nil, os.WriteFile(path, logBytes, 0644))

	_, err = OpenParticipantRegistry(path, NewDatabaseWithDefaults())
	assert.Equal(t, true, errors.Is(err, ErrRegistryCorrupt))
}
