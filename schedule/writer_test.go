package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/openfleet/traffic/protocol"
)

func TestWriterMakeParticipant(t *testing.T) {
	node, bus, closeAll := testNode(t, nil)
	defer closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewWriter(ctx, bus)
	defer writer.Close()

	future := writer.MakeParticipant(testDescription("robotA", "r1"))
	participant, err := future.Wait(ctx)
	assert.Equal(t, nil, err)

	start := time.Now()
	version := participant.SetItinerary([]protocol.Route{
		testRoute("L1", start, 0, 0, 10, 0),
		testRoute("L2", start, 0, 5, 10, 5),
	})
	assert.Equal(t, ItineraryVersion(1), version)
	assert.Equal(t, RouteId(2), participant.LastRouteId())

	waitFor(t, 5*time.Second, func() bool {
		v, err := node.Database().ItineraryVersion(participant.Id())
		return err == nil && v == 1
	})
	itinerary, err := node.Database().Itinerary(participant.Id())
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(itinerary))

	version = participant.EraseRoutes([]RouteId{1})
	assert.Equal(t, ItineraryVersion(2), version)
	waitFor(t, 5*time.Second, func() bool {
		itinerary, err := node.Database().Itinerary(participant.Id())
		return err == nil && len(itinerary) == 1
	})

	assert.Equal(t, nil, participant.Unregister())
	waitFor(t, 5*time.Second, func() bool {
		_, ok := node.Database().GetParticipant(participant.Id())
		return !ok
	})
}

func TestWriterAsyncMakeParticipant(t *testing.T) {
	_, bus, closeAll := testNode(t, nil)
	defer closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewWriter(ctx, bus)
	defer writer.Close()

	ready := make(chan *Participant, 1)
	writer.AsyncMakeParticipant(testDescription("robotA", "r1"), func(participant *Participant, err error) {
		assert.Equal(t, nil, err)
		ready <- participant
	})

	participant := receiveTimeout(t, ready, 5*time.Second)
	assert.NotEqual(t, nil, participant)
}

// lossyTransport drops selected messages to exercise rectification.
type lossyTransport struct {
	WriterTransport

	mutex    sync.Mutex
	dropNext int
	dropped  int
}

func (self *lossyTransport) Delay(msg *protocol.ItineraryDelay) {
	self.mutex.Lock()
	if 0 < self.dropNext {
		self.dropNext -= 1
		self.dropped += 1
		self.mutex.Unlock()
		return
	}
	self.mutex.Unlock()
	self.WriterTransport.Delay(msg)
}

func TestWriterRectifiesInconsistency(t *testing.T) {
	node, bus, closeAll := testNode(t, nil)
	defer closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lossy := &lossyTransport{
		WriterTransport: NewRemoteWriterTransport(ctx, bus, DefaultRemoteWriterTransportSettings()),
	}
	writer := NewWriterWithTransport(ctx, lossy, bus)
	defer writer.Close()

	participant, err := writer.MakeParticipant(testDescription("robotA", "r1")).Wait(ctx)
	assert.Equal(t, nil, err)

	start := time.Now()
	participant.SetItinerary([]protocol.Route{
		testRoute("L1", start, 0, 0, 10, 0),
	})

	// v=2 is lost in transit
	lossy.mutex.Lock()
	lossy.dropNext = 1
	lossy.mutex.Unlock()
	participant.Delay(5 * time.Second)

	// v=3 arrives with a gap behind it; the schedule reports the
	// inconsistency and the writer's rectifier resends v=2
	participant.Extend([]protocol.Route{
		testRoute("L2", start, 0, 5, 10, 5),
	})

	waitFor(t, 5*time.Second, func() bool {
		version, err := node.Database().ItineraryVersion(participant.Id())
		return err == nil && version == 3
	})
	assert.Equal(t, nil, node.Database().InconsistencyFor(participant.Id()))

	lossy.mutex.Lock()
	dropped := lossy.dropped
	lossy.mutex.Unlock()
	assert.Equal(t, 1, dropped)

	itinerary, err := node.Database().Itinerary(participant.Id())
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(itinerary))
	// the delayed start of route 1 proves the resent v=2 was applied
	startTime, _ := itinerary[0].Route.Trajectory.StartTime()
	assert.Equal(t, true, start.Add(4*time.Second).Before(startTime))
}
