package schedule

import (
	"sync"

	"github.com/golang/glog"

	"github.com/openfleet/traffic/protocol"
)

// Rectification: the writer subscribes once to the inconsistency
// channel and fans reports out to per-participant stubs. A stub is a
// weak handle — a closed participant leaves a dead stub that is purged
// lazily on the next lookup.

type rectifierStub struct {
	participant *Participant
}

func (self *rectifierStub) dead() bool {
	self.participant.mutex.Lock()
	defer self.participant.mutex.Unlock()
	return self.participant.closed
}

type rectifierFactory struct {
	mutex sync.Mutex
	stubs map[ParticipantId]*rectifierStub

	subscription Subscription
}

func newRectifierFactory(bus Bus) *rectifierFactory {
	factory := &rectifierFactory{
		stubs: map[ParticipantId]*rectifierStub{},
	}
	factory.subscription = bus.Subscribe(
		protocol.InconsistencyTopicName,
		ReliableQos(10),
		func(payload []byte) {
			var msg protocol.ScheduleInconsistency
			if err := protocol.Unmarshal(payload, &msg); err != nil {
				return
			}
			factory.checkInconsistency(&msg)
		},
	)
	return factory
}

// register installs the stub for a participant. The database never
// double-assigns a participant id, so overwriting any previous entry is
// correct.
func (self *rectifierFactory) register(participant *Participant) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.stubs[participant.Id()] = &rectifierStub{
		participant: participant,
	}
}

func (self *rectifierFactory) checkInconsistency(msg *protocol.ScheduleInconsistency) {
	if len(msg.Ranges) == 0 {
		// empty ranges should not get published; check anyway
		return
	}

	self.mutex.Lock()
	stub, ok := self.stubs[msg.Participant]
	if ok && stub.dead() {
		delete(self.stubs, msg.Participant)
		ok = false
	}
	self.mutex.Unlock()

	if !ok {
		return
	}

	glog.V(2).Infof("[w]rectifying [%d] over %d ranges\n", msg.Participant, len(msg.Ranges))
	stub.participant.retransmit(msg.Ranges, msg.LastKnownVersion)
}

func (self *rectifierFactory) Close() {
	self.subscription.Close()
}
