package schedule

import (
	"sync/atomic"

	"github.com/openfleet/traffic/protocol"
)

// The wire-visible identifier and version types are defined in the
// protocol package. Alias them here so the rest of the schedule package
// reads naturally.

type ParticipantId = protocol.ParticipantId
type RouteId = protocol.RouteId
type QueryId = protocol.QueryId
type NodeVersion = protocol.NodeVersion
type Version = protocol.Version
type ItineraryVersion = protocol.ItineraryVersion
type ProposalVersion = protocol.ProposalVersion

// versionClock is a monotone counter. One instance exists per concern
// on the service: database edits, participant-set edits, and negotiation
// ids. The query registry keeps no version clock. The clocks are owned by
// the service instance, never package globals.
type versionClock struct {
	value atomic.Uint64
}

func (self *versionClock) next() Version {
	return Version(self.value.Add(1))
}

func (self *versionClock) current() Version {
	return Version(self.value.Load())
}

// observe raises the clock to at least v; a lower v leaves it unchanged.
func (self *versionClock) observe(v Version) {
	for {
		current := self.value.Load()
		if uint64(v) <= current {
			return
		}
		if self.value.CompareAndSwap(current, uint64(v)) {
			return
		}
	}
}
