package schedule

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/openfleet/traffic/protocol"
)

// Mirror is a replica of (a filtered view of) the database, advanced
// only by monotone patches so it is always a consistent prefix of the
// canonical edit sequence. A mirror is privately owned by one
// goroutine; it does no locking of its own.

type mirrorParticipant struct {
	info             protocol.ParticipantInfo
	routes           map[RouteId]protocol.Route
	routeOrder       []RouteId
	itineraryVersion ItineraryVersion
}

type Mirror struct {
	participants map[ParticipantId]*mirrorParticipant
	// nil until the first patch is applied
	version *Version
}

func NewMirror() *Mirror {
	return &Mirror{
		participants: map[ParticipantId]*mirrorParticipant{},
	}
}

// Version reports the database version the mirror has caught up to.
func (self *Mirror) Version() (Version, bool) {
	if self.version == nil {
		return 0, false
	}
	return *self.version, true
}

// Update applies one patch and returns the ids of participants whose
// entries changed. A patch whose base does not continue this mirror's
// version is rejected; the caller remediates by requesting a resend.
func (self *Mirror) Update(patch *protocol.Patch) ([]ParticipantId, error) {
	if patch.Base == nil {
		// full snapshot: every known participant counts as changed
		self.participants = map[ParticipantId]*mirrorParticipant{}
	} else {
		if self.version == nil {
			return nil, fmt.Errorf("patch base [%d] against an empty mirror: %w",
				*patch.Base, ErrInvalidInput)
		}
		if *patch.Base != *self.version {
			return nil, fmt.Errorf("patch base [%d] does not continue mirror version [%d]: %w",
				*patch.Base, *self.version, ErrInvalidInput)
		}
	}

	changedSet := map[ParticipantId]bool{}

	for _, info := range patch.Registered {
		if participant, ok := self.participants[info.Id]; ok {
			participant.info = info
		} else {
			self.participants[info.Id] = &mirrorParticipant{
				info:   info,
				routes: map[RouteId]protocol.Route{},
			}
		}
		changedSet[info.Id] = true
	}
	for _, participantId := range patch.Unregistered {
		delete(self.participants, participantId)
	}

	for _, participantPatch := range patch.Participants {
		participant, ok := self.participants[participantPatch.Participant]
		if !ok {
			// the query filter can expose edits for a participant whose
			// registration predates the patch base
			participant = &mirrorParticipant{
				info: protocol.ParticipantInfo{
					Id: participantPatch.Participant,
				},
				routes: map[RouteId]protocol.Route{},
			}
			self.participants[participantPatch.Participant] = participant
		}
		for i := range participantPatch.Changes {
			applyMirrorChange(participant, &participantPatch.Changes[i])
		}
		changedSet[participantPatch.Participant] = true
	}

	latest := patch.Latest
	self.version = &latest

	changed := maps.Keys(changedSet)
	slices.Sort(changed)
	return changed, nil
}

func applyMirrorChange(participant *mirrorParticipant, change *protocol.Change) {
	switch change.Kind {
	case protocol.ChangeSet:
		participant.routes = map[RouteId]protocol.Route{}
		participant.routeOrder = nil
		for _, entry := range change.Routes {
			participant.routes[entry.Id] = entry.Route
			participant.routeOrder = append(participant.routeOrder, entry.Id)
		}
	case protocol.ChangeExtend:
		for _, entry := range change.Routes {
			if _, ok := participant.routes[entry.Id]; !ok {
				participant.routeOrder = append(participant.routeOrder, entry.Id)
			}
			participant.routes[entry.Id] = entry.Route
		}
	case protocol.ChangeDelay:
		for routeId, route := range participant.routes {
			route.Trajectory = route.Trajectory.Delayed(change.Delay)
			participant.routes[routeId] = route
		}
	case protocol.ChangeErase:
		for _, routeId := range change.RouteIds {
			if _, ok := participant.routes[routeId]; ok {
				delete(participant.routes, routeId)
				i := slices.Index(participant.routeOrder, routeId)
				participant.routeOrder = slices.Delete(participant.routeOrder, i, i+1)
			}
		}
	case protocol.ChangeClear:
		participant.routes = map[RouteId]protocol.Route{}
		participant.routeOrder = nil
	}
	participant.itineraryVersion = change.ItineraryVersion
}

func (self *Mirror) ParticipantIds() []ParticipantId {
	participantIds := maps.Keys(self.participants)
	slices.Sort(participantIds)
	return participantIds
}

func (self *Mirror) GetParticipant(participantId ParticipantId) (protocol.ParticipantInfo, bool) {
	participant, ok := self.participants[participantId]
	if !ok {
		return protocol.ParticipantInfo{}, false
	}
	return participant.info, true
}

func (self *Mirror) Itinerary(participantId ParticipantId) (protocol.Itinerary, bool) {
	participant, ok := self.participants[participantId]
	if !ok {
		return nil, false
	}
	itinerary := make(protocol.Itinerary, 0, len(participant.routeOrder))
	for _, routeId := range participant.routeOrder {
		itinerary = append(itinerary, protocol.RouteEntry{
			Id:    routeId,
			Route: participant.routes[routeId],
		})
	}
	return itinerary, true
}
