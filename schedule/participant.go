package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/openfleet/traffic/protocol"
)

// Participant: the adapter-side owner of one versioned itinerary
// stream. Every mutation advances the itinerary version by exactly one
// and is remembered in a bounded local history so missing versions can
// be retransmitted when the schedule reports an inconsistency.

// how many sent edits a participant keeps for rectification
const participantHistoryLimit = 64

type sentEdit struct {
	version  ItineraryVersion
	kind     protocol.ChangeKind
	routes   protocol.Itinerary
	delay    time.Duration
	routeIds []RouteId
}

type Participant struct {
	ctx       context.Context
	transport WriterTransport

	id          ParticipantId
	description protocol.ParticipantDescription

	mutex            sync.Mutex
	itineraryVersion ItineraryVersion
	lastRouteId      RouteId
	routes           map[RouteId]protocol.Route
	routeOrder       []RouteId
	history          map[ItineraryVersion]*sentEdit
	closed           bool
}

func newParticipant(
	ctx context.Context,
	transport WriterTransport,
	description protocol.ParticipantDescription,
	registration Registration,
) *Participant {
	return &Participant{
		ctx:              ctx,
		transport:        transport,
		id:               registration.Id,
		description:      description,
		itineraryVersion: registration.LastItineraryVersion,
		lastRouteId:      registration.LastRouteId,
		routes:           map[RouteId]protocol.Route{},
		history:          map[ItineraryVersion]*sentEdit{},
	}
}

func (self *Participant) Id() ParticipantId {
	return self.id
}

func (self *Participant) Description() protocol.ParticipantDescription {
	return self.description
}

func (self *Participant) ItineraryVersion() ItineraryVersion {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.itineraryVersion
}

func (self *Participant) LastRouteId() RouteId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastRouteId
}

func (self *Participant) CurrentItinerary() protocol.Itinerary {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.itinerary()
}

func (self *Participant) itinerary() protocol.Itinerary {
	itinerary := make(protocol.Itinerary, 0, len(self.routeOrder))
	for _, routeId := range self.routeOrder {
		itinerary = append(itinerary, protocol.RouteEntry{
			Id:    routeId,
			Route: self.routes[routeId],
		})
	}
	return itinerary
}

// SetItinerary replaces the itinerary with the given routes, assigning
// fresh route ids, and returns the new itinerary version.
func (self *Participant) SetItinerary(routes []protocol.Route) ItineraryVersion {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.routes = map[RouteId]protocol.Route{}
	self.routeOrder = nil
	entries := self.assign(routes)

	version := self.nextVersion()
	self.remember(&sentEdit{
		version: version,
		kind:    protocol.ChangeSet,
		routes:  entries,
	})
	self.transport.Set(&protocol.ItinerarySet{
		Participant:      self.id,
		Itinerary:        entries,
		ItineraryVersion: version,
	})
	return version
}

// Extend appends routes to the itinerary.
func (self *Participant) Extend(routes []protocol.Route) ItineraryVersion {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries := self.assign(routes)

	version := self.nextVersion()
	self.remember(&sentEdit{
		version: version,
		kind:    protocol.ChangeExtend,
		routes:  entries,
	})
	self.transport.Extend(&protocol.ItineraryExtend{
		Participant:      self.id,
		Routes:           entries,
		ItineraryVersion: version,
	})
	return version
}

// Delay shifts every future trajectory time by d.
func (self *Participant) Delay(d time.Duration) ItineraryVersion {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for routeId, route := range self.routes {
		route.Trajectory = route.Trajectory.Delayed(d)
		self.routes[routeId] = route
	}

	version := self.nextVersion()
	self.remember(&sentEdit{
		version: version,
		kind:    protocol.ChangeDelay,
		delay:   d,
	})
	self.transport.Delay(&protocol.ItineraryDelay{
		Participant:      self.id,
		Delay:            d,
		ItineraryVersion: version,
	})
	return version
}

// EraseRoutes removes the given routes from the itinerary.
func (self *Participant) EraseRoutes(routeIds []RouteId) ItineraryVersion {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, routeId := range routeIds {
		if _, ok := self.routes[routeId]; ok {
			delete(self.routes, routeId)
			i := slices.Index(self.routeOrder, routeId)
			self.routeOrder = slices.Delete(self.routeOrder, i, i+1)
		}
	}

	version := self.nextVersion()
	self.remember(&sentEdit{
		version:  version,
		kind:     protocol.ChangeErase,
		routeIds: slices.Clone(routeIds),
	})
	self.transport.Erase(&protocol.ItineraryErase{
		Participant:      self.id,
		RouteIds:         routeIds,
		ItineraryVersion: version,
	})
	return version
}

// Clear erases the whole itinerary.
func (self *Participant) Clear() ItineraryVersion {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.routes = map[RouteId]protocol.Route{}
	self.routeOrder = nil

	version := self.nextVersion()
	self.remember(&sentEdit{
		version: version,
		kind:    protocol.ChangeClear,
	})
	self.transport.Clear(&protocol.ItineraryClear{
		Participant:      self.id,
		ItineraryVersion: version,
	})
	return version
}

// Unregister retires the participant from the schedule.
func (self *Participant) Unregister() error {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()
	return self.transport.UnregisterParticipant(self.ctx, self.id)
}

// Close detaches the participant without retiring it from the
// schedule. Its rectifier stub goes dead and is lazily purged.
func (self *Participant) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}

// caller holds the mutex
func (self *Participant) assign(routes []protocol.Route) protocol.Itinerary {
	entries := make(protocol.Itinerary, 0, len(routes))
	for _, route := range routes {
		self.lastRouteId += 1
		entries = append(entries, protocol.RouteEntry{
			Id:    self.lastRouteId,
			Route: route,
		})
		self.routes[self.lastRouteId] = route
		self.routeOrder = append(self.routeOrder, self.lastRouteId)
	}
	return entries
}

// caller holds the mutex
func (self *Participant) nextVersion() ItineraryVersion {
	self.itineraryVersion += 1
	return self.itineraryVersion
}

// caller holds the mutex
func (self *Participant) remember(edit *sentEdit) {
	self.history[edit.version] = edit
	if participantHistoryLimit < len(self.history) {
		versions := maps.Keys(self.history)
		slices.SortFunc(versions, func(a ItineraryVersion, b ItineraryVersion) int {
			if a == b {
				return 0
			}
			if a.LessThan(b) {
				return -1
			}
			return 1
		})
		for _, version := range versions[:len(versions)-participantHistoryLimit] {
			delete(self.history, version)
		}
	}
}

// retransmit resends the versions the schedule reported missing. When
// the history no longer covers a missing version, an empty extend is
// sent for that version so the stream advances; the lost edit itself is
// not resent.
func (self *Participant) retransmit(ranges []protocol.Range, lastKnown ItineraryVersion) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	missing := []ItineraryVersion{}
	for _, r := range ranges {
		for v := r.Lower; ; v += 1 {
			missing = append(missing, v)
			if v == r.Upper {
				break
			}
		}
	}

	for _, version := range missing {
		if edit, ok := self.history[version]; ok {
			self.resend(edit)
		} else {
			// the history no longer covers this version; fill the gap
			// with an empty extend so the stream advances and the
			// buffered tail drains
			glog.Warningf("[p]history for [%d] no longer covers %d; filling gap\n",
				self.id, version)
			self.transport.Extend(&protocol.ItineraryExtend{
				Participant:      self.id,
				Routes:           protocol.Itinerary{},
				ItineraryVersion: version,
			})
		}
	}
}

// caller holds the mutex
func (self *Participant) resend(edit *sentEdit) {
	switch edit.kind {
	case protocol.ChangeSet:
		self.transport.Set(&protocol.ItinerarySet{
			Participant:      self.id,
			Itinerary:        edit.routes,
			ItineraryVersion: edit.version,
		})
	case protocol.ChangeExtend:
		self.transport.Extend(&protocol.ItineraryExtend{
			Participant:      self.id,
			Routes:           edit.routes,
			ItineraryVersion: edit.version,
		})
	case protocol.ChangeDelay:
		self.transport.Delay(&protocol.ItineraryDelay{
			Participant:      self.id,
			Delay:            edit.delay,
			ItineraryVersion: edit.version,
		})
	case protocol.ChangeErase:
		self.transport.Erase(&protocol.ItineraryErase{
			Participant:      self.id,
			RouteIds:         edit.routeIds,
			ItineraryVersion: edit.version,
		})
	case protocol.ChangeClear:
		self.transport.Clear(&protocol.ItineraryClear{
			Participant:      self.id,
			ItineraryVersion: edit.version,
		})
	}
}
