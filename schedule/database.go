package schedule

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/openfleet/traffic/protocol"
)

// Itinerary Database: the versioned store of each participant's current
// routes. Edits from one participant are applied in strict itinerary
// version order; anything out of order is buffered until the gap closes
// and surfaced as inconsistency ranges in the meantime. Every accepted
// edit, registration, and retirement advances the database version by
// exactly one and lands in the changelog so that patches can replay the
// canonical edit sequence.

type DatabaseSettings struct {
	// number of changelog entries retained. A patch requested from a
	// version older than the retained tail comes back as a full
	// snapshot with the cull marker set.
	ChangelogRetention int
}

func DefaultDatabaseSettings() *DatabaseSettings {
	return &DatabaseSettings{
		ChangelogRetention: 4096,
	}
}

type participantState struct {
	info        protocol.ParticipantInfo
	routes      map[RouteId]protocol.Route
	routeOrder  []RouteId
	itineraryVersion ItineraryVersion
	lastRouteId RouteId
	// out-of-order edits keyed by itinerary version
	buffered map[ItineraryVersion]*protocol.Change
}

func (self *participantState) itinerary() protocol.Itinerary {
	itinerary := make(protocol.Itinerary, 0, len(self.routeOrder))
	for _, routeId := range self.routeOrder {
		itinerary = append(itinerary, protocol.RouteEntry{
			Id:    routeId,
			Route: self.routes[routeId],
		})
	}
	return itinerary
}

type logEntryKind uint8

const (
	logEntryRegistered logEntryKind = iota
	logEntryUnregistered
	logEntryChange
)

type logEntry struct {
	version     Version
	kind        logEntryKind
	participant ParticipantId
	info        *protocol.ParticipantInfo
	change      *protocol.Change
}

type Database struct {
	settings *DatabaseSettings

	mutex sync.Mutex

	clock            versionClock
	participantClock versionClock

	participants map[ParticipantId]*participantState

	changelog []logEntry
	// database version of the newest entry ever dropped from the
	// changelog. A patch base below this is stale.
	culledThrough Version

	updateMonitor *Monitor
}

func NewDatabaseWithDefaults() *Database {
	return NewDatabase(DefaultDatabaseSettings())
}

func NewDatabase(settings *DatabaseSettings) *Database {
	return &Database{
		settings:      settings,
		participants:  map[ParticipantId]*participantState{},
		updateMonitor: NewMonitor(),
	}
}

// UpdateMonitor notifies on every accepted edit and participant-set
// change. The conflict detector waits on it.
func (self *Database) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *Database) LatestVersion() Version {
	return self.clock.current()
}

// ParticipantsVersion advances whenever the set of registered
// participants (or a description) changes.
func (self *Database) ParticipantsVersion() Version {
	return self.participantClock.current()
}

// Register adds a participant or, for an already registered id, updates
// its description. The itinerary version and route id watermarks seed
// the participant's versioned stream; they are ignored for an already
// registered participant.
func (self *Database) Register(
	info protocol.ParticipantInfo,
	lastItineraryVersion ItineraryVersion,
	lastRouteId RouteId,
) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if state, ok := self.participants[info.Id]; ok {
		state.info = info
	} else {
		self.participants[info.Id] = &participantState{
			info:             info,
			routes:           map[RouteId]protocol.Route{},
			itineraryVersion: lastItineraryVersion,
			lastRouteId:      lastRouteId,
			buffered:         map[ItineraryVersion]*protocol.Change{},
		}
	}

	infoCopy := info
	self.append(logEntry{
		kind:        logEntryRegistered,
		participant: info.Id,
		info:        &infoCopy,
	})
	self.participantClock.next()
	self.updateMonitor.NotifyAll()
}

func (self *Database) Unregister(participantId ParticipantId) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.participants[participantId]; !ok {
		return fmt.Errorf("unregister [%d]: %w", participantId, ErrUnknownParticipant)
	}
	delete(self.participants, participantId)

	self.append(logEntry{
		kind:        logEntryUnregistered,
		participant: participantId,
	})
	self.participantClock.next()
	self.updateMonitor.NotifyAll()
	return nil
}

func (self *Database) GetParticipant(participantId ParticipantId) (protocol.ParticipantInfo, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.participants[participantId]
	if !ok {
		return protocol.ParticipantInfo{}, false
	}
	return state.info, true
}

func (self *Database) Participants() []protocol.ParticipantInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	infos := make([]protocol.ParticipantInfo, 0, len(self.participants))
	for _, participantId := range self.participantIds() {
		infos = append(infos, self.participants[participantId].info)
	}
	return infos
}

func (self *Database) participantIds() []ParticipantId {
	participantIds := maps.Keys(self.participants)
	slices.Sort(participantIds)
	return participantIds
}

// ItineraryVersion returns the version of the last applied edit for the
// participant.
func (self *Database) ItineraryVersion(participantId ParticipantId) (ItineraryVersion, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.participants[participantId]
	if !ok {
		return 0, fmt.Errorf("itinerary version [%d]: %w", participantId, ErrUnknownParticipant)
	}
	return state.itineraryVersion, nil
}

func (self *Database) LastRouteId(participantId ParticipantId) (RouteId, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.participants[participantId]
	if !ok {
		return 0, fmt.Errorf("last route id [%d]: %w", participantId, ErrUnknownParticipant)
	}
	return state.lastRouteId, nil
}

func (self *Database) Itinerary(participantId ParticipantId) (protocol.Itinerary, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.participants[participantId]
	if !ok {
		return nil, fmt.Errorf("itinerary [%d]: %w", participantId, ErrUnknownParticipant)
	}
	return state.itinerary(), nil
}

func (self *Database) Set(msg *protocol.ItinerarySet) error {
	if err := validateRoutes(msg.Itinerary); err != nil {
		return err
	}
	return self.submit(msg.Participant, &protocol.Change{
		Kind:             protocol.ChangeSet,
		ItineraryVersion: msg.ItineraryVersion,
		Routes:           msg.Itinerary,
	})
}

func (self *Database) Extend(msg *protocol.ItineraryExtend) error {
	if err := validateRoutes(msg.Routes); err != nil {
		return err
	}
	return self.submit(msg.Participant, &protocol.Change{
		Kind:             protocol.ChangeExtend,
		ItineraryVersion: msg.ItineraryVersion,
		Routes:           msg.Routes,
	})
}

func (self *Database) Delay(msg *protocol.ItineraryDelay) error {
	return self.submit(msg.Participant, &protocol.Change{
		Kind:             protocol.ChangeDelay,
		ItineraryVersion: msg.ItineraryVersion,
		Delay:            msg.Delay,
	})
}

func (self *Database) Erase(msg *protocol.ItineraryErase) error {
	return self.submit(msg.Participant, &protocol.Change{
		Kind:             protocol.ChangeErase,
		ItineraryVersion: msg.ItineraryVersion,
		RouteIds:         msg.RouteIds,
	})
}

func (self *Database) Clear(msg *protocol.ItineraryClear) error {
	return self.submit(msg.Participant, &protocol.Change{
		Kind:             protocol.ChangeClear,
		ItineraryVersion: msg.ItineraryVersion,
	})
}

func validateRoutes(routes protocol.Itinerary) error {
	seen := map[RouteId]bool{}
	for _, entry := range routes {
		if entry.Route.Map == "" {
			return fmt.Errorf("route [%d] has no map: %w", entry.Id, ErrInvalidInput)
		}
		if seen[entry.Id] {
			return fmt.Errorf("duplicate route id [%d]: %w", entry.Id, ErrInvalidInput)
		}
		seen[entry.Id] = true
		trajectory := entry.Route.Trajectory
		for i := 1; i < len(trajectory); i += 1 {
			if trajectory[i].Time.Before(trajectory[i-1].Time) {
				return fmt.Errorf("route [%d] trajectory times decrease: %w", entry.Id, ErrInvalidInput)
			}
		}
	}
	return nil
}

// submit applies an edit if it carries the next expected itinerary
// version, buffers it if it is ahead, and ignores it as an idempotent
// duplicate if it is behind.
func (self *Database) submit(participantId ParticipantId, change *protocol.Change) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.participants[participantId]
	if !ok {
		return fmt.Errorf("edit for [%d]: %w", participantId, ErrUnknownParticipant)
	}

	expected := state.itineraryVersion + 1
	switch {
	case change.ItineraryVersion == expected:
		self.accept(state, change)
		// drain any buffered edits that the acceptance unblocked
		for {
			next, ok := state.buffered[state.itineraryVersion+1]
			if !ok {
				break
			}
			delete(state.buffered, state.itineraryVersion+1)
			self.accept(state, next)
		}
		self.updateMonitor.NotifyAll()
	case change.ItineraryVersion.LessThan(expected):
		// duplicate of an already applied version
		glog.V(2).Infof("[db]duplicate edit %d@%d\n", participantId, change.ItineraryVersion)
	default:
		// a gap; hold the edit until the gap closes
		state.buffered[change.ItineraryVersion] = change
		glog.V(2).Infof("[db]buffer edit %d@%d expected %d\n",
			participantId, change.ItineraryVersion, expected)
	}
	return nil
}

func (self *Database) accept(state *participantState, change *protocol.Change) {
	switch change.Kind {
	case protocol.ChangeSet:
		state.routes = map[RouteId]protocol.Route{}
		state.routeOrder = nil
		for _, entry := range change.Routes {
			state.routes[entry.Id] = entry.Route
			state.routeOrder = append(state.routeOrder, entry.Id)
			if state.lastRouteId < entry.Id {
				state.lastRouteId = entry.Id
			}
		}
	case protocol.ChangeExtend:
		for _, entry := range change.Routes {
			if _, ok := state.routes[entry.Id]; !ok {
				state.routeOrder = append(state.routeOrder, entry.Id)
			}
			state.routes[entry.Id] = entry.Route
			if state.lastRouteId < entry.Id {
				state.lastRouteId = entry.Id
			}
		}
	case protocol.ChangeDelay:
		for routeId, route := range state.routes {
			route.Trajectory = route.Trajectory.Delayed(change.Delay)
			state.routes[routeId] = route
		}
	case protocol.ChangeErase:
		for _, routeId := range change.RouteIds {
			if _, ok := state.routes[routeId]; ok {
				delete(state.routes, routeId)
				i := slices.Index(state.routeOrder, routeId)
				state.routeOrder = slices.Delete(state.routeOrder, i, i+1)
			}
		}
	case protocol.ChangeClear:
		state.routes = map[RouteId]protocol.Route{}
		state.routeOrder = nil
	}

	state.itineraryVersion = change.ItineraryVersion

	self.append(logEntry{
		kind:        logEntryChange,
		participant: state.info.Id,
		change:      change,
	})
}

// append stamps the entry with the next database version and trims the
// changelog to the retention limit. Caller holds the mutex.
func (self *Database) append(entry logEntry) {
	entry.version = self.clock.next()
	if entry.change != nil {
		entry.change.DatabaseVersion = entry.version
	}
	self.changelog = append(self.changelog, entry)
	if self.settings.ChangelogRetention < len(self.changelog) {
		drop := len(self.changelog) - self.settings.ChangelogRetention
		self.culledThrough = self.changelog[drop-1].version
		self.changelog = slices.Clone(self.changelog[drop:])
	}
}

// Inconsistencies lists, for each participant with buffered edits, the
// closed ranges of missing versions.
func (self *Database) Inconsistencies() map[ParticipantId][]protocol.Range {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	inconsistencies := map[ParticipantId][]protocol.Range{}
	for participantId, state := range self.participants {
		if ranges := missingRanges(state); 0 < len(ranges) {
			inconsistencies[participantId] = ranges
		}
	}
	return inconsistencies
}

// InconsistencyFor returns the inconsistency report for one
// participant, or nil when its stream has no gaps.
func (self *Database) InconsistencyFor(participantId ParticipantId) *protocol.ScheduleInconsistency {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state, ok := self.participants[participantId]
	if !ok {
		return nil
	}
	ranges := missingRanges(state)
	if len(ranges) == 0 {
		return nil
	}
	lastKnown := state.itineraryVersion
	for v := range state.buffered {
		if lastKnown.LessThan(v) {
			lastKnown = v
		}
	}
	return &protocol.ScheduleInconsistency{
		Participant:      participantId,
		Ranges:           ranges,
		LastKnownVersion: lastKnown,
	}
}

func missingRanges(state *participantState) []protocol.Range {
	if len(state.buffered) == 0 {
		return nil
	}
	bufferedVersions := maps.Keys(state.buffered)
	slices.SortFunc(bufferedVersions, func(a ItineraryVersion, b ItineraryVersion) int {
		if a == b {
			return 0
		}
		if a.LessThan(b) {
			return -1
		}
		return 1
	})

	ranges := []protocol.Range{}
	cursor := state.itineraryVersion + 1
	for _, v := range bufferedVersions {
		if cursor.LessThan(v) {
			ranges = append(ranges, protocol.Range{Lower: cursor, Upper: v - 1})
		}
		cursor = v + 1
	}
	return ranges
}

// Changes produces the minimal patch under query since fromVersion. A
// nil fromVersion, or one older than the retained changelog, produces a
// full snapshot; the latter is marked with the cull flag.
func (self *Database) Changes(query protocol.Query, fromVersion *Version) protocol.Patch {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	latest := self.clock.current()

	if fromVersion == nil || *fromVersion < self.culledThrough {
		patch := protocol.Patch{
			Latest: latest,
			Cull:   fromVersion != nil,
		}
		for _, participantId := range self.participantIds() {
			state := self.participants[participantId]
			patch.Registered = append(patch.Registered, state.info)
			if !query.MatchesParticipant(participantId) {
				continue
			}
			routes := protocol.Itinerary{}
			for _, entry := range state.itinerary() {
				if query.MatchesRoute(entry.Route) {
					routes = append(routes, entry)
				}
			}
			patch.Participants = append(patch.Participants, protocol.ParticipantPatch{
				Participant: participantId,
				Changes: []protocol.Change{{
					Kind:             protocol.ChangeSet,
					DatabaseVersion:  latest,
					ItineraryVersion: state.itineraryVersion,
					Routes:           routes,
				}},
			})
		}
		return patch
	}

	base := *fromVersion
	patch := protocol.Patch{
		Base:   &base,
		Latest: latest,
	}
	changesByParticipant := map[ParticipantId]*protocol.ParticipantPatch{}
	order := []ParticipantId{}
	for _, entry := range self.changelog {
		if entry.version <= base {
			continue
		}
		switch entry.kind {
		case logEntryRegistered:
			patch.Registered = append(patch.Registered, *entry.info)
		case logEntryUnregistered:
			patch.Unregistered = append(patch.Unregistered, entry.participant)
		case logEntryChange:
			if !query.MatchesParticipant(entry.participant) {
				continue
			}
			change := filterChange(*entry.change, query)
			participantPatch, ok := changesByParticipant[entry.participant]
			if !ok {
				participantPatch = &protocol.ParticipantPatch{
					Participant: entry.participant,
				}
				changesByParticipant[entry.participant] = participantPatch
				order = append(order, entry.participant)
			}
			participantPatch.Changes = append(participantPatch.Changes, change)
		}
	}
	for _, participantId := range order {
		patch.Participants = append(patch.Participants, *changesByParticipant[participantId])
	}
	return patch
}

func filterChange(change protocol.Change, query protocol.Query) protocol.Change {
	switch change.Kind {
	case protocol.ChangeSet, protocol.ChangeExtend:
		routes := protocol.Itinerary{}
		for _, entry := range change.Routes {
			if query.MatchesRoute(entry.Route) {
				routes = append(routes, entry)
			}
		}
		change.Routes = routes
	}
	return change
}
