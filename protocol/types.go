package protocol

import (
	"slices"
	"time"
)

// Core identifiers and version counters for the schedule wire protocol.
// All of these appear in messages, so they live here rather than in the
// schedule package.

type ParticipantId uint64

type RouteId uint64

type QueryId uint64

// NodeVersion identifies which incarnation of the schedule node produced
// a message. A standby that takes over announces a higher node version.
type NodeVersion uint64

// Version is the database version: a monotone counter that advances on
// every accepted edit and on participant registration or retirement.
type Version uint64

// ItineraryVersion is a per-participant modular counter. It wraps, so
// ordering must use LessThan rather than <.
type ItineraryVersion uint64

// LessThan compares modularly: a < b iff (b - a) interpreted as a signed
// value is positive. Equality is bitwise. Transitive for versions within
// half the counter range of each other.
func (self ItineraryVersion) LessThan(b ItineraryVersion) bool {
	return 0 < int64(b-self)
}

// ProposalVersion orders successive proposals on one negotiation table.
type ProposalVersion uint64

type Responsiveness uint8

const (
	ResponsivenessResponsive Responsiveness = iota
	ResponsivenessUnresponsive
)

func (self Responsiveness) String() string {
	switch self {
	case ResponsivenessResponsive:
		return "responsive"
	case ResponsivenessUnresponsive:
		return "unresponsive"
	default:
		return "invalid"
	}
}

// Profile is the collision geometry of a participant: a hard footprint
// radius and a soft vicinity radius, both in meters.
type Profile struct {
	Footprint float64 `cbor:"footprint"`
	Vicinity  float64 `cbor:"vicinity"`
}

type ParticipantDescription struct {
	Name           string         `cbor:"name"`
	Owner          string         `cbor:"owner"`
	Responsiveness Responsiveness `cbor:"responsiveness"`
	Profile        Profile        `cbor:"profile"`
}

type ParticipantInfo struct {
	Id          ParticipantId          `cbor:"id"`
	Description ParticipantDescription `cbor:"description"`
}

// Waypoint is one timed sample of a trajectory.
type Waypoint struct {
	Time     time.Time  `cbor:"time"`
	Position [3]float64 `cbor:"position"` // x, y, yaw
}

type Trajectory []Waypoint

func (self Trajectory) StartTime() (time.Time, bool) {
	if len(self) == 0 {
		return time.Time{}, false
	}
	return self[0].Time, true
}

func (self Trajectory) FinishTime() (time.Time, bool) {
	if len(self) == 0 {
		return time.Time{}, false
	}
	return self[len(self)-1].Time, true
}

// Delayed returns a copy of the trajectory with every waypoint time
// shifted by d.
func (self Trajectory) Delayed(d time.Duration) Trajectory {
	delayed := make(Trajectory, len(self))
	for i, w := range self {
		w.Time = w.Time.Add(d)
		delayed[i] = w
	}
	return delayed
}

// Route is one timed trajectory on a named map.
type Route struct {
	Map        string     `cbor:"map"`
	Trajectory Trajectory `cbor:"trajectory"`
}

type RouteEntry struct {
	Id    RouteId `cbor:"id"`
	Route Route   `cbor:"route"`
}

// Itinerary is the ordered set of current routes for one participant.
// Route ids are unique within the participant.
type Itinerary []RouteEntry

func (self Itinerary) FinishTime() (time.Time, bool) {
	var finish time.Time
	any := false
	for _, entry := range self {
		if t, ok := entry.Route.Trajectory.FinishTime(); ok {
			if !any || finish.Before(t) {
				finish = t
			}
			any = true
		}
	}
	return finish, any
}

// Query is a saved predicate on (maps, time window, participants).
// Empty Maps means all maps; empty Participants means all participants;
// nil time bounds mean unbounded.
type Query struct {
	Maps         []string        `cbor:"maps,omitempty"`
	Participants []ParticipantId `cbor:"participants,omitempty"`
	TimeLower    *time.Time      `cbor:"time_lower,omitempty"`
	TimeUpper    *time.Time      `cbor:"time_upper,omitempty"`
}

// QueryAll matches every route of every participant.
func QueryAll() Query {
	return Query{}
}

func (self Query) Equal(b Query) bool {
	if !equalAsSets(self.Maps, b.Maps) {
		return false
	}
	if !equalAsSets(self.Participants, b.Participants) {
		return false
	}
	if !equalTimePtr(self.TimeLower, b.TimeLower) {
		return false
	}
	return equalTimePtr(self.TimeUpper, b.TimeUpper)
}

func (self Query) MatchesParticipant(id ParticipantId) bool {
	if len(self.Participants) == 0 {
		return true
	}
	return slices.Contains(self.Participants, id)
}

func (self Query) MatchesRoute(route Route) bool {
	if 0 < len(self.Maps) && !slices.Contains(self.Maps, route.Map) {
		return false
	}
	start, ok := route.Trajectory.StartTime()
	if !ok {
		// an empty trajectory matches only an unbounded window
		return self.TimeLower == nil && self.TimeUpper == nil
	}
	finish, _ := route.Trajectory.FinishTime()
	if self.TimeLower != nil && finish.Before(*self.TimeLower) {
		return false
	}
	if self.TimeUpper != nil && start.After(*self.TimeUpper) {
		return false
	}
	return true
}

func equalAsSets[T ~string | ~uint64](a []T, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func equalTimePtr(a *time.Time, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Equal(*b)
}

// Range is a closed range of missing itinerary versions.
type Range struct {
	Lower ItineraryVersion `cbor:"lower"`
	Upper ItineraryVersion `cbor:"upper"`
}

type ChangeKind uint8

const (
	ChangeSet ChangeKind = iota
	ChangeExtend
	ChangeDelay
	ChangeErase
	ChangeClear
)

// Change is one accepted edit to a participant's itinerary.
type Change struct {
	Kind             ChangeKind       `cbor:"kind"`
	DatabaseVersion  Version          `cbor:"database_version"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
	Routes           Itinerary        `cbor:"routes,omitempty"`
	Delay            time.Duration    `cbor:"delay,omitempty"`
	RouteIds         []RouteId        `cbor:"route_ids,omitempty"`
}

type ParticipantPatch struct {
	Participant ParticipantId `cbor:"participant"`
	Changes     []Change      `cbor:"changes"`
}

// Patch is an ordered delta between two database versions for one
// query. Base nil means the patch is a full snapshot. Cull marks a
// patch whose base was older than the retained changelog: the receiver
// must discard its state and adopt the snapshot.
type Patch struct {
	Base         *Version           `cbor:"base,omitempty"`
	Latest       Version            `cbor:"latest"`
	Cull         bool               `cbor:"cull,omitempty"`
	Registered   []ParticipantInfo  `cbor:"registered,omitempty"`
	Unregistered []ParticipantId    `cbor:"unregistered,omitempty"`
	Participants []ParticipantPatch `cbor:"participants,omitempty"`
}

func (self *Patch) Size() int {
	n := len(self.Registered) + len(self.Unregistered)
	for _, p := range self.Participants {
		n += len(p.Changes)
	}
	return n
}
