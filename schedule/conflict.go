package schedule

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/openfleet/traffic/protocol"
)

// Conflict Detector: a dedicated goroutine with a private mirror. It
// waits for the database version to advance (with a short timeout so
// shutdown is observed promptly), takes the next patch, applies it to
// the mirror, and checks every changed entry against every other
// participant sharing a map.

// ConflictSet is an unordered pair of participants whose current routes
// collide on a shared map.
type ConflictSet struct {
	A ParticipantId
	B ParticipantId
}

func NewConflictSet(a ParticipantId, b ParticipantId) ConflictSet {
	if b < a {
		a, b = b, a
	}
	return ConflictSet{A: a, B: b}
}

func (self ConflictSet) Contains(participantId ParticipantId) bool {
	return self.A == participantId || self.B == participantId
}

type ConflictDetectorSettings struct {
	// upper bound on how long the detector sleeps before rechecking
	// the quit flag
	WaitTimeout time.Duration
}

func DefaultConflictDetectorSettings() *ConflictDetectorSettings {
	return &ConflictDetectorSettings{
		WaitTimeout: 100 * time.Millisecond,
	}
}

type conflictDetector struct {
	ctx    context.Context
	cancel context.CancelFunc

	database *Database
	detect   ConflictDetector
	emit     func(conflict ConflictSet)

	settings *ConflictDetectorSettings

	doneSignal chan struct{}
}

func newConflictDetector(
	ctx context.Context,
	database *Database,
	detect ConflictDetector,
	emit func(conflict ConflictSet),
	settings *ConflictDetectorSettings,
) *conflictDetector {
	cancelCtx, cancel := context.WithCancel(ctx)
	detector := &conflictDetector{
		ctx:        cancelCtx,
		cancel:     cancel,
		database:   database,
		detect:     detect,
		emit:       emit,
		settings:   settings,
		doneSignal: make(chan struct{}),
	}
	go detector.run()
	return detector
}

func (self *conflictDetector) run() {
	defer close(self.doneSignal)

	mirror := NewMirror()
	queryAll := protocol.QueryAll()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		notify := self.database.UpdateMonitor().NotifyChannel()

		var fromVersion *Version
		if v, ok := mirror.Version(); ok {
			fromVersion = &v
			if self.database.LatestVersion() == v {
				// casual wakeup; wait for an update or the timeout
				select {
				case <-self.ctx.Done():
					return
				case <-notify:
				case <-time.After(self.settings.WaitTimeout):
				}
				continue
			}
		}

		patch := self.database.Changes(queryAll, fromVersion)
		changed, err := mirror.Update(&patch)
		if err != nil {
			// skip this round without advancing; the next round
			// re-requests from the same version
			glog.Errorf("[c]mirror update error = %s\n", err)
			continue
		}

		for _, conflict := range self.findConflicts(mirror, changed) {
			self.emit(conflict)
		}
	}
}

// findConflicts checks every changed entry against the routes of every
// other participant. Pairs where both sides are unresponsive are
// skipped.
func (self *conflictDetector) findConflicts(mirror *Mirror, changed []ParticipantId) []ConflictSet {
	conflicts := []ConflictSet{}
	seen := map[ConflictSet]bool{}

	for _, changedId := range changed {
		changedInfo, ok := mirror.GetParticipant(changedId)
		if !ok {
			continue
		}
		changedItinerary, _ := mirror.Itinerary(changedId)

		for _, participantId := range mirror.ParticipantIds() {
			if participantId == changedId {
				// no need to check a participant against itself
				continue
			}
			info, ok := mirror.GetParticipant(participantId)
			if !ok {
				continue
			}
			if changedInfo.Description.Responsiveness == protocol.ResponsivenessUnresponsive &&
				info.Description.Responsiveness == protocol.ResponsivenessUnresponsive {
				continue
			}
			itinerary, _ := mirror.Itinerary(participantId)

			if self.pairConflicts(changedInfo, changedItinerary, info, itinerary) {
				conflict := NewConflictSet(changedId, participantId)
				if !seen[conflict] {
					seen[conflict] = true
					conflicts = append(conflicts, conflict)
				}
			}
		}
	}
	return conflicts
}

func (self *conflictDetector) pairConflicts(
	infoA protocol.ParticipantInfo,
	itineraryA protocol.Itinerary,
	infoB protocol.ParticipantInfo,
	itineraryB protocol.Itinerary,
) bool {
	for _, entryA := range itineraryA {
		for _, entryB := range itineraryB {
			if entryA.Route.Map != entryB.Route.Map {
				continue
			}
			if self.detect(
				infoA.Description.Profile,
				entryA.Route.Trajectory,
				infoB.Description.Profile,
				entryB.Route.Trajectory,
			) {
				return true
			}
		}
	}
	return false
}

func (self *conflictDetector) Close() {
	self.cancel()
	<-self.doneSignal
}
