package schedule

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/openfleet/traffic/protocol"
)

// Negotiation Controller: opens, advances, and concludes a bounded
// protocol for each conflict set until every involved participant has
// acknowledged the outcome.
//
// Each negotiation owns a tree of tables. A table represents one
// participant proposing an itinerary while accommodating the submitted
// proposals of the participants ahead of it in the accommodation
// sequence. Tables live in an arena indexed by tableId; the arena is
// dropped whole when the negotiation record is purged.

type tableId int

const noTable tableId = -1

type tableState uint8

const (
	tableOpen tableState = iota
	tableSubmitted
	tableRejected
	tableForfeited
)

type table struct {
	id          tableId
	parent      tableId
	participant ParticipantId
	// accommodation order; the last key is this table's participant
	// with its current proposal version
	sequence []protocol.TableKey

	state           tableState
	proposal        protocol.Itinerary
	proposalVersion ProposalVersion
	// itineraries offered by a rejecting participant as viable
	// alternatives for the proposer
	alternatives []protocol.Itinerary

	children map[ParticipantId]tableId
}

type negotiation struct {
	version      Version
	participants []ParticipantId

	arena []*table
	roots map[ParticipantId]tableId

	cachedProposals  []*protocol.ConflictProposal
	cachedRejections []*protocol.ConflictRejection
	cachedForfeits   []*protocol.ConflictForfeit

	concluded bool
}

func newNegotiation(version Version, participants []ParticipantId) *negotiation {
	sorted := slices.Clone(participants)
	slices.Sort(sorted)
	n := &negotiation{
		version:      version,
		participants: sorted,
		roots:        map[ParticipantId]tableId{},
	}
	for _, participantId := range sorted {
		n.roots[participantId] = n.newTable(noTable, participantId, nil)
	}
	return n
}

func (self *negotiation) newTable(parent tableId, participantId ParticipantId, prefix []protocol.TableKey) tableId {
	id := tableId(len(self.arena))
	sequence := append(slices.Clone(prefix), protocol.TableKey{
		Participant: participantId,
	})
	self.arena = append(self.arena, &table{
		id:          id,
		parent:      parent,
		participant: participantId,
		sequence:    sequence,
		children:    map[ParticipantId]tableId{},
	})
	return id
}

// findTable resolves an accommodation sequence to a table. deprecated
// reports that the sequence refers to a proposal version that has since
// been superseded; such messages are silently dropped. A nil table with
// deprecated false means the table does not exist yet and the message
// should be cached.
func (self *negotiation) findTable(sequence []protocol.TableKey) (*table, bool) {
	var t *table
	for i, key := range sequence {
		var childId tableId
		var ok bool
		if i == 0 {
			childId, ok = self.roots[key.Participant]
		} else {
			childId, ok = t.children[key.Participant]
		}
		if !ok {
			return nil, false
		}
		t = self.arena[childId]
		if i < len(sequence)-1 {
			// ancestor keys must match the submitted version exactly
			if key.Version < t.proposalVersion {
				return nil, true
			}
			if t.proposalVersion < key.Version {
				return nil, false
			}
		}
	}
	return t, false
}

// submit records a proposal on the table and opens child tables for
// every participant not yet in the sequence.
func (self *negotiation) submit(t *table, itinerary protocol.Itinerary, version ProposalVersion) bool {
	if t.state == tableSubmitted && version <= t.proposalVersion {
		// stale resubmission
		return false
	}
	if version < t.proposalVersion {
		return false
	}
	resubmission := t.state == tableSubmitted || t.state == tableRejected || 0 < len(t.children)
	t.proposal = itinerary
	t.proposalVersion = version
	t.sequence[len(t.sequence)-1].Version = version
	t.state = tableSubmitted
	t.alternatives = nil

	if len(t.sequence) < len(self.participants) {
		for _, participantId := range self.participants {
			if self.inSequence(t, participantId) {
				continue
			}
			if _, ok := t.children[participantId]; !ok {
				t.children[participantId] = self.newTable(t.id, participantId, t.sequence)
			}
		}
	}
	if resubmission {
		// descendants accommodated the superseded proposal; reopen
		// them and refresh the stale key in their sequences
		self.resetDescendants(t)
	}
	return true
}

func (self *negotiation) resetDescendants(t *table) {
	index := len(t.sequence) - 1
	key := t.sequence[index]
	var walk func(id tableId)
	walk = func(id tableId) {
		descendant := self.arena[id]
		descendant.sequence[index] = key
		if descendant.state != tableForfeited {
			descendant.state = tableOpen
			descendant.proposal = nil
			descendant.alternatives = nil
		}
		for _, childId := range descendant.children {
			walk(childId)
		}
	}
	for _, childId := range t.children {
		walk(childId)
	}
}

func (self *negotiation) inSequence(t *table, participantId ParticipantId) bool {
	for _, key := range t.sequence {
		if key.Participant == participantId {
			return true
		}
	}
	return false
}

func (self *negotiation) reject(
	t *table,
	version ProposalVersion,
	rejectedBy ParticipantId,
	alternatives []protocol.Itinerary,
) bool {
	if version != t.proposalVersion || t.state != tableSubmitted {
		// the rejection refers to a superseded proposal
		return false
	}
	glog.V(2).Infof("[n]table %v rejected by %d\n", t.sequence, rejectedBy)
	t.state = tableRejected
	t.alternatives = alternatives
	return true
}

func (self *negotiation) forfeit(t *table, version ProposalVersion) bool {
	if t.state == tableForfeited {
		return false
	}
	if version < t.proposalVersion {
		return false
	}
	t.state = tableForfeited
	return true
}

// ready reports whether some full-depth table is submitted with its
// whole ancestry submitted: every participant has at least one viable
// compatible proposal.
func (self *negotiation) ready() bool {
	return 0 < len(self.viableLeaves())
}

func (self *negotiation) viableLeaves() []*table {
	leaves := []*table{}
	for _, t := range self.arena {
		if len(t.sequence) != len(self.participants) {
			continue
		}
		if t.state != tableSubmitted {
			continue
		}
		viable := true
		for parent := t.parent; parent != noTable; {
			ancestor := self.arena[parent]
			if ancestor.state != tableSubmitted {
				viable = false
				break
			}
			parent = ancestor.parent
		}
		if viable {
			leaves = append(leaves, t)
		}
	}
	return leaves
}

// complete reports that no branch can make further progress: every
// branch has forfeited.
func (self *negotiation) complete() bool {
	for _, rootId := range self.roots {
		if !self.branchDead(self.arena[rootId]) {
			return false
		}
	}
	return true
}

func (self *negotiation) branchDead(t *table) bool {
	switch t.state {
	case tableForfeited:
		return true
	case tableOpen, tableRejected:
		// awaiting a (re)submission
		return false
	}
	if len(t.sequence) == len(self.participants) {
		// a viable full-depth submission; the negotiation is ready,
		// not complete
		return false
	}
	for _, childId := range t.children {
		if !self.branchDead(self.arena[childId]) {
			return false
		}
	}
	return true
}

// evaluate selects the outcome among the viable full-depth chains with
// the quickest-finish policy: minimize the latest finish time across
// participants, break ties by the next later finish, then by stable
// participant ordering.
func (self *negotiation) evaluate() []protocol.TableKey {
	leaves := self.viableLeaves()
	if len(leaves) == 0 {
		return nil
	}

	finishTimes := func(leaf *table) []time.Time {
		times := []time.Time{}
		for t := leaf; ; {
			if finish, ok := t.proposal.FinishTime(); ok {
				times = append(times, finish)
			}
			if t.parent == noTable {
				break
			}
			t = self.arena[t.parent]
		}
		// latest first
		slices.SortFunc(times, func(a time.Time, b time.Time) int {
			return b.Compare(a)
		})
		return times
	}

	best := leaves[0]
	bestTimes := finishTimes(best)
	for _, leaf := range leaves[1:] {
		times := finishTimes(leaf)
		if compareFinishTimes(times, bestTimes) < 0 ||
			compareFinishTimes(times, bestTimes) == 0 && compareSequences(leaf.sequence, best.sequence) < 0 {
			best = leaf
			bestTimes = times
		}
	}
	return slices.Clone(best.sequence)
}

func compareFinishTimes(a []time.Time, b []time.Time) int {
	for i := 0; i < len(a) && i < len(b); i += 1 {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareSequences(a []protocol.TableKey, b []protocol.TableKey) int {
	for i := 0; i < len(a) && i < len(b); i += 1 {
		if a[i].Participant != b[i].Participant {
			if a[i].Participant < b[i].Participant {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// ackWait tracks one still-required acknowledgment of a conclusion.
type ackWait struct {
	updating        bool
	requiredVersion ItineraryVersion
}

type NegotiationControllerSettings struct {
}

func DefaultNegotiationControllerSettings() *NegotiationControllerSettings {
	return &NegotiationControllerSettings{}
}

type NegotiationController struct {
	database *Database

	publishNotice     func(notice *protocol.ConflictNotice)
	publishConclusion func(conclusion *protocol.ConflictConclusion)

	settings *NegotiationControllerSettings

	mutex        sync.Mutex
	clock        versionClock
	negotiations map[Version]*negotiation
	// conclusion acks still required, keyed by negotiation version
	waiting map[Version]map[ParticipantId]*ackWait
}

func NewNegotiationController(
	database *Database,
	publishNotice func(notice *protocol.ConflictNotice),
	publishConclusion func(conclusion *protocol.ConflictConclusion),
	settings *NegotiationControllerSettings,
) *NegotiationController {
	return &NegotiationController{
		database:          database,
		publishNotice:     publishNotice,
		publishConclusion: publishConclusion,
		settings:          settings,
		negotiations:      map[Version]*negotiation{},
		waiting:           map[Version]map[ParticipantId]*ackWait{},
	}
}

// Insert opens a negotiation for the conflict set unless the pair is
// already under an active negotiation. A fresh negotiation publishes a
// conflict notice.
func (self *NegotiationController) Insert(conflict ConflictSet) {
	self.mutex.Lock()

	for _, n := range self.negotiations {
		if slices.Contains(n.participants, conflict.A) &&
			slices.Contains(n.participants, conflict.B) {
			self.mutex.Unlock()
			return
		}
	}

	version := self.clock.next()
	n := newNegotiation(version, []ParticipantId{conflict.A, conflict.B})
	self.negotiations[version] = n
	participants := slices.Clone(n.participants)
	self.mutex.Unlock()

	glog.Infof("[n]opened negotiation [%d] for %v\n", version, participants)
	self.publishNotice(&protocol.ConflictNotice{
		ConflictVersion: version,
		Participants:    participants,
	})
}

func (self *NegotiationController) Proposal(msg *protocol.ConflictProposal) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	n, ok := self.negotiations[msg.ConflictVersion]
	if !ok {
		return
	}

	sequence := append(slices.Clone(msg.ToAccommodate), protocol.TableKey{
		Participant: msg.ForParticipant,
		Version:     msg.ProposalVersion,
	})
	t, deprecated := n.findTable(sequence)
	if deprecated {
		return
	}
	if t == nil {
		glog.Warningf("[n]proposal for [%d] on unknown table %v; caching\n",
			msg.ConflictVersion, sequence)
		n.cachedProposals = append(n.cachedProposals, msg)
		return
	}

	if n.submit(t, msg.Itinerary, msg.ProposalVersion) {
		self.afterMutation(n)
	}
}

func (self *NegotiationController) Rejection(msg *protocol.ConflictRejection) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	n, ok := self.negotiations[msg.ConflictVersion]
	if !ok {
		return
	}

	t, deprecated := n.findTable(msg.Table)
	if deprecated {
		return
	}
	if t == nil {
		glog.Warningf("[n]rejection for [%d] on unknown table %v; caching\n",
			msg.ConflictVersion, msg.Table)
		n.cachedRejections = append(n.cachedRejections, msg)
		return
	}

	version := msg.Table[len(msg.Table)-1].Version
	if n.reject(t, version, msg.RejectedBy, msg.Alternatives) {
		self.afterMutation(n)
	}
}

func (self *NegotiationController) Forfeit(msg *protocol.ConflictForfeit) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	n, ok := self.negotiations[msg.ConflictVersion]
	if !ok {
		return
	}

	t, deprecated := n.findTable(msg.Table)
	if deprecated {
		return
	}
	if t == nil {
		glog.Warningf("[n]forfeit for [%d] on unknown table %v; caching\n",
			msg.ConflictVersion, msg.Table)
		n.cachedForfeits = append(n.cachedForfeits, msg)
		return
	}

	version := msg.Table[len(msg.Table)-1].Version
	if n.forfeit(t, version) {
		self.afterMutation(n)
	}
}

// Refusal aborts the whole negotiation: the conclusion publishes
// immediately and no acks are required.
func (self *NegotiationController) Refusal(msg *protocol.ConflictRefusal) {
	self.mutex.Lock()
	_, ok := self.negotiations[msg.ConflictVersion]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.negotiations, msg.ConflictVersion)
	self.mutex.Unlock()

	glog.Infof("[n]refused negotiation [%d]\n", msg.ConflictVersion)
	self.publishConclusion(&protocol.ConflictConclusion{
		ConflictVersion: msg.ConflictVersion,
		Resolved:        false,
	})
}

// afterMutation replays cached messages, then concludes the negotiation
// if it became ready or complete. Caller holds the mutex.
func (self *NegotiationController) afterMutation(n *negotiation) {
	self.checkCache(n)

	if n.concluded {
		return
	}
	if n.ready() {
		chosen := n.evaluate()
		self.concludeLocked(n, true, chosen)
	} else if n.complete() {
		self.concludeLocked(n, false, nil)
	}
}

// checkCache replays every cached message whose table now exists. A
// replay can create tables, so passes repeat until one makes no
// progress.
func (self *NegotiationController) checkCache(n *negotiation) {
	for {
		progress := false

		cachedProposals := n.cachedProposals
		n.cachedProposals = nil
		for _, msg := range cachedProposals {
			sequence := append(slices.Clone(msg.ToAccommodate), protocol.TableKey{
				Participant: msg.ForParticipant,
				Version:     msg.ProposalVersion,
			})
			t, deprecated := n.findTable(sequence)
			if deprecated {
				progress = true
				continue
			}
			if t == nil {
				n.cachedProposals = append(n.cachedProposals, msg)
				continue
			}
			if n.submit(t, msg.Itinerary, msg.ProposalVersion) {
				progress = true
			}
		}

		cachedRejections := n.cachedRejections
		n.cachedRejections = nil
		for _, msg := range cachedRejections {
			t, deprecated := n.findTable(msg.Table)
			if deprecated {
				progress = true
				continue
			}
			if t == nil {
				n.cachedRejections = append(n.cachedRejections, msg)
				continue
			}
			version := msg.Table[len(msg.Table)-1].Version
			if n.reject(t, version, msg.RejectedBy, msg.Alternatives) {
				progress = true
			}
		}

		cachedForfeits := n.cachedForfeits
		n.cachedForfeits = nil
		for _, msg := range cachedForfeits {
			t, deprecated := n.findTable(msg.Table)
			if deprecated {
				progress = true
				continue
			}
			if t == nil {
				n.cachedForfeits = append(n.cachedForfeits, msg)
				continue
			}
			version := msg.Table[len(msg.Table)-1].Version
			if n.forfeit(t, version) {
				progress = true
			}
		}

		if !progress {
			return
		}
	}
}

// concludeLocked publishes the conclusion exactly once and moves the
// negotiation to the waiting state. Caller holds the mutex.
func (self *NegotiationController) concludeLocked(n *negotiation, resolved bool, chosen []protocol.TableKey) {
	if n.concluded {
		return
	}
	n.concluded = true
	delete(self.negotiations, n.version)

	pending := map[ParticipantId]*ackWait{}
	for _, participantId := range n.participants {
		if _, ok := self.database.GetParticipant(participantId); ok {
			pending[participantId] = &ackWait{}
		}
	}
	if 0 < len(pending) {
		self.waiting[n.version] = pending
	}

	if resolved {
		glog.Infof("[n]resolved negotiation [%d]: %v\n", n.version, chosen)
	} else {
		glog.Infof("[n]forfeited negotiation [%d]\n", n.version)
	}
	self.publishConclusion(&protocol.ConflictConclusion{
		ConflictVersion: n.version,
		Resolved:        resolved,
		Table:           chosen,
	})
}

// Acknowledge records a participant's response to a conclusion. A
// participant that is not updating is released immediately; an updating
// participant is released once the database has observed its new
// itinerary version.
func (self *NegotiationController) Acknowledge(msg *protocol.ConflictAck) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	pending, ok := self.waiting[msg.ConflictVersion]
	if !ok {
		return
	}
	for _, ack := range msg.Acknowledgments {
		wait, ok := pending[ack.Participant]
		if !ok {
			continue
		}
		if !ack.Updating {
			delete(pending, ack.Participant)
			continue
		}
		wait.updating = true
		wait.requiredVersion = ack.ItineraryVersion
		if v, err := self.database.ItineraryVersion(ack.Participant); err == nil {
			if !v.LessThan(ack.ItineraryVersion) {
				delete(pending, ack.Participant)
			}
		}
	}
	self.purgeIfSatisfied(msg.ConflictVersion)
}

// CheckItinerary releases updating ack waits once the participant's new
// itinerary version lands in the database. The node calls this on every
// accepted edit.
func (self *NegotiationController) CheckItinerary(participantId ParticipantId, version ItineraryVersion) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for negotiationVersion, pending := range self.waiting {
		wait, ok := pending[participantId]
		if !ok || !wait.updating {
			continue
		}
		if !version.LessThan(wait.requiredVersion) {
			delete(pending, participantId)
			self.purgeIfSatisfied(negotiationVersion)
		}
	}
}

// Unregistered waives every ack requirement of a departed participant.
func (self *NegotiationController) Unregistered(participantId ParticipantId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for negotiationVersion, pending := range self.waiting {
		if _, ok := pending[participantId]; ok {
			delete(pending, participantId)
			self.purgeIfSatisfied(negotiationVersion)
		}
	}
}

// purgeIfSatisfied drops the waiting record once no acks remain.
// Caller holds the mutex.
func (self *NegotiationController) purgeIfSatisfied(negotiationVersion Version) {
	pending, ok := self.waiting[negotiationVersion]
	if !ok {
		return
	}
	if len(pending) == 0 {
		delete(self.waiting, negotiationVersion)
		glog.Infof("[n]purged negotiation [%d]\n", negotiationVersion)
	}
}

// ActiveVersions lists negotiations that have not yet concluded.
func (self *NegotiationController) ActiveVersions() []Version {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	versions := maps.Keys(self.negotiations)
	slices.Sort(versions)
	return versions
}

// AwaitingAcks lists the participants still required to acknowledge a
// concluded negotiation.
func (self *NegotiationController) AwaitingAcks(negotiationVersion Version) []ParticipantId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	pending, ok := self.waiting[negotiationVersion]
	if !ok {
		return nil
	}
	participants := maps.Keys(pending)
	slices.Sort(participants)
	return participants
}
