package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/openfleet/traffic/protocol"
)

// The schedule node: one process-wide service instance owning the
// database, the participant registry, the query registry, the conflict
// detector, and the negotiation controller. All external access arrives
// over the bus.
//
// Initialization order is database, registry, queries, publishers,
// negotiation controller, conflict detector, subscriptions and services,
// heartbeat; the mirror update tick starts last. Teardown stops the
// update tick first, then the heartbeat, subscriptions, conflict
// detector, queries, registry and publishers.

type NodeSettings struct {
	NodeVersion NodeVersion

	// period of the heartbeat and of its liveliness lease
	HeartbeatPeriod time.Duration
	// period of the mirror update tick
	MirrorUpdatePeriod time.Duration

	// path of the participant registry log
	LogFileLocation string

	Database         *DatabaseSettings
	QueryRegistry    *QueryRegistrySettings
	ConflictDetector *ConflictDetectorSettings
	Negotiation      *NegotiationControllerSettings

	// geometric conflict test; DetectConflict when nil
	Detect ConflictDetector
}

func DefaultNodeSettings() *NodeSettings {
	return &NodeSettings{
		HeartbeatPeriod:    1 * time.Second,
		MirrorUpdatePeriod: 10 * time.Millisecond,
		LogFileLocation:    ".schedule_node.registry",
		Database:           DefaultDatabaseSettings(),
		QueryRegistry:      DefaultQueryRegistrySettings(),
		ConflictDetector:   DefaultConflictDetectorSettings(),
		Negotiation:        DefaultNegotiationControllerSettings(),
		Detect:             DetectConflict,
	}
}

type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus      Bus
	settings *NodeSettings

	database     *Database
	registry     *ParticipantRegistry
	queries      *QueryRegistry
	negotiations *NegotiationController
	detector     *conflictDetector
	heartbeat    *HeartbeatPublisher

	inconsistencyPub    Publisher
	participantsInfoPub Publisher
	queriesInfoPub      Publisher
	noticePub           Publisher
	conclusionPub       Publisher

	subscriptions []Subscription

	doneSignal chan struct{}
}

func NewNodeWithDefaults(ctx context.Context, bus Bus) (*Node, error) {
	return NewNode(ctx, bus, DefaultNodeSettings())
}

func NewNode(ctx context.Context, bus Bus, settings *NodeSettings) (*Node, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	node := &Node{
		ctx:        cancelCtx,
		cancel:     cancel,
		bus:        bus,
		settings:   settings,
		doneSignal: make(chan struct{}),
	}

	node.database = NewDatabase(settings.Database)

	registry, err := OpenParticipantRegistry(settings.LogFileLocation, node.database)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("participant registry: %w", err)
	}
	node.registry = registry

	node.queries = NewQueryRegistry(
		func(queryId QueryId) Publisher {
			return bus.Publisher(protocol.MirrorUpdateTopicName(queryId), DefaultQos())
		},
		settings.QueryRegistry,
	)

	node.inconsistencyPub = bus.Publisher(protocol.InconsistencyTopicName, ReliableQos(10))
	node.participantsInfoPub = bus.Publisher(protocol.ParticipantsInfoTopicName, LatchedQos())
	node.queriesInfoPub = bus.Publisher(protocol.QueriesInfoTopicName, LatchedQos())
	node.noticePub = bus.Publisher(protocol.NegotiationNoticeTopicName, ReliableQos(10))
	node.conclusionPub = bus.Publisher(protocol.NegotiationConclusionTopicName, ReliableQos(10))

	node.negotiations = NewNegotiationController(
		node.database,
		func(notice *protocol.ConflictNotice) {
			node.noticePub.Publish(notice)
		},
		func(conclusion *protocol.ConflictConclusion) {
			node.conclusionPub.Publish(conclusion)
		},
		settings.Negotiation,
	)

	detect := settings.Detect
	if detect == nil {
		detect = DetectConflict
	}
	node.detector = newConflictDetector(
		cancelCtx,
		node.database,
		detect,
		func(conflict ConflictSet) {
			node.negotiations.Insert(conflict)
		},
		settings.ConflictDetector,
	)

	node.setupItineraryTopics()
	node.setupConflictTopics()
	node.setupServices()

	node.heartbeat = NewHeartbeatPublisher(cancelCtx, bus, settings.NodeVersion, &HeartbeatSettings{
		Period: settings.HeartbeatPeriod,
	})

	node.broadcastParticipants()
	node.broadcastQueries()

	go node.run()

	glog.Infof("[node]schedule node [%d] up\n", settings.NodeVersion)
	return node, nil
}

func (self *Node) Database() *Database {
	return self.database
}

func (self *Node) Negotiations() *NegotiationController {
	return self.negotiations
}

func subscribeTyped[T any](self *Node, topic string, qos Qos, handle func(msg *T)) {
	subscription := self.bus.Subscribe(topic, qos, func(payload []byte) {
		var msg T
		if err := protocol.Unmarshal(payload, &msg); err != nil {
			glog.Warningf("[node]bad message on %s = %s\n", topic, err)
			return
		}
		handle(&msg)
	})
	self.subscriptions = append(self.subscriptions, subscription)
}

func (self *Node) setupItineraryTopics() {
	itineraryQos := ReliableQos(100)

	subscribeTyped(self, protocol.ItinerarySetTopicName, itineraryQos,
		func(msg *protocol.ItinerarySet) {
			if len(msg.Itinerary) == 0 {
				glog.Warningf("[node]empty itinerary set from [%d]\n", msg.Participant)
				return
			}
			self.afterEdit(msg.Participant, self.database.Set(msg))
		})
	subscribeTyped(self, protocol.ItineraryExtendTopicName, itineraryQos,
		func(msg *protocol.ItineraryExtend) {
			self.afterEdit(msg.Participant, self.database.Extend(msg))
		})
	subscribeTyped(self, protocol.ItineraryDelayTopicName, itineraryQos,
		func(msg *protocol.ItineraryDelay) {
			self.afterEdit(msg.Participant, self.database.Delay(msg))
		})
	subscribeTyped(self, protocol.ItineraryEraseTopicName, itineraryQos,
		func(msg *protocol.ItineraryErase) {
			self.afterEdit(msg.Participant, self.database.Erase(msg))
		})
	subscribeTyped(self, protocol.ItineraryClearTopicName, itineraryQos,
		func(msg *protocol.ItineraryClear) {
			self.afterEdit(msg.Participant, self.database.Clear(msg))
		})
}

// afterEdit publishes any outstanding inconsistency for the participant
// and lets the negotiation controller release ack waits that the edit
// satisfied.
func (self *Node) afterEdit(participantId ParticipantId, err error) {
	if err != nil {
		glog.Warningf("[node]edit rejected for [%d] = %s\n", participantId, err)
		return
	}
	if inconsistency := self.database.InconsistencyFor(participantId); inconsistency != nil {
		self.inconsistencyPub.Publish(inconsistency)
	}
	if version, err := self.database.ItineraryVersion(participantId); err == nil {
		self.negotiations.CheckItinerary(participantId, version)
	}
}

func (self *Node) setupConflictTopics() {
	negotiationQos := ReliableQos(10)

	subscribeTyped(self, protocol.NegotiationAckTopicName, negotiationQos,
		func(msg *protocol.ConflictAck) {
			self.negotiations.Acknowledge(msg)
		})
	subscribeTyped(self, protocol.NegotiationRefusalTopicName, negotiationQos,
		func(msg *protocol.ConflictRefusal) {
			self.negotiations.Refusal(msg)
		})
	subscribeTyped(self, protocol.NegotiationProposalTopicName, negotiationQos,
		func(msg *protocol.ConflictProposal) {
			self.negotiations.Proposal(msg)
		})
	subscribeTyped(self, protocol.NegotiationRejectionTopicName, negotiationQos,
		func(msg *protocol.ConflictRejection) {
			self.negotiations.Rejection(msg)
		})
	subscribeTyped(self, protocol.NegotiationForfeitTopicName, negotiationQos,
		func(msg *protocol.ConflictForfeit) {
			self.negotiations.Forfeit(msg)
		})
}

func service[Req any, Resp any](self *Node, name string, handle func(request *Req) *Resp) {
	subscription := self.bus.RegisterService(name, func(requestBytes []byte) []byte {
		var request Req
		if err := protocol.Unmarshal(requestBytes, &request); err != nil {
			glog.Warningf("[node]bad request on %s = %s\n", name, err)
			return nil
		}
		return protocol.RequireMarshal(handle(&request))
	})
	self.subscriptions = append(self.subscriptions, subscription)
}

func (self *Node) setupServices() {
	service(self, protocol.RegisterParticipantServiceName,
		func(request *protocol.RegisterParticipantRequest) *protocol.RegisterParticipantResponse {
			registration, err := self.registry.AddOrRetrieve(request.Description)
			if err != nil {
				glog.Errorf("[node]failed to register [%s] owned by [%s] = %s\n",
					request.Description.Name, request.Description.Owner, err)
				return &protocol.RegisterParticipantResponse{
					Error: err.Error(),
				}
			}
			glog.Infof("[node]registered participant [%d] named [%s] owned by [%s]\n",
				registration.Id, request.Description.Name, request.Description.Owner)
			self.broadcastParticipants()
			return &protocol.RegisterParticipantResponse{
				ParticipantId:        registration.Id,
				LastItineraryVersion: registration.LastItineraryVersion,
				LastRouteId:          registration.LastRouteId,
			}
		})

	service(self, protocol.UnregisterParticipantServiceName,
		func(request *protocol.UnregisterParticipantRequest) *protocol.UnregisterParticipantResponse {
			if err := self.registry.RecordWatermarks(request.ParticipantId); err != nil {
				glog.Warningf("[node]watermarks for [%d] = %s\n", request.ParticipantId, err)
			}
			if err := self.database.Unregister(request.ParticipantId); err != nil {
				return &protocol.UnregisterParticipantResponse{
					Error: err.Error(),
				}
			}
			self.negotiations.Unregistered(request.ParticipantId)
			glog.Infof("[node]unregistered participant [%d]\n", request.ParticipantId)
			self.broadcastParticipants()
			return &protocol.UnregisterParticipantResponse{
				Confirmation: true,
			}
		})

	service(self, protocol.RegisterQueryServiceName,
		func(request *protocol.RegisterQueryRequest) *protocol.RegisterQueryResponse {
			queryId, err := self.queries.Register(request.Query)
			if err != nil {
				glog.Errorf("[node]register query = %s\n", err)
				return &protocol.RegisterQueryResponse{
					NodeVersion: self.settings.NodeVersion,
					Error:       err.Error(),
				}
			}
			self.broadcastQueries()
			return &protocol.RegisterQueryResponse{
				QueryId:     queryId,
				NodeVersion: self.settings.NodeVersion,
			}
		})

	service(self, protocol.RequestChangesServiceName,
		func(request *protocol.RequestChangesRequest) *protocol.RequestChangesResponse {
			var version *Version
			if !request.FullUpdate {
				v := request.Version
				version = &v
			}
			if err := self.queries.RequestChanges(request.QueryId, version, request.FullUpdate); err != nil {
				glog.Errorf("[node]request changes [%d] = %s\n", request.QueryId, err)
				return &protocol.RequestChangesResponse{
					Result: protocol.RequestChangesUnknownQueryId,
					Error:  err.Error(),
				}
			}
			return &protocol.RequestChangesResponse{
				Result: protocol.RequestChangesAccepted,
			}
		})
}

func (self *Node) broadcastParticipants() {
	self.participantsInfoPub.Publish(&protocol.ParticipantsInfo{
		Participants: self.database.Participants(),
	})
}

func (self *Node) broadcastQueries() {
	queryIds, queries := self.queries.Queries()
	self.queriesInfoPub.Publish(&protocol.ScheduleQueries{
		NodeVersion: self.settings.NodeVersion,
		Ids:         queryIds,
		Queries:     queries,
	})
}

func (self *Node) run() {
	defer close(self.doneSignal)

	updateTicker := time.NewTicker(self.settings.MirrorUpdatePeriod)
	defer updateTicker.Stop()
	cleanupTicker := time.NewTicker(self.settings.QueryRegistry.CleanupPeriod)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-updateTicker.C:
			self.queries.Update(self.database, self.settings.NodeVersion)
			// wake the conflict detector
			self.database.UpdateMonitor().NotifyAll()
		case <-cleanupTicker.C:
			if self.queries.Cleanup() {
				self.broadcastQueries()
			}
		}
	}
}

// Close stops the update tick, then the heartbeat, subscriptions,
// conflict detector, queries, registry and publishers, and joins every
// goroutine.
func (self *Node) Close() {
	self.cancel()
	<-self.doneSignal

	self.heartbeat.Close()
	for _, subscription := range self.subscriptions {
		subscription.Close()
	}
	self.detector.Close()
	self.queries.Close()
	self.registry.Close()

	self.inconsistencyPub.Close()
	self.participantsInfoPub.Close()
	self.queriesInfoPub.Close()
	self.noticePub.Close()
	self.conclusionPub.Close()

	glog.Infof("[node]schedule node [%d] down\n", self.settings.NodeVersion)
}
