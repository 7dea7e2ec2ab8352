package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/openfleet/traffic/protocol"
)

// Writer: the narrow capability set a participant adapter uses to talk
// to the schedule, with two transports behind one interface — direct
// in-process access to a node, or the bus channels and services of a
// remote node.

type WriterTransport interface {
	Set(msg *protocol.ItinerarySet)
	Extend(msg *protocol.ItineraryExtend)
	Delay(msg *protocol.ItineraryDelay)
	Erase(msg *protocol.ItineraryErase)
	Clear(msg *protocol.ItineraryClear)

	RegisterParticipant(ctx context.Context, description protocol.ParticipantDescription) (Registration, error)
	UnregisterParticipant(ctx context.Context, participantId ParticipantId) error

	// Rebind resets the outbound service handles after a fail-over.
	Rebind()
}

// inProcessTransport edits the node's database directly, bypassing the
// bus.
type inProcessTransport struct {
	node *Node
}

func NewInProcessWriterTransport(node *Node) WriterTransport {
	return &inProcessTransport{
		node: node,
	}
}

func (self *inProcessTransport) Set(msg *protocol.ItinerarySet) {
	self.node.afterEdit(msg.Participant, self.node.database.Set(msg))
}

func (self *inProcessTransport) Extend(msg *protocol.ItineraryExtend) {
	self.node.afterEdit(msg.Participant, self.node.database.Extend(msg))
}

func (self *inProcessTransport) Delay(msg *protocol.ItineraryDelay) {
	self.node.afterEdit(msg.Participant, self.node.database.Delay(msg))
}

func (self *inProcessTransport) Erase(msg *protocol.ItineraryErase) {
	self.node.afterEdit(msg.Participant, self.node.database.Erase(msg))
}

func (self *inProcessTransport) Clear(msg *protocol.ItineraryClear) {
	self.node.afterEdit(msg.Participant, self.node.database.Clear(msg))
}

func (self *inProcessTransport) RegisterParticipant(
	ctx context.Context,
	description protocol.ParticipantDescription,
) (Registration, error) {
	registration, err := self.node.registry.AddOrRetrieve(description)
	if err != nil {
		return Registration{}, err
	}
	self.node.broadcastParticipants()
	return registration, nil
}

func (self *inProcessTransport) UnregisterParticipant(
	ctx context.Context,
	participantId ParticipantId,
) error {
	if err := self.node.registry.RecordWatermarks(participantId); err != nil {
		glog.Warningf("[w]watermarks for [%d] = %s\n", participantId, err)
	}
	if err := self.node.database.Unregister(participantId); err != nil {
		return err
	}
	self.node.negotiations.Unregistered(participantId)
	self.node.broadcastParticipants()
	return nil
}

func (self *inProcessTransport) Rebind() {
}

type RemoteWriterTransportSettings struct {
	// how long to wait before retrying an unavailable service
	ServiceRetryTimeout time.Duration
}

func DefaultRemoteWriterTransportSettings() *RemoteWriterTransportSettings {
	return &RemoteWriterTransportSettings{
		ServiceRetryTimeout: 100 * time.Millisecond,
	}
}

// remoteTransport publishes edits on the itinerary channels and calls
// the registration services over the bus. A fail-over notice rebinds
// the service handles.
type remoteTransport struct {
	ctx context.Context
	bus Bus

	settings *RemoteWriterTransportSettings

	setPub    Publisher
	extendPub Publisher
	delayPub  Publisher
	erasePub  Publisher
	clearPub  Publisher

	failOverSub Subscription
}

// serviceRebinder is implemented by buses whose outbound service
// handles can be reset, e.g. the websocket bus.
type serviceRebinder interface {
	RebindServices()
}

func NewRemoteWriterTransport(ctx context.Context, bus Bus, settings *RemoteWriterTransportSettings) WriterTransport {
	itineraryQos := ReliableQos(100)
	transport := &remoteTransport{
		ctx:       ctx,
		bus:       bus,
		settings:  settings,
		setPub:    bus.Publisher(protocol.ItinerarySetTopicName, itineraryQos),
		extendPub: bus.Publisher(protocol.ItineraryExtendTopicName, itineraryQos),
		delayPub:  bus.Publisher(protocol.ItineraryDelayTopicName, itineraryQos),
		erasePub:  bus.Publisher(protocol.ItineraryEraseTopicName, itineraryQos),
		clearPub:  bus.Publisher(protocol.ItineraryClearTopicName, itineraryQos),
	}
	transport.failOverSub = bus.Subscribe(
		protocol.FailOverTopicName,
		DefaultQos(),
		func(payload []byte) {
			var event protocol.FailOverEvent
			if err := protocol.Unmarshal(payload, &event); err != nil {
				return
			}
			glog.Infof("[w]fail-over to node [%d]; rebinding services\n", event.NewNodeVersion)
			transport.Rebind()
		},
	)
	return transport
}

func (self *remoteTransport) Set(msg *protocol.ItinerarySet) {
	self.setPub.Publish(msg)
}

func (self *remoteTransport) Extend(msg *protocol.ItineraryExtend) {
	self.extendPub.Publish(msg)
}

func (self *remoteTransport) Delay(msg *protocol.ItineraryDelay) {
	self.delayPub.Publish(msg)
}

func (self *remoteTransport) Erase(msg *protocol.ItineraryErase) {
	self.erasePub.Publish(msg)
}

func (self *remoteTransport) Clear(msg *protocol.ItineraryClear) {
	self.clearPub.Publish(msg)
}

func (self *remoteTransport) RegisterParticipant(
	ctx context.Context,
	description protocol.ParticipantDescription,
) (Registration, error) {
	request := &protocol.RegisterParticipantRequest{
		Description: description,
	}
	// block until a response or teardown, retrying while the service
	// is unavailable
	for {
		response, err := CallService[protocol.RegisterParticipantRequest, protocol.RegisterParticipantResponse](
			ctx, self.bus, protocol.RegisterParticipantServiceName, request)
		if err == nil {
			if response.Error != "" {
				return Registration{}, fmt.Errorf("register participant: %s", response.Error)
			}
			return Registration{
				Id:                   response.ParticipantId,
				LastItineraryVersion: response.LastItineraryVersion,
				LastRouteId:          response.LastRouteId,
			}, nil
		}
		if !errors.Is(err, ErrTransportUnavailable) {
			return Registration{}, err
		}
		select {
		case <-ctx.Done():
			return Registration{}, ErrShuttingDown
		case <-self.ctx.Done():
			return Registration{}, ErrShuttingDown
		case <-time.After(self.settings.ServiceRetryTimeout):
		}
	}
}

func (self *remoteTransport) UnregisterParticipant(
	ctx context.Context,
	participantId ParticipantId,
) error {
	request := &protocol.UnregisterParticipantRequest{
		ParticipantId: participantId,
	}
	// block until a response or teardown, retrying while the service
	// is unavailable
	for {
		response, err := CallService[protocol.UnregisterParticipantRequest, protocol.UnregisterParticipantResponse](
			ctx, self.bus, protocol.UnregisterParticipantServiceName, request)
		if err == nil {
			if response.Error != "" {
				return fmt.Errorf("unregister participant: %s", response.Error)
			}
			return nil
		}
		if !errors.Is(err, ErrTransportUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ErrShuttingDown
		case <-self.ctx.Done():
			return ErrShuttingDown
		case <-time.After(self.settings.ServiceRetryTimeout):
		}
	}
}

func (self *remoteTransport) Rebind() {
	if rebinder, ok := self.bus.(serviceRebinder); ok {
		rebinder.RebindServices()
	}
}

type Writer struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport  WriterTransport
	rectifiers *rectifierFactory
}

// NewWriter builds a writer on the remote transport.
func NewWriter(ctx context.Context, bus Bus) *Writer {
	return NewWriterWithTransport(
		ctx,
		NewRemoteWriterTransport(ctx, bus, DefaultRemoteWriterTransportSettings()),
		bus,
	)
}

// NewInProcessWriter builds a writer bound directly to a node in this
// process. The bus still carries inconsistency reports for
// rectification.
func NewInProcessWriter(ctx context.Context, node *Node, bus Bus) *Writer {
	return NewWriterWithTransport(ctx, NewInProcessWriterTransport(node), bus)
}

func NewWriterWithTransport(ctx context.Context, transport WriterTransport, bus Bus) *Writer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Writer{
		ctx:        cancelCtx,
		cancel:     cancel,
		transport:  transport,
		rectifiers: newRectifierFactory(bus),
	}
}

// ParticipantFuture resolves when the registration round trip finishes.
type ParticipantFuture struct {
	result chan participantResult
}

type participantResult struct {
	participant *Participant
	err         error
}

func (self *ParticipantFuture) Wait(ctx context.Context) (*Participant, error) {
	select {
	case <-ctx.Done():
		return nil, ErrShuttingDown
	case result := <-self.result:
		return result.participant, result.err
	}
}

// MakeParticipant registers the description and resolves to a
// participant bound to this writer's transport.
func (self *Writer) MakeParticipant(description protocol.ParticipantDescription) *ParticipantFuture {
	future := &ParticipantFuture{
		result: make(chan participantResult, 1),
	}
	go func() {
		participant, err := self.makeParticipant(description)
		future.result <- participantResult{
			participant: participant,
			err:         err,
		}
	}()
	return future
}

// AsyncMakeParticipant is the callback-style variant. Both variants
// funnel through the same synchronous path on a background goroutine.
func (self *Writer) AsyncMakeParticipant(
	description protocol.ParticipantDescription,
	ready func(participant *Participant, err error),
) {
	go func() {
		participant, err := self.makeParticipant(description)
		if ready != nil {
			ready(participant, err)
		}
	}()
}

func (self *Writer) makeParticipant(description protocol.ParticipantDescription) (*Participant, error) {
	registration, err := self.transport.RegisterParticipant(self.ctx, description)
	if err != nil {
		return nil, err
	}
	participant := newParticipant(self.ctx, self.transport, description, registration)
	self.rectifiers.register(participant)
	return participant, nil
}

func (self *Writer) Close() {
	self.cancel()
	self.rectifiers.Close()
}
