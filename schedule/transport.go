package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/openfleet/traffic/protocol"
)

// The pub/sub transport contract. The schedule node and its writers,
// mirrors, and negotiation participants only touch the transport
// through Bus. Two implementations exist: the in-process bus below and
// the websocket bus in transport_ws.go.

// Qos selects delivery behavior per channel, mirroring the channel
// table of the protocol: reliable depth-bounded fan-out, transient
// local latching for late joiners, and liveliness leases for the
// heartbeat.
type Qos struct {
	Reliable        bool
	Depth           int
	TransientLocal  bool
	LivelinessLease time.Duration
}

func DefaultQos() Qos {
	return Qos{
		Depth: 10,
	}
}

func ReliableQos(depth int) Qos {
	return Qos{
		Reliable: true,
		Depth:    depth,
	}
}

func LatchedQos() Qos {
	return Qos{
		Reliable:       true,
		Depth:          1,
		TransientLocal: true,
	}
}

type Publisher interface {
	// Publish never blocks. A subscriber that cannot keep up loses the
	// oldest queued message.
	Publish(message any)
	SubscriberCount() int
	Close()
}

type Subscription interface {
	Close()
}

type ServiceHandler func(request []byte) []byte

type Bus interface {
	Publisher(topic string, qos Qos) Publisher
	Subscribe(topic string, qos Qos, receive func(payload []byte)) Subscription
	// WatchLiveliness fires lost once each time the topic goes longer
	// than the lease without a publish, and alive again on recovery.
	WatchLiveliness(topic string, lease time.Duration, lost func(), alive func()) Subscription

	RegisterService(name string, handler ServiceHandler) Subscription
	// Call blocks until a response, ctx cancellation, or transport
	// teardown.
	Call(ctx context.Context, name string, request []byte) ([]byte, error)
}

// CallService encodes a request, calls, and decodes the response.
func CallService[Req any, Resp any](ctx context.Context, bus Bus, name string, request *Req) (*Resp, error) {
	requestBytes, err := protocol.Marshal(request)
	if err != nil {
		return nil, err
	}
	responseBytes, err := bus.Call(ctx, name, requestBytes)
	if err != nil {
		return nil, err
	}
	var response Resp
	if err := protocol.Unmarshal(responseBytes, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// MemoryBus is the in-process transport: every publish fans out to
// local subscribers on their own drain goroutines.
type MemoryBus struct {
	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.Mutex
	topics   map[string]*memoryTopic
	services map[string]ServiceHandler
}

type memoryTopic struct {
	mutex       sync.Mutex
	subscribers map[*memorySubscriber]bool
	// retained messages for transient-local replay
	latched        [][]byte
	latchDepth     int
	lastPublish    time.Time
	publishMonitor *Monitor
}

type memorySubscriber struct {
	queue   chan []byte
	receive func(payload []byte)
	done    chan struct{}
}

func NewMemoryBus(ctx context.Context) *MemoryBus {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryBus{
		ctx:      cancelCtx,
		cancel:   cancel,
		topics:   map[string]*memoryTopic{},
		services: map[string]ServiceHandler{},
	}
}

func (self *MemoryBus) topic(name string) *memoryTopic {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	topic, ok := self.topics[name]
	if !ok {
		topic = &memoryTopic{
			subscribers:    map[*memorySubscriber]bool{},
			publishMonitor: NewMonitor(),
		}
		self.topics[name] = topic
	}
	return topic
}

type memoryPublisher struct {
	bus   *MemoryBus
	topic *memoryTopic
	qos   Qos
}

func (self *MemoryBus) Publisher(topicName string, qos Qos) Publisher {
	topic := self.topic(topicName)
	if qos.TransientLocal {
		topic.mutex.Lock()
		if topic.latchDepth < qos.Depth {
			topic.latchDepth = qos.Depth
		}
		topic.mutex.Unlock()
	}
	return &memoryPublisher{
		bus:   self,
		topic: topic,
		qos:   qos,
	}
}

func (self *memoryPublisher) Publish(message any) {
	payload, err := protocol.Marshal(message)
	if err != nil {
		glog.Errorf("[bus]encode error = %s\n", err)
		return
	}
	self.topic.publish(payload, self.qos)
}

// PublishRaw fans out an already encoded payload.
func (self *MemoryBus) PublishRaw(topicName string, qos Qos, payload []byte) {
	topic := self.topic(topicName)
	if qos.TransientLocal {
		topic.mutex.Lock()
		if topic.latchDepth < qos.Depth {
			topic.latchDepth = qos.Depth
		}
		topic.mutex.Unlock()
	}
	topic.publish(payload, qos)
}

func (self *memoryPublisher) SubscriberCount() int {
	self.topic.mutex.Lock()
	defer self.topic.mutex.Unlock()
	return len(self.topic.subscribers)
}

func (self *memoryPublisher) Close() {
}

func (self *memoryTopic) publish(payload []byte, qos Qos) {
	self.mutex.Lock()
	if 0 < self.latchDepth && qos.TransientLocal {
		self.latched = append(self.latched, payload)
		if self.latchDepth < len(self.latched) {
			self.latched = self.latched[len(self.latched)-self.latchDepth:]
		}
	}
	self.lastPublish = time.Now()
	subscribers := maps.Keys(self.subscribers)
	self.mutex.Unlock()

	self.publishMonitor.NotifyAll()

	for _, subscriber := range subscribers {
		subscriber.offer(payload)
	}
}

func (self *memorySubscriber) offer(payload []byte) {
	for {
		select {
		case self.queue <- payload:
			return
		case <-self.done:
			return
		default:
		}
		// full: drop the oldest so the newest always lands
		select {
		case <-self.queue:
		default:
		}
	}
}

func (self *memorySubscriber) run() {
	for {
		select {
		case <-self.done:
			return
		case payload := <-self.queue:
			self.receive(payload)
		}
	}
}

type memorySubscription struct {
	topic      *memoryTopic
	subscriber *memorySubscriber
	closeOnce  sync.Once
}

func (self *memorySubscription) Close() {
	self.closeOnce.Do(func() {
		self.topic.mutex.Lock()
		delete(self.topic.subscribers, self.subscriber)
		self.topic.mutex.Unlock()
		close(self.subscriber.done)
	})
}

func (self *MemoryBus) Subscribe(topicName string, qos Qos, receive func(payload []byte)) Subscription {
	topic := self.topic(topicName)

	depth := qos.Depth
	if depth <= 0 {
		depth = DefaultQos().Depth
	}
	subscriber := &memorySubscriber{
		queue:   make(chan []byte, depth),
		receive: receive,
		done:    make(chan struct{}),
	}

	topic.mutex.Lock()
	topic.subscribers[subscriber] = true
	var replay [][]byte
	if qos.TransientLocal {
		replay = append(replay, topic.latched...)
	}
	topic.mutex.Unlock()

	for _, payload := range replay {
		subscriber.offer(payload)
	}
	go subscriber.run()

	return &memorySubscription{
		topic:      topic,
		subscriber: subscriber,
	}
}

type livelinessWatch struct {
	cancel context.CancelFunc
}

func (self *livelinessWatch) Close() {
	self.cancel()
}

func (self *MemoryBus) WatchLiveliness(topicName string, lease time.Duration, lost func(), alive func()) Subscription {
	topic := self.topic(topicName)
	watchCtx, cancel := context.WithCancel(self.ctx)

	go func() {
		wasAlive := false
		for {
			topic.mutex.Lock()
			lastPublish := topic.lastPublish
			topic.mutex.Unlock()

			isAlive := !lastPublish.IsZero() && time.Since(lastPublish) < lease
			if isAlive && !wasAlive {
				if alive != nil {
					alive()
				}
			} else if !isAlive && wasAlive {
				if lost != nil {
					lost()
				}
			}
			wasAlive = isAlive

			select {
			case <-watchCtx.Done():
				return
			case <-topic.publishMonitor.NotifyChannel():
			case <-time.After(lease / 2):
			}
		}
	}()

	return &livelinessWatch{cancel: cancel}
}

type memoryService struct {
	bus  *MemoryBus
	name string
}

func (self *memoryService) Close() {
	self.bus.mutex.Lock()
	defer self.bus.mutex.Unlock()
	delete(self.bus.services, self.name)
}

func (self *MemoryBus) RegisterService(name string, handler ServiceHandler) Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.services[name] = handler
	return &memoryService{
		bus:  self,
		name: name,
	}
}

func (self *MemoryBus) Call(ctx context.Context, name string, request []byte) ([]byte, error) {
	self.mutex.Lock()
	handler, ok := self.services[name]
	self.mutex.Unlock()

	if !ok {
		return nil, fmt.Errorf("service %s: %w", name, ErrTransportUnavailable)
	}
	select {
	case <-ctx.Done():
		return nil, ErrShuttingDown
	case <-self.ctx.Done():
		return nil, ErrShuttingDown
	default:
	}
	return handler(request), nil
}

func (self *MemoryBus) Close() {
	self.cancel()
}
