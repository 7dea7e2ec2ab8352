package schedule

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"github.com/oklog/ulid/v2"

	"github.com/openfleet/traffic/protocol"
)

// Websocket bus: carries every channel and service of the schedule
// protocol between processes. The server side wraps an in-process bus;
// each remote connection subscribes and publishes into it on the
// client's behalf. The client side keeps a single connection with
// ping/read/write deadlines and reconnects with backoff, re-issuing its
// subscriptions on every new connection.

const wsBufferSize = 32

type wsFrameKind uint8

const (
	wsFrameSubscribe wsFrameKind = iota
	wsFrameUnsubscribe
	wsFramePublish
	wsFrameRequest
	wsFrameResponse
)

type wsFrame struct {
	Kind  wsFrameKind `cbor:"kind"`
	Topic string      `cbor:"topic,omitempty"`
	// subscription identity, scoped to the connection
	SubscriptionId string `cbor:"subscription_id,omitempty"`
	TransientLocal bool   `cbor:"transient_local,omitempty"`
	Depth          int    `cbor:"depth,omitempty"`

	Service   string `cbor:"service,omitempty"`
	RequestId string `cbor:"request_id,omitempty"`
	Error     string `cbor:"error,omitempty"`

	Payload []byte `cbor:"payload,omitempty"`
}

type WsBusServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultWsBusServerSettings() *WsBusServerSettings {
	return &WsBusServerSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingTimeout:  1 * time.Second,
	}
}

type WsBusServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	inner    *MemoryBus
	settings *WsBusServerSettings

	upgrader websocket.Upgrader

	mutex      sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

func NewWsBusServer(ctx context.Context, settings *WsBusServerSettings) *WsBusServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsBusServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		inner:    NewMemoryBus(cancelCtx),
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Bus exposes the server-side bus. The node attaches here; remote
// clients reach the same topics and services over their connections.
func (self *WsBusServer) Bus() Bus {
	return self.inner
}

// ListenAndServe accepts websocket connections on addr until the
// context is done.
func (self *WsBusServer) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws bus listen %s: %w", addr, err)
	}
	self.mutex.Lock()
	self.listener = listener
	self.httpServer = &http.Server{
		Handler: self,
	}
	self.mutex.Unlock()
	go func() {
		<-self.ctx.Done()
		self.httpServer.Close()
	}()
	glog.Infof("[t]ws bus listening on %s\n", addr)
	err = self.httpServer.Serve(listener)
	if self.ctx.Err() != nil {
		return nil
	}
	return err
}

// Addr reports the bound listen address, or nil before ListenAndServe
// has bound it.
func (self *WsBusServer) Addr() net.Addr {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.listener == nil {
		return nil
	}
	return self.listener.Addr()
}

func (self *WsBusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *WsBusServer) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, wsBufferSize)

	subscriptions := map[string]Subscription{}
	var subscriptionsMutex sync.Mutex
	defer func() {
		subscriptionsMutex.Lock()
		defer subscriptionsMutex.Unlock()
		for _, subscription := range subscriptions {
			subscription.Close()
		}
	}()

	offer := func(frameBytes []byte) {
		select {
		case send <- frameBytes:
		case <-handleCtx.Done():
		default:
			// slow connection; drop
			glog.V(2).Infof("[t]drop ->\n")
		}
	}

	// write
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// read
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// ping
			continue
		}

		var frame wsFrame
		if err := protocol.Unmarshal(message, &frame); err != nil {
			glog.Infof("[t]bad frame <- = %s\n", err)
			continue
		}

		switch frame.Kind {
		case wsFrameSubscribe:
			topic := frame.Topic
			subscriptionId := frame.SubscriptionId
			qos := Qos{
				Depth:          frame.Depth,
				TransientLocal: frame.TransientLocal,
			}
			subscription := self.inner.Subscribe(topic, qos, func(payload []byte) {
				offer(protocol.RequireMarshal(&wsFrame{
					Kind:           wsFramePublish,
					Topic:          topic,
					SubscriptionId: subscriptionId,
					Payload:        payload,
				}))
			})
			subscriptionsMutex.Lock()
			subscriptions[subscriptionId] = subscription
			subscriptionsMutex.Unlock()
		case wsFrameUnsubscribe:
			subscriptionsMutex.Lock()
			if subscription, ok := subscriptions[frame.SubscriptionId]; ok {
				subscription.Close()
				delete(subscriptions, frame.SubscriptionId)
			}
			subscriptionsMutex.Unlock()
		case wsFramePublish:
			self.inner.PublishRaw(frame.Topic, Qos{
				Depth:          frame.Depth,
				TransientLocal: frame.TransientLocal,
			}, frame.Payload)
		case wsFrameRequest:
			requestId := frame.RequestId
			service := frame.Service
			payload := frame.Payload
			go func() {
				responsePayload, err := self.inner.Call(handleCtx, service, payload)
				response := &wsFrame{
					Kind:      wsFrameResponse,
					Service:   service,
					RequestId: requestId,
					Payload:   responsePayload,
				}
				if err != nil {
					response.Error = err.Error()
				}
				offer(protocol.RequireMarshal(response))
			}()
		}
	}
}

func (self *WsBusServer) Close() {
	self.cancel()
	self.inner.Close()
}

type WsBusClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	CallTimeout        time.Duration
}

func DefaultWsBusClientSettings() *WsBusClientSettings {
	return &WsBusClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		CallTimeout:        10 * time.Second,
	}
}

type wsClientSubscriber struct {
	subscriptionId string
	topic          string
	qos            Qos
	receive        func(payload []byte)
	lastReceive    time.Time
	receiveMonitor *Monitor
}

type WsBusClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *WsBusClientSettings

	send chan []byte

	mutex       sync.Mutex
	subscribers map[string]*wsClientSubscriber
	pending     map[string]chan *wsFrame
	// closing the current connection forces a reconnect, which resets
	// the outbound service handles
	currentConn *websocket.Conn
}

func NewWsBusClientWithDefaults(ctx context.Context, url string) *WsBusClient {
	return NewWsBusClient(ctx, url, DefaultWsBusClientSettings())
}

func NewWsBusClient(ctx context.Context, url string, settings *WsBusClientSettings) *WsBusClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &WsBusClient{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		settings:    settings,
		send:        make(chan []byte, wsBufferSize),
		subscribers: map[string]*wsClientSubscriber{},
		pending:     map[string]chan *wsFrame{},
	}
	go client.run()
	return client
}

func (self *WsBusClient) run() {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[t]connect %s error = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handleConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WsBusClient) handleConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.mutex.Lock()
	self.currentConn = ws
	resubscribes := [][]byte{}
	for _, subscriber := range self.subscribers {
		resubscribes = append(resubscribes, protocol.RequireMarshal(&wsFrame{
			Kind:           wsFrameSubscribe,
			Topic:          subscriber.topic,
			SubscriptionId: subscriber.subscriptionId,
			TransientLocal: subscriber.qos.TransientLocal,
			Depth:          subscriber.qos.Depth,
		}))
	}
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		if self.currentConn == ws {
			self.currentConn = nil
		}
		// unblock in-flight calls; the caller retries after rebind
		for requestId, response := range self.pending {
			close(response)
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
	}()

	// write
	go func() {
		defer handleCancel()

		for _, frameBytes := range resubscribes {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				return
			}
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// read
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[t]<- error = %s\n", err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// ping
			continue
		}

		var frame wsFrame
		if err := protocol.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch frame.Kind {
		case wsFramePublish:
			self.mutex.Lock()
			subscriber, ok := self.subscribers[frame.SubscriptionId]
			if ok {
				subscriber.lastReceive = time.Now()
				subscriber.receiveMonitor.NotifyAll()
			}
			self.mutex.Unlock()
			if ok {
				subscriber.receive(frame.Payload)
			}
		case wsFrameResponse:
			self.mutex.Lock()
			response, ok := self.pending[frame.RequestId]
			if ok {
				delete(self.pending, frame.RequestId)
			}
			self.mutex.Unlock()
			if ok {
				frameCopy := frame
				response <- &frameCopy
			}
		}
	}
}

func (self *WsBusClient) offer(frameBytes []byte) {
	select {
	case self.send <- frameBytes:
	case <-self.ctx.Done():
	default:
		glog.V(2).Infof("[t]drop ->\n")
	}
}

type wsClientPublisher struct {
	client *WsBusClient
	topic  string
	qos    Qos
}

func (self *WsBusClient) Publisher(topic string, qos Qos) Publisher {
	return &wsClientPublisher{
		client: self,
		topic:  topic,
		qos:    qos,
	}
}

func (self *wsClientPublisher) Publish(message any) {
	payload, err := protocol.Marshal(message)
	if err != nil {
		glog.Errorf("[t]encode error = %s\n", err)
		return
	}
	self.client.offer(protocol.RequireMarshal(&wsFrame{
		Kind:           wsFramePublish,
		Topic:          self.topic,
		TransientLocal: self.qos.TransientLocal,
		Depth:          self.qos.Depth,
		Payload:        payload,
	}))
}

func (self *wsClientPublisher) SubscriberCount() int {
	// not observable from the client side
	return 0
}

func (self *wsClientPublisher) Close() {
}

type wsClientSubscription struct {
	client         *WsBusClient
	subscriptionId string
}

func (self *wsClientSubscription) Close() {
	self.client.mutex.Lock()
	delete(self.client.subscribers, self.subscriptionId)
	self.client.mutex.Unlock()
	self.client.offer(protocol.RequireMarshal(&wsFrame{
		Kind:           wsFrameUnsubscribe,
		SubscriptionId: self.subscriptionId,
	}))
}

func (self *WsBusClient) Subscribe(topic string, qos Qos, receive func(payload []byte)) Subscription {
	subscriber := &wsClientSubscriber{
		subscriptionId: ulid.Make().String(),
		topic:          topic,
		qos:            qos,
		receive:        receive,
		receiveMonitor: NewMonitor(),
	}

	self.mutex.Lock()
	self.subscribers[subscriber.subscriptionId] = subscriber
	self.mutex.Unlock()

	self.offer(protocol.RequireMarshal(&wsFrame{
		Kind:           wsFrameSubscribe,
		Topic:          topic,
		SubscriptionId: subscriber.subscriptionId,
		TransientLocal: qos.TransientLocal,
		Depth:          qos.Depth,
	}))

	return &wsClientSubscription{
		client:         self,
		subscriptionId: subscriber.subscriptionId,
	}
}

func (self *WsBusClient) WatchLiveliness(topic string, lease time.Duration, lost func(), alive func()) Subscription {
	subscription := self.Subscribe(topic, DefaultQos(), func(payload []byte) {})

	watchCtx, cancel := context.WithCancel(self.ctx)
	wsSubscription := subscription.(*wsClientSubscription)

	go func() {
		wasAlive := false
		for {
			self.mutex.Lock()
			subscriber, ok := self.subscribers[wsSubscription.subscriptionId]
			var lastReceive time.Time
			var notify <-chan struct{}
			if ok {
				lastReceive = subscriber.lastReceive
				notify = subscriber.receiveMonitor.NotifyChannel()
			}
			self.mutex.Unlock()
			if !ok {
				return
			}

			isAlive := !lastReceive.IsZero() && time.Since(lastReceive) < lease
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
			case <-notify:
			case <-time.After(lease / 2):
			}
		}
	}()

	return &livelinessWatch{cancel: cancel}
}

// RegisterService is not supported on the client side of the bus;
// services live with the schedule node.
func (self *WsBusClient) RegisterService(name string, handler ServiceHandler) Subscription {
	glog.Errorf("[t]services cannot be registered from a bus client\n")
	return &livelinessWatch{cancel: func() {}}
}

func (self *WsBusClient) Call(ctx context.Context, name string, request []byte) ([]byte, error) {
	requestId := ulid.Make().String()
	response := make(chan *wsFrame, 1)

	self.mutex.Lock()
	connected := self.currentConn != nil
	if connected {
		self.pending[requestId] = response
	}
	self.mutex.Unlock()

	if !connected {
		return nil, fmt.Errorf("call %s: %w", name, ErrTransportUnavailable)
	}

	self.offer(protocol.RequireMarshal(&wsFrame{
		Kind:      wsFrameRequest,
		Service:   name,
		RequestId: requestId,
		Payload:   request,
	}))

	select {
	case <-ctx.Done():
		self.abandon(requestId)
		return nil, ErrShuttingDown
	case <-self.ctx.Done():
		self.abandon(requestId)
		return nil, ErrShuttingDown
	case <-time.After(self.settings.CallTimeout):
		self.abandon(requestId)
		return nil, fmt.Errorf("call %s: %w", name, ErrTransportUnavailable)
	case frame, ok := <-response:
		if !ok {
			// the connection dropped with the call in flight
			return nil, fmt.Errorf("call %s: %w", name, ErrTransportUnavailable)
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("call %s: %s", name, frame.Error)
		}
		return frame.Payload, nil
	}
}

func (self *WsBusClient) abandon(requestId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.pending, requestId)
}

// RebindServices drops the current connection; the reconnect loop
// re-dials and re-subscribes, resetting every outbound service handle.
func (self *WsBusClient) RebindServices() {
	self.mutex.Lock()
	conn := self.currentConn
	self.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (self *WsBusClient) Close() {
	self.cancel()
}
