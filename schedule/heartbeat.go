package schedule

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/openfleet/traffic/protocol"
)

// Redundancy: the primary publishes a heartbeat on a liveliness-backed
// channel; a standby derives "primary lost" from missed liveliness and
// broadcasts a fail-over notice so writers rebind to the new primary.

type HeartbeatSettings struct {
	Period time.Duration
}

func DefaultHeartbeatSettings() *HeartbeatSettings {
	return &HeartbeatSettings{
		Period: 1 * time.Second,
	}
}

type HeartbeatPublisher struct {
	ctx    context.Context
	cancel context.CancelFunc

	nodeVersion NodeVersion
	publisher   Publisher
	settings    *HeartbeatSettings

	doneSignal chan struct{}
}

func NewHeartbeatPublisher(
	ctx context.Context,
	bus Bus,
	nodeVersion NodeVersion,
	settings *HeartbeatSettings,
) *HeartbeatPublisher {
	cancelCtx, cancel := context.WithCancel(ctx)
	heartbeat := &HeartbeatPublisher{
		ctx:         cancelCtx,
		cancel:      cancel,
		nodeVersion: nodeVersion,
		publisher: bus.Publisher(protocol.HeartbeatTopicName, Qos{
			Reliable:        true,
			Depth:           1,
			LivelinessLease: settings.Period,
		}),
		settings:   settings,
		doneSignal: make(chan struct{}),
	}
	go heartbeat.run()
	glog.Infof("[hb]heartbeat up with lease %s\n", settings.Period)
	return heartbeat
}

func (self *HeartbeatPublisher) run() {
	defer close(self.doneSignal)

	ticker := time.NewTicker(self.settings.Period)
	defer ticker.Stop()

	for {
		self.publisher.Publish(&protocol.Heartbeat{
			NodeVersion: self.nodeVersion,
		})
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (self *HeartbeatPublisher) Close() {
	self.cancel()
	<-self.doneSignal
	self.publisher.Close()
}

type StandbyMonitorSettings struct {
	// lease after which a silent heartbeat channel means the primary
	// is lost; usually a small multiple of the heartbeat period
	LivelinessLease time.Duration
}

func DefaultStandbyMonitorSettings() *StandbyMonitorSettings {
	return &StandbyMonitorSettings{
		LivelinessLease: 3 * time.Second,
	}
}

// StandbyMonitor watches the heartbeat and, when the primary goes
// silent past the lease, broadcasts a fail-over event and invokes the
// promote callback once per loss.
type StandbyMonitor struct {
	watch       Subscription
	failOverPub Publisher
}

func NewStandbyMonitor(
	ctx context.Context,
	bus Bus,
	nextNodeVersion NodeVersion,
	promote func(),
	settings *StandbyMonitorSettings,
) *StandbyMonitor {
	failOverPub := bus.Publisher(protocol.FailOverTopicName, DefaultQos())

	watch := bus.WatchLiveliness(
		protocol.HeartbeatTopicName,
		settings.LivelinessLease,
		func() {
			glog.Warningf("[hb]primary lost; announcing fail-over to node [%d]\n",
				nextNodeVersion)
			failOverPub.Publish(&protocol.FailOverEvent{
				NewNodeVersion: nextNodeVersion,
			})
			if promote != nil {
				promote()
			}
		},
		func() {
			glog.Infof("[hb]primary alive\n")
		},
	)

	return &StandbyMonitor{
		watch:       watch,
		failOverPub: failOverPub,
	}
}

func (self *StandbyMonitor) Close() {
	self.watch.Close()
	self.failOverPub.Close()
}
