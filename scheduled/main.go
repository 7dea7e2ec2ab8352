package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/openfleet/traffic/schedule"
)

const ScheduledVersion = "0.1.0"

func main() {
	usage := `Traffic schedule daemon.

Runs the schedule coordination node and serves its channels over the
websocket bus, or runs a standby monitor that announces fail-over when
the primary's heartbeat goes silent.

Usage:
    scheduled run [--port=<port>] [--node_version=<node_version>]
        [--log_file=<log_file>]
        [--heartbeat_period=<ms>]
        [--query_cleanup_period=<ms>]
        [--query_grace_period=<ms>]
    scheduled monitor --url=<url> [--node_version=<node_version>]
        [--liveliness_lease=<ms>]

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    -p --port=<port>              Listen port [default: 9176].
    --node_version=<node_version> Version of this node [default: 0].
    --log_file=<log_file>         Participant registry log location
                                  [default: .schedule_node.registry].
    --heartbeat_period=<ms>       Heartbeat period [default: 1000].
    --query_cleanup_period=<ms>   Query cleanup period [default: 30000].
    --query_grace_period=<ms>     Query grace period [default: 300000].
    --liveliness_lease=<ms>       Heartbeat lease before fail-over [default: 3000].
    --url=<url>                   Bus url of the primary.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ScheduledVersion)
	if err != nil {
		panic(err)
	}

	flag.CommandLine.Parse([]string{"-logtostderr"})

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if monitor_, _ := opts.Bool("monitor"); monitor_ {
		monitor(opts)
	}
}

func optDuration(opts docopt.Opts, name string) time.Duration {
	ms, err := strconv.Atoi(opts[name].(string))
	if err != nil {
		panic(fmt.Errorf("%s must be milliseconds: %w", name, err))
	}
	return time.Duration(ms) * time.Millisecond
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	nodeVersion, _ := opts.Int("--node_version")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	server := schedule.NewWsBusServer(cancelCtx, schedule.DefaultWsBusServerSettings())
	defer server.Close()

	settings := schedule.DefaultNodeSettings()
	settings.NodeVersion = schedule.NodeVersion(nodeVersion)
	settings.LogFileLocation = opts["--log_file"].(string)
	settings.HeartbeatPeriod = optDuration(opts, "--heartbeat_period")
	settings.QueryRegistry.CleanupPeriod = optDuration(opts, "--query_cleanup_period")
	settings.QueryRegistry.GracePeriod = optDuration(opts, "--query_grace_period")

	node, err := schedule.NewNode(cancelCtx, server.Bus(), settings)
	if err != nil {
		glog.Errorf("schedule node failed to start = %s\n", err)
		os.Exit(1)
	}
	defer node.Close()

	if err := server.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		glog.Errorf("ws bus = %s\n", err)
		os.Exit(1)
	}
}

func monitor(opts docopt.Opts) {
	nodeVersion, _ := opts.Int("--node_version")
	url := opts["--url"].(string)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	client := schedule.NewWsBusClientWithDefaults(cancelCtx, url)
	defer client.Close()

	standby := schedule.NewStandbyMonitor(
		cancelCtx,
		client,
		schedule.NodeVersion(nodeVersion)+1,
		func() {
			glog.Infof("primary lost; a replacement node should be started\n")
		},
		&schedule.StandbyMonitorSettings{
			LivelinessLease: optDuration(opts, "--liveliness_lease"),
		},
	)
	defer standby.Close()

	<-cancelCtx.Done()
}

func handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	cancel()
}
