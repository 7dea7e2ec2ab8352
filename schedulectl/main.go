package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/openfleet/traffic/protocol"
	"github.com/openfleet/traffic/schedule"
)

const SchedulectlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

func main() {
	usage := `Schedule control.

Usage:
    schedulectl register-query --url=<url> [--map=<map>...]
    schedulectl watch --url=<url> --query_id=<query_id>
    schedulectl participants --url=<url>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Bus url of the schedule node.
    --map=<map>            Restrict the query to a map. Repeatable.
    --query_id=<query_id>  Query id to watch.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SchedulectlVersion)
	if err != nil {
		panic(err)
	}

	flag.CommandLine.Parse([]string{"-logtostderr"})

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	client := schedule.NewWsBusClientWithDefaults(cancelCtx, opts["--url"].(string))
	defer client.Close()

	if registerQuery_, _ := opts.Bool("register-query"); registerQuery_ {
		registerQuery(cancelCtx, client, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(cancelCtx, client, opts)
	} else if participants_, _ := opts.Bool("participants"); participants_ {
		participants(cancelCtx, client)
	}
}

func registerQuery(ctx context.Context, client *schedule.WsBusClient, opts docopt.Opts) {
	query := protocol.QueryAll()
	if maps, ok := opts["--map"].([]string); ok {
		query.Maps = maps
	}

	response, err := schedule.CallService[protocol.RegisterQueryRequest, protocol.RegisterQueryResponse](
		ctx,
		client,
		protocol.RegisterQueryServiceName,
		&protocol.RegisterQueryRequest{
			Query: query,
		},
	)
	if err != nil {
		Err.Fatalf("register query error = %s", err)
	}
	if response.Error != "" {
		Err.Fatalf("register query error = %s", response.Error)
	}
	Out.Printf("query_id: %d (node %d)", response.QueryId, response.NodeVersion)
}

func watch(ctx context.Context, client *schedule.WsBusClient, opts docopt.Opts) {
	queryId, _ := opts.Int("--query_id")

	subscription := client.Subscribe(
		protocol.MirrorUpdateTopicName(schedule.QueryId(queryId)),
		schedule.DefaultQos(),
		func(payload []byte) {
			var update protocol.MirrorUpdate
			if err := protocol.Unmarshal(payload, &update); err != nil {
				Err.Printf("bad mirror update = %s", err)
				return
			}
			remedial := ""
			if update.IsRemedialUpdate {
				remedial = " (remedial)"
			}
			Out.Printf("update to %d%s: %d entries",
				update.DatabaseVersion, remedial, update.Patch.Size())
			for _, participantPatch := range update.Patch.Participants {
				for _, change := range participantPatch.Changes {
					Out.Printf("  [%d] change kind=%d itinerary_version=%d routes=%d",
						participantPatch.Participant, change.Kind,
						change.ItineraryVersion, len(change.Routes))
				}
			}
		},
	)
	defer subscription.Close()

	// give the subscription a moment to land before requesting the
	// full refresh
	time.Sleep(200 * time.Millisecond)

	response, err := schedule.CallService[protocol.RequestChangesRequest, protocol.RequestChangesResponse](
		ctx,
		client,
		protocol.RequestChangesServiceName,
		&protocol.RequestChangesRequest{
			QueryId:    schedule.QueryId(queryId),
			FullUpdate: true,
		},
	)
	if err != nil {
		Err.Fatalf("request changes error = %s", err)
	}
	if response.Result != protocol.RequestChangesAccepted {
		Err.Fatalf("request changes rejected = %s", response.Error)
	}

	<-ctx.Done()
}

func participants(ctx context.Context, client *schedule.WsBusClient) {
	done := make(chan struct{})
	subscription := client.Subscribe(
		protocol.ParticipantsInfoTopicName,
		schedule.LatchedQos(),
		func(payload []byte) {
			var info protocol.ParticipantsInfo
			if err := protocol.Unmarshal(payload, &info); err != nil {
				Err.Printf("bad participants info = %s", err)
				return
			}
			for _, participant := range info.Participants {
				Out.Printf("[%d] %s/%s %s footprint=%.2f vicinity=%.2f",
					participant.Id,
					participant.Description.Owner,
					participant.Description.Name,
					participant.Description.Responsiveness,
					participant.Description.Profile.Footprint,
					participant.Description.Profile.Vicinity)
			}
			close(done)
		},
	)
	defer subscription.Close()

	select {
	case <-ctx.Done():
	case <-done:
	case <-time.After(5 * time.Second):
		Err.Fatalf("timeout waiting for participants info")
	}
}
