package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c360/hiveroute/metric"
	"github.com/c360/hiveroute/rpc"
)

// runPing performs the client startup handshake against the configured
// request subject and reports how long the backend took to answer.
func runPing(ctx context.Context, out io.Writer, opts *cliOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger := setupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	nc, err := connectNATS(ctx, cfg, logger, metric.NewMetricsRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = nc.Close(context.Background()) }()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	matcher := rpc.NewMatcher(rpc.WithMatcherLogger(logger))
	listener := rpc.NewResponseListener(nc, matcher, cfg.RPC.ResponseSubject,
		cfg.RPC.Partitions, cfg.RPC.ListenerWorkers, logger)
	if err := listener.Start(listenCtx); err != nil {
		return err
	}

	client := rpc.NewClient(nc, matcher,
		rpc.WithRequestSubject(cfg.RPC.RequestSubject),
		rpc.WithReplySubject(cfg.RPC.ResponseSubject, cfg.RPC.Partitions),
		rpc.WithCallTimeout(cfg.RPC.CallTimeout.Std()),
		rpc.WithPing(cfg.RPC.PingAttempts, cfg.RPC.PingTimeout.Std()),
		rpc.WithClientLogger(logger))

	started := time.Now()
	if err := client.Start(listenCtx); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "backend on %s answered in %s\n", cfg.RPC.RequestSubject, time.Since(started).Round(time.Millisecond))
	return err
}
