// Command x2-node serves a subset of a scenario's cells in one process and
// reaches the other cells' controllers over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/mobility-controller/internal/config"
	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/observability"
	"github.com/signalsfoundry/mobility-controller/internal/scenario"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/sim"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
	"github.com/signalsfoundry/mobility-controller/timectrl"
)

// Options are the command line settings of a node.
type Options struct {
	ConfigPath   string
	ScenarioPath string
	// Cells lists the cells this node controls, comma separated.
	Cells string
	// Accelerated runs the clock without wall-clock pacing.
	Accelerated bool
}

func main() {
	var opts Options
	flag.StringVar(&opts.ConfigPath, "config", "", "controller configuration file (default: search configs/controller.yaml)")
	flag.StringVar(&opts.ScenarioPath, "scenario", "configs/scenarios/dual-connectivity.json", "scenario JSON file describing the cell layout")
	flag.StringVar(&opts.Cells, "cells", "", "comma-separated cell ids served by this node")
	flag.BoolVar(&opts.Accelerated, "accelerated", false, "run the simulation clock without wall-clock pacing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "x2-node: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	lis, err := net.Listen("tcp", cfg.X2.Listen)
	if err != nil {
		log.Error(ctx, "failed to listen for x2", logging.String("addr", cfg.X2.Listen), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, opts, cfg, log, lis); err != nil {
		log.Error(ctx, "x2 node exited", logging.Err(err))
		os.Exit(1)
	}
}

func parseCells(s string) ([]model.CellID, error) {
	var out []model.CellID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := config.ParseCellID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("no cells to serve")
	}
	return out, nil
}

// run serves the node's cells until ctx is cancelled.
func run(ctx context.Context, opts Options, cfg *config.Config, log logging.Logger, lis net.Listener) error {
	cells, err := parseCells(opts.Cells)
	if err != nil {
		return err
	}
	cellCfg, err := cfg.CellConfig()
	if err != nil {
		return err
	}
	peers, err := cfg.PeerAddrs()
	if err != nil {
		return err
	}
	sc, err := scenario.Load(opts.ScenarioPath)
	if err != nil {
		return err
	}

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewHandoverCollector(reg)
	if err != nil {
		return err
	}
	delivery, err := observability.NewDeliveryCollector(reg)
	if err != nil {
		return err
	}

	var transport *x2.GRPCTransport
	newTransport := func(s sched.EventScheduler) (x2.Channel, error) {
		tOpts := []x2.GRPCOption{
			x2.WithCallTimeout(cfg.X2.CallTimeout),
			x2.WithTransportLogger(log),
			x2.WithTransportMetrics(collector),
		}
		for id, addr := range peers {
			tOpts = append(tOpts, x2.WithPeer(id, addr))
		}
		transport = x2.NewGRPCTransport(s, tOpts...)
		return transport, nil
	}

	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	r, err := sim.New(sc,
		sim.WithCells(cells...),
		sim.WithTransport(newTransport),
		sim.WithUntilCancelled(),
		sim.WithCellConfig(cellCfg),
		sim.WithLogger(log),
		sim.WithTracer(otel.Tracer("github.com/signalsfoundry/mobility-controller/cmd/x2-node")),
		sim.WithHandoverCollector(collector),
		sim.WithDeliveryCollector(delivery),
		sim.WithClockMode(mode),
		sim.WithStartTime(time.Now().UTC()),
	)
	if err != nil {
		return err
	}
	defer transport.Close()

	server := x2.NewServer(transport, grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()))
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "serving x2", logging.String("addr", lis.Addr().String()), logging.Int("cells", len(cells)))
		return server.Serve(lis)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		sum, err := r.Run(gctx)
		if sum != nil {
			log.Info(gctx, "controllers stopped",
				logging.Uint64("delivered", sum.Delivered),
				logging.Int("failures", sum.Failures),
			)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down x2 node")
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}
