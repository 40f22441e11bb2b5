// Command hosim replays a mobility scenario through a set of cell
// controllers and prints what happened to the terminals' handovers and data.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/signalsfoundry/mobility-controller/internal/config"
	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/observability"
	"github.com/signalsfoundry/mobility-controller/internal/scenario"
	"github.com/signalsfoundry/mobility-controller/internal/sim"
	"github.com/signalsfoundry/mobility-controller/timectrl"
)

// Options are the command line settings of a run.
type Options struct {
	ScenarioPath string
	ConfigPath   string
	MetricsAddr  string
	RealTime     bool
	// Linger keeps /metrics up after the run until interrupted.
	Linger bool
}

func main() {
	var opts Options
	flag.StringVar(&opts.ScenarioPath, "scenario", "configs/scenarios/dual-connectivity.json", "scenario JSON file")
	flag.StringVar(&opts.ConfigPath, "config", "", "controller configuration file (default: search configs/controller.yaml)")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables it")
	flag.BoolVar(&opts.RealTime, "realtime", false, "pace the simulation clock with wall-clock time")
	flag.BoolVar(&opts.Linger, "linger", false, "keep serving /metrics after the run until interrupted")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "hosim: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts Options, out io.Writer) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	cellCfg, err := cfg.CellConfig()
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
	handovers, err := observability.NewHandoverCollector(reg)
	if err != nil {
		return err
	}
	delivery, err := observability.NewDeliveryCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(opts.MetricsAddr, handovers, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	mode := timectrl.Accelerated
	if opts.RealTime {
		mode = timectrl.RealTime
	}
	r, err := sim.New(sc,
		sim.WithCellConfig(cellCfg),
		sim.WithLogger(log),
		sim.WithTracer(otel.Tracer("github.com/signalsfoundry/mobility-controller/cmd/hosim")),
		sim.WithHandoverCollector(handovers),
		sim.WithDeliveryCollector(delivery),
		sim.WithClockMode(mode),
	)
	if err != nil {
		return err
	}

	sum, runErr := r.Run(ctx)
	if sum != nil {
		if err := sum.Write(out); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	if opts.Linger && metricsSrv != nil {
		log.Info(ctx, "run finished; serving metrics until interrupted", logging.String("addr", opts.MetricsAddr))
		<-ctx.Done()
	}
	return nil
}

func serveMetrics(addr string, collector *observability.HandoverCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
