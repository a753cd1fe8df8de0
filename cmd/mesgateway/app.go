package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/mesgateway/business/simulated"
	"github.com/c360/mesgateway/config"
	"github.com/c360/mesgateway/dispatcher"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/gateway/events"
	gatewayhttp "github.com/c360/mesgateway/gateway/http"
	"github.com/c360/mesgateway/governor"
	"github.com/c360/mesgateway/health"
	"github.com/c360/mesgateway/metric"
	"github.com/c360/mesgateway/pkg/security"
	"github.com/c360/mesgateway/reporter"
)

// app holds the wired gateway and its background jobs.
type app struct {
	logger    *slog.Logger
	bus       *gateway.EventBus
	server    *gatewayhttp.Server
	governor  *governor.Governor
	forwarder *events.Forwarder
	heartbeat *reporter.Heartbeat
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	component := func(name string) *slog.Logger { return logger.With("component", name) }

	metrics := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(metrics.CoreMetrics())
	bus := gateway.NewEventBus()

	machine := simulated.New(cfg.Device.DevCode, simulated.WithLogger(component("simulated-machine")))
	disp, err := dispatcher.New(machine.Services(),
		dispatcher.WithLogger(component("dispatcher")),
		dispatcher.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	gov, err := governor.New(cfg.Limits,
		governor.WithLogger(component("governor")),
		governor.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	validator := security.NewValidator(cfg.Security, security.WithLogger(component("security")))
	apiKey, signature, whitelist := validator.Flags()
	logger.Info("security checks", "api_key", apiKey, "signature", signature, "ip_whitelist", whitelist)

	server, err := gatewayhttp.New(cfg.Server, gatewayhttp.Deps{
		Dispatcher: disp,
		Governor:   gov,
		Validator:  validator,
		Events:     bus,
		Health:     monitor,
		Metrics:    metrics,
		TLS:        cfg.Security.TLS.Server,
		Logger:     component("gateway-http"),
	})
	if err != nil {
		return nil, err
	}

	fwd, err := events.FromConfig(bus, cfg.Events,
		events.WithLogger(component("event-forwarder")),
		events.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	if cfg.Events.Enabled() {
		monitor.Register("events", fwd.CheckHealth)
	}

	a := &app{
		logger:    logger,
		bus:       bus,
		server:    server,
		governor:  gov,
		forwarder: fwd,
	}

	if cfg.Heartbeat.Enabled {
		rep, err := reporter.New(cfg.ReporterConfig(), nil,
			reporter.WithLogger(component("reporter")),
			reporter.WithMetrics(metrics),
			reporter.WithTLS(cfg.Security.TLS.Client))
		if err != nil {
			return nil, err
		}
		a.heartbeat = reporter.NewHeartbeat(rep, machineStatus(machine), cfg.Heartbeat)
		monitor.Register("heartbeat", a.heartbeat.CheckHealth)
	}
	return a, nil
}

// machineStatus adapts the simulated machine snapshot to the report shape.
func machineStatus(m *simulated.Machine) reporter.StatusFunc {
	return func() reporter.MachineStatus {
		s := m.Snapshot()
		return reporter.MachineStatus{
			DevCode:    s.DevCode,
			State:      s.State,
			Speed:      s.Speed,
			Recipe:     s.Recipe,
			WorkOrders: s.WorkOrders,
			Time:       s.Time,
		}
	}
}

// run starts the listener and background jobs and blocks until ctx is done
// or a job fails.
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.server.Start(gctx); err != nil {
		return err
	}
	a.logger.Info("MES gateway listening", "address", a.server.Addr())

	g.Go(func() error { return a.governor.Run(gctx) })
	g.Go(func() error { return a.forwarder.Run(gctx) })
	if a.heartbeat != nil {
		g.Go(func() error { return a.heartbeat.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Received shutdown signal")
		return a.server.Stop(shutdownTimeout)
	})

	err := g.Wait()
	a.bus.Close()
	return err
}
