package commands

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/jobkit/bus"
	"github.com/vinayprograms/jobkit/cache"
	"github.com/vinayprograms/jobkit/config"
	"github.com/vinayprograms/jobkit/credentials"
	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/interview"
	"github.com/vinayprograms/jobkit/llm"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/progress"
	"github.com/vinayprograms/jobkit/ratelimit"
	"github.com/vinayprograms/jobkit/runner"
	"github.com/vinayprograms/jobkit/shutdown"
	"github.com/vinayprograms/jobkit/tasks"
	"github.com/vinayprograms/jobkit/telemetry"
)

// shutdownGrace is added to the task timeout so a cancelled run can drain.
const shutdownGrace = 5 * time.Second

// app holds the components a run is built from. Everything it opens is
// registered with its shutdown coordinator.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	creds       *credentials.Credentials
	registry    *llm.Registry
	collection  *ratelimit.Collection
	cache       cache.Cache
	bus         bus.MessageBus
	coordinator *ratelimit.Coordinator
	exporter    telemetry.Exporter
	tracer      *telemetry.Tracer
	shutdown    *shutdown.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: llm.DefaultRegistry(),
		tracer:   telemetry.GetTracer(),
		shutdown: shutdown.NewCoordinator(shutdown.Config{
			Timeout:         cfg.Runner.TaskTimeout.Duration() + shutdownGrace,
			ContinueOnError: true,
			Logger:          logger.WithComponent("shutdown"),
		}),
	}

	if err := a.setup(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) setup(ctx context.Context) error {
	creds, path, err := credentials.Load()
	if err != nil {
		return err
	}
	if path != "" {
		a.logger.Debug("credentials loaded", map[string]interface{}{"path": path})
	}
	a.creds = creds

	if err := a.cfg.ApplyLimits(a.registry); err != nil {
		return err
	}
	if err := a.cfg.ApplyPricing(a.registry); err != nil {
		return err
	}
	a.collection = ratelimit.NewCollection(a.registry,
		ratelimit.WithGrowthFactor(a.cfg.Runner.GrowthFactor),
		ratelimit.WithLogger(a.logger.WithComponent("ratelimit")))

	if err := a.openCache(ctx); err != nil {
		return err
	}
	if err := a.openBus(); err != nil {
		return err
	}
	if err := a.openTelemetry(ctx); err != nil {
		return err
	}
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	if a.cfg.Cache.Path == "" {
		a.cache = cache.NewMemoryCache()
		return nil
	}
	sc, err := cache.OpenSQLite(ctx, a.cfg.Cache.Path)
	if err != nil {
		return err
	}
	a.cache = sc
	a.shutdown.RegisterFunc("cache", shutdown.PhaseConnections, func(context.Context) error {
		return sc.Close()
	})
	return nil
}

func (a *app) openBus() error {
	if !a.cfg.Bus.Enabled() {
		return nil
	}

	natsCfg := bus.DefaultNATSConfig()
	natsCfg.URL = a.cfg.Bus.URL
	nb, err := bus.NewNATSBus(natsCfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "connecting to bus")
	}
	a.bus = nb

	agentID := a.cfg.Bus.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	dc := ratelimit.DefaultDistributedConfig()
	dc.Bus = nb
	dc.AgentID = agentID
	dc.Logger = a.logger.WithComponent("coordinator")
	if d := a.cfg.Bus.RecoveryInterval.Duration(); d > 0 {
		dc.RecoveryInterval = d
	}
	coord, err := ratelimit.NewCoordinator(a.collection, dc)
	if err != nil {
		_ = nb.Close()
		return err
	}
	a.coordinator = coord

	// The coordinator must stop before its bus.
	a.shutdown.RegisterFunc("coordinator", shutdown.PhaseFlush, func(context.Context) error {
		return coord.Close()
	})
	a.shutdown.RegisterFunc("bus", shutdown.PhaseConnections, func(context.Context) error {
		return nb.Close()
	})
	return nil
}

func (a *app) openTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if tc.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: tc.ServiceName,
			Endpoint:    tc.Endpoint,
			Protocol:    tc.Protocol,
			Insecure:    tc.Insecure,
			Debug:       tc.Debug,
			SampleRatio: tc.SampleRatio,
		})
		if err != nil {
			return err
		}
		a.tracer = provider.Tracer()
		telemetry.SetGlobalTracer(a.tracer)
		a.shutdown.RegisterFunc("tracing-flush", shutdown.PhaseFlush, provider.ForceFlush)
		a.shutdown.RegisterFunc("tracing", shutdown.PhaseConnections, provider.Shutdown)
	}

	var exp telemetry.Exporter
	var err error
	switch {
	case tc.EventsEndpoint != "":
		exp, err = telemetry.NewExporter("http", tc.EventsEndpoint)
	case tc.EventsFile != "":
		exp, err = telemetry.NewExporter("file", tc.EventsFile)
	}
	if err != nil {
		return err
	}
	if exp != nil {
		a.exporter = exp
		a.shutdown.RegisterFunc("events", shutdown.PhaseFlush, func(context.Context) error {
			return exp.Close()
		})
	}
	return nil
}

// start launches the run and registers it for shutdown. Signals are only
// handled once the run is registered, so a signal always cancels the run
// before the connections it uses are closed.
func (a *app) start(ctx context.Context, ts []tasks.Task, settings runner.Config) (*runner.Execution, error) {
	exec, err := runner.New(a.collection, settings).Start(ctx, ts)
	if err != nil {
		return nil, err
	}
	a.shutdown.RegisterWithPhase("run", exec, shutdown.PhaseRuns)
	a.shutdown.HandleSignals(ctx)
	return exec, nil
}

// progressSink fans events out to the log, the bus and the event export.
func (a *app) progressSink() progress.Sink {
	sinks := []progress.Sink{progress.LogSink(a.logger.WithComponent("progress"))}
	if a.bus != nil {
		sinks = append(sinks, progress.NewBusSink(a.bus, a.logger))
	}
	if a.exporter != nil {
		sinks = append(sinks, progress.ExporterSink(a.exporter))
	}
	return progress.Multi(sinks...)
}

// interviews builds one interview per model.
func (a *app) interviews(models []string, questions []interview.Question, system string) ([]tasks.Task, error) {
	out := make([]tasks.Task, 0, len(models))
	for _, resource := range models {
		service, _, err := llm.SplitResource(resource)
		if err != nil {
			return nil, err
		}
		svc, ok := a.registry.Lookup(service)
		if !ok {
			return nil, errors.NotFound("unknown service "+service, errors.WithResource(resource))
		}

		provider, err := a.registry.NewProvider(resource, llm.Config{
			APIKey:  a.creds.APIKey(service, svc.EnvKey),
			BaseURL: a.creds.BaseURL(service),
		})
		if err != nil {
			return nil, err
		}
		provider = llm.WithTracing(provider, service, a.tracer)

		opts := []interview.Option{
			interview.WithSystem(system),
			interview.WithLogger(a.logger.WithComponent("interview")),
		}
		if a.coordinator != nil {
			opts = append(opts, interview.WithReducer(a.coordinator))
		}
		out = append(out, interview.New(resource, provider, questions, opts...))
	}
	return out, nil
}

// close releases everything the app opened. If a signal already started
// shutdown, close waits for it.
func (a *app) close() error {
	err := a.shutdown.ShutdownWithTimeout(0)
	if stderrors.Is(err, shutdown.ErrAlreadyShutdown) {
		<-a.shutdown.Done()
		return a.shutdown.Err()
	}
	return err
}
