package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"
	"golang.org/x/sync/errgroup"

	"blockphysics/server/internal/config"
	_ "blockphysics/server/internal/engine/reference"
	"blockphysics/server/internal/host"
	servernet "blockphysics/server/internal/net"
	"blockphysics/server/internal/net/ws"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/sim"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	loggingSinks "blockphysics/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger   telemetry.Logger
	Settings config.Config
	// Stdout receives the console and JSON sinks. Defaults to os.Stdout.
	Stdout io.Writer
	// Listener overrides Settings.HTTP.Addr.
	Listener net.Listener
	// Ready is called once the HTTP server accepts connections.
	Ready func(addr string)
}

// Run starts the physics bridge, the tick loop and the HTTP server, and
// blocks until ctx is cancelled or one of them fails.
func Run(ctx context.Context, cfg Config) error {
	settings := cfg.Settings.Normalized()
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewOperatorLogger(os.Stderr, "blockphysics", settings.Logging.Debug)
	}

	logConfig, err := settings.LoggingConfig()
	if err != nil {
		return err
	}
	sinks, closers := buildSinks(ctx, logConfig, stdout, logger)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, logger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := &logging.Metrics{}
	telemetryMetrics := telemetry.WrapMetrics(metrics)

	var (
		manager *physics.Manager
		demoRun *demo
		server  host.Server
		effects host.Effects
	)
	if settings.Demo.Enabled {
		demoRun = newDemo(settings.Demo, settings.Bodies.ThrowPower)
		server = demoRun.server()
		effects = blockBreakNotifier{
			Effects: demoRun.recorder,
			notify: func(world string, pos cube.Pos) {
				manager.OnBlockChange(world, pos)
			},
		}
	}

	manager = physics.NewManager(physics.Options{
		Backend:    settings.Engine.Backend,
		Config:     settings.PhysicsConfig(),
		Server:     server,
		Geometry:   geometryFor(demoRun),
		Effects:    effects,
		Thresholds: settings.Thresholds(),
		Breakable:  settings.Breakable(),
		Publisher:  router,
		Logger:     logger,
		Metrics:    telemetryMetrics,
	})
	if err := manager.OnEnable(ctx); err != nil {
		logger.Printf("physics bridge started degraded: %v", err)
	}
	defer func() {
		if derr := manager.OnDisable(context.Background()); derr != nil {
			logger.Printf("failed to shut down physics: %v", derr)
		}
	}()
	if demoRun != nil && manager.Enabled() {
		if err := demoRun.populate(ctx, manager); err != nil {
			logger.Printf("demo world: %v", err)
		}
	}

	stream := ws.NewHandler(manager, ws.HandlerConfig{Logger: logger, Metrics: telemetryMetrics, Publisher: router})
	defer stream.Close()

	streamInterval := uint64(settings.HTTP.StreamInterval)
	loop := sim.NewLoop(manager, settings.LoopConfig(), sim.Deps{
		Logger:    logger,
		Metrics:   telemetryMetrics,
		Publisher: router,
	}, sim.LoopHooks{
		AfterStep: func(result sim.LoopStepResult) {
			if result.Tick%streamInterval == 0 {
				stream.Broadcast(manager.Snapshot())
			}
			if demoRun != nil {
				if err := demoRun.afterTick(manager, result.Tick); err != nil {
					logger.Printf("demo world: %v", err)
				}
			}
		},
		OnQueueWarning: func(length int) {
			logger.Printf("[backpressure] command queue length=%d", length)
		},
	})

	handler := servernet.NewHTTPHandler(manager, servernet.HTTPHandlerConfig{
		Logger:   logger,
		Metrics:  metrics,
		Commands: loop,
		Tick: func() uint64 {
			if snap := manager.Snapshot(); snap != nil {
				return snap.Tick
			}
			return 0
		},
		TickRate:      settings.Tick.Rate,
		Stream:        stream,
		Schema:        config.SchemaJSON,
		Observability: settings.HTTP.Debug,
		Events:        router.Stats,
	})

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", settings.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", settings.HTTP.Addr, err)
		}
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	logger.Printf("server listening on %s", listener.Addr())
	if cfg.Ready != nil {
		cfg.Ready(listener.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		stream.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func geometryFor(d *demo) host.Geometry {
	if d == nil {
		return nil
	}
	return d.geometry
}

// buildSinks constructs the enabled event sinks. A sink that cannot be
// opened is reported and skipped; the console sink is the fallback.
func buildSinks(ctx context.Context, cfg logging.Config, stdout io.Writer, logger telemetry.Logger) (map[string]logging.Sink, []io.Closer) {
	sinks := make(map[string]logging.Sink)
	var closers []io.Closer

	if cfg.HasSink("console") {
		sinks["console"] = loggingSinks.NewConsole(stdout, cfg.Console)
	}
	if cfg.HasSink("json") {
		out := stdout
		if cfg.JSON.FilePath != "" {
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				logger.Printf("json sink disabled: %v", err)
				out = nil
			} else {
				closers = append(closers, file)
				out = file
			}
		}
		if out != nil {
			sinks["json"] = loggingSinks.NewJSON(out, cfg.JSON.FlushInterval)
		}
	}
	if cfg.HasSink("nats") {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.NATS.Timeout)
		sink, err := loggingSinks.DialNATS(dialCtx, cfg.NATS)
		cancel()
		if err != nil {
			logger.Printf("nats sink disabled: %v", err)
		} else {
			sinks["nats"] = sink
		}
	}
	if len(sinks) == 0 {
		sinks["console"] = loggingSinks.NewConsole(stdout, cfg.Console)
	}
	return sinks, closers
}
