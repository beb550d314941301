package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/lmic-task/internal/config"
	"github.com/ChuLiYu/lmic-task/internal/irq"
	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/mac"
	"github.com/ChuLiYu/lmic-task/internal/metrics"
	"github.com/ChuLiYu/lmic-task/internal/orchestrator"
	"github.com/ChuLiYu/lmic-task/internal/radio"
	"github.com/ChuLiYu/lmic-task/internal/server"
	"github.com/ChuLiYu/lmic-task/internal/session"
	"github.com/ChuLiYu/lmic-task/internal/ticksource"
)

// daemon is one fully wired task with its simulated hardware.
type daemon struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	mask     *irq.Mask
	timer    *ticksource.SimTimer
	clock    *ticksource.Source
	chip     *radio.SimChip
	sim      *mac.Sim
	task     *orchestrator.Orchestrator
	registry *prometheus.Registry
	session  *session.Writer // nil without session.path
}

func runDaemon(ctx context.Context, bench time.Duration) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	log, err := logger.New(logger.Options{JSON: cfg.Log.JSON, Level: cfg.Log.Level})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	log.Infow("starting lmicd", "config", configFile, "control", cfg.Server.Addr)
	return d.run(ctx, bench)
}

// newDaemon wires the task from cfg. A failed sleep or wake handshake is
// fatal for the process.
func newDaemon(cfg config.Config, log *zap.SugaredLogger) (*daemon, error) {
	log = logger.OrNop(log)
	d := &daemon{
		cfg:      cfg,
		log:      log,
		mask:     &irq.Mask{},
		timer:    ticksource.NewSimTimer(),
		chip:     radio.NewSimChip(),
		registry: prometheus.NewRegistry(),
	}
	d.clock = ticksource.New(d.timer, d.mask, cfg.Tick.TicksPerSecond)
	queue := jobqueue.New(d.mask)

	hal, err := radio.New(d.chip.Pins(), d.chip)
	if err != nil {
		return nil, errors.Wrap(err, "radio hal")
	}
	if err := hal.Probe(); err != nil {
		return nil, err
	}

	simOpts := mac.SimOptions{
		Queue:           queue,
		Clock:           d.clock,
		HAL:             hal,
		JoinAcceptDelay: cfg.Sim.JoinAcceptDelay,
		Bands:           cfg.Sim.Bands,
		Logger:          log,
	}
	if cfg.Session.Path != "" {
		store := session.NewStore(cfg.Session.Path, cfg.Session.Backups)
		st, ok, err := store.LoadAny()
		if err != nil {
			return nil, errors.WithHint(errors.Wrap(err, "load session"),
				"remove the session file to start a new session")
		}
		if ok {
			log.Infow("session restored", "dev_addr", st.DevAddr.String(), "fcnt_up", st.FCntUp, "dev_nonce", st.DevNonce)
			simOpts.Resume = &st
		}
		d.session = session.NewWriter(store, cfg.Session.FlushInterval, log)
		simOpts.OnSession = d.session.Update
	}
	d.sim = mac.NewSim(simOpts)

	collector := metrics.NewCollector(d.registry)
	ocfg := cfg.Orchestrator()
	ocfg.Logger = log
	ocfg.Fatal = func(err error) { log.Fatalw("task failure", logger.FieldError, err) }

	d.task, err = orchestrator.New(ocfg, orchestrator.Deps{
		Clock:    d.clock,
		Queue:    queue,
		MAC:      d.sim,
		Observer: collector,
	})
	if err != nil {
		return nil, err
	}
	collector.WatchTask(d.task)
	collector.WatchMask(d.mask)
	return d, nil
}

// run drives the timer, starts the task and serves until ctx is done.
func (d *daemon) run(ctx context.Context, bench time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// The session writer outlives the task loop so the last counters are
	// flushed after it stopped.
	var flushed chan error
	stopSession := func() {}
	if d.session != nil {
		sctx, stop := context.WithCancel(context.Background())
		flushed = make(chan error, 1)
		go func() { flushed <- d.session.Run(sctx) }()
		stopSession = stop
	}

	g.Go(func() error {
		d.timer.Drive(ctx, d.cfg.Tick.TicksPerSecond)
		return nil
	})

	if err := d.task.Start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		stopSession()
		return errors.Wrap(err, "failed to start task")
	}
	if bench > 0 {
		d.task.StartBenchmark(bench)
	}

	if d.cfg.Metrics.Enabled {
		g.Go(func() error {
			d.log.Infow("metrics server listening", "addr", d.cfg.Metrics.Addr)
			return metrics.Serve(ctx, d.cfg.Metrics.Addr, d.registry)
		})
	}
	g.Go(func() error {
		return server.Serve(ctx, d.cfg.Server.Addr, server.NewServer(d.task, d.log), d.log)
	})

	d.log.Infow("system started")
	<-ctx.Done()
	d.log.Infow("shutting down")
	d.task.Stop()
	stopSession()
	if flushed != nil {
		if err := <-flushed; err != nil {
			d.log.Errorw("final session save failed", logger.FieldError, err)
		}
	}

	err := g.Wait()
	d.log.Infow("stopped", "transmissions", d.sim.Status().Transmissions)
	return err
}
