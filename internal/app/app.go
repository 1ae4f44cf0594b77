package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"matrixpub/internal/alert"
	"matrixpub/internal/config"
	"matrixpub/internal/distribution"
	"matrixpub/internal/eventbus"
	"matrixpub/internal/proxypool"
	"matrixpub/internal/publish"
	"matrixpub/internal/rotation"
	"matrixpub/internal/runner"
	"matrixpub/internal/runtime/supervisor"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

// App wires the store, the proxy pool, rotation, distribution, the job
// runner and alerts, and applies config reloads to them.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.Store
	pool   *proxypool.Pool
	rot    *rotation.Scheduler
	dist   *distribution.Distributor
	pubs   *publish.Registry
	runner *runner.Runner
	alerts *alert.Service

	mu        sync.Mutex
	runnerOn  bool
	runnerCfg bool // runner.enabled as last applied
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.NewService(mapLogging(cfg))
	a, err := build(cfgm, cfg, logSvc, log, time.Now)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, now func() time.Time) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts, err := mapRunnerOptions(cfg)
	if err != nil {
		return nil, err
	}
	gen, err := mapScheduleGenerator(cfg, now)
	if err != nil {
		return nil, err
	}
	pubMap, err := mapPublishers(cfg, log.With(logx.String("comp", "publish")))
	if err != nil {
		return nil, err
	}
	alertCfg, sender, err := mapAlerts(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	pool := proxypool.New(store, log.With(logx.String("comp", "proxypool")), proxypool.WithClock(now))
	rot := rotation.New(store, pool, mapRotationDefaults(cfg), log.With(logx.String("comp", "rotation")), now)
	dist := distribution.New(store, gen, log.With(logx.String("comp", "distribution")), now)
	pubs := publish.NewRegistry()
	pubs.Replace(pubMap)

	run, err := runner.New(runner.Deps{
		Store:      store,
		Pool:       pool,
		Rotation:   rot,
		Publishers: pubs,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "runner")),
		Now:        now,
	}, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		pool:      pool,
		rot:       rot,
		dist:      dist,
		pubs:      pubs,
		runner:    run,
		alerts:    alert.New(alertCfg, sender, store, bus, log.With(logx.String("comp", "alert"))),
		runnerCfg: cfg.Runner.IsEnabled(),
	}, nil
}

func (a *App) Store() *storage.Store                  { return a.store }
func (a *App) Pool() *proxypool.Pool                  { return a.pool }
func (a *App) Rotation() *rotation.Scheduler          { return a.rot }
func (a *App) Distributor() *distribution.Distributor { return a.dist }
func (a *App) Bus() eventbus.Bus                      { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.alerts.Start(a.sup.Context())

	a.mu.Lock()
	enabled := a.runnerCfg
	a.mu.Unlock()
	if enabled {
		if err := a.startRunner(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("runner disabled via config")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// latest drains ch and returns the newest config seen.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return cur
			}
			if c != nil {
				cur = c
			}
		default:
			return cur
		}
	}
}

func (a *App) startRunner(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runnerOn {
		return nil
	}
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	a.runnerOn = true
	return nil
}

func (a *App) stopRunner(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.runnerOn {
		return nil
	}
	a.runnerOn = false
	return a.runner.Stop(ctx)
}

// applyConfig pushes a committed config into the running components. Every
// section is applied independently; a failing section keeps its previous
// settings.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, _ := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed["logging"] {
		a.logs.Apply(mapLogging(newCfg))
	}
	if changed["rotation"] {
		a.rot.SetDefaults(mapRotationDefaults(newCfg))
	}
	if changed["distribution"] {
		if gen, err := mapScheduleGenerator(newCfg, time.Now); err != nil {
			a.log.Warn("invalid distribution config; keeping previous", logx.Err(err))
		} else {
			a.dist.SetGenerator(gen)
		}
	}
	if changed["publishers"] {
		if pubs, err := mapPublishers(newCfg, a.log.With(logx.String("comp", "publish"))); err != nil {
			a.log.Warn("invalid publishers config; keeping previous", logx.Err(err))
		} else {
			a.pubs.Replace(pubs)
		}
	}
	if changed["runner"] {
		a.applyRunner(ctx, newCfg)
	}
	if changed["alerts"] {
		a.applyAlerts(ctx, newCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyRunner(ctx context.Context, cfg *config.Config) {
	opts, err := mapRunnerOptions(cfg)
	if err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
		return
	}
	if err := a.runner.Apply(opts); err != nil {
		a.log.Warn("runner apply failed", logx.Err(err))
		return
	}
	a.mu.Lock()
	prev := a.runnerCfg
	a.runnerCfg = cfg.Runner.IsEnabled()
	next := a.runnerCfg
	a.mu.Unlock()

	switch {
	case prev && !next:
		a.log.Info("runner disabled via config")
		if err := a.stopRunner(ctx); err != nil {
			a.log.Warn("runner stop", logx.Err(err))
		}
	case !prev && next:
		a.log.Info("runner enabled via config")
		if err := a.startRunner(ctx); err != nil {
			a.log.Error("runner start", logx.Err(err))
		}
	}
}

func (a *App) applyAlerts(ctx context.Context, cfg *config.Config) {
	acfg, sender, err := mapAlerts(cfg)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	wasOn := a.alerts.Enabled()
	if wasOn {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	}
	a.alerts.Apply(acfg, sender)
	a.alerts.Start(ctx)
	if wasOn != acfg.Enabled {
		a.log.Info("alerts toggled via config", logx.Bool("enabled", acfg.Enabled))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	var errs []error
	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	step("runner", 10*time.Second, a.stopRunner)
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
