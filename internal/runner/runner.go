package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"matrixpub/internal/eventbus"
	"matrixpub/internal/model"
	"matrixpub/internal/proxypool"
	"matrixpub/internal/publish"
	"matrixpub/internal/rotation"
	"matrixpub/internal/runtime/supervisor"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

// Options are the runner's tunables. Zero fields take the defaults below.
type Options struct {
	Tick     time.Duration
	IPSwitch string
	Subtasks string
	Cookies  string

	BatchSize      int
	PublishTimeout time.Duration
	ErrorBackoff   time.Duration
	StopTimeout    time.Duration
	DeferBackoff   time.Duration // wait after the assigned proxy was busy
}

const (
	defaultTick           = 5 * time.Second
	defaultIPSwitch       = "@every 60s"
	defaultSubtasks       = "@every 30s"
	defaultCookies        = "@every 5m"
	defaultBatchSize      = 5
	defaultPublishTimeout = 30 * time.Minute
	defaultErrorBackoff   = 10 * time.Second
	defaultStopTimeout    = 5 * time.Second
	defaultDeferBackoff   = time.Minute

	interruptedMessage = "interrupted: runner restarted"
)

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = defaultTick
	}
	if o.IPSwitch == "" {
		o.IPSwitch = defaultIPSwitch
	}
	if o.Subtasks == "" {
		o.Subtasks = defaultSubtasks
	}
	if o.Cookies == "" {
		o.Cookies = defaultCookies
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = defaultErrorBackoff
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.DeferBackoff <= 0 {
		o.DeferBackoff = defaultDeferBackoff
	}
	return o
}

type concern int

const (
	concernIPSwitch concern = iota
	concernSubtasks
	concernCookies
	numConcerns
)

var concernNames = [numConcerns]string{"ip_switch", "subtasks", "cookies"}

// Deps are the collaborators the runner drives.
type Deps struct {
	Store      *storage.Store
	Pool       *proxypool.Pool
	Rotation   *rotation.Scheduler
	Publishers *publish.Registry
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// Runner is the background job loop. One loop goroutine dispatches three
// independently timed sweeps: proxy rotation, subtask execution and
// cookie refresh checks.
type Runner struct {
	store *storage.Store
	pool  *proxypool.Pool
	rot   *rotation.Scheduler
	pubs  *publish.Registry
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu    sync.Mutex
	opts  Options
	sched [numConcerns]cron.Schedule
	next  [numConcerns]time.Time
	sup   *supervisor.Supervisor

	tickMu sync.Mutex // serializes Tick
	retick chan time.Duration
}

// ValidateOptions checks that every cadence parses.
func ValidateOptions(o Options) error {
	_, err := parseSchedules(o.withDefaults())
	return err
}

func parseSchedules(o Options) ([numConcerns]cron.Schedule, error) {
	var out [numConcerns]cron.Schedule
	for c, raw := range [numConcerns]string{o.IPSwitch, o.Subtasks, o.Cookies} {
		s, err := ParseCadence(raw)
		if err != nil {
			return out, fmt.Errorf("runner.%s: %w", concernNames[c], err)
		}
		out[c] = s
	}
	return out, nil
}

func New(d Deps, opts Options) (*Runner, error) {
	opts = opts.withDefaults()
	sched, err := parseSchedules(opts)
	if err != nil {
		return nil, err
	}
	if d.Store == nil || d.Pool == nil || d.Rotation == nil || d.Publishers == nil {
		return nil, errors.New("runner: store, pool, rotation and publishers are required")
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Runner{
		store:  d.Store,
		pool:   d.Pool,
		rot:    d.Rotation,
		pubs:   d.Publishers,
		bus:    d.Bus,
		log:    d.Log,
		now:    d.Now,
		opts:   opts,
		sched:  sched,
		retick: make(chan time.Duration, 1),
	}, nil
}

func (r *Runner) options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// Apply swaps cadences and tunables at runtime. Changed cadences restart
// their window from now; nothing is applied when any cadence is invalid.
func (r *Runner) Apply(opts Options) error {
	opts = opts.withDefaults()
	sched, err := parseSchedules(opts)
	if err != nil {
		return err
	}
	now := r.now()
	r.mu.Lock()
	old := r.opts
	oldSpecs := [numConcerns]string{old.IPSwitch, old.Subtasks, old.Cookies}
	newSpecs := [numConcerns]string{opts.IPSwitch, opts.Subtasks, opts.Cookies}
	for c := range newSpecs {
		if oldSpecs[c] != newSpecs[c] {
			r.sched[c] = sched[c]
			r.next[c] = sched[c].Next(now)
		}
	}
	r.opts = opts
	r.mu.Unlock()

	if opts.Tick != old.Tick {
		select {
		case r.retick <- opts.Tick:
		default:
		}
	}
	r.log.Info("runner options applied",
		logx.Duration("tick", opts.Tick),
		logx.String("ip_switch", opts.IPSwitch),
		logx.String("subtasks", opts.Subtasks),
		logx.String("cookies", opts.Cookies),
		logx.Int("batch_size", opts.BatchSize),
	)
	return nil
}

// Start recovers work interrupted by a previous process, then launches the loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.mu.Unlock()

	if err := r.RecoverInterrupted(ctx); err != nil {
		return err
	}

	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(r.log))
	r.mu.Lock()
	r.sup = sup
	backoff := r.opts.ErrorBackoff
	r.mu.Unlock()

	sup.GoRestart("runner.loop", r.loop,
		supervisor.WithRestartBackoff(backoff, 6*backoff),
		supervisor.WithPublishFirstError(true),
	)
	r.log.Info("runner started")
	return nil
}

// Stop signals the loop and waits for it, bounded by the stop timeout.
// A publish in flight is not cancelled; the loop exits after it settles.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	timeout := r.opts.StopTimeout
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := sup.Stop(wctx)
	if errors.Is(err, context.DeadlineExceeded) {
		r.log.Warn("runner did not stop in time", logx.Duration("timeout", timeout))
		return fmt.Errorf("runner stop: %w", err)
	}
	r.log.Info("runner stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	t := time.NewTicker(r.options().Tick)
	defer t.Stop()
	for {
		if err := r.safeTick(ctx); err != nil && ctx.Err() == nil {
			backoff := r.options().ErrorBackoff
			r.log.Error("runner tick failed", logx.Err(err), logx.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case d := <-r.retick:
			t.Reset(d)
		case <-t.C:
		}
	}
}

func (r *Runner) safeTick(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in tick: %v", p)
		}
	}()
	return r.Tick(ctx)
}

// Tick runs every sweep that is due at the runner clock's now. A sweep
// that has never run is due immediately.
func (r *Runner) Tick(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	now := r.now()
	var due []concern
	r.mu.Lock()
	for c := concern(0); c < numConcerns; c++ {
		if r.next[c].IsZero() || !now.Before(r.next[c]) {
			due = append(due, c)
			r.next[c] = r.sched[c].Next(now)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		log := r.log.With(logx.String("sweep", concernNames[c]), logx.String("sweep_id", uuid.NewString()))
		var err error
		switch c {
		case concernIPSwitch:
			err = r.sweepIPSwitch(ctx, log)
		case concernSubtasks:
			err = r.sweepSubtasks(ctx, log)
		case concernCookies:
			err = r.sweepCookies(ctx, log)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s sweep: %w", concernNames[c], err))
		}
	}
	return errors.Join(errs...)
}

// RecoverInterrupted fails subtasks a previous process left Running,
// re-aggregates their tasks and reclaims proxy capacity they held.
func (r *Runner) RecoverInterrupted(ctx context.Context) error {
	now := r.now()
	var taskIDs []int64
	err := r.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		taskIDs, err = storage.FailRunningSubtasks(ctx, q, interruptedMessage, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("recover interrupted subtasks: %w", err)
	}
	for _, id := range taskIDs {
		if err := r.aggregate(ctx, id, ""); err != nil {
			r.log.Warn("re-aggregate after recovery failed", logx.Int64("task_id", id), logx.Err(err))
		}
	}
	if len(taskIDs) > 0 {
		r.log.Warn("failed subtasks interrupted by restart", logx.Int("tasks", len(taskIDs)))
	}
	if _, err := r.pool.Reclaim(ctx); err != nil {
		return err
	}
	return nil
}

func (r *Runner) sweepIPSwitch(ctx context.Context, log logx.Logger) error {
	results, err := r.rot.SwitchDue(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			r.publishEvent(eventbus.ProxySwitchFailed, eventbus.SwitchData{AccountID: res.AccountID, From: res.From, Error: res.Err.Error()})
			continue
		}
		r.publishEvent(eventbus.ProxySwitched, eventbus.SwitchData{AccountID: res.AccountID, From: res.From, To: res.To})
	}
	if len(results) > 0 {
		log.Info("proxy rotation sweep done", logx.Int("due", len(results)), logx.Int("failed", failed))
	}
	return nil
}

func (r *Runner) sweepCookies(ctx context.Context, log logx.Logger) error {
	recs, err := storage.CookiesDue(ctx, r.store.DB(), r.now())
	if err != nil {
		return err
	}
	for _, c := range recs {
		reason := "refresh due"
		if !c.Valid {
			reason = "invalid"
			if c.ValidationMessage != "" {
				reason += ": " + c.ValidationMessage
			}
		}
		log.Warn("credentials need attention", logx.Int64("account_id", c.AccountID), logx.String("path", c.Path), logx.String("reason", reason))
		r.publishEvent(eventbus.CookieRefreshDue, eventbus.CookieData{AccountID: c.AccountID, Path: c.Path, Valid: c.Valid, Reason: reason})
	}
	return nil
}

func (r *Runner) sweepSubtasks(ctx context.Context, log logx.Logger) error {
	jobs, err := storage.RunnableSubtasks(ctx, r.store.DB(), r.now(), r.options().BatchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	log.Debug("runnable subtasks", logx.Int("count", len(jobs)))
	for _, job := range jobs {
		// Stop between items, never during one.
		if ctx.Err() != nil {
			break
		}
		if err := r.execute(ctx, job, log); err != nil {
			log.Error("subtask execution error", logx.Int64("subtask_id", job.ID), logx.Err(err))
		}
	}
	return nil
}

// execute runs one subtask to a settled state, or leaves it Pending when
// its assigned proxy cannot be taken right now.
func (r *Runner) execute(ctx context.Context, job storage.SubtaskJob, log logx.Logger) error {
	log = log.With(logx.Int64("subtask_id", job.ID), logx.Int64("task_id", job.TaskID), logx.Int64("account_id", job.AccountID))
	// Settlement must land even when the loop is being stopped.
	wctx := context.WithoutCancel(ctx)

	pub, err := r.pubs.Lookup(job.Platform)
	if err != nil {
		return r.settle(wctx, job, 0, err, log)
	}
	switch {
	case job.FilePath == "":
		return r.settle(wctx, job, 0, fmt.Errorf("media file %d: %w", job.FileID, model.ErrNotFound), log)
	case job.CredentialPath == "":
		return r.settle(wctx, job, 0, fmt.Errorf("account %d: %w", job.AccountID, model.ErrNotFound), log)
	}

	claimed, err := storage.MarkSubtaskRunning(wctx, r.store.DB(), job.ID, r.now())
	if err != nil {
		return fmt.Errorf("claim subtask: %w", err)
	}
	if !claimed {
		log.Debug("subtask already claimed")
		return nil
	}
	if err := r.aggregate(wctx, job.TaskID, job.TaskName); err != nil {
		log.Warn("task aggregation failed", logx.Err(err))
	}

	px, hasProxy, err := r.rot.CurrentProxy(wctx, job.AccountID)
	if err != nil {
		r.unclaim(wctx, job, log)
		return fmt.Errorf("resolve proxy: %w", err)
	}
	if hasProxy && !px.Active {
		// Waiting cannot help a deactivated proxy; move the account now.
		if px, err = r.replaceProxy(wctx, job.AccountID, px, log); err != nil {
			return r.settle(wctx, job, 0, err, log)
		}
	}

	req := publish.Request{
		Platform:       job.Platform,
		SubtaskID:      job.ID,
		AccountID:      job.AccountID,
		Title:          job.Title,
		FilePath:       job.FilePath,
		Tags:           job.Tags,
		Category:       job.Category,
		CredentialPath: job.CredentialPath,
		ScheduledTime:  job.ScheduledTime,
	}

	if !hasProxy {
		perr := r.invoke(wctx, pub, req, 0, job, log)
		return r.settle(wctx, job, 0, perr, log)
	}

	started := false
	perr := r.pool.Use(wctx, px.ID, proxypool.Holder{AccountID: job.AccountID, TaskID: job.TaskID},
		func(ctx context.Context, held model.Proxy) error {
			started = true
			req.ProxyURL = held.URL()
			return r.invoke(ctx, pub, req, held.ID, job, log)
		})
	if !started {
		if errors.Is(perr, model.ErrResourceUnavailable) {
			r.deferBusy(wctx, job, px.ID, log)
			return nil
		}
		r.unclaim(wctx, job, log)
		return perr
	}
	return r.settle(wctx, job, px.ID, perr, log)
}

// replaceProxy switches the account away from an inactive proxy and returns
// the new assignment. The error wraps ErrResourceUnavailable when no other
// proxy is eligible.
func (r *Runner) replaceProxy(ctx context.Context, accountID int64, old model.Proxy, log logx.Logger) (model.Proxy, error) {
	sc, err := r.rot.Switch(ctx, accountID, "")
	if err != nil {
		r.publishEvent(eventbus.ProxySwitchFailed, eventbus.SwitchData{AccountID: accountID, From: old.ID, Error: err.Error()})
		return model.Proxy{}, fmt.Errorf("assigned proxy %d is inactive: %w", old.ID, err)
	}
	r.publishEvent(eventbus.ProxySwitched, eventbus.SwitchData{AccountID: accountID, From: old.ID, To: sc.CurrentProxyID})
	px, ok, err := r.rot.CurrentProxy(ctx, accountID)
	if err != nil {
		return model.Proxy{}, fmt.Errorf("resolve proxy: %w", err)
	}
	if !ok {
		return model.Proxy{}, fmt.Errorf("proxy %d vanished after switch: %w", sc.CurrentProxyID, model.ErrResourceUnavailable)
	}
	log.Info("replaced inactive proxy", logx.Int64("from", old.ID), logx.Int64("to", px.ID))
	return px, nil
}

// deferBusy returns the subtask to Pending behind the rest of the queue.
func (r *Runner) deferBusy(ctx context.Context, job storage.SubtaskJob, proxyID int64, log logx.Logger) {
	until := r.now().Add(r.options().DeferBackoff)
	if _, err := storage.DeferSubtask(ctx, r.store.DB(), job.ID, until); err != nil {
		log.Error("defer subtask failed", logx.Err(err))
	} else {
		log.Info("assigned proxy busy; subtask deferred", logx.Int64("proxy_id", proxyID), logx.Time("until", until))
	}
	if err := r.aggregate(ctx, job.TaskID, job.TaskName); err != nil {
		log.Warn("task aggregation failed", logx.Err(err))
	}
}

func (r *Runner) invoke(ctx context.Context, pub publish.Publisher, req publish.Request, proxyID int64, job storage.SubtaskJob, log logx.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: publisher panicked: %v", model.ErrExecution, p)
		}
	}()
	r.publishEvent(eventbus.SubtaskStarted, r.subtaskData(job, proxyID, nil))
	log.Info("publishing", logx.String("platform", job.Platform.String()), logx.Int64("proxy_id", proxyID))

	pctx, cancel := context.WithTimeout(ctx, r.options().PublishTimeout)
	defer cancel()
	return pub.Publish(pctx, req)
}

func (r *Runner) unclaim(ctx context.Context, job storage.SubtaskJob, log logx.Logger) {
	if _, err := storage.ReleaseSubtaskClaim(ctx, r.store.DB(), job.ID); err != nil {
		log.Error("release subtask claim failed", logx.Err(err))
	}
	if err := r.aggregate(ctx, job.TaskID, job.TaskName); err != nil {
		log.Warn("task aggregation failed", logx.Err(err))
	}
}

// settle records the outcome (the error text is stored verbatim) and
// re-aggregates the parent task.
func (r *Runner) settle(ctx context.Context, job storage.SubtaskJob, proxyID int64, perr error, log logx.Logger) error {
	status, msg, evType := model.SubtaskSuccess, "", eventbus.SubtaskSucceeded
	if perr != nil {
		status, msg, evType = model.SubtaskFailed, perr.Error(), eventbus.SubtaskFailed
	}
	changed, err := storage.SettleSubtask(ctx, r.store.DB(), job.ID, status, msg, r.now())
	if err != nil {
		return fmt.Errorf("settle subtask: %w", err)
	}
	if changed {
		if perr != nil {
			log.Warn("subtask failed", logx.Err(perr))
		} else {
			log.Info("subtask succeeded")
		}
		r.publishEvent(evType, r.subtaskData(job, proxyID, perr))
	}
	return r.aggregate(ctx, job.TaskID, job.TaskName)
}

// aggregate derives the task status from its subtasks. Writing an
// unchanged status is a no-op, so concurrent calls converge.
func (r *Runner) aggregate(ctx context.Context, taskID int64, name string) error {
	var (
		stats   model.TaskStats
		status  model.TaskStatus
		changed bool
	)
	err := r.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		if stats, err = storage.TaskStats(ctx, q, taskID); err != nil {
			return err
		}
		status = model.AggregateStatus(stats)
		changed, err = storage.SetTaskStatus(ctx, q, taskID, status, r.now())
		if err != nil || name != "" || !changed || !status.Terminal() {
			return err
		}
		t, err := storage.GetTask(ctx, q, taskID)
		if err == nil {
			name = t.Name
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("aggregate task %d: %w", taskID, err)
	}
	if changed && status.Terminal() {
		r.log.Info("task finished", logx.Int64("task_id", taskID), logx.String("status", status.String()),
			logx.Int("success", stats.Success), logx.Int("failed", stats.Failed))
		r.publishEvent(eventbus.TaskFinished, eventbus.TaskData{
			TaskID: taskID, Name: name, Status: status.String(),
			Total: stats.Total, Success: stats.Success, Failed: stats.Failed,
		})
	}
	return nil
}

func (r *Runner) subtaskData(job storage.SubtaskJob, proxyID int64, err error) eventbus.SubtaskData {
	d := eventbus.SubtaskData{
		SubtaskID: job.ID,
		TaskID:    job.TaskID,
		AccountID: job.AccountID,
		Platform:  job.Platform.String(),
		ProxyID:   proxyID,
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

func (r *Runner) publishEvent(typ string, data any) {
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}
