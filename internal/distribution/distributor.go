package distribution

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"matrixpub/internal/model"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

// Distributor turns publish requests into a persisted Task with its Subtasks.
type Distributor struct {
	store *storage.Store
	gen   atomic.Pointer[generatorBox]
	log   logx.Logger
	now   func() time.Time
}

type generatorBox struct{ g ScheduleGenerator }

func New(store *storage.Store, gen ScheduleGenerator, log logx.Logger, now func() time.Time) *Distributor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	if gen == nil {
		gen = DailySlots{Now: now}
	}
	d := &Distributor{store: store, log: log, now: now}
	d.gen.Store(&generatorBox{gen})
	return d
}

// SetGenerator swaps the schedule generator used by later CreateTask calls.
func (d *Distributor) SetGenerator(gen ScheduleGenerator) {
	if gen != nil {
		d.gen.Store(&generatorBox{gen})
	}
}

type CreateRequest struct {
	Name       string
	Platform   model.Platform
	FileIDs    []int64
	AccountIDs []int64
	Title      string
	Tags       string
	Category   *int
	Timing     model.TimingPolicy
	Mode       model.DistributionMode
}

// BatchRequest is CreateRequest with the accounts resolved to every active
// account of the platform.
type BatchRequest struct {
	Name     string
	Platform model.Platform
	FileIDs  []int64
	Title    string
	Tags     string
	Category *int
	Timing   model.TimingPolicy
	Mode     model.DistributionMode
}

// CreateTask validates req, computes the distribution plan and stores the
// Task and all Subtasks in one transaction. It returns the new task id.
func (d *Distributor) CreateTask(ctx context.Context, req CreateRequest) (int64, error) {
	if len(req.FileIDs) == 0 {
		return 0, model.Validationf("at least one file is required")
	}
	if len(req.AccountIDs) == 0 {
		return 0, model.Validationf("at least one account is required")
	}
	if !req.Platform.Known() {
		return 0, fmt.Errorf("platform %d: %w", req.Platform, model.ErrUnsupportedPlatform)
	}
	mode, err := model.ParseDistributionMode(string(req.Mode))
	if err != nil {
		return 0, err
	}
	req.Mode = mode

	now := d.now()
	if strings.TrimSpace(req.Name) == "" {
		req.Name = BatchName(req.Platform, now)
	}

	var times []time.Time
	if req.Timing.EnableTimer {
		times, err = d.gen.Load().g.Generate(len(req.FileIDs), req.Timing.VideosPerDay, req.Timing.DailyTimes, req.Timing.StartDays)
		if err != nil {
			return 0, err
		}
	}
	plan, err := Plan(req.Mode, req.FileIDs, req.AccountIDs, times)
	if err != nil {
		return 0, err
	}

	task := model.Task{
		Name:       req.Name,
		Platform:   req.Platform,
		FileIDs:    req.FileIDs,
		AccountIDs: req.AccountIDs,
		Title:      req.Title,
		Tags:       req.Tags,
		Category:   req.Category,
		Timing:     req.Timing,
		Mode:       req.Mode,
	}
	var id int64
	err = d.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		if id, err = storage.InsertTask(ctx, q, task, now); err != nil {
			return err
		}
		return storage.InsertSubtasks(ctx, q, id, plan, now)
	})
	if err != nil {
		return 0, fmt.Errorf("create task %q: %w", req.Name, err)
	}
	d.log.Info("task created",
		logx.Int64("task_id", id),
		logx.String("name", req.Name),
		logx.String("platform", req.Platform.String()),
		logx.String("mode", string(req.Mode)),
		logx.Int("subtasks", len(plan)),
		logx.Bool("timer", req.Timing.EnableTimer),
	)
	return id, nil
}

// BatchDistribute creates a task for all active accounts of the platform.
func (d *Distributor) BatchDistribute(ctx context.Context, req BatchRequest) (int64, error) {
	accounts, err := storage.ActiveAccountIDs(ctx, d.store.DB(), req.Platform)
	if err != nil {
		return 0, fmt.Errorf("list accounts for %s: %w", req.Platform, err)
	}
	if len(accounts) == 0 {
		return 0, model.Validationf("no active accounts for platform %s", req.Platform)
	}
	return d.CreateTask(ctx, CreateRequest{
		Name:       req.Name,
		Platform:   req.Platform,
		FileIDs:    req.FileIDs,
		AccountIDs: accounts,
		Title:      req.Title,
		Tags:       req.Tags,
		Category:   req.Category,
		Timing:     req.Timing,
		Mode:       req.Mode,
	})
}

// DeleteTask removes the task and all of its subtasks atomically.
func (d *Distributor) DeleteTask(ctx context.Context, id int64) error {
	err := d.store.Tx(ctx, func(q storage.Queryer) error {
		ok, err := storage.DeleteTask(ctx, q, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %d: %w", id, model.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	d.log.Info("task deleted", logx.Int64("task_id", id))
	return nil
}

// TaskStatistics counts the task's subtasks by status.
func (d *Distributor) TaskStatistics(ctx context.Context, id int64) (model.TaskStats, error) {
	return storage.TaskStats(ctx, d.store.DB(), id)
}

func (d *Distributor) GetTask(ctx context.Context, id int64) (model.Task, error) {
	return storage.GetTask(ctx, d.store.DB(), id)
}

// ListTasks returns tasks newest first; a nil status lists all.
func (d *Distributor) ListTasks(ctx context.Context, status *model.TaskStatus) ([]model.Task, error) {
	return storage.ListTasks(ctx, d.store.DB(), status)
}

func (d *Distributor) Subtasks(ctx context.Context, taskID int64) ([]model.Subtask, error) {
	return storage.ListSubtasks(ctx, d.store.DB(), taskID)
}

// Plan expands files x accounts into subtasks according to mode. times, when
// non-empty, holds one scheduled time per file index.
func Plan(mode model.DistributionMode, files, accounts []int64, times []time.Time) ([]model.Subtask, error) {
	if len(times) > 0 && len(times) < len(files) {
		return nil, fmt.Errorf("plan: %d scheduled times for %d files", len(times), len(files))
	}
	at := func(i int) time.Time {
		if len(times) == 0 {
			return time.Time{}
		}
		return times[i]
	}

	var out []model.Subtask
	switch mode {
	case model.ModeReplicate, "":
		out = make([]model.Subtask, 0, len(files)*len(accounts))
		for _, acc := range accounts {
			for i, f := range files {
				out = append(out, model.Subtask{AccountID: acc, FileID: f, ScheduledTime: at(i)})
			}
		}
	case model.ModeRoundRobin:
		if len(accounts) == 0 {
			return nil, nil
		}
		out = make([]model.Subtask, 0, len(files))
		for i, f := range files {
			out = append(out, model.Subtask{AccountID: accounts[i%len(accounts)], FileID: f, ScheduledTime: at(i)})
		}
	case model.ModeOneToOne:
		n := min(len(files), len(accounts))
		out = make([]model.Subtask, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, model.Subtask{AccountID: accounts[i], FileID: files[i], ScheduledTime: at(i)})
		}
	default:
		return nil, model.Validationf("unknown distribution mode %q", mode)
	}
	return out, nil
}

// BatchName is the generated name of a task created without one.
func BatchName(p model.Platform, now time.Time) string {
	return "batch-" + p.String() + "-" + now.Format("20060102150405")
}
