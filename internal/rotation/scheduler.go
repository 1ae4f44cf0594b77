package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"matrixpub/internal/model"
	"matrixpub/internal/proxypool"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

type Defaults struct {
	IntervalMinutes int
	AutoSwitch      bool
	Country         string
}

func (d Defaults) normalize() Defaults {
	if d.IntervalMinutes <= 0 {
		d.IntervalMinutes = 60
	}
	return d
}

// Scheduler decides which proxy an account should be on. It records
// assignments only; capacity is taken at use time through the pool.
type Scheduler struct {
	store *storage.Store
	pool  *proxypool.Pool
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	def Defaults
}

func New(store *storage.Store, pool *proxypool.Pool, def Defaults, log logx.Logger, now func() time.Time) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: store, pool: pool, log: log, now: now, def: def.normalize()}
}

// SetDefaults replaces the policy used for schedules created from now on.
// Existing schedules keep their interval and auto switch flag.
func (s *Scheduler) SetDefaults(def Defaults) {
	s.mu.Lock()
	s.def = def.normalize()
	s.mu.Unlock()
}

func (s *Scheduler) defaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// InitSchedule returns the account's schedule, creating it with
// next_switch_time = now + interval when none exists. An existing row is
// returned unchanged.
func (s *Scheduler) InitSchedule(ctx context.Context, accountID int64, intervalMinutes int, autoSwitch bool) (model.Schedule, error) {
	if intervalMinutes <= 0 {
		return model.Schedule{}, model.Validationf("switch interval must be > 0 minutes, got %d", intervalMinutes)
	}
	var out model.Schedule
	err := s.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		out, err = s.ensure(ctx, q, accountID, intervalMinutes, autoSwitch)
		return err
	})
	if err != nil {
		return model.Schedule{}, fmt.Errorf("init schedule for account %d: %w", accountID, err)
	}
	return out, nil
}

func (s *Scheduler) ensure(ctx context.Context, q storage.Queryer, accountID int64, minutes int, auto bool) (model.Schedule, error) {
	now := s.now()
	err := storage.InsertScheduleIfMissing(ctx, q, model.Schedule{
		AccountID:             accountID,
		SwitchIntervalMinutes: minutes,
		AutoSwitch:            auto,
		NextSwitchTime:        now.Add(time.Duration(minutes) * time.Minute),
	}, now)
	if err != nil {
		return model.Schedule{}, err
	}
	sc, ok, err := storage.GetSchedule(ctx, q, accountID)
	if err != nil {
		return model.Schedule{}, err
	}
	if !ok {
		return model.Schedule{}, fmt.Errorf("schedule for account %d vanished", accountID)
	}
	return sc, nil
}

func (s *Scheduler) Get(ctx context.Context, accountID int64) (model.Schedule, bool, error) {
	return storage.GetSchedule(ctx, s.store.DB(), accountID)
}

// CurrentProxy resolves the account's assigned proxy. ok=false when there
// is no schedule, nothing assigned, or the assigned proxy was deleted.
func (s *Scheduler) CurrentProxy(ctx context.Context, accountID int64) (model.Proxy, bool, error) {
	return storage.ScheduledProxy(ctx, s.store.DB(), accountID)
}

// Switch moves the account to a different eligible proxy. country falls
// back to the configured default. When nothing is eligible the schedule is
// left untouched and the error wraps ErrResourceUnavailable.
func (s *Scheduler) Switch(ctx context.Context, accountID int64, country string) (model.Schedule, error) {
	def := s.defaults()
	if country == "" {
		country = def.Country
	}
	var out model.Schedule
	err := s.store.Tx(ctx, func(q storage.Queryer) error {
		sc, err := s.ensure(ctx, q, accountID, def.IntervalMinutes, def.AutoSwitch)
		if err != nil {
			return err
		}
		var exclude []int64
		if sc.CurrentProxyID != 0 {
			exclude = []int64{sc.CurrentProxyID}
		}
		px, found, err := s.pool.SelectAvailableTx(ctx, q, proxypool.Selector{Country: country, Exclude: exclude})
		if err != nil {
			return err
		}
		if !found {
			return model.ErrResourceUnavailable
		}
		now := s.now()
		if _, err := storage.AssignScheduleProxy(ctx, q, accountID, px.ID, now, now.Add(sc.Interval())); err != nil {
			return err
		}
		out, _, err = storage.GetSchedule(ctx, q, accountID)
		return err
	})
	if err != nil {
		return model.Schedule{}, fmt.Errorf("switch proxy for account %d: %w", accountID, err)
	}
	s.log.Info("proxy switched", logx.Int64("account_id", accountID), logx.Int64("proxy_id", out.CurrentProxyID))
	return out, nil
}

// DueForSwitch lists schedules with auto switch on whose next_switch_time has passed.
func (s *Scheduler) DueForSwitch(ctx context.Context) ([]model.Schedule, error) {
	return storage.DueSchedules(ctx, s.store.DB(), s.now())
}

// SwitchResult is the outcome of one account in a SwitchDue sweep.
type SwitchResult struct {
	AccountID int64
	From      int64
	To        int64
	Err       error
}

// SwitchDue switches every due account. Per-account failures are reported
// in the results and never stop the sweep; only listing errors are returned.
func (s *Scheduler) SwitchDue(ctx context.Context) ([]SwitchResult, error) {
	due, err := s.DueForSwitch(ctx)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	out := make([]SwitchResult, 0, len(due))
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		r := SwitchResult{AccountID: sc.AccountID, From: sc.CurrentProxyID}
		next, err := s.Switch(ctx, sc.AccountID, "")
		if err != nil {
			r.Err = err
			s.log.Warn("scheduled proxy switch failed", logx.Int64("account_id", sc.AccountID), logx.Err(err))
		} else {
			r.To = next.CurrentProxyID
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateInterval changes the switch interval and restarts the window from now.
func (s *Scheduler) UpdateInterval(ctx context.Context, accountID int64, minutes int) error {
	if minutes <= 0 {
		return model.Validationf("switch interval must be > 0 minutes, got %d", minutes)
	}
	now := s.now()
	ok, err := storage.UpdateScheduleInterval(ctx, s.store.DB(), accountID, minutes, now.Add(time.Duration(minutes)*time.Minute), now)
	if err != nil {
		return fmt.Errorf("update interval for account %d: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("schedule for account %d: %w", accountID, model.ErrNotFound)
	}
	return nil
}

func (s *Scheduler) SetAutoSwitch(ctx context.Context, accountID int64, enabled bool) error {
	ok, err := storage.SetScheduleAutoSwitch(ctx, s.store.DB(), accountID, enabled, s.now())
	if err != nil {
		return fmt.Errorf("set auto switch for account %d: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("schedule for account %d: %w", accountID, model.ErrNotFound)
	}
	return nil
}
