package rotation

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"matrixpub/internal/model"
	"matrixpub/internal/proxypool"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

type harness struct {
	now   time.Time
	pool  *proxypool.Pool
	sched *Scheduler
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "rot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	h := &harness{now: time.UnixMilli(1_700_000_000_000)}
	h.pool = proxypool.New(st, logx.Nop(), proxypool.WithClock(h.clock), proxypool.WithRand(rand.New(rand.NewSource(3))))
	h.sched = New(st, h.pool, Defaults{IntervalMinutes: 30, AutoSwitch: true}, logx.Nop(), h.clock)
	return h
}

func (h *harness) addProxy(t *testing.T, priority int) model.Proxy {
	t.Helper()
	px, err := h.pool.Add(context.Background(), model.Proxy{Host: "10.0.0.1", Port: 3128, Active: true, Priority: priority})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	return px
}

func TestInitScheduleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sc, err := h.sched.InitSchedule(ctx, 1, 45, true)
	if err != nil {
		t.Fatalf("InitSchedule error: %v", err)
	}
	if !sc.NextSwitchTime.Equal(h.now.Add(45*time.Minute)) || sc.CurrentProxyID != 0 || !sc.AutoSwitch {
		t.Fatalf("unexpected schedule: %+v", sc)
	}

	h.now = h.now.Add(time.Hour)
	again, err := h.sched.InitSchedule(ctx, 1, 10, false)
	if err != nil {
		t.Fatalf("second InitSchedule error: %v", err)
	}
	if again.SwitchIntervalMinutes != 45 || !again.NextSwitchTime.Equal(sc.NextSwitchTime) || !again.AutoSwitch {
		t.Fatalf("existing schedule changed: %+v", again)
	}

	if _, err := h.sched.InitSchedule(ctx, 2, 0, true); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("zero interval = %v, want ErrValidation", err)
	}
}

func TestSwitchExcludesCurrentAndCreatesSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addProxy(t, 10)
	b := h.addProxy(t, 1)

	sc, err := h.sched.Switch(ctx, 5, "")
	if err != nil {
		t.Fatalf("Switch error: %v", err)
	}
	if sc.CurrentProxyID != a.ID || sc.SwitchIntervalMinutes != 30 {
		t.Fatalf("first switch: %+v", sc)
	}
	if !sc.LastSwitchTime.Equal(h.now) || !sc.NextSwitchTime.Equal(h.now.Add(30*time.Minute)) {
		t.Fatalf("switch window not set: %+v", sc)
	}

	sc, err = h.sched.Switch(ctx, 5, "")
	if err != nil {
		t.Fatalf("second Switch error: %v", err)
	}
	if sc.CurrentProxyID != b.ID {
		t.Fatalf("switch did not exclude current proxy: %+v", sc)
	}

	cur, ok, err := h.sched.CurrentProxy(ctx, 5)
	if err != nil || !ok || cur.ID != b.ID {
		t.Fatalf("CurrentProxy = %+v, %v, %v", cur, ok, err)
	}
	// Switching records the assignment only.
	if cur.CurrentUseCount != 0 {
		t.Fatalf("switch acquired capacity: %+v", cur)
	}
}

func TestSwitchWithoutCandidateLeavesScheduleUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	only := h.addProxy(t, 1)

	before, err := h.sched.Switch(ctx, 9, "")
	if err != nil || before.CurrentProxyID != only.ID {
		t.Fatalf("initial Switch = %+v, %v", before, err)
	}
	h.now = h.now.Add(time.Hour)
	if _, err := h.sched.Switch(ctx, 9, ""); !errors.Is(err, model.ErrResourceUnavailable) {
		t.Fatalf("Switch error = %v, want ErrResourceUnavailable", err)
	}
	after, _, _ := h.sched.Get(ctx, 9)
	if after.CurrentProxyID != before.CurrentProxyID || !after.NextSwitchTime.Equal(before.NextSwitchTime) || !after.LastSwitchTime.Equal(before.LastSwitchTime) {
		t.Fatalf("schedule changed on failure: before %+v after %+v", before, after)
	}
}

func TestCurrentProxyAfterDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	px := h.addProxy(t, 1)
	if _, err := h.sched.Switch(ctx, 3, ""); err != nil {
		t.Fatalf("Switch error: %v", err)
	}
	if err := h.pool.Delete(ctx, px.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, ok, err := h.sched.CurrentProxy(ctx, 3); err != nil || ok {
		t.Fatalf("CurrentProxy after delete = %v, %v", ok, err)
	}
	if _, ok, _ := h.sched.CurrentProxy(ctx, 404); ok {
		t.Fatal("CurrentProxy without schedule returned a proxy")
	}
}

func TestDueForSwitchAndSwitchDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addProxy(t, 1)
	h.addProxy(t, 1)

	if _, err := h.sched.InitSchedule(ctx, 1, 10, true); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sched.InitSchedule(ctx, 2, 10, false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sched.InitSchedule(ctx, 3, 120, true); err != nil {
		t.Fatal(err)
	}

	due, _ := h.sched.DueForSwitch(ctx)
	if len(due) != 0 {
		t.Fatalf("nothing should be due yet: %+v", due)
	}

	h.now = h.now.Add(10 * time.Minute)
	due, err := h.sched.DueForSwitch(ctx)
	if err != nil || len(due) != 1 || due[0].AccountID != 1 {
		t.Fatalf("DueForSwitch = %+v, %v", due, err)
	}

	res, err := h.sched.SwitchDue(ctx)
	if err != nil || len(res) != 1 || res[0].Err != nil || res[0].To == 0 {
		t.Fatalf("SwitchDue = %+v, %v", res, err)
	}
	if due, _ := h.sched.DueForSwitch(ctx); len(due) != 0 {
		t.Fatalf("switched account still due: %+v", due)
	}
}

func TestUpdateIntervalAndAutoSwitch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.sched.UpdateInterval(ctx, 1, 15); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UpdateInterval missing = %v, want ErrNotFound", err)
	}
	if _, err := h.sched.InitSchedule(ctx, 1, 60, true); err != nil {
		t.Fatal(err)
	}
	h.now = h.now.Add(5 * time.Minute)
	if err := h.sched.UpdateInterval(ctx, 1, 15); err != nil {
		t.Fatalf("UpdateInterval error: %v", err)
	}
	if err := h.sched.SetAutoSwitch(ctx, 1, false); err != nil {
		t.Fatalf("SetAutoSwitch error: %v", err)
	}
	sc, _, _ := h.sched.Get(ctx, 1)
	if sc.SwitchIntervalMinutes != 15 || !sc.NextSwitchTime.Equal(h.now.Add(15*time.Minute)) || sc.AutoSwitch {
		t.Fatalf("unexpected schedule: %+v", sc)
	}
}
