package proxypool

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matrixpub/internal/model"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T) (*Pool, *fakeClock) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "pool.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return New(st, logx.Nop(), WithClock(clk.Now), WithRand(rand.New(rand.NewSource(1)))), clk
}

func mustAdd(t *testing.T, p *Pool, px model.Proxy) model.Proxy {
	t.Helper()
	if px.Host == "" {
		px.Host = "10.0.0.1"
	}
	if px.Port == 0 {
		px.Port = 8080
	}
	px.Active = true
	out, err := p.Add(context.Background(), px)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	return out
}

func TestAddDefaultsAndValidation(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	px := mustAdd(t, p, model.Proxy{Name: "a"})
	if px.Type != model.ProxyHTTP || px.MaxConcurrentUse != 1 || px.ID == 0 {
		t.Fatalf("defaults not applied: %+v", px)
	}

	cases := []model.Proxy{
		{Host: "", Port: 1},
		{Host: "h", Port: 0},
		{Host: "h", Port: 1, Type: "ftp"},
		{Host: "h", Port: 1, CooldownMinutes: -1},
	}
	for _, c := range cases {
		if _, err := p.Add(ctx, c); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("Add(%+v) error = %v, want ErrValidation", c, err)
		}
	}
}

func TestAcquireReleaseRestoresCount(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{MaxConcurrentUse: 2})

	ok, err := p.Acquire(ctx, px.ID, Holder{AccountID: 7})
	if err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	got, _ := p.Get(ctx, px.ID)
	if got.CurrentUseCount != 1 || got.LastUsedAt.IsZero() {
		t.Fatalf("after acquire: %+v", got)
	}

	if err := p.Release(ctx, px.ID, false, "timeout"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	got, _ = p.Get(ctx, px.ID)
	if got.CurrentUseCount != 0 || got.FailCount != 1 || got.SuccessCount != 0 {
		t.Fatalf("after release: %+v", got)
	}

	logs, err := p.UsageLog(ctx, px.ID, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("UsageLog = %v, %v", logs, err)
	}
	if logs[0].Status != model.UsageFailed || logs[0].Error != "timeout" || logs[0].AccountID != 7 || logs[0].EndTime.IsZero() {
		t.Fatalf("usage log not closed: %+v", logs[0])
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{})

	if err := p.Release(ctx, px.ID, true, ""); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	got, _ := p.Get(ctx, px.ID)
	if got.CurrentUseCount != 0 || got.SuccessCount != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if err := p.Release(ctx, 999, true, ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Release missing = %v, want ErrNotFound", err)
	}
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{MaxConcurrentUse: 1})

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(acc int64) {
			defer wg.Done()
			ok, err := p.Acquire(ctx, px.ID, Holder{AccountID: acc})
			if err != nil {
				t.Errorf("Acquire error: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
	got, _ := p.Get(ctx, px.ID)
	if got.CurrentUseCount != 1 {
		t.Fatalf("current_use_count = %d, want 1", got.CurrentUseCount)
	}
}

func TestAcquireRejectsInactive(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{})
	off := false
	if _, err := p.Update(ctx, px.ID, model.ProxyUpdate{Active: &off}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if ok, err := p.Acquire(ctx, px.ID, Holder{}); err != nil || ok {
		t.Fatalf("Acquire inactive = %v, %v", ok, err)
	}
	logs, _ := p.UsageLog(ctx, px.ID, 10)
	if len(logs) != 0 {
		t.Fatalf("failed acquire wrote %d log rows", len(logs))
	}
}

func TestSelectAvailableOrderingAndFilters(t *testing.T) {
	p, clk := newTestPool(t)
	ctx := context.Background()

	low := mustAdd(t, p, model.Proxy{Name: "low", Priority: 1, Country: "CN"})
	high := mustAdd(t, p, model.Proxy{Name: "high", Priority: 5, Country: "US", CooldownMinutes: 10})

	got, ok, err := p.SelectAvailable(ctx, Selector{})
	if err != nil || !ok || got.ID != high.ID {
		t.Fatalf("SelectAvailable = %+v, %v, %v; want high", got, ok, err)
	}

	got, ok, _ = p.SelectAvailable(ctx, Selector{Country: "CN"})
	if !ok || got.ID != low.ID {
		t.Fatalf("country filter: %+v, %v", got, ok)
	}

	got, ok, _ = p.SelectAvailable(ctx, Selector{Exclude: []int64{high.ID}})
	if !ok || got.ID != low.ID {
		t.Fatalf("exclude filter: %+v, %v", got, ok)
	}

	// Use and release high: it is now cooling down for 10 minutes.
	if ok, _ := p.Acquire(ctx, high.ID, Holder{}); !ok {
		t.Fatal("acquire high failed")
	}
	if err := p.Release(ctx, high.ID, true, ""); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	got, ok, _ = p.SelectAvailable(ctx, Selector{})
	if !ok || got.ID != low.ID {
		t.Fatalf("cooling proxy selected: %+v", got)
	}

	clk.Advance(10 * time.Minute)
	got, ok, _ = p.SelectAvailable(ctx, Selector{})
	if !ok || got.ID != high.ID {
		t.Fatalf("cooldown boundary: %+v", got)
	}

	if _, ok, _ := p.SelectAvailable(ctx, Selector{Country: "JP"}); ok {
		t.Fatal("expected no proxy for JP")
	}
}

func TestSelectAvailablePrefersFewerFailures(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	a := mustAdd(t, p, model.Proxy{Name: "a", Priority: 3})
	b := mustAdd(t, p, model.Proxy{Name: "b", Priority: 3})

	if ok, _ := p.Acquire(ctx, a.ID, Holder{}); !ok {
		t.Fatal("acquire a failed")
	}
	if err := p.Release(ctx, a.ID, false, "x"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, ok, _ := p.SelectAvailable(ctx, Selector{})
		if !ok || got.ID != b.ID {
			t.Fatalf("want b with fewer failures, got %+v", got)
		}
	}
}

func TestAcquireAvailable(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{})

	got, err := p.AcquireAvailable(ctx, Selector{}, Holder{AccountID: 1})
	if err != nil || got.ID != px.ID || got.CurrentUseCount != 1 {
		t.Fatalf("AcquireAvailable = %+v, %v", got, err)
	}
	if _, err := p.AcquireAvailable(ctx, Selector{}, Holder{AccountID: 2}); !errors.Is(err, model.ErrResourceUnavailable) {
		t.Fatalf("second AcquireAvailable = %v, want ErrResourceUnavailable", err)
	}
}

func TestUseReleasesOnErrorAndPanic(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{})

	boom := errors.New("boom")
	err := p.Use(ctx, px.ID, Holder{}, func(ctx context.Context, got model.Proxy) error {
		if got.CurrentUseCount != 1 {
			t.Errorf("inside Use: current_use_count = %d", got.CurrentUseCount)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Use error = %v, want boom", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		_ = p.Use(ctx, px.ID, Holder{}, func(context.Context, model.Proxy) error { panic("bad") })
	}()

	if err := p.Use(ctx, px.ID, Holder{}, func(context.Context, model.Proxy) error { return nil }); err != nil {
		t.Fatalf("Use error: %v", err)
	}

	st, err := p.Statistics(ctx, px.ID)
	if err != nil {
		t.Fatalf("Statistics error: %v", err)
	}
	if st.Proxy.CurrentUseCount != 0 || st.TotalUses != 3 || st.Failed != 2 || st.Succeeded != 1 || st.InUse != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestUseUnavailable(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{})
	if ok, _ := p.Acquire(ctx, px.ID, Holder{}); !ok {
		t.Fatal("acquire failed")
	}
	called := false
	err := p.Use(ctx, px.ID, Holder{}, func(context.Context, model.Proxy) error { called = true; return nil })
	if !errors.Is(err, model.ErrResourceUnavailable) || called {
		t.Fatalf("Use at capacity = %v (called=%v)", err, called)
	}
}

func TestUpdateRejectsCapacityBelowUse(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{MaxConcurrentUse: 3})
	for i := 0; i < 2; i++ {
		if ok, _ := p.Acquire(ctx, px.ID, Holder{}); !ok {
			t.Fatal("acquire failed")
		}
	}
	one := 1
	if _, err := p.Update(ctx, px.ID, model.ProxyUpdate{MaxConcurrentUse: &one}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("Update error = %v, want ErrValidation", err)
	}
	two, name := 2, "renamed"
	got, err := p.Update(ctx, px.ID, model.ProxyUpdate{MaxConcurrentUse: &two, Name: &name})
	if err != nil || got.MaxConcurrentUse != 2 || got.Name != "renamed" || got.CurrentUseCount != 2 {
		t.Fatalf("Update = %+v, %v", got, err)
	}
}

func TestDeleteAndReclaim(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	a := mustAdd(t, p, model.Proxy{})
	b := mustAdd(t, p, model.Proxy{})

	if ok, _ := p.Acquire(ctx, a.ID, Holder{}); !ok {
		t.Fatal("acquire failed")
	}
	n, err := p.Reclaim(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reclaim = %d, %v", n, err)
	}
	got, _ := p.Get(ctx, a.ID)
	if got.CurrentUseCount != 0 {
		t.Fatalf("reclaim left count %d", got.CurrentUseCount)
	}

	if err := p.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := p.Delete(ctx, b.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := p.Get(ctx, b.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get deleted = %v", err)
	}
	all, _ := p.List(ctx, false)
	if len(all) != 1 {
		t.Fatalf("List = %d proxies, want 1", len(all))
	}
}

func TestUseSuccessCountsOnlySuccess(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	px := mustAdd(t, p, model.Proxy{MaxConcurrentUse: 2})

	err := p.Use(ctx, px.ID, Holder{AccountID: 3}, func(_ context.Context, got model.Proxy) error {
		if got.ID != px.ID || got.CurrentUseCount != 1 || got.Host != px.Host {
			t.Errorf("inside Use: proxy = %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Use error: %v", err)
	}
	got, err := p.Get(ctx, px.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.CurrentUseCount != 0 || got.SuccessCount != 1 || got.FailCount != 0 {
		t.Fatalf("after Use: %+v", got)
	}

	// A missing proxy is reported as unavailable and nothing is opened.
	if err := p.Use(ctx, px.ID+100, Holder{}, func(context.Context, model.Proxy) error { return nil }); !errors.Is(err, model.ErrResourceUnavailable) {
		t.Fatalf("Use on missing proxy = %v", err)
	}
}
