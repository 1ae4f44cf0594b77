package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"matrixpub/internal/model"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

// Pool owns the proxy inventory: selection, acquisition, release and usage
// accounting. It is safe for concurrent use; row-level atomicity comes from
// the store's single-connection transactions.
type Pool struct {
	store *storage.Store
	log   logx.Logger
	now   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Pool)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRand sets the source used to break selection ties.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) {
		if r != nil {
			p.rng = r
		}
	}
}

func New(store *storage.Store, log logx.Logger, opts ...Option) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		store: store,
		log:   log,
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Holder identifies who takes a proxy. Zero ids are stored as NULL.
type Holder struct {
	AccountID int64
	TaskID    int64
}

// Selector narrows SelectAvailable.
type Selector struct {
	Country string
	Exclude []int64
}

// Add stores a new proxy. Type defaults to http and MaxConcurrentUse to 1.
func (p *Pool) Add(ctx context.Context, px model.Proxy) (model.Proxy, error) {
	if px.Type == "" {
		px.Type = model.ProxyHTTP
	}
	if px.MaxConcurrentUse == 0 {
		px.MaxConcurrentUse = 1
	}
	if err := px.Validate(); err != nil {
		return model.Proxy{}, err
	}
	id, err := storage.InsertProxy(ctx, p.store.DB(), px, p.now())
	if err != nil {
		return model.Proxy{}, fmt.Errorf("add proxy: %w", err)
	}
	p.log.Info("proxy added", logx.Int64("proxy_id", id), logx.String("proxy", px.Redacted()))
	return storage.GetProxy(ctx, p.store.DB(), id)
}

// Update applies the non-nil fields of u. Counters and timestamps are not
// part of ProxyUpdate and cannot be changed here.
func (p *Pool) Update(ctx context.Context, id int64, u model.ProxyUpdate) (model.Proxy, error) {
	var out model.Proxy
	err := p.store.Tx(ctx, func(q storage.Queryer) error {
		cur, err := storage.GetProxy(ctx, q, id)
		if err != nil {
			return err
		}
		if u.Empty() {
			out = cur
			return nil
		}
		next := applyUpdate(cur, u)
		if err := next.Validate(); err != nil {
			return err
		}
		if next.MaxConcurrentUse < cur.CurrentUseCount {
			return model.Validationf("max_concurrent_use %d is below current use %d", next.MaxConcurrentUse, cur.CurrentUseCount)
		}
		if _, err := storage.UpdateProxy(ctx, q, id, u, p.now()); err != nil {
			return err
		}
		out, err = storage.GetProxy(ctx, q, id)
		return err
	})
	if err != nil {
		return model.Proxy{}, err
	}
	return out, nil
}

func applyUpdate(px model.Proxy, u model.ProxyUpdate) model.Proxy {
	if u.Name != nil {
		px.Name = *u.Name
	}
	if u.Type != nil {
		px.Type = *u.Type
	}
	if u.Host != nil {
		px.Host = *u.Host
	}
	if u.Port != nil {
		px.Port = *u.Port
	}
	if u.Username != nil {
		px.Username = *u.Username
	}
	if u.Password != nil {
		px.Password = *u.Password
	}
	if u.Country != nil {
		px.Country = *u.Country
	}
	if u.Provider != nil {
		px.Provider = *u.Provider
	}
	if u.Active != nil {
		px.Active = *u.Active
	}
	if u.Priority != nil {
		px.Priority = *u.Priority
	}
	if u.MaxConcurrentUse != nil {
		px.MaxConcurrentUse = *u.MaxConcurrentUse
	}
	if u.CooldownMinutes != nil {
		px.CooldownMinutes = *u.CooldownMinutes
	}
	return px
}

// Delete removes the proxy and its usage log. Schedules pointing at it
// simply stop resolving.
func (p *Pool) Delete(ctx context.Context, id int64) error {
	ok, err := storage.DeleteProxy(ctx, p.store.DB(), id)
	if err != nil {
		return fmt.Errorf("delete proxy %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("proxy %d: %w", id, model.ErrNotFound)
	}
	p.log.Info("proxy deleted", logx.Int64("proxy_id", id))
	return nil
}

func (p *Pool) Get(ctx context.Context, id int64) (model.Proxy, error) {
	return storage.GetProxy(ctx, p.store.DB(), id)
}

func (p *Pool) List(ctx context.Context, activeOnly bool) ([]model.Proxy, error) {
	return storage.ListProxies(ctx, p.store.DB(), storage.ProxyFilter{ActiveOnly: activeOnly})
}

// SelectAvailable returns the best eligible proxy, ok=false when none is.
//
// Eligible: active, below max_concurrent_use, matching country (if set), not
// excluded, and cooled down. Best: highest priority, then fewest failures,
// remaining ties broken at random.
func (p *Pool) SelectAvailable(ctx context.Context, sel Selector) (model.Proxy, bool, error) {
	return p.selectAvailable(ctx, p.store.DB(), sel)
}

// SelectAvailableTx is SelectAvailable on q, for callers that already hold
// a store transaction.
func (p *Pool) SelectAvailableTx(ctx context.Context, q storage.Queryer, sel Selector) (model.Proxy, bool, error) {
	return p.selectAvailable(ctx, q, sel)
}

func (p *Pool) selectAvailable(ctx context.Context, q storage.Queryer, sel Selector) (model.Proxy, bool, error) {
	cands, err := storage.ListProxies(ctx, q, storage.ProxyFilter{
		Available: true,
		Now:       p.now(),
		Country:   sel.Country,
		Exclude:   sel.Exclude,
	})
	if err != nil {
		return model.Proxy{}, false, fmt.Errorf("select proxy: %w", err)
	}
	if len(cands) == 0 {
		return model.Proxy{}, false, nil
	}
	// cands is sorted by priority desc, fail count asc; pick within the leading tie group.
	n := 1
	for n < len(cands) && cands[n].Priority == cands[0].Priority && cands[n].FailCount == cands[0].FailCount {
		n++
	}
	p.rngMu.Lock()
	i := p.rng.Intn(n)
	p.rngMu.Unlock()
	return cands[i], true, nil
}

// Acquire takes one unit of capacity on the proxy and opens a usage log row.
// It returns false without writing anything when the proxy is inactive, at
// capacity or gone. The cooldown is a selection rule and is not re-checked.
func (p *Pool) Acquire(ctx context.Context, proxyID int64, h Holder) (bool, error) {
	var ok bool
	err := p.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		ok, err = storage.AcquireProxy(ctx, q, proxyID, h.AccountID, h.TaskID, p.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("acquire proxy %d: %w", proxyID, err)
	}
	if ok {
		p.log.Debug("proxy acquired", logx.Int64("proxy_id", proxyID), logx.Int64("account_id", h.AccountID))
	}
	return ok, nil
}

// AcquireAvailable selects and acquires in one transaction, so the cooldown
// and capacity checks see the same state the increment writes.
func (p *Pool) AcquireAvailable(ctx context.Context, sel Selector, h Holder) (model.Proxy, error) {
	var out model.Proxy
	err := p.store.Tx(ctx, func(q storage.Queryer) error {
		px, found, err := p.selectAvailable(ctx, q, sel)
		if err != nil {
			return err
		}
		if !found {
			return model.ErrResourceUnavailable
		}
		ok, err := storage.AcquireProxy(ctx, q, px.ID, h.AccountID, h.TaskID, p.now())
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrResourceUnavailable
		}
		out, err = storage.GetProxy(ctx, q, px.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrResourceUnavailable) {
			return model.Proxy{}, fmt.Errorf("no eligible proxy: %w", err)
		}
		return model.Proxy{}, err
	}
	return out, nil
}

// Release returns the capacity taken by one Acquire and records the outcome
// on the most recent open usage log row.
func (p *Pool) Release(ctx context.Context, proxyID int64, success bool, errMsg string) error {
	var ok bool
	err := p.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		ok, err = storage.ReleaseProxy(ctx, q, proxyID, success, errMsg, p.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("release proxy %d: %w", proxyID, err)
	}
	if !ok {
		return fmt.Errorf("release proxy %d: %w", proxyID, model.ErrNotFound)
	}
	p.log.Debug("proxy released", logx.Int64("proxy_id", proxyID), logx.Bool("success", success))
	return nil
}

const releaseTimeout = 5 * time.Second

// Use acquires the proxy, runs fn, and always releases it with
// success = (fn returned nil), including when fn panics.
// ErrResourceUnavailable is returned when the proxy cannot be acquired.
func (p *Pool) Use(ctx context.Context, proxyID int64, h Holder, fn func(ctx context.Context, px model.Proxy) error) (err error) {
	// Acquire and read share one transaction; a failed read leaves no usage.
	var (
		px model.Proxy
		ok bool
	)
	err = p.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		if ok, err = storage.AcquireProxy(ctx, q, proxyID, h.AccountID, h.TaskID, p.now()); err != nil || !ok {
			return err
		}
		px, err = storage.GetProxy(ctx, q, proxyID)
		return err
	})
	if err != nil {
		return fmt.Errorf("acquire proxy %d: %w", proxyID, err)
	}
	if !ok {
		return fmt.Errorf("proxy %d: %w", proxyID, model.ErrResourceUnavailable)
	}
	p.log.Debug("proxy acquired", logx.Int64("proxy_id", proxyID), logx.Int64("account_id", h.AccountID))

	release := func(success bool, msg string) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := p.Release(rctx, proxyID, success, msg); rerr != nil {
			p.log.Error("proxy release failed", logx.Int64("proxy_id", proxyID), logx.Err(rerr))
		}
	}
	defer func() {
		if r := recover(); r != nil {
			release(false, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
		if err != nil {
			release(false, err.Error())
			return
		}
		release(true, "")
	}()

	return fn(ctx, px)
}

// Statistics merges the proxy row with aggregates from its usage log.
func (p *Pool) Statistics(ctx context.Context, proxyID int64) (model.ProxyStats, error) {
	px, err := storage.GetProxy(ctx, p.store.DB(), proxyID)
	if err != nil {
		return model.ProxyStats{}, err
	}
	c, err := storage.ProxyUsageCounts(ctx, p.store.DB(), proxyID)
	if err != nil {
		return model.ProxyStats{}, fmt.Errorf("proxy %d usage: %w", proxyID, err)
	}
	st := model.ProxyStats{Proxy: px, TotalUses: c.Total, InUse: c.InUse, Succeeded: c.Succeeded, Failed: c.Failed}
	if done := c.Succeeded + c.Failed; done > 0 {
		st.SuccessPct = float64(c.Succeeded) * 100 / float64(done)
	}
	return st, nil
}

// UsageLog returns the most recent usage rows of a proxy, newest first.
func (p *Pool) UsageLog(ctx context.Context, proxyID int64, limit int) ([]model.UsageLog, error) {
	return storage.ListUsageLogs(ctx, p.store.DB(), proxyID, limit)
}

// Reclaim closes usage rows left open by a previous process and gives back
// the capacity they held. The store must have a single owning process, and
// Reclaim must run before anything in it acquires.
func (p *Pool) Reclaim(ctx context.Context) (int64, error) {
	var n int64
	err := p.store.Tx(ctx, func(q storage.Queryer) error {
		var err error
		n, err = storage.ReclaimProxies(ctx, q, "reclaimed: previous run ended while in use", p.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim proxies: %w", err)
	}
	if n > 0 {
		p.log.Warn("reclaimed stale proxy usage", logx.Int64("rows", n))
	}
	return n, nil
}
