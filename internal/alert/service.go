package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"matrixpub/internal/eventbus"
	"matrixpub/internal/runtime/supervisor"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

// Config controls alert delivery.
type Config struct {
	Enabled     bool
	RatePerSec  int
	DedupWindow time.Duration // 0 disables suppression
	SendTimeout time.Duration
}

const (
	defaultRatePerSec  = 1
	defaultSendTimeout = 10 * time.Second
	sendAttempts       = 3
	maxDedupEntries    = 2000
)

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Service turns bus events into chat alerts. Safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	sup     *supervisor.Supervisor
	unsub   func()

	store *storage.Store // optional; persists dedup across restarts
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	retryBase time.Duration

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, store *storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender:    sender,
		store:     store,
		bus:       bus,
		log:       log,
		now:       time.Now,
		retryBase: 500 * time.Millisecond,
		dedup:     map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config. Enabling or disabling takes effect on the next Start.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	s.applyLocked(cfg)
	if sender != nil {
		s.sender = sender
	}
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start subscribes to the bus. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.sup = supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log.With(logx.String("comp", "alert"))),
		supervisor.WithCancelOnError(false),
	)
	s.sup.GoRestart("alert.loop", func(c context.Context) error {
		s.loop(c, ch)
		return nil
	})
	s.log.Info("alerts started")
}

// Stop unsubscribes and waits for the loop until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("alert loop stop", logx.Err(err))
	}
}

func (s *Service) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.handle(ctx, e); err != nil && ctx.Err() == nil {
				s.log.Warn("alert not delivered", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// handle sends the alert for e, if any. Suppressed and ignored events return nil.
func (s *Service) handle(ctx context.Context, e eventbus.Event) error {
	text, ok := Format(e)
	if !ok {
		return nil
	}
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return nil
	}

	key := dedupKey(text)
	if cfg.DedupWindow > 0 && s.suppressed(ctx, key) {
		s.log.Debug("alert suppressed", logx.String("event", e.Type))
		return nil
	}

	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = sender.Send(sctx, text)
		cancel()
		if err == nil {
			break
		}
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt == sendAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBase << (attempt - 1)):
		}
	}
	if cfg.DedupWindow > 0 {
		s.remember(ctx, key, s.now().Add(cfg.DedupWindow))
	}
	return nil
}

func (s *Service) suppressed(ctx context.Context, key string) bool {
	now := s.now()
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if s.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	until, ok, err := s.store.GetDedup(cctx, key)
	cancel()
	if err != nil || !ok || !now.Before(until) {
		return false
	}
	s.dmu.Lock()
	s.dedup[key] = until
	s.dmu.Unlock()
	return true
}

func (s *Service) remember(ctx context.Context, key string, until time.Time) {
	now := s.now()
	s.dmu.Lock()
	s.dedup[key] = until
	if len(s.dedup) > maxDedupEntries {
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
	}
	s.dmu.Unlock()
	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if err := s.store.PutDedup(cctx, key, until); err != nil {
		s.log.Debug("persist alert dedup failed", logx.Err(err))
	}
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("alert:%x", h.Sum64())
}

// Format renders an alert for the events operators act on. ok=false means
// the event is not alert-worthy.
func Format(e eventbus.Event) (string, bool) {
	switch e.Type {
	case eventbus.CookieRefreshDue:
		d, ok := e.Data.(eventbus.CookieData)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("Credentials for account %d need attention (%s): %s", d.AccountID, d.Reason, d.Path), true
	case eventbus.TaskFinished:
		d, ok := e.Data.(eventbus.TaskData)
		if !ok || d.Failed == 0 {
			return "", false
		}
		return fmt.Sprintf("Task %d %q finished %s: %d/%d published, %d failed", d.TaskID, d.Name, d.Status, d.Success, d.Total, d.Failed), true
	case eventbus.ProxySwitchFailed:
		d, ok := e.Data.(eventbus.SwitchData)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("Proxy switch failed for account %d: %s", d.AccountID, d.Error), true
	}
	return "", false
}
