package publish

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"matrixpub/internal/model"
)

// Request carries everything a platform uploader needs for one video.
type Request struct {
	Platform       model.Platform
	SubtaskID      int64
	AccountID      int64
	Title          string
	FilePath       string
	Tags           string
	Category       *int
	CredentialPath string
	ScheduledTime  time.Time // zero: publish immediately
	ProxyURL       string    // empty: direct connection
}

// Publisher uploads one video to one platform. A nil error means the
// platform accepted it.
type Publisher interface {
	Publish(ctx context.Context, req Request) error
}

type Func func(ctx context.Context, req Request) error

func (f Func) Publish(ctx context.Context, req Request) error { return f(ctx, req) }

// Registry resolves publishers by platform. Safe for concurrent use;
// Replace swaps the whole set on config reload.
type Registry struct {
	mu   sync.RWMutex
	pubs map[model.Platform]Publisher
}

func NewRegistry() *Registry {
	return &Registry{pubs: map[model.Platform]Publisher{}}
}

func (r *Registry) Register(p model.Platform, pub Publisher) {
	r.mu.Lock()
	r.pubs[p] = pub
	r.mu.Unlock()
}

func (r *Registry) Replace(pubs map[model.Platform]Publisher) {
	next := make(map[model.Platform]Publisher, len(pubs))
	for k, v := range pubs {
		next[k] = v
	}
	r.mu.Lock()
	r.pubs = next
	r.mu.Unlock()
}

// Lookup fails with ErrUnsupportedPlatform when nothing is registered for p.
func (r *Registry) Lookup(p model.Platform) (Publisher, error) {
	r.mu.RLock()
	pub, ok := r.pubs[p]
	r.mu.RUnlock()
	if !ok || pub == nil {
		return nil, fmt.Errorf("no publisher for %s: %w", p, model.ErrUnsupportedPlatform)
	}
	return pub, nil
}

func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	out := make([]model.Platform, 0, len(r.pubs))
	for p := range r.pubs {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
