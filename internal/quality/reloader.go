package quality

import (
	"context"
	"log/slog"
	"time"
)

// Reloader periodically loads a model artifact from disk and publishes it
// when its version changes. A failed load leaves the current snapshot in
// place; until the first successful load the Provider has no model and every
// prediction uses the fallback factor.
type Reloader struct {
	provider *Provider
	path     string
	interval time.Duration
	load     func(path string) (*TreeEnsemble, error)

	// OnError is called for every failed load. Optional.
	OnError func(err error)
}

// NewReloader creates a reloader for the artifact at path.
func NewReloader(p *Provider, path string, interval time.Duration) *Reloader {
	return &Reloader{
		provider: p,
		path:     path,
		interval: interval,
		load:     LoadArtifactFile,
	}
}

// Reload performs one load attempt. It reports whether a new version was
// published.
func (r *Reloader) Reload() (bool, error) {
	m, err := r.load(r.path)
	if err != nil {
		if r.OnError != nil {
			r.OnError(err)
		}
		return false, err
	}
	if m.Version() == r.provider.Version() {
		return false, nil
	}
	r.provider.Publish(m)
	slog.Info("quality model published", "version", m.Version(), "path", r.path)
	return true, nil
}

// Run reloads immediately and then on every tick until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	if _, err := r.Reload(); err != nil {
		slog.Warn("quality artifact load failed, using fallback factor", "path", r.path, "err", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reload(); err != nil {
				slog.Warn("quality artifact reload failed, keeping current model",
					"path", r.path, "version", r.provider.Version(), "err", err)
			}
		}
	}
}
