package core

import (
	"context"
	"time"

	"github.com/lfaureyt/rx-player/internal/errs"
)

// runRefreshLoop keeps a dynamic manifest fresh. Refreshes are triggered
// by the declared lifetime expiring, by index should-refresh hints, and by
// out-of-sync segment requests. Static manifests never refresh.
func (c *Core) runRefreshLoop(ctx context.Context) error {
	c.treeMu.RLock()
	dynamic := c.manifest.IsDynamic
	c.treeMu.RUnlock()
	if !dynamic {
		<-ctx.Done()
		return nil
	}
	for {
		timer := time.NewTimer(c.refreshDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-c.refreshCh:
			timer.Stop()
		}

		c.refreshMu.Lock()
		full := c.refreshFull
		c.refreshFull = false
		c.refreshMu.Unlock()

		if err := c.refreshManifest(ctx, full); err != nil {
			if errs.IsCancellation(err) || ctx.Err() != nil {
				return nil
			}
			// A failed refresh is never terminal: the current indexes stay
			// usable and the next attempt may succeed.
			rerr := &errs.ManifestError{Kind: errs.ManifestRefreshFailed, Err: err}
			c.log.Warnf("load %s: manifest refresh failed: %v", c.id, rerr)
			c.emitWarning(rerr)
		}
	}
}

// refreshDelay is the time until the next scheduled refresh: the declared
// lifetime, or the fallback used when a dynamic manifest advertises none.
func (c *Core) refreshDelay() time.Duration {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	if lt := c.manifest.Lifetime; lt != nil && *lt > 0 {
		return time.Duration(*lt * float64(time.Second))
	}
	return c.cfg.DashFallbackLifetime
}

// refreshManifest fetches the manifest again and absorbs it into the
// presentation. full replaces every segment index wholesale, the answer
// to an index that went out of sync with the server.
func (c *Core) refreshManifest(ctx context.Context, full bool) error {
	c.treeMu.RLock()
	urls := append([]string(nil), c.manifest.URIs...)
	c.treeMu.RUnlock()
	if len(urls) == 0 {
		urls = []string{c.url}
	}

	refreshed, err := c.loader.load(ctx, urls)
	if err != nil {
		return err
	}

	c.treeMu.Lock()
	defer c.treeMu.Unlock()
	if full {
		return c.manifest.Replace(refreshed)
	}
	return c.manifest.Update(refreshed)
}
