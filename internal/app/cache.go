package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"golang.org/x/sync/errgroup"
)

// CacheEntries lists stored entries, most recently used first.
func (a *App) CacheEntries(ctx context.Context) ([]cache.Listing, error) {
	listing, err := a.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].ModTime.After(listing[j].ModTime) })
	return listing, nil
}

// RemoveCacheEntries evicts the entries whose fingerprint starts with one of
// the given prefixes. A prefix matching more than one entry is an error.
func (a *App) RemoveCacheEntries(ctx context.Context, prefixes ...string) ([]fingerprint.Fingerprint, error) {
	listing, err := a.cache.List(ctx)
	if err != nil {
		return nil, err
	}

	var targets []fingerprint.Fingerprint
	for _, prefix := range prefixes {
		var match []fingerprint.Fingerprint
		for _, l := range listing {
			if prefix != "" && strings.HasPrefix(l.Fingerprint.String(), prefix) {
				match = append(match, l.Fingerprint)
			}
		}
		switch len(match) {
		case 0:
			return nil, fmt.Errorf("no cache entry matches %q", prefix)
		case 1:
			targets = append(targets, match[0])
		default:
			return nil, fmt.Errorf("prefix %q matches %d cache entries", prefix, len(match))
		}
	}

	for _, fp := range targets {
		if err := a.cache.Evict(ctx, fp); err != nil {
			return nil, err
		}
		ctxlog.FromContext(ctx).Info("Removed cache entry.", "fingerprint", fp.Short())
	}
	return targets, nil
}

// CollectGarbage evicts least recently used entries until the configured
// size bound holds.
func (a *App) CollectGarbage(ctx context.Context) ([]fingerprint.Fingerprint, error) {
	if a.config.Cache.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache max bytes is not set, nothing to collect")
	}
	evicted, err := a.cache.Prune(ctx)
	entries, size := a.cache.Usage()
	ctxlog.FromContext(ctx).Info("🧹 Cache garbage collected.", "evicted", len(evicted), "entries", entries, "bytes", size)
	return evicted, err
}

// VerifyReport summarizes a cache verification.
type VerifyReport struct {
	Checked int
	Corrupt int
}

// VerifyCache reads every entry back with up to parallel readers at once.
// Corrupt entries are discarded by the cache as they are found.
func (a *App) VerifyCache(ctx context.Context, parallel int) (VerifyReport, error) {
	listing, err := a.cache.List(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	before := a.cache.Stats().Corrupted

	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, l := range listing {
		fp := l.Fingerprint
		g.Go(func() error {
			_, _, err := a.cache.Get(gctx, fp)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return VerifyReport{}, fmt.Errorf("verifying cache: %w", err)
	}

	report := VerifyReport{Checked: len(listing), Corrupt: int(a.cache.Stats().Corrupted - before)}
	ctxlog.FromContext(ctx).Info("Cache verified.", "checked", report.Checked, "corrupt", report.Corrupt)
	return report, nil
}
