// Package directory caches the port → {account, rule} mapping used to
// attribute traffic reports. The store stays authoritative: the cache is
// rebuilt wholesale on a miss (at most once per MissRebuildInterval) and
// every entry expires after the configured TTL.
package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
)

const (
	defaultTTL                 = 5 * time.Minute
	defaultMissRebuildInterval = 5 * time.Second
	maxPorts                   = 65536
)

// Source lists the authoritative port ownership rows.
type Source interface {
	ListPortOwners(ctx context.Context) ([]models.PortOwner, error)
}

type Options struct {
	TTL                 time.Duration
	MissRebuildInterval time.Duration
	Clock               quartz.Clock
	Metrics             *metrics.Metrics
}

type Directory struct {
	source  Source
	cache   *expirable.LRU[int, models.PortOwner]
	group   singleflight.Group
	clock   quartz.Clock
	metrics *metrics.Metrics

	missInterval time.Duration

	mu          sync.Mutex
	lastRebuild time.Time
}

func directoryLogger() *slog.Logger {
	return slog.Default().With("component", "directory")
}

func New(source Source, opts Options) *Directory {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MissRebuildInterval <= 0 {
		opts.MissRebuildInterval = defaultMissRebuildInterval
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Directory{
		source:       source,
		cache:        expirable.NewLRU[int, models.PortOwner](maxPorts, nil, opts.TTL),
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		missInterval: opts.MissRebuildInterval,
	}
}

// Lookup resolves port to its owner. A miss triggers a wholesale rebuild
// unless one happened within the miss interval, so a stream of reports for
// an unmapped port cannot hammer the store.
func (d *Directory) Lookup(ctx context.Context, port int) (models.PortOwner, bool, error) {
	if owner, ok := d.cache.Get(port); ok {
		return owner, true, nil
	}

	d.mu.Lock()
	recent := !d.lastRebuild.IsZero() && d.clock.Now().Sub(d.lastRebuild) < d.missInterval
	d.mu.Unlock()
	if recent {
		return models.PortOwner{}, false, nil
	}

	if err := d.Rebuild(ctx); err != nil {
		return models.PortOwner{}, false, err
	}
	owner, ok := d.cache.Get(port)
	return owner, ok, nil
}

// Rebuild replaces the whole cache from the source. Concurrent callers share
// one store query.
func (d *Directory) Rebuild(ctx context.Context) error {
	_, err, _ := d.group.Do("rebuild", func() (any, error) {
		owners, err := d.source.ListPortOwners(ctx)
		if err != nil {
			return nil, err
		}
		d.cache.Purge()
		for _, o := range owners {
			d.cache.Add(o.Port, o)
		}

		d.mu.Lock()
		d.lastRebuild = d.clock.Now()
		d.mu.Unlock()

		d.metrics.DirectoryRebuilt(len(owners))
		directoryLogger().Debug("port directory rebuilt", "ports", len(owners))
		return nil, nil
	})
	return err
}

// Invalidate drops every entry; the next lookup rebuilds.
func (d *Directory) Invalidate() {
	d.cache.Purge()
	d.mu.Lock()
	d.lastRebuild = time.Time{}
	d.mu.Unlock()
}

func (d *Directory) Len() int {
	return d.cache.Len()
}
