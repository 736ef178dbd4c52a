// Package gc provides garbage collection for orphaned drive data.
//
// The garbage collector identifies and removes directory records and
// chunks that no reachable directory references (orphaned data). This can
// occur due to:
//   - Crashes between writing a new listing and deleting the old one
//   - Failed best-effort deletes of replaced content
//   - Directory records left behind by an interrupted subtree delete
//   - Services unmounted without purging and then remounted fresh
//
// Every backend the drive tree reaches is collected, the default backend
// and each mounted service alike.
package gc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/drive"
	"github.com/marmos91/dittodrive/pkg/metrics"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// Tree reports the keys the drive still references. *drive.RootHandler
// implements it.
type Tree interface {
	InspectReferences(ctx context.Context, fn func(ctx context.Context, refs []drive.References) error) error
}

// Collector performs periodic garbage collection on drive backends.
//
// The collector runs in the background and periodically scans for orphaned
// data (keys no directory references) and deletes it.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	tree   Tree
	config Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether periodic garbage collection is active
	Enabled bool

	// Interval is how often to run garbage collection (default: 24h)
	Interval time.Duration

	// BatchSize is how many orphaned keys to delete before checking for
	// cancellation (default: 1000)
	BatchSize int

	// DryRun mode logs what would be deleted without actually deleting (default: false)
	DryRun bool

	// Metrics receives collection metrics (default: no-op)
	Metrics metrics.GCMetrics
}

// collectedPrefixes are the key spaces the drive owns in a backend.
var collectedPrefixes = []string{storage.DirectoryPrefix, storage.ChunkPrefix}

// NewCollector creates a new garbage collector.
//
// The collector will be initialized but not started. Call Start() to begin
// background garbage collection.
func NewCollector(tree Tree, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NoopGCMetrics()
	}

	return &Collector{
		tree:   tree,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background garbage collection.
//
// This starts a goroutine that periodically runs garbage collection at the
// configured interval. The goroutine will run until Stop() is called.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		return
	}

	logger.Info("Starting garbage collector: interval=%s batch_size=%d dry_run=%v",
		c.config.Interval, c.config.BatchSize, c.config.DryRun)

	go c.worker()
}

// Stop stops the garbage collector and waits for it to finish.
//
// Returns ctx.Err() if ctx ends before the worker exits.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	logger.Info("Stopping garbage collector...")
	close(c.stopCh)

	select {
	case <-c.doneCh:
		logger.Info("Garbage collector stopped successfully")
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes or ctx is
// cancelled. It works whether or not the collector is enabled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running garbage collection (manual trigger)...")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	logger.Info("Garbage collector worker started")

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Garbage collection failed: %v", err)
			} else {
				logger.Info("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			logger.Info("Garbage collector worker stopping...")
			return
		}
	}
}

// collect performs a single garbage collection run.
//
// For every backend:
//  1. Take the keys the tree references
//  2. List the directory and chunk keys the backend holds
//  3. Compute orphaned = existing - referenced
//  4. Delete the orphans in batches
//
// The tree stays locked against mutation for the whole run.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	err := c.tree.InspectReferences(ctx, func(ctx context.Context, refs []drive.References) error {
		for _, backend := range refs {
			before := *stats
			err := c.collectBackend(ctx, backend, stats)
			c.config.Metrics.RecordBackend(backend.Name,
				stats.OrphanedCount-before.OrphanedCount,
				stats.DeletedCount-before.DeletedCount,
				stats.FailedCount-before.FailedCount)
			if err != nil {
				return err
			}
		}
		return nil
	})
	stats.EndTime = time.Now()
	c.config.Metrics.RecordRun(stats.Duration(), err)
	if err != nil {
		return stats, err
	}

	if c.config.DryRun {
		logger.Info("GC: DRY RUN - would delete %d items", stats.OrphanedCount)
	} else {
		logger.Info("GC: Completed - deleted %d items, %d failed, duration=%s",
			stats.DeletedCount, stats.FailedCount, stats.Duration())
	}
	return stats, nil
}

func (c *Collector) collectBackend(ctx context.Context, refs drive.References, stats *Stats) error {
	lister, ok := refs.Storage.(storage.Lister)
	if !ok {
		logger.Warn("GC: Backend %s cannot list keys, skipping", refs.Name)
		stats.SkippedBackends++
		return nil
	}

	stats.Backends++
	stats.ReferencedCount += uint64(len(refs.Keys))

	logger.Debug("GC: Listing keys of backend %s...", refs.Name)

	var existing []storage.Key
	for _, prefix := range collectedPrefixes {
		keys, err := lister.Keys(ctx, prefix)
		if err != nil {
			return fmt.Errorf("backend %s: listing %s: %w", refs.Name, strings.TrimSuffix(prefix, "/"), err)
		}
		existing = append(existing, keys...)
	}
	stats.ExistingCount += uint64(len(existing))

	orphaned := make([]storage.Key, 0)
	for _, key := range existing {
		if !refs.Referenced(key) {
			orphaned = append(orphaned, key)
		}
	}
	stats.OrphanedCount += uint64(len(orphaned))

	if len(orphaned) == 0 {
		logger.Debug("GC: No orphaned data in backend %s", refs.Name)
		return nil
	}

	logger.Info("GC: Found %d orphaned items in backend %s", len(orphaned), refs.Name)

	if c.config.DryRun {
		for i, key := range orphaned {
			if i == 10 {
				logger.Info("  ... and %d more", len(orphaned)-10)
				break
			}
			logger.Info("  - %s", key)
		}
		return nil
	}

	for i := 0; i < len(orphaned); i += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(i+c.config.BatchSize, len(orphaned))
		var failed int
		for _, key := range orphaned[i:end] {
			if err := refs.Storage.Delete(ctx, key); err != nil && !storage.IsNotFound(err) {
				logger.Debug("GC: Failed to delete %s: %v", key, err)
				failed++
			}
		}

		stats.DeletedCount += uint64(end - i - failed)
		stats.FailedCount += uint64(failed)

		logger.Debug("GC: Deleted batch %d-%d of %s: %d succeeded, %d failed",
			i, end, refs.Name, end-i-failed, failed)
	}
	return nil
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime       time.Time // When collection started
	EndTime         time.Time // When collection ended
	Backends        int       // Backends collected
	SkippedBackends int       // Backends that cannot list their keys
	ReferencedCount uint64    // Keys referenced by the tree
	ExistingCount   uint64    // Directory and chunk keys found in the backends
	OrphanedCount   uint64    // Keys found but not referenced
	DeletedCount    uint64    // Orphans successfully deleted
	FailedCount     uint64    // Orphans that failed to delete
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("backends=%d referenced=%d existing=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.Backends, s.ReferencedCount, s.ExistingCount, s.OrphanedCount,
		s.DeletedCount, s.FailedCount, s.Duration())
}
