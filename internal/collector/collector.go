package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"golang-stock-gateway/internal/cache"
	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// Requester fetches one instrument snapshot. Implemented by the broker.
type Requester interface {
	RequestOne(ctx context.Context, stockCode string) (market.Snapshot, error)
}

// UniverseSource lists the instrument universe per market segment.
// Implemented by the terminal session.
type UniverseSource interface {
	ListCodes(segment market.Segment) ([]string, error)
}

// Sink receives each flushed snapshot batch. Sinks are best-effort: a
// failing sink is logged and skipped, never aborts the pass.
type Sink interface {
	StoreBatch(ctx context.Context, snapshots []market.Snapshot) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, snapshots []market.Snapshot) error

func (f SinkFunc) StoreBatch(ctx context.Context, snapshots []market.Snapshot) error {
	return f(ctx, snapshots)
}

// Report summarizes one collection pass.
type Report struct {
	Universe  int
	Cached    int
	Fetched   int
	Skipped   int
	Elapsed   time.Duration
	FromCache bool
}

// Collector performs the rate-limited bulk snapshot collection. One request
// leaves every interval; results accumulate in memory and are flushed to the
// JSON cache (and any sinks) in batches. The cache doubles as the resume
// cursor: codes already present are never re-requested, so an interrupted
// pass picks up where it left off.
//
// Whatever happens to the pass, every DataLoaded waiter is eventually
// released. The HTTP layer blocks on that signal, so leaking it would hang
// clients forever.
type Collector struct {
	session Requester
	source  UniverseSource
	cache   *cache.FileCache
	sinks   []Sink

	limiter       *rate.Limiter
	flushBatch    int
	cacheValidity time.Duration

	mu        sync.RWMutex
	snapshots map[string]market.Snapshot

	loaded     chan struct{}
	loadedOnce sync.Once

	// Statistics
	fetched  int64
	skipped  int64
	flushes  int64
	lastPass time.Time

	log *logger.Entry
}

// Options configures a collector.
type Options struct {
	RequestInterval time.Duration
	FlushBatchSize  int
	CacheValidity   time.Duration
}

// New creates a collector.
func New(session Requester, source UniverseSource, fileCache *cache.FileCache, opts Options, log *logger.Log) *Collector {
	if opts.FlushBatchSize < 1 {
		opts.FlushBatchSize = 200
	}
	if opts.RequestInterval <= 0 {
		opts.RequestInterval = 3600 * time.Millisecond
	}
	return &Collector{
		session:       session,
		source:        source,
		cache:         fileCache,
		limiter:       rate.NewLimiter(rate.Every(opts.RequestInterval), 1),
		flushBatch:    opts.FlushBatchSize,
		cacheValidity: opts.CacheValidity,
		snapshots:     make(map[string]market.Snapshot),
		loaded:        make(chan struct{}),
		log:           log.WithComponent("collector"),
	}
}

// AddSink registers a flush sink. Must be called before RunCollectionPass.
func (c *Collector) AddSink(sink Sink) {
	c.sinks = append(c.sinks, sink)
}

// DataLoaded is closed once the initial data set is available, whether it
// came from a fresh cache or a completed (or aborted) collection pass.
func (c *Collector) DataLoaded() <-chan struct{} {
	return c.loaded
}

// Abort releases every DataLoaded waiter without running a pass. Used when
// the terminal login fails and no data will ever arrive.
func (c *Collector) Abort() {
	c.signalLoaded()
}

// Snapshots returns the collected snapshots sorted by instrument code.
func (c *Collector) Snapshots() []market.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

// sortedLocked returns the snapshot set sorted by code. Caller holds c.mu.
func (c *Collector) sortedLocked() []market.Snapshot {
	out := make([]market.Snapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockCode < out[j].StockCode })
	return out
}

// RunCollectionPass collects snapshots for every instrument not already in
// the cache. The DataLoaded signal fires when the pass finishes, fails, or
// is cancelled.
func (c *Collector) RunCollectionPass(ctx context.Context) (Report, error) {
	defer c.signalLoaded()
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logger.Fields{"panic": fmt.Sprintf("%v", r)}).Error("🔥 Collection pass panicked")
		}
	}()

	start := time.Now()

	// Seed from the cache so an interrupted pass resumes instead of
	// restarting.
	cachedDoc, haveCache := c.cache.Load()
	if haveCache {
		c.mu.Lock()
		for _, snap := range cachedDoc.Data {
			c.snapshots[snap.StockCode] = snap
		}
		c.mu.Unlock()
	}

	universe, segments, err := c.listUniverse()
	if err != nil {
		// With a usable cache the gateway can still serve; without one
		// this pass produced nothing.
		if haveCache {
			c.log.WithError(err).Warn("⚠️ Universe listing failed, serving cached data only")
			return Report{Cached: len(cachedDoc.Data), FromCache: true, Elapsed: time.Since(start)}, nil
		}
		return Report{}, fmt.Errorf("failed to list instrument universe: %w", err)
	}

	c.mu.RLock()
	cached := len(c.snapshots)
	toFetch := make([]string, 0, len(universe))
	for _, code := range universe {
		if _, ok := c.snapshots[code]; !ok {
			toFetch = append(toFetch, code)
		}
	}
	c.mu.RUnlock()
	sort.Strings(toFetch)

	// A fresh, complete cache means the previous pass finished recently;
	// don't burn an hour of rate-limited requests repeating it.
	if len(toFetch) == 0 && haveCache && time.Since(cachedDoc.Timestamp) <= c.cacheValidity {
		c.log.WithFields(logger.Fields{"snapshots": cached, "age": time.Since(cachedDoc.Timestamp).String()}).Info("✅ Cache is fresh, skipping collection pass")
		return Report{Universe: len(universe), Cached: cached, FromCache: true, Elapsed: time.Since(start)}, nil
	}

	c.log.WithFields(logger.Fields{
		"universe": len(universe),
		"cached":   cached,
		"to_fetch": len(toFetch),
	}).Info("🚀 Starting collection pass")

	var fetched, skipped, sinceFlush int
	for _, code := range toFetch {
		if err := c.limiter.Wait(ctx); err != nil {
			if fetched > 0 {
				c.flush(ctx)
			}
			return c.report(len(universe), cached, fetched, skipped, start), err
		}

		snap, err := c.session.RequestOne(ctx, code)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if fetched > 0 {
					c.flush(ctx)
				}
				return c.report(len(universe), cached, fetched, skipped, start), err
			}
			// Timeout or rejection: this instrument yields nothing this
			// pass. A later pass will pick it up.
			skipped++
			c.mu.Lock()
			c.skipped++
			c.mu.Unlock()
			c.log.WithError(err).WithFields(logger.Fields{"stock_code": code}).Warn("⚠️ Skipping instrument this pass")
			continue
		}

		// The basic-info record carries no segment; the universe listing is
		// the authoritative code-to-segment mapping.
		snap.Market = segments[code]

		c.mu.Lock()
		c.snapshots[code] = snap
		c.fetched++
		c.mu.Unlock()
		fetched++
		sinceFlush++

		if sinceFlush >= c.flushBatch {
			c.flush(ctx)
			sinceFlush = 0
		}
	}

	// A pass that fetched nothing must not rewrite the cache: that would
	// stamp unchanged data with a fresh timestamp and make a stale cache
	// look fresh on the next start.
	if fetched > 0 {
		c.flush(ctx)
	}
	c.mu.Lock()
	c.lastPass = time.Now()
	c.mu.Unlock()

	rep := c.report(len(universe), cached, fetched, skipped, start)
	c.log.WithFields(logger.Fields{
		"fetched": fetched,
		"skipped": skipped,
		"total":   cached + fetched,
		"elapsed": rep.Elapsed.String(),
	}).Info("✅ Collection pass complete")
	return rep, nil
}

func (c *Collector) report(universe, cached, fetched, skipped int, start time.Time) Report {
	return Report{
		Universe: universe,
		Cached:   cached,
		Fetched:  fetched,
		Skipped:  skipped,
		Elapsed:  time.Since(start),
	}
}

// listUniverse gathers instrument codes across all tracked segments along
// with the code-to-segment mapping.
func (c *Collector) listUniverse() ([]string, map[string]market.Segment, error) {
	segments := make(map[string]market.Segment)
	var universe []string
	for _, segment := range market.Segments() {
		codes, err := c.source.ListCodes(segment)
		if err != nil {
			return nil, nil, err
		}
		for _, code := range codes {
			if _, ok := segments[code]; !ok {
				segments[code] = segment
				universe = append(universe, code)
			}
		}
	}
	return universe, segments, nil
}

// flush persists the full snapshot set to the cache and forwards the batch
// to every sink.
func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	snapshots := c.sortedLocked()
	c.flushes++
	c.mu.Unlock()

	if len(snapshots) == 0 {
		return
	}

	if err := c.cache.Save(snapshots); err != nil {
		c.log.WithError(err).Error("🔥 Failed to persist snapshot cache")
	}

	for _, sink := range c.sinks {
		if err := sink.StoreBatch(ctx, snapshots); err != nil {
			c.log.WithError(err).Warn("⚠️ Snapshot sink failed")
		}
	}
}

func (c *Collector) signalLoaded() {
	c.loadedOnce.Do(func() { close(c.loaded) })
}

// GetStats returns collector statistics.
func (c *Collector) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[string]interface{}{
		"snapshots": len(c.snapshots),
		"fetched":   c.fetched,
		"skipped":   c.skipped,
		"flushes":   c.flushes,
	}
	if !c.lastPass.IsZero() {
		stats["last_pass"] = c.lastPass.Format(time.RFC3339)
	}
	select {
	case <-c.loaded:
		stats["data_loaded"] = true
	default:
		stats["data_loaded"] = false
	}
	return stats
}
