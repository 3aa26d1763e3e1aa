package captcha

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wisbric/cerberus/internal/sysload"
	"github.com/wisbric/cerberus/internal/telemetry"
	"github.com/wisbric/cerberus/internal/threat"
)

// BoxConfig configures the two-tier pre-generation pool.
type BoxConfig struct {
	// RAMCapacity is the maximum number of CAPTCHAs held in memory.
	RAMCapacity int
	// CacheDir is the disk spool directory.
	CacheDir string
	// MaxDiskCache is the maximum number of CAPTCHAs spooled to disk.
	MaxDiskCache int
	// MinDiskFreeGB stops spool writes when free space drops below it.
	MinDiskFreeGB int
	// DumpInterval is the minimum time between surplus dumps.
	DumpInterval time.Duration
}

// DefaultBoxConfig returns the production defaults.
func DefaultBoxConfig() BoxConfig {
	return BoxConfig{
		RAMCapacity:   10_000,
		CacheDir:      "/var/lib/cerberus/ammo",
		MaxDiskCache:  100_000,
		MinDiskFreeGB: 5,
		DumpInterval:  300 * time.Second,
	}
}

// BoxStats is a snapshot of the pool counters.
type BoxStats struct {
	PoolSize       int    `json:"pool_size"`
	PoolCapacity   int    `json:"pool_capacity"`
	FillPercent    int    `json:"fill_percent"`
	Served         uint64 `json:"served"`
	Generated      uint64 `json:"generated"`
	LoadedFromDisk uint64 `json:"loaded_from_disk"`
	DumpedToDisk   uint64 `json:"dumped_to_disk"`
	PoolMisses     uint64 `json:"pool_misses"`
}

// Box is the Ammo Box: a bounded FIFO of pre-generated CAPTCHAs backed by a
// disk spool. Push and pop never block; the maintainer keeps the pool fed.
type Box struct {
	cfg    BoxConfig
	logger *slog.Logger

	mu    sync.Mutex
	ring  []Pregen
	head  int
	count int

	lastDumpMu sync.Mutex
	lastDump   time.Time

	served         atomic.Uint64
	generated      atomic.Uint64
	loadedFromDisk atomic.Uint64
	dumpedToDisk   atomic.Uint64
	poolMisses     atomic.Uint64
}

// dumpBatchSize caps how many items a single spool file holds.
const dumpBatchSize = 1000

// NewBox creates an Ammo Box with an empty pool.
func NewBox(cfg BoxConfig, logger *slog.Logger) *Box {
	if cfg.RAMCapacity <= 0 {
		cfg.RAMCapacity = DefaultBoxConfig().RAMCapacity
	}
	return &Box{
		cfg:      cfg,
		logger:   logger,
		ring:     make([]Pregen, cfg.RAMCapacity),
		lastDump: time.Now(),
	}
}

// Capacity returns the RAM pool capacity.
func (b *Box) Capacity() int { return b.cfg.RAMCapacity }

// Len returns the current pool size.
func (b *Box) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// FillPercent returns the pool fill percentage (0-100).
func (b *Box) FillPercent() int {
	return b.Len() * 100 / b.cfg.RAMCapacity
}

// Push adds one CAPTCHA. Returns false when the pool is full; the item is
// unchanged and the caller keeps it.
func (b *Box) Push(p Pregen) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.ring) {
		return false
	}
	b.ring[(b.head+b.count)%len(b.ring)] = p
	b.count++
	return true
}

// PushBatch pushes until the pool fills, returning how many were accepted.
func (b *Box) PushBatch(batch []Pregen) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	pushed := 0
	for _, p := range batch {
		if b.count == len(b.ring) {
			break
		}
		b.ring[(b.head+b.count)%len(b.ring)] = p
		b.count++
		pushed++
	}
	return pushed
}

// Pop removes the oldest CAPTCHA. ok is false when the pool is empty, which
// also counts a pool miss.
func (b *Box) Pop() (Pregen, bool) {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		b.poolMisses.Add(1)
		telemetry.AmmoPoolMissesTotal.Inc()
		return Pregen{}, false
	}
	p := b.ring[b.head]
	b.ring[b.head] = Pregen{}
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.mu.Unlock()

	b.served.Add(1)
	return p, true
}

// popBatch removes up to n items for spooling.
func (b *Box) popBatch(n int) []Pregen {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.count {
		n = b.count
	}
	batch := make([]Pregen, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, b.ring[b.head])
		b.ring[b.head] = Pregen{}
		b.head = (b.head + 1) % len(b.ring)
		b.count--
	}
	return batch
}

// GenerateBatch produces count CAPTCHAs at the given difficulty.
func (b *Box) GenerateBatch(count int, d threat.Difficulty) []Pregen {
	batch := make([]Pregen, count)
	for i := range batch {
		batch[i] = Generate(d)
	}
	b.generated.Add(uint64(count))
	return batch
}

// Stats returns a snapshot of the counters.
func (b *Box) Stats() BoxStats {
	size := b.Len()
	return BoxStats{
		PoolSize:       size,
		PoolCapacity:   b.cfg.RAMCapacity,
		FillPercent:    size * 100 / b.cfg.RAMCapacity,
		Served:         b.served.Load(),
		Generated:      b.generated.Load(),
		LoadedFromDisk: b.loadedFromDisk.Load(),
		DumpedToDisk:   b.dumpedToDisk.Load(),
		PoolMisses:     b.poolMisses.Load(),
	}
}

// LoadFromDisk refills the pool from the spool, oldest files first. Loaded
// files are deleted. Returns the number of CAPTCHAs loaded.
func (b *Box) LoadFromDisk(maxCount int) (int, error) {
	entries, err := os.ReadDir(b.cfg.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		if loaded >= maxCount {
			break
		}
		path := filepath.Join(b.cfg.CacheDir, name)
		n, err := b.loadBatchFile(path)
		if err != nil {
			b.logger.Warn("failed to load ammo file", "path", path, "error", err)
			continue
		}
		loaded += n
		_ = os.Remove(path)
	}

	b.loadedFromDisk.Add(uint64(loaded))
	return loaded, nil
}

func (b *Box) loadBatchFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var batch []Pregen
	if err := gob.NewDecoder(f).Decode(&batch); err != nil {
		return 0, fmt.Errorf("decoding batch: %w", err)
	}
	return b.PushBatch(batch), nil
}

// DumpToDisk spools up to batchSize items into a new file and pushes the same
// items back into RAM: the spool is a copy, not a move. Returns the number of
// items written.
func (b *Box) DumpToDisk(batchSize int) (int, error) {
	if err := b.checkDiskBudget(); err != nil {
		return 0, err
	}

	batch := b.popBatch(batchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	if err := b.writeBatchFile(batch); err != nil {
		b.PushBatch(batch)
		return 0, err
	}

	b.dumpedToDisk.Add(uint64(len(batch)))
	b.PushBatch(batch)
	return len(batch), nil
}

// Flush writes the entire RAM pool to disk without pushing it back. Used on
// shutdown.
func (b *Box) Flush() (int, error) {
	total := 0
	for {
		batch := b.popBatch(dumpBatchSize)
		if len(batch) == 0 {
			return total, nil
		}
		if err := b.writeBatchFile(batch); err != nil {
			b.PushBatch(batch)
			return total, err
		}
		b.dumpedToDisk.Add(uint64(len(batch)))
		total += len(batch)
	}
}

func (b *Box) writeBatchFile(batch []Pregen) error {
	if err := os.MkdirAll(b.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	name := fmt.Sprintf("ammo_%d.bin", time.Now().UnixMilli())
	path := filepath.Join(b.cfg.CacheDir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(batch); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encoding batch: %w", err)
	}
	return f.Close()
}

// checkDiskBudget enforces the spool file-count cap and the free-space floor.
func (b *Box) checkDiskBudget() error {
	entries, err := os.ReadDir(b.cfg.CacheDir)
	if err == nil {
		files := 0
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".bin") {
				files++
			}
		}
		if b.cfg.MaxDiskCache > 0 && files*dumpBatchSize >= b.cfg.MaxDiskCache {
			return fmt.Errorf("disk cache full (%d files)", files)
		}
	}

	free, ok := diskFreeGB(b.cfg.CacheDir)
	if ok && b.cfg.MinDiskFreeGB > 0 && free < uint64(b.cfg.MinDiskFreeGB) {
		return fmt.Errorf("free disk %dGB below floor %dGB", free, b.cfg.MinDiskFreeGB)
	}
	return nil
}

// Run is the maintainer task. Once per second it inspects the fill level and
// CPU load and takes one action; on shutdown it flushes the pool to disk.
func (b *Box) Run(ctx context.Context, load *sysload.Estimator) {
	b.logger.Info("ammo box maintainer started", "capacity", b.Capacity())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.maintain(load.Current())
		case <-ctx.Done():
			b.logger.Info("ammo box maintainer shutting down")
			if n, err := b.Flush(); err != nil {
				b.logger.Error("failed to flush pool on shutdown", "error", err)
			} else if n > 0 {
				b.logger.Info("flushed pool to disk", "count", n)
			}
			return
		}
	}
}

// maintain runs a single maintenance pass. Disk errors degrade to pool-only
// behavior with a warning.
func (b *Box) maintain(cpuLoad int) {
	fill := b.FillPercent()

	switch {
	case fill < 10:
		if cpuLoad > 80 {
			b.logger.Warn("ammo critical, loading from disk", "fill_pct", fill, "cpu", cpuLoad)
			if _, err := b.LoadFromDisk(1000); err != nil {
				b.logger.Warn("disk load failed", "error", err)
			}
		} else {
			b.logger.Warn("ammo critical, generating batch", "fill_pct", fill, "cpu", cpuLoad)
			b.PushBatch(b.GenerateBatch(500, threat.Medium))
		}

	case fill < 80:
		if cpuLoad < 50 {
			b.PushBatch(b.GenerateBatch(100, threat.Medium))
		}

	case fill > 95 && cpuLoad < 20:
		if b.shouldDump() {
			if _, err := b.DumpToDisk(dumpBatchSize); err != nil {
				b.logger.Warn("surplus dump failed", "error", err)
			} else {
				b.markDumped()
			}
		}
	}

	telemetry.AmmoPoolSize.Set(float64(b.Len()))
	telemetry.AmmoPoolFillPercent.Set(float64(b.FillPercent()))
}

func (b *Box) shouldDump() bool {
	b.lastDumpMu.Lock()
	defer b.lastDumpMu.Unlock()
	return time.Since(b.lastDump) > b.cfg.DumpInterval
}

func (b *Box) markDumped() {
	b.lastDumpMu.Lock()
	defer b.lastDumpMu.Unlock()
	b.lastDump = time.Now()
}
