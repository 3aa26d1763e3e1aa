// Package sysload estimates local CPU load as a 0-100 integer for the ammo
// maintainer and gossip packets.
package sysload

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Estimator samples /proc/loadavg and normalises the 1-minute average by the
// core count. Hosts without procfs (non-Linux dev machines) read as 0, which
// keeps the ammo maintainer permissive about generating.
type Estimator struct {
	mu        sync.Mutex
	fs        procfs.FS
	available bool
	last      int
	sampledAt time.Time
}

// sampleInterval bounds how often /proc is re-read; callers poll every tick.
const sampleInterval = time.Second

// New creates an estimator. procfs absence is not an error.
func New() *Estimator {
	e := &Estimator{}
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err == nil {
		e.fs = fs
		e.available = true
	}
	return e
}

// Current returns the CPU load estimate in [0, 100].
func (e *Estimator) Current() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.available {
		return 0
	}
	if time.Since(e.sampledAt) < sampleInterval {
		return e.last
	}

	avg, err := e.fs.LoadAvg()
	if err != nil {
		return e.last
	}

	cores := runtime.NumCPU()
	if cores < 1 {
		cores = 1
	}
	pct := int(avg.Load1 / float64(cores) * 100)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	e.last = pct
	e.sampledAt = time.Now()
	return pct
}
