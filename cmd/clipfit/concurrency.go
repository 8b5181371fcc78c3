package main

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"

	"clipfit/internal/config"
)

// maxAutoWorkers caps the derived pool size; VP9 encoding is already
// internally threaded, so piling on one worker per core oversubscribes.
const maxAutoWorkers = 4

// resolveConcurrency returns the worker pool size. A configured value wins;
// zero derives one from the physical CPU count.
func resolveConcurrency(cfg *config.Config) int {
	if cfg.Encode.MaxConcurrency > 0 {
		return cfg.Encode.MaxConcurrency
	}

	physical, err := cpu.Counts(false)
	if err != nil || physical < 1 {
		physical = runtime.NumCPU()
	}

	workers := physical / 2
	if workers < 1 {
		workers = 1
	}
	if workers > maxAutoWorkers {
		workers = maxAutoWorkers
	}
	return workers
}
