package scaling

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/zjrosen/omx/internal/log"
)

// Sample is one on-demand resource reading. There is no daemon; the
// engine samples right before a scale-up decision.
type Sample struct {
	// CPUPercent is the 1-minute load average normalized by CPU count,
	// as a percentage.
	CPUPercent float64
	// Load1 is the raw 1-minute load average, kept for the history's
	// resource snapshot.
	Load1 float64
	// FreeMemMB is the available memory in megabytes.
	FreeMemMB int
}

// SampleResources reads the current load and free memory. ok is false
// when the platform offers no reading, in which case the resource gate
// is skipped rather than blocking every scale-up on a zero sample.
func SampleResources() (Sample, bool) {
	load, lok := readLoad1()
	mem, mok := readAvailableMemMB()
	if !lok || !mok {
		log.Warn(log.CatScale, "Resource sampling unavailable, skipping resource gate")
		return Sample{}, false
	}
	return Sample{
		CPUPercent: load / float64(runtime.NumCPU()) * 100,
		Load1:      load,
		FreeMemMB:  mem,
	}, true
}

func readLoad1() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

func readAvailableMemMB() (int, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}

// AllowedNewWorkers computes how many new workers the sample permits:
// floor((free − min_free) / per_worker), and zero when the CPU is
// already past its ceiling.
func AllowedNewWorkers(s Sample, maxCPUPercent float64, minFreeMemMB, perWorkerMemMB int) int {
	if s.CPUPercent > maxCPUPercent {
		return 0
	}
	if perWorkerMemMB <= 0 {
		perWorkerMemMB = 1
	}
	allowed := (s.FreeMemMB - minFreeMemMB) / perWorkerMemMB
	if allowed < 0 {
		return 0
	}
	return allowed
}
