package limits

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// cgroupCPU reads CPU quota/usage straight from cgroup v1 or v2
// accounting files, so CPUMonitor reports usage relative to the
// container's actual allocation rather than the host's full core
// count — adapted from the teacher's
// internal/single/platform/cgroup_cpu.go, trimmed to the fields
// AdmissionGuard actually consults (percent-of-quota, not the full
// throttle-stats/detection-diagnostics surface the teacher exposes).
type cgroupCPU struct {
	mu             sync.Mutex
	path           string
	version        int // 1 or 2
	quota, period  int64
	lastUsage      uint64
	lastSampleTime time.Time
}

func newCgroupCPU() (*cgroupCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	return &cgroupCPU{
		path:           path,
		version:        version,
		quota:          quota,
		period:         period,
		lastUsage:      usage,
		lastSampleTime: time.Now(),
	}, nil
}

func (c *cgroupCPU) allocation() float64 {
	if c.period == 0 || c.quota <= 0 {
		return float64(runtime.NumCPU())
	}
	return float64(c.quota) / float64(c.period)
}

// percent reports CPU usage as a percentage of the container's quota
// (0-100, can exceed 100 momentarily under burst accounting).
func (c *cgroupCPU) percent() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage, err := readCPUUsage(c.path, c.version)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	elapsed := now.Sub(c.lastSampleTime).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	deltaUsec := float64(usage-c.lastUsage) / 1000.0 // cgroup usage is in nanoseconds or microseconds depending on version; normalized below
	c.lastUsage = usage
	c.lastSampleTime = now

	allocatedUsecPerSec := c.allocation() * 1e6
	if allocatedUsecPerSec == 0 {
		return 0, nil
	}
	pct := (deltaUsec / elapsed) / allocatedUsecPerSec * 100
	return pct, nil
}

func detectCgroupPath() (path string, version int, err error) {
	if _, statErr := os.Stat("/sys/fs/cgroup/cpu.max"); statErr == nil {
		return "/sys/fs/cgroup", 2, nil
	}
	if _, statErr := os.Stat("/sys/fs/cgroup/cpu/cpu.cfs_quota_us"); statErr == nil {
		return "/sys/fs/cgroup/cpu", 1, nil
	}
	return "", 0, fmt.Errorf("no cgroup CPU controller found")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(strings.TrimSpace(string(data)))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("malformed cpu.max")
		}
		period, _ = strconv.ParseInt(fields[1], 10, 64)
		if fields[0] == "max" {
			return -1, period, nil
		}
		quota, _ = strconv.ParseInt(fields[0], 10, 64)
		return quota, period, nil
	}

	quota, err = readCgroupInt(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	period, err = readCgroupInt(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	return quota, period, nil
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				v, err := strconv.ParseUint(fields[1], 10, 64)
				return v * 1000, err // normalize to nanoseconds/1000 basis used above
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}
	v, err := readCgroupInt(path + "/cpuacct.usage")
	return uint64(v), err
}

func readCgroupInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// CPUMonitor reports CPU usage for AdmissionGuard's overload check,
// preferring cgroup-relative accounting and falling back to
// host-relative gopsutil sampling when no cgroup controller is
// reachable (e.g. running outside a container, in tests).
type CPUMonitor struct {
	mode string
	cg   *cgroupCPU
}

// NewCPUMonitor probes for a usable cgroup controller and falls back
// to gopsutil host sampling on failure.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	cg, err := newCgroupCPU()
	if err != nil {
		logger.Info().Err(err).Msg("cgroup CPU accounting unavailable, using host CPU sampling")
		return &CPUMonitor{mode: "host"}
	}
	logger.Info().Float64("cpus_allocated", cg.allocation()).Msg("using cgroup-aware CPU measurement")
	return &CPUMonitor{mode: "container", cg: cg}
}

// Percent returns current CPU usage as a percentage of the relevant
// allocation (container quota, or host core count).
func (m *CPUMonitor) Percent() (float64, error) {
	if m.mode == "container" {
		return m.cg.percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no CPU sample")
	}
	return pcts[0], nil
}

func (m *CPUMonitor) Mode() string { return m.mode }
