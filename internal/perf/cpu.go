package perf

import (
	"syscall"
	"time"
)

// cpuSampler derives a process CPU percentage from getrusage deltas between
// consecutive samples.
type cpuSampler struct {
	lastCPU  time.Duration
	lastWall time.Time
}

func (c *cpuSampler) sample(now time.Time) (float64, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	cpu := timevalDuration(ru.Utime) + timevalDuration(ru.Stime)

	defer func() {
		c.lastCPU = cpu
		c.lastWall = now
	}()

	if c.lastWall.IsZero() {
		return 0, false
	}
	wall := now.Sub(c.lastWall)
	if wall <= 0 {
		return 0, false
	}
	return 100 * float64(cpu-c.lastCPU) / float64(wall), true
}

func timevalDuration(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}
