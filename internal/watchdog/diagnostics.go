package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// diagnostics is the freeze dump payload.
type diagnostics struct {
	Timestamp  string       `json:"timestamp"`
	Component  string       `json:"component"`
	FrozenFor  float64      `json:"frozen_for_seconds"`
	FreezeNum  int          `json:"freeze_num"`
	Resources  resourceInfo `json:"resources"`
	RecentOps  []Operation  `json:"recent_operations"`
	Goroutines string       `json:"goroutines"`
}

type resourceInfo struct {
	MemoryMB   float64 `json:"memory_mb"`
	Goroutines int     `json:"goroutine_count"`
}

// dumpDiagnostics writes a freeze_dump_*.json file into the run directory
// with goroutine stacks, a resource snapshot, and the recent-operation
// history. A detector constructed without a run directory skips the dump.
func (d *Detector) dumpDiagnostics(a freezeAlert) (string, error) {
	if d.runDir == "" {
		return "", nil
	}

	d.mu.Lock()
	ops := d.ops.recent(50)
	d.mu.Unlock()

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	diag := diagnostics{
		Timestamp: d.clock().UTC().Format(time.RFC3339Nano),
		Component: a.component,
		FrozenFor: a.frozenFor.Seconds(),
		FreezeNum: a.freezeNum,
		Resources: resourceInfo{
			MemoryMB:   float64(ms.HeapAlloc) / (1024 * 1024),
			Goroutines: runtime.NumGoroutine(),
		},
		RecentOps:  ops,
		Goroutines: string(buf[:n]),
	}

	data, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diagnostics: %w", err)
	}
	path := filepath.Join(d.runDir,
		fmt.Sprintf("freeze_dump_%s.json", d.clock().Format("20060102_150405.000")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write diagnostics: %w", err)
	}
	return path, nil
}
