package logstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Run is one process lifetime's logging session. All category streams live
// under its directory, and the base directory's "latest" pointer targets it.
type Run struct {
	ID        string // run_20060102_150405
	SessionID string
	Dir       string
	StartedAt time.Time
}

// latestPointerFile is written when the platform refuses a symlink.
const latestPointerFile = "latest.run"

// NewRun allocates a timestamped run directory with one subdirectory per
// category and retargets the "latest" pointer. Errors here mean the logging
// layer cannot operate at all; callers are expected to terminate on them.
func NewRun(baseDir string) (*Run, error) {
	now := time.Now()
	run := &Run{
		ID:        "run_" + now.Format("20060102_150405"),
		SessionID: uuid.New().String(),
		StartedAt: now,
	}
	run.Dir = filepath.Join(baseDir, run.ID)

	if err := os.MkdirAll(run.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	for _, cat := range Categories {
		dir := filepath.Dir(run.CategoryPath(cat))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", cat, err)
		}
	}

	if err := run.writeMetadata(); err != nil {
		return nil, err
	}
	if err := retargetLatest(baseDir, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// CategoryPath returns the active log file path for a category. The system
// stream lives at the run root as app.log, mirroring the run-level layout
// the acquisition service expects; the rest get their own subdirectories.
func (r *Run) CategoryPath(cat Category) string {
	switch cat {
	case CategorySystem:
		return filepath.Join(r.Dir, "app.log")
	case CategoryPerformance:
		return filepath.Join(r.Dir, "performance", "perf.log")
	default:
		return filepath.Join(r.Dir, string(cat), string(cat)+".log")
	}
}

func (r *Run) writeMetadata() error {
	meta := map[string]any{
		"run_id":     r.ID,
		"session_id": r.SessionID,
		"started_at": r.StartedAt.UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir, "run.json"), data, 0644); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	return nil
}

// retargetLatest points baseDir/latest at the named run. Symlink first; on
// platforms or filesystems that refuse, fall back to a small pointer file.
func retargetLatest(baseDir, runID string) error {
	link := filepath.Join(baseDir, "latest")
	_ = os.Remove(link)
	if err := os.Symlink(runID, link); err == nil {
		return nil
	}
	pointer := filepath.Join(baseDir, latestPointerFile)
	if err := os.WriteFile(pointer, []byte(runID+"\n"), 0644); err != nil {
		return fmt.Errorf("write latest pointer: %w", err)
	}
	return nil
}

// LatestRun resolves the "latest" pointer under baseDir to a run directory
// name, checking the symlink first and the pointer file second.
func LatestRun(baseDir string) (string, error) {
	if target, err := os.Readlink(filepath.Join(baseDir, "latest")); err == nil {
		return target, nil
	}
	data, err := os.ReadFile(filepath.Join(baseDir, latestPointerFile))
	if err != nil {
		return "", fmt.Errorf("resolve latest run: %w", err)
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	return name, nil
}
