package logstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// categoryWriter appends lines to one category file and rotates it by size.
// Rotated generations are zstd-compressed and pruned to a bounded count.
// Only the Router's consumer goroutine touches a writer, so no lock.
type categoryWriter struct {
	path       string
	file       *os.File
	size       int64
	maxBytes   int64
	maxBackups int
	encoder    *zstd.Encoder
}

func openCategoryWriter(path string, maxBytes int64, maxBackups int, enc *zstd.Encoder) (*categoryWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &categoryWriter{
		path:       path,
		file:       f,
		size:       info.Size(),
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		encoder:    enc,
	}, nil
}

// writeLine appends one line (newline added here). Rotation happens before
// the write so a record is never split across generations.
func (w *categoryWriter) writeLine(line []byte) error {
	if w.maxBytes > 0 && w.size+int64(len(line))+1 > w.maxBytes && w.size > 0 {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.file.Write(append(line, '\n'))
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	return nil
}

// rotate closes the active file, compresses it into a timestamped .zst
// backup alongside, prunes old backups, and reopens a fresh file.
func (w *categoryWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read for rotate: %w", err)
	}
	backup := fmt.Sprintf("%s.%s.zst", w.path, time.Now().Format("20060102T150405.000000"))
	compressed := w.encoder.EncodeAll(data, nil)
	if err := os.WriteFile(backup, compressed, 0644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	if err := os.Truncate(w.path, 0); err != nil {
		return fmt.Errorf("truncate after rotate: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopen after rotate: %w", err)
	}
	w.file = f
	w.size = 0

	w.pruneBackups()
	return nil
}

// pruneBackups removes the oldest generations beyond maxBackups. Backup
// names embed a sortable timestamp, so lexical order is age order.
func (w *categoryWriter) pruneBackups() {
	if w.maxBackups <= 0 {
		return
	}
	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, base+".") && strings.HasSuffix(name, ".zst") {
			backups = append(backups, name)
		}
	}
	if len(backups) <= w.maxBackups {
		return
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-w.maxBackups] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func (w *categoryWriter) close() error {
	return w.file.Close()
}
