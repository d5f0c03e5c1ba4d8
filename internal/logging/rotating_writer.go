// Package logging supplies the file output behind the daemon's stdlib log.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to date-stamped files derived from a fixed base
// path, opening a fresh file when the UTC day changes or when the current one
// would grow past MaxBytes. With base logs/creditd.log, output lands in
// logs/creditd-2026-08-24.log, then logs/creditd-2026-08-24-2.log after a
// size rollover. The base path itself is maintained as a pointer to the live
// file so `tail -F logs/creditd.log` keeps working across rotations.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu   sync.Mutex
	day  string // UTC day of the open file, YYYY-MM-DD
	part int    // rollover ordinal within the day, 1 = first file
	file *os.File
	size int64
}

// NewRotatingWriter opens the writer for basePath. A basePath of "-" discards
// all output, for runs that only want stdout.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// roll opens the file the next incoming write belongs in, if it is not
// already open. Day boundaries are UTC so rotation does not depend on the
// host timezone.
func (w *RotatingWriter) roll(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || w.day != today {
		w.day = today
		w.part = 1
		return w.open()
	}
	if w.size+incoming > w.MaxBytes {
		w.part++
		return w.open()
	}
	return nil
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.part > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.part, ext)
	}
	target := filepath.Join(dir, filename)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.file = f
	w.repoint(target)
	return nil
}

// repoint keeps BasePath referring to the live file. Symlink when the
// filesystem allows it, hard link otherwise, and as a last resort a plain
// file naming the target.
func (w *RotatingWriter) repoint(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if os.Symlink(target, base) == nil {
		return
	}
	if os.Link(target, base) == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
