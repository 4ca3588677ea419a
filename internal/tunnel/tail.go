package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/vpn-guard/internal/logger"
)

// DefaultPollInterval bounds how long new log bytes can go unnoticed.
const DefaultPollInterval = 250 * time.Millisecond

const maxReadChunk = 1 << 20

// Tailer follows a file that another process appends to.
type Tailer struct {
	Path     string
	Interval time.Duration

	offset int64
	carry  []byte
}

// Run emits every complete line appended to the file until ctx is done. A
// trailing line without a newline is held back until it is completed. When
// the file shrinks it is treated as rotated and read from the start.
func (t *Tailer) Run(ctx context.Context, emit func(string)) error {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(t.Path)); err == nil {
			events, errs = w.Events, w.Errors
		} else {
			logger.Debug("tail %s: watch failed, polling only: %v", t.Path, err)
		}
	}

	for {
		if err := t.readNew(ctx, emit); err != nil {
			logger.Debug("tail %s: %v", t.Path, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				logger.Debug("tail %s: watcher: %v", t.Path, err)
			}
		}
	}
}

func (t *Tailer) readNew(ctx context.Context, emit func(string)) error {
	f, err := os.Open(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.carry = nil
	}
	if info.Size() == t.offset {
		return nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxReadChunk))
	if err != nil {
		return err
	}
	t.offset += int64(len(buf))

	data := append(t.carry, buf...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		data = data[i+1:]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(line)
	}
	t.carry = append([]byte(nil), data...)
	return nil
}

// LogTailBytes is how much of a log LogContains inspects.
const LogTailBytes = 128 * 1024

// LogContains reports whether needle appears in the last LogTailBytes of the
// file at path.
func LogContains(path, needle string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	start := info.Size() - LogTailBytes
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return false
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(needle))
}
