// Package logtail follows append-only log files. The bot instance is
// the single writer and the orchestrator the single reader, so plain
// polling of the file size is sufficient; there is no locking and no
// flow control between the two.
package logtail

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// Options tunes a Follow call. Zero values select defaults.
type Options struct {
	// Interval is the poll interval for new data.
	Interval time.Duration
	// ReplayLines replays up to N existing lines before streaming
	// appended data. Negative replays the whole file.
	ReplayLines int
	// WaitForFile keeps polling until the file appears instead of
	// failing when it does not exist yet.
	WaitForFile bool
}

const defaultInterval = 250 * time.Millisecond

// Follow streams the file at path to w until ctx is cancelled. It
// returns nil on cancellation: detaching the reader is not an error
// and has no effect on the writer.
func Follow(ctx context.Context, path string, w io.Writer, opts Options) error {
	log := pslog.Ctx(ctx).With("path", path)
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	file, err := openFollowFile(ctx, path, opts.WaitForFile, interval)
	if err != nil {
		log.Warn("logtail open failed", "err", err)
		return err
	}
	defer func() { _ = file.Close() }()

	offset, err := replayOffset(file, opts.ReplayLines)
	if err != nil {
		log.Warn("logtail replay failed", "err", err)
		return err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	log.Debug("logtail follow start", "offset", offset)

	for {
		n, err := io.Copy(w, file)
		if err != nil {
			log.Warn("logtail copy failed", "err", err)
			return err
		}
		offset += n
		if truncated, err := fileTruncated(path, offset); err == nil && truncated {
			// Writer rotated or truncated the file; start over from zero.
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return err
			}
			offset = 0
		}
		select {
		case <-ctx.Done():
			log.Debug("logtail follow detached")
			return nil
		case <-time.After(interval):
		}
	}
}

func openFollowFile(ctx context.Context, path string, wait bool, interval time.Duration) (*os.File, error) {
	for {
		file, err := os.Open(path)
		if err == nil {
			return file, nil
		}
		if !wait || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// replayOffset returns the byte offset at which streaming should begin
// so that at most limit existing lines are replayed.
func replayOffset(file *os.File, limit int) (int64, error) {
	if limit < 0 {
		return 0, nil
	}
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if limit == 0 || size == 0 {
		return size, nil
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return 0, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return size, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= limit {
		return 0, nil
	}
	skip := lines[:len(lines)-limit]
	var offset int64
	for _, line := range skip {
		offset += int64(len(line)) + 1
	}
	return offset, nil
}

func fileTruncated(path string, offset int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Size() < offset, nil
}

// TailLines returns up to limit trailing lines from the file at path.
func TailLines(path string, limit int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
