package logs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	blockSize    = 8 << 10
	followPoll   = 250 * time.Millisecond
	maxReadBytes = 4 << 20
)

// TailOptions selects where reading starts and whether to wait for more.
type TailOptions struct {
	// Offset is a byte position from a previous TailResult; negative reads
	// the last Limit lines.
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
}

// TailResult holds complete lines and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads complete lines from path. A missing file yields no lines and
// offset zero so a follower can start before the daemon writes anything.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}

	var result TailResult
	if opts.Offset < 0 {
		result, err = lastLines(path, opts.Limit)
	} else {
		result, err = readFrom(path, opts.Offset)
	}
	if err != nil || len(result.Lines) > 0 || !opts.Follow || opts.Wait <= 0 {
		return result, err
	}
	return follow(ctx, path, result.Offset, opts.Wait)
}

// lastLines scans backwards in blocks until limit newlines have been seen.
func lastLines(path string, limit int) (TailResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return TailResult{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	end, err := completeEnd(file)
	if err != nil {
		return TailResult{}, err
	}
	if limit <= 0 || end == 0 {
		return TailResult{Offset: end}, nil
	}

	var tail []byte
	pos := end
	for pos > 0 && bytes.Count(tail, []byte{'\n'}) <= limit {
		step := min(int64(blockSize), pos)
		pos -= step
		block := make([]byte, step)
		if _, err := file.ReadAt(block, pos); err != nil && !errors.Is(err, io.EOF) {
			return TailResult{}, fmt.Errorf("read log file: %w", err)
		}
		tail = append(block, tail...)
	}
	lines := splitLines(tail)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return TailResult{Lines: lines, Offset: end}, nil
}

func readFrom(path string, offset int64) (TailResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return TailResult{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	end, err := completeEnd(file)
	if err != nil {
		return TailResult{Offset: offset}, err
	}
	if offset > end {
		info, statErr := file.Stat()
		if statErr == nil && offset > info.Size() {
			// truncated or rotated: start over
			offset = 0
		} else {
			return TailResult{Offset: offset}, nil
		}
	}
	if end-offset > maxReadBytes {
		offset = end - maxReadBytes
	}
	buf := make([]byte, end-offset)
	if _, err := file.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return TailResult{Offset: offset}, fmt.Errorf("read log file: %w", err)
	}
	return TailResult{Lines: splitLines(buf), Offset: end}, nil
}

func follow(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return TailResult{Offset: offset}, ctx.Err()
		case <-timer.C:
			return TailResult{Offset: offset}, nil
		case <-ticker.C:
		}
		result, err := readFrom(path, offset)
		if err != nil || len(result.Lines) > 0 {
			return result, err
		}
		offset = result.Offset
	}
}

// completeEnd returns the offset just past the last newline in file.
func completeEnd(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log file: %w", err)
	}
	pos := info.Size()
	for pos > 0 {
		step := min(int64(blockSize), pos)
		block := make([]byte, step)
		if _, err := file.ReadAt(block, pos-step); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read log file: %w", err)
		}
		if idx := bytes.LastIndexByte(block, '\n'); idx >= 0 {
			return pos - step + int64(idx) + 1, nil
		}
		pos -= step
	}
	return 0, nil
}

func splitLines(data []byte) []string {
	data = bytes.TrimSuffix(data, []byte{'\n'})
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{'\n'})
	lines := make([]string, len(parts))
	for i, part := range parts {
		lines[i] = string(bytes.TrimSuffix(part, []byte{'\r'}))
	}
	return lines
}
