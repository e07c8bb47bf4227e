// Package logstore is the durable append-only event log: one JSON object
// per line, fsynced on every append. It is the single source of truth —
// everything else (snapshots, the query index) is a rebuildable cache.
//
// Repair semantics intentionally diverge from a "drop every unparseable
// line" policy: only the final line of a log may be torn by a crash mid
// write, so only the final line is a candidate for silent truncation. A
// parse failure anywhere earlier means the file was corrupted by something
// other than a torn write (disk fault, manual edit) and is reported as a
// fatal LogCorruptionError instead of quietly discarding history.
package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldnote/specd/internal/events"
	"github.com/fieldnote/specd/internal/specerrors"
)

// Log is an append-only JSONL event log backed by a file opened in append
// mode. One spec owns one Log for its lifetime.
type Log struct {
	path string
	file *os.File
}

// Open opens (or creates) the JSONL log at path, creating parent
// directories as needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log parent dirs: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Log{path: path, file: file}, nil
}

// Path returns the path to the underlying file.
func (l *Log) Path() string { return l.path }

// Append serializes one event as a JSON line and fsyncs before returning,
// so a successful Append is durable against process or OS crash.
func (l *Log) Append(event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line := append(data, '\n')
	if _, err := l.file.Write(line); err != nil {
		return specerrors.NewIOError("append", err)
	}
	if err := l.file.Sync(); err != nil {
		return specerrors.NewIOError("fsync", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Replay reads every event from the log file in order. Callers are
// expected to have run Repair first; Replay itself treats any parse
// failure, including on the final line, as corruption — it does not
// attempt to guess whether a bad line is a torn tail.
func Replay(path string) ([]events.Event, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	out := make([]events.Event, 0, len(lines))
	for i, line := range lines {
		var evt events.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, &specerrors.LogCorruptionError{Path: path, Offset: i, Cause: err}
		}
		out = append(out, evt)
	}
	return out, nil
}

// RepairResult reports what Repair found and did.
type RepairResult struct {
	// ValidEvents is the number of events retained after repair.
	ValidEvents int
	// Truncated is true if a torn final line was dropped.
	Truncated bool
}

// Repair scans the log for a torn final line — the only corruption shape a
// crash mid-append can produce, since every completed Append is a single
// fsynced write. If the final line fails to parse (or the file has no
// trailing newline, meaning the last write was interrupted before it could
// complete), that line is dropped and the file truncated in place via the
// standard temp-file + fsync + rename sequence. A parse failure at any
// earlier offset is NOT repaired — it is returned as a fatal
// *specerrors.LogCorruptionError, since nothing about normal operation can
// produce that shape of damage.
func Repair(path string) (RepairResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RepairResult{}, fmt.Errorf("read log for repair: %w", err)
	}

	lines, endedWithNewline := splitLines(raw)
	if len(lines) == 0 {
		return RepairResult{}, nil
	}

	lastIdx := len(lines) - 1
	for i, line := range lines {
		var evt events.Event
		err := json.Unmarshal(line, &evt)
		if err == nil {
			continue
		}
		if i != lastIdx {
			return RepairResult{}, &specerrors.LogCorruptionError{Path: path, Offset: i, Cause: err}
		}
		// Torn tail: drop it and rewrite the file atomically.
		if err := rewriteLines(path, lines[:lastIdx]); err != nil {
			return RepairResult{}, err
		}
		return RepairResult{ValidEvents: lastIdx, Truncated: true}, nil
	}

	if !endedWithNewline {
		// The final line parsed, but the file lacks its trailing newline —
		// the process died before the Append that wrote it completed, so
		// it was never acknowledged. Drop it like any other torn tail.
		if err := rewriteLines(path, lines[:lastIdx]); err != nil {
			return RepairResult{}, err
		}
		return RepairResult{ValidEvents: lastIdx, Truncated: true}, nil
	}

	return RepairResult{ValidEvents: len(lines)}, nil
}

// rewriteLines atomically rewrites path to contain exactly `keep`, each
// followed by a newline, via temp file + fsync + rename + parent-dir fsync.
func rewriteLines(path string, keep [][]byte) error {
	tmpPath := path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create repair temp file: %w", err)
	}
	for _, line := range keep {
		if _, err := tmpFile.Write(line); err != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write repaired line: %w", err)
		}
		if _, err := tmpFile.Write([]byte("\n")); err != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write repaired newline: %w", err)
		}
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync repair temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close repair temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename repaired file: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// readLines returns each newline-terminated line of path, in order, with
// the trailing newline stripped. A missing trailing newline on the final
// line is tolerated here; only Repair cares about that distinction.
func readLines(path string) ([][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log for replay: %w", err)
	}
	defer func() { _ = file.Close() }()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return lines, nil
}

// splitLines splits raw file content on '\n', dropping a trailing empty
// blank-line artifact. It reports whether the content ended with a
// newline, which Repair needs to detect a tail write interrupted before
// its terminator landed.
func splitLines(raw []byte) (lines [][]byte, endedWithNewline bool) {
	if len(raw) == 0 {
		return nil, true
	}
	endedWithNewline = raw[len(raw)-1] == '\n'

	start := 0
	for i, b := range raw {
		if b != '\n' {
			continue
		}
		if i > start {
			lines = append(lines, raw[start:i])
		}
		start = i + 1
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines, endedWithNewline
}
