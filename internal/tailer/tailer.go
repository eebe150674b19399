// Package tailer follows an authentication log file, extracts the source IP
// from lines that look like a failed login, and submits one event per
// (deduplicated) line to an eventqueue.Queue.
//
// Grounded on original_source/src/log_monitor.py: FAILED_LOGIN_PATTERN,
// IP_REGEX, extract_ip, monitor_log and collect_events. Rotation/truncation
// detection uses golang.org/x/sys/unix.Stat to compare device/inode, the
// portable equivalent of log_monitor.py re-opening the file when its size
// shrinks, per SPEC_FULL.md §9.
package tailer

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/sirteggun/hids/internal/eventqueue"
	"github.com/sirteggun/hids/internal/executor"
)

// failedLoginPattern matches log lines indicating a failed authentication
// attempt, mirroring log_monitor.py's FAILED_LOGIN_PATTERN.
var failedLoginPattern = regexp.MustCompile(`(?i)failed|failure|invalid password|authentication error|login failed|authentication rejected`)

// ipPattern extracts the first IPv4-shaped token from a line, mirroring
// log_monitor.py's IP_REGEX. It is intentionally permissive about octet
// range, matching the original's regex rather than validating 0-255.
var ipPattern = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)

// ExtractIP returns the first IP-shaped token in line, or "" if none is
// found, mirroring extract_ip.
func ExtractIP(line string) string {
	return ipPattern.FindString(line)
}

// IsFailedLogin reports whether line matches the failed-login pattern.
func IsFailedLogin(line string) bool {
	return failedLoginPattern.MatchString(line)
}

// Tailer polls a log file for new lines and submits extracted events to a
// queue.
type Tailer struct {
	path         string
	pollInterval time.Duration
	dedupWindow  time.Duration
	log          *zap.Logger

	file     *os.File
	reader   *bufio.Reader
	lastSeen map[string]time.Time

	lastDev  uint64
	lastIno  uint64
	lastSize int64
	haveStat bool
}

// New builds a Tailer for path. The file is created if absent and the
// initial read position is seeked to EOF, mirroring monitor_log's startup
// behaviour (only new lines are tailed).
func New(path string, pollInterval, dedupWindow time.Duration, log *zap.Logger) (*Tailer, error) {
	t := &Tailer{
		path:         path,
		pollInterval: pollInterval,
		dedupWindow:  dedupWindow,
		log:          log,
		lastSeen:     make(map[string]time.Time),
	}
	if err := t.openAtEOF(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tailer) openAtEOF() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.recordStat()
	return nil
}

func (t *Tailer) recordStat() {
	dev, ino, size, err := statIdentity(t.path)
	if err != nil {
		t.haveStat = false
		return
	}
	t.lastDev, t.lastIno, t.lastSize = dev, ino, size
	t.haveStat = true
}

// Run polls the log file until ctx is cancelled, submitting one
// eventqueue.Event per non-duplicate failed-login line. Non-fatal errors
// (a transient read failure, a malformed line, a failed reopen after
// rotation) are logged and absorbed so the tailer keeps running. Run
// returns nil once ctx is cancelled; a failure to open the file at all is
// reported by New, not by Run.
func (t *Tailer) Run(ctx context.Context, q *eventqueue.Queue) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = executor.SafeVoid(t.log, "tailer.poll", t.path, func() error {
				return t.poll(q)
			})
		}
	}
}

func (t *Tailer) poll(q *eventqueue.Queue) error {
	if rotated, err := t.checkRotation(); err != nil {
		return err
	} else if rotated {
		if t.log != nil {
			t.log.Info("tailer: log file rotated or truncated, reopening", zap.String("path", t.path))
		}
		if t.file != nil {
			t.file.Close()
		}
		if err := t.openAtEOF(); err != nil {
			return err
		}
	}

	for {
		line, err := t.reader.ReadString('\n')
		if len(line) > 0 {
			t.handleLine(line, q)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// checkRotation reports whether the file at t.path has been rotated
// (replaced by a new inode) or truncated (shrunk) since the last poll,
// mirroring log_monitor.py's re-open-on-shrink behaviour but extended to
// also catch log-rotation-by-rename, which a pure size check misses.
func (t *Tailer) checkRotation() (bool, error) {
	dev, ino, size, err := statIdentity(t.path)
	if err != nil {
		return false, err
	}
	defer func() { t.lastDev, t.lastIno, t.lastSize, t.haveStat = dev, ino, size, true }()

	if !t.haveStat {
		return false, nil
	}
	if dev != t.lastDev || ino != t.lastIno {
		return true, nil
	}
	if size < t.lastSize {
		return true, nil
	}
	return false, nil
}

func (t *Tailer) handleLine(line string, q *eventqueue.Queue) {
	if !IsFailedLogin(line) {
		return
	}
	ip := ExtractIP(line)
	if ip == "" {
		return
	}

	key := ip + ":" + line
	now := time.Now()
	if last, ok := t.lastSeen[key]; ok && now.Sub(last) < t.dedupWindow {
		return
	}
	t.lastSeen[key] = now
	t.pruneDedup(now)

	q.Submit(eventqueue.Event{Source: ip, Line: line, Timestamp: now})
}

func (t *Tailer) pruneDedup(now time.Time) {
	if len(t.lastSeen) < 4096 {
		return
	}
	for k, seenAt := range t.lastSeen {
		if now.Sub(seenAt) > t.dedupWindow {
			delete(t.lastSeen, k)
		}
	}
}

// CollectEvents reads up to limit failed-login lines already present in the
// file at path without tailing it further, mirroring collect_events' use as
// a one-shot diagnostic helper.
func CollectEvents(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(out) < limit {
		line := scanner.Text()
		if IsFailedLogin(line) {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

// Close releases the underlying file handle.
func (t *Tailer) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}
