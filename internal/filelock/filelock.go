// Package filelock implements the cross-process named lock described in
// spec §4.C: an atomic exclusive-create with stale-owner takeover, bounded
// retry, and release-on-any-outcome. It is adapted from the teacher's
// internal/lock + internal/lockfile + internal/stale trio, collapsed into
// one package because this spec's lock file format is the strict two-line
// PID+timestamp text the teacher's JSON schema was never meant to produce.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/nikolasavic/rootprov/internal/audit"
	"github.com/nikolasavic/rootprov/internal/herr"
	"github.com/nikolasavic/rootprov/internal/identity"
)

// DefaultStalenessHorizon is the duration beyond which a lock file with no
// observable live owner is treated as abandoned.
const DefaultStalenessHorizon = 60 * time.Second

// DefaultRetryInterval is used when Options.RetryInterval is zero.
const DefaultRetryInterval = 200 * time.Millisecond

// Options configures acquisition.
type Options struct {
	// MaxWait bounds the total time spent retrying a busy lock. A value
	// <= 0 means "try once, fail immediately if busy."
	MaxWait time.Duration
	// RetryInterval is the polling interval between attempts; each wait is
	// jittered by up to ±10%. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration
	// StalenessHorizon overrides DefaultStalenessHorizon, mainly for tests.
	StalenessHorizon time.Duration
	// Auditor, if set, receives an event for every acquire, deny,
	// stale-break, and release this call produces.
	Auditor *audit.Writer
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.StalenessHorizon <= 0 {
		o.StalenessHorizon = DefaultStalenessHorizon
	}
	return o
}

// ValidateName rejects empty names and names containing path separators,
// NUL, or ".." so a caller-controlled name can never escape the lock
// directory.
func ValidateName(name string) error {
	if name == "" {
		return &herr.IOError{Sentinel: herr.ErrInvalidArgs, Path: name, Cause: errors.New("lock name must not be empty")}
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") || strings.ContainsRune(name, 0) {
		return &herr.IOError{Sentinel: herr.ErrInvalidArgs, Path: name, Cause: errors.New("lock name must not contain '/', '\\\\', '..', or NUL")}
	}
	return nil
}

// TimeoutError is returned when MaxWait elapses without acquiring the lock.
type TimeoutError struct {
	Name   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout acquiring lock %q after %s", e.Name, e.Waited.Truncate(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return herr.ErrLockTimeout }

// info is the parsed two-line lock file content: PID, then millisecond
// epoch acquisition timestamp.
type info struct {
	PID int
	AcquiredAtMS int64
}

func lockPath(dir, name string) string {
	return filepath.Join(dir, name+".lock")
}

func encode(pid int, acquiredAtMS int64) []byte {
	return []byte(fmt.Sprintf("%d\n%d\n", pid, acquiredAtMS))
}

// decode parses the two-line "<pid>\n<now_ms>\n" format. Any deviation —
// wrong line count, non-numeric fields — is reported as an error; readers
// must treat that as a stale lock per the external interface contract.
func decode(data []byte) (*info, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		return nil, fmt.Errorf("expected 2 lines, got %d", len(lines))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid pid line: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp line: %w", err)
	}
	return &info{PID: pid, AcquiredAtMS: ms}, nil
}

func readLock(path string) (*info, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated lock name
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// isProcessAlive reports whether pid exists, using kill(pid, 0). EPERM means
// the process exists but we lack permission to signal it, which still
// counts as alive.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// isStale reports whether the lock described by i has exceeded the
// staleness horizon or is owned by a dead process.
func isStale(i *info, now time.Time, horizon time.Duration) bool {
	nowMS := now.UnixMilli()
	if nowMS-i.AcquiredAtMS > horizon.Milliseconds() {
		return true
	}
	return !isProcessAlive(i.PID)
}

func syncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()
	return dir.Sync()
}

// attemptResult is the outcome of a single acquisition attempt.
type attemptResult int

const (
	attemptHeld attemptResult = iota
	attemptBusy
)

// tryAcquire performs one exclusive-create attempt, including stale
// takeover, and returns attemptHeld on success or attemptBusy if the lock
// is live. staleBreak reports whether the attempt succeeded by taking over
// an abandoned lock rather than creating a fresh one. A filesystem error
// while creating or reading the lock file is returned immediately,
// unretried; a failed stale takeover reports busy instead.
func tryAcquire(path string, pid int, horizon time.Duration) (result attemptResult, staleBreak bool, err error) {
	content := encode(pid, time.Now().UnixMilli())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err == nil {
		if _, werr := f.Write(content); werr != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return attemptBusy, false, herr.NewIOWriteError(path, werr)
		}
		if serr := f.Sync(); serr != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return attemptBusy, false, herr.NewIOWriteError(path, serr)
		}
		if cerr := f.Close(); cerr != nil {
			_ = os.Remove(path)
			return attemptBusy, false, herr.NewIOWriteError(path, cerr)
		}
		_ = syncDir(path)
		return attemptHeld, false, nil
	}
	if !os.IsExist(err) {
		return attemptBusy, false, herr.NewIOWriteError(path, err)
	}

	existing, rerr := readLock(path)
	stale := rerr != nil // unparsable content is unconditionally stale
	if rerr == nil {
		stale = isStale(existing, time.Now(), horizon)
	}
	if !stale {
		return attemptBusy, false, nil
	}

	result, err = takeover(path, content, horizon)
	return result, result == attemptHeld, err
}

// takeover writes our own content to a temp file, rechecks that the lock is
// still stale (an owner may have refreshed it in the interim), and only
// then renames the temp file over the lock atomically. Any failure, or a
// recheck showing a live owner, deletes the temp file and reports busy.
func takeover(path string, content []byte, horizon time.Duration) (attemptResult, error) {
	dir := filepath.Dir(path)
	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(dir), renameio.WithPermissions(0644))
	if err != nil {
		return attemptBusy, nil
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(content); err != nil {
		return attemptBusy, nil
	}

	// Recheck: another caller may have refreshed the lock between our
	// first read and now.
	recheck, rerr := readLock(path)
	if rerr == nil && !isStale(recheck, time.Now(), horizon) {
		return attemptBusy, nil
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return attemptBusy, nil
	}
	_ = syncDir(path)
	return attemptHeld, nil
}

// emitAcquireEvent records a successful acquisition, fresh or via stale
// takeover. Safe to call with a nil auditor.
func emitAcquireEvent(w *audit.Writer, id identity.Identity, name string, staleBreak bool) {
	if w == nil {
		return
	}
	event := audit.EventLockAcquire
	if staleBreak {
		event = audit.EventLockStaleBreak
	}
	w.Emit(&audit.Event{Event: event, Name: name, Owner: id.Owner, Host: id.Host, PID: id.PID})
}

// emitDenyEvent records a timed-out acquisition attempt. Safe to call with
// a nil auditor.
func emitDenyEvent(w *audit.Writer, id identity.Identity, name string) {
	if w == nil {
		return
	}
	w.Emit(&audit.Event{Event: audit.EventLockDeny, Name: name, Owner: id.Owner, Host: id.Host, PID: id.PID})
}

// emitReleaseEvent records a normal release. Safe to call with a nil
// auditor.
func emitReleaseEvent(w *audit.Writer, id identity.Identity, name string) {
	if w == nil {
		return
	}
	w.Emit(&audit.Event{Event: audit.EventLockRelease, Name: name, Owner: id.Owner, Host: id.Host, PID: id.PID})
}

// jitter returns d scaled by a random factor in [0.9, 1.1] so concurrent
// waiters desynchronize; exact-interval retry is acceptable per spec, this
// is a cheap improvement in the same spirit as the teacher's backoff jitter.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + rand.Float64()*0.2)) //nolint:gosec // timing jitter only
}

// WithLock acquires the named lock, invokes op while holding it, and
// releases it on any outcome — success, op error, or ctx cancellation.
// Acquisition retries on a busy lock every RetryInterval (jittered) until MaxWait
// elapses, at which point a *TimeoutError is returned. A non-positive
// MaxWait means a single attempt.
func WithLock(ctx context.Context, dir, name string, opts Options, op func(ctx context.Context) error) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return herr.NewDirectoryCreateError(dir, err)
	}

	path := lockPath(dir, name)
	pid := os.Getpid()
	id := identity.Current()
	start := time.Now()
	var deadline time.Time
	if opts.MaxWait > 0 {
		deadline = start.Add(opts.MaxWait)
	}

	for {
		result, staleBreak, err := tryAcquire(path, pid, opts.StalenessHorizon)
		if err != nil {
			return err
		}
		if result == attemptHeld {
			emitAcquireEvent(opts.Auditor, id, name, staleBreak)
			break
		}

		if opts.MaxWait <= 0 {
			emitDenyEvent(opts.Auditor, id, name)
			return &TimeoutError{Name: name, Waited: time.Since(start)}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			emitDenyEvent(opts.Auditor, id, name)
			return &TimeoutError{Name: name, Waited: time.Since(start)}
		}
		wait := opts.RetryInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(wait)):
		}
	}

	defer func() {
		_ = os.Remove(path)
		_ = syncDir(path)
		emitReleaseEvent(opts.Auditor, id, name)
	}()

	return op(ctx)
}
