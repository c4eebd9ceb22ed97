package filelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikolasavic/rootprov/internal/audit"
)

func readAuditEvents(t *testing.T, dir string) []audit.Event {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	var events []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	return events
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"uid-alloc", true},
		{"service.secrets", true},
		{"", false},
		{"a/b", false},
		{"a\\b", false},
		{"../escape", false},
		{"has\x00nul", false},
	}
	for _, tc := range cases {
		err := ValidateName(tc.name)
		if tc.valid {
			assert.NoError(t, err, tc.name)
		} else {
			assert.Error(t, err, tc.name)
		}
	}
}

func TestWithLock_BasicAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	ran := false
	err := WithLock(context.Background(), dir, "uid-alloc", Options{}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, statErr := os.Stat(filepath.Join(dir, "uid-alloc.lock"))
	assert.True(t, os.IsNotExist(statErr), "lock file must be removed after release")
}

func TestWithLock_ReleasedEvenOnOpError(t *testing.T) {
	dir := t.TempDir()
	opErr := assertErr{"boom"}
	err := WithLock(context.Background(), dir, "svc", Options{}, func(ctx context.Context) error {
		return opErr
	})
	assert.ErrorIs(t, err, opErr)
	_, statErr := os.Stat(filepath.Join(dir, "svc.lock"))
	assert.True(t, os.IsNotExist(statErr))
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// TestWithLock_S3StaleTakeover mirrors scenario S3: a pre-existing lock file
// with an ancient timestamp and an unlikely-to-be-live PID must be taken
// over within a single call.
func TestWithLock_S3StaleTakeover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	require.NoError(t, os.WriteFile(lockFile, []byte("99999999\n0\n"), 0644))

	var calls int
	err := WithLock(context.Background(), dir, "svc", Options{MaxWait: 500 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// TestWithLock_S4Timeout mirrors scenario S4: a lock held by the current
// (very much alive) process with a fresh timestamp must cause a timeout
// whose message contains "Timeout".
func TestWithLock_S4Timeout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	content := strconv.Itoa(os.Getpid()) + "\n" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "\n"
	require.NoError(t, os.WriteFile(lockFile, []byte(content), 0644))

	err := WithLock(context.Background(), dir, "svc", Options{MaxWait: 200 * time.Millisecond, RetryInterval: 20 * time.Millisecond}, func(ctx context.Context) error {
		t.Fatal("op must not run when lock times out")
		return nil
	})
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.True(t, strings.Contains(err.Error(), "Timeout"))
}

func TestWithLock_FarFutureTimestampNotStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	future := time.Now().Add(24 * time.Hour).UnixMilli()
	content := "1\n" + strconv.FormatInt(future, 10) + "\n"
	require.NoError(t, os.WriteFile(lockFile, []byte(content), 0644))

	// PID 1 is very likely alive on any real host, and the far-future
	// timestamp keeps the TTL check from tripping either — so this lock is
	// not stale by either signal even though it "looks" old at a glance.
	err := WithLock(context.Background(), dir, "svc", Options{MaxWait: 150 * time.Millisecond, RetryInterval: 20 * time.Millisecond}, func(ctx context.Context) error {
		return nil
	})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestWithLock_CorruptedContentIsStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	require.NoError(t, os.WriteFile(lockFile, []byte("not a valid lock file"), 0644))

	var ran bool
	err := WithLock(context.Background(), dir, "svc", Options{MaxWait: 500 * time.Millisecond}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

// TestWithLock_MutualExclusion is property 6 from spec §8: two concurrent
// contenders for the same name, each appending one byte to a shared file,
// must never interleave such that the file ends up anything but length 2.
func TestWithLock_MutualExclusion(t *testing.T) {
	dir := t.TempDir()
	targetFile := filepath.Join(dir, "shared.txt")
	require.NoError(t, os.WriteFile(targetFile, nil, 0644))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(context.Background(), dir, "contended", Options{MaxWait: 5 * time.Second, RetryInterval: 10 * time.Millisecond}, func(ctx context.Context) error {
				f, err := os.OpenFile(targetFile, os.O_APPEND|os.O_WRONLY, 0644)
				if err != nil {
					return err
				}
				defer f.Close()
				time.Sleep(20 * time.Millisecond) // widen the window an interleaving bug would need
				_, err = f.Write([]byte("x"))
				return err
			})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(targetFile)
	require.NoError(t, err)
	assert.Len(t, data, 2)
}

func TestWithLock_EmitsAcquireAndReleaseEvents(t *testing.T) {
	dir := t.TempDir()
	auditor := audit.NewWriter(dir)

	err := WithLock(context.Background(), dir, "uid-alloc", Options{Auditor: auditor}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	events := readAuditEvents(t, dir)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventLockAcquire, events[0].Event)
	assert.Equal(t, audit.EventLockRelease, events[1].Event)
	assert.Equal(t, "uid-alloc", events[0].Name)
}

func TestWithLock_EmitsStaleBreakEvent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	require.NoError(t, os.WriteFile(lockFile, []byte("99999999\n0\n"), 0644))
	auditor := audit.NewWriter(dir)

	err := WithLock(context.Background(), dir, "svc", Options{MaxWait: 500 * time.Millisecond, Auditor: auditor}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	events := readAuditEvents(t, dir)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventLockStaleBreak, events[0].Event)
	assert.Equal(t, audit.EventLockRelease, events[1].Event)
}

func TestWithLock_EmitsDenyEvent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	content := strconv.Itoa(os.Getpid()) + "\n" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "\n"
	require.NoError(t, os.WriteFile(lockFile, []byte(content), 0644))
	auditor := audit.NewWriter(dir)

	err := WithLock(context.Background(), dir, "svc", Options{Auditor: auditor}, func(ctx context.Context) error {
		t.Fatal("op must not run when lock is busy")
		return nil
	})
	require.Error(t, err)

	events := readAuditEvents(t, dir)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventLockDeny, events[0].Event)
}

func TestWithLock_NilAuditorIsSafe(t *testing.T) {
	dir := t.TempDir()
	err := WithLock(context.Background(), dir, "uid-alloc", Options{}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "audit.log"))
	assert.True(t, os.IsNotExist(statErr), "no auditor means no audit.log")
}

func TestWithLock_SingleAttemptWhenMaxWaitZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0700))
	lockFile := filepath.Join(dir, "svc.lock")
	content := strconv.Itoa(os.Getpid()) + "\n" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "\n"
	require.NoError(t, os.WriteFile(lockFile, []byte(content), 0644))

	start := time.Now()
	err := WithLock(context.Background(), dir, "svc", Options{}, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
