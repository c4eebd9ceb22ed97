// Package uidalloc allocates host UIDs and subordinate-ID ranges under the
// cross-process lock from filelock, reading the current state from passwd
// and subuid-format text on every attempt rather than trusting a cached
// view — the same re-read-under-lock discipline the teacher applies to its
// lock file before every mutation.
package uidalloc

import (
	"context"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/nikolasavic/rootprov/internal/audit"
	"github.com/nikolasavic/rootprov/internal/filelock"
	"github.com/nikolasavic/rootprov/internal/herr"
	"github.com/nikolasavic/rootprov/internal/identitydb"
	"github.com/nikolasavic/rootprov/internal/rangealloc"
)

// LockName is the name under which every UID/subuid mutation in this
// package serializes. A single name is intentional: a UID allocation and a
// subuid allocation must never race each other either, since both read the
// same kind of flat files and a sysctl apply shares nothing with them.
const LockName = "uid-alloc"

// Paths names the identity database files this package reads and (for
// subuid) appends to. Production wiring points these at /etc/passwd and
// /etc/subuid; tests point them at temp files.
type Paths struct {
	PasswdPath string
	SubuidPath string
	LockDir    string
}

// Allocator binds a set of identity database paths to the lock directory
// that serializes access to them.
type Allocator struct {
	paths   Paths
	maxWait time.Duration
	// Auditor, if set, receives a lock event for every allocation's
	// underlying filelock.WithLock call.
	Auditor *audit.Writer
}

// New returns an Allocator reading/writing the given paths.
func New(paths Paths, maxWait time.Duration) *Allocator {
	return &Allocator{paths: paths, maxWait: maxWait}
}

// UserExists reports whether username resolves via the host's configured
// name service. This deliberately goes through os/user rather than this
// package's own passwd parser: a real host may resolve users via NSS
// (LDAP, sssd) that never appears in the /etc/passwd flat file at all, and
// existence is a different question from "does flat-file allocation need
// to avoid this UID."
func UserExists(username string) bool {
	_, err := user.Lookup(username)
	return err == nil
}

// UIDOf returns the UID of username as resolved by the host name service.
func UIDOf(username string) (int, bool) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, false
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, false
	}
	return uid, true
}

// AllocateUID reserves the lowest free UID in [lo, hi] against the current
// contents of the passwd database, under the cross-process lock. It does
// not create the user; the caller is responsible for invoking useradd (or
// equivalent) with the returned UID before releasing any higher-level
// reservation of it.
func (a *Allocator) AllocateUID(ctx context.Context, lo, hi int) (int, error) {
	var result int
	err := filelock.WithLock(ctx, a.paths.LockDir, LockName, filelock.Options{MaxWait: a.maxWait, Auditor: a.Auditor}, func(ctx context.Context) error {
		text, err := readFile(a.paths.PasswdPath)
		if err != nil {
			return err
		}
		used := identitydb.NewUIDSet(identitydb.ParsePasswdUIDs(text))
		uid, ok := rangealloc.FindFirstAvailableInteger(lo, hi, used)
		if !ok {
			return &herr.NoSpaceError{Space: "uid", Lo: lo, Hi: hi}
		}
		result = uid
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// AllocateSubuidRange reserves a size-length subordinate-ID block for owner
// starting at or after desiredStart and not exceeding ceiling. If owner
// already has a recorded range in the subuid file, that range is returned
// unchanged — allocation is idempotent, matching the "map once, reuse
// forever" semantics subuid consumers (newuidmap, container engines)
// expect. Otherwise a fresh range is computed and appended to the subuid
// file.
func (a *Allocator) AllocateSubuidRange(ctx context.Context, owner string, desiredStart, size, ceiling int) (identitydb.SubidRange, error) {
	var result identitydb.SubidRange
	err := filelock.WithLock(ctx, a.paths.LockDir, LockName, filelock.Options{MaxWait: a.maxWait, Auditor: a.Auditor}, func(ctx context.Context) error {
		text, err := readFile(a.paths.SubuidPath)
		if err != nil {
			return err
		}
		existing := identitydb.ParseSubidRanges(text)

		for _, r := range existing {
			if r.Owner == owner {
				result = r
				return nil
			}
		}

		start, ok := rangealloc.FindGapForRange(existing, desiredStart, size, ceiling)
		if !ok {
			return &herr.NoSpaceError{Space: "subuid:" + owner, Lo: desiredStart, Hi: ceiling}
		}

		line := owner + ":" + strconv.Itoa(start) + ":" + strconv.Itoa(size) + "\n"
		if err := appendFile(a.paths.SubuidPath, line); err != nil {
			return err
		}
		result = identitydb.SubidRange{Owner: owner, Start: start, End: start + size - 1}
		return nil
	})
	if err != nil {
		return identitydb.SubidRange{}, err
	}
	return result, nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-configured, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // an absent identity database reads as empty, not fatal
		}
		return "", herr.NewIOReadError(path, err)
	}
	return string(data), nil
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // standard identity db mode
	if err != nil {
		return herr.NewIOWriteError(path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line); err != nil {
		return herr.NewIOWriteError(path, err)
	}
	return f.Sync()
}
