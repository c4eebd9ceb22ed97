// Package identitydb parses the host's colon-delimited identity databases
// (passwd, subuid/subgid) and KEY=VALUE text into typed records.
//
// Every parser here is total: malformed lines are silently dropped rather
// than aborting the scan, the same way the teacher's lockfile reader treats
// an empty or unparsable lock file as a signal rather than a fatal error.
// Real /etc/passwd and /etc/subuid content is heterogeneous — comments,
// blank lines, NIS/LDAP placeholder rows — and a parser that panics on the
// first oddity is useless against it.
package identitydb

import (
	"strconv"
	"strings"
)

// SubidRange is a contiguous, inclusive sub-identifier range owned by a
// host user. Start must be <= End; this is enforced at construction, never
// by the caller.
type SubidRange struct {
	Owner string
	Start int
	End   int
}

// newSubidRange derives the inclusive range from a (owner, start, count)
// triple as specified: end = start + count - 1.
func newSubidRange(owner string, start, count int) (SubidRange, bool) {
	if count <= 0 {
		return SubidRange{}, false
	}
	end := start + count - 1
	if end < start {
		return SubidRange{}, false // overflow guard
	}
	return SubidRange{Owner: owner, Start: start, End: end}, true
}

// ParsePasswdUIDs extracts the third colon-delimited field of each line of a
// passwd-format file as a UID. Lines with fewer than three fields, a
// non-numeric third field, blank lines, and lines beginning with '#' after
// left-trim are dropped silently.
func ParsePasswdUIDs(text string) []int {
	var uids []int
	for _, line := range splitLines(text) {
		if shouldSkip(line) {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	return uids
}

// ParseSubidRanges extracts owner:start:count triples from subuid/subgid
// format text, emitting (owner, start, start+count-1). Any of: wrong arity,
// non-numeric start, or non-numeric count causes the line to be skipped.
func ParseSubidRanges(text string) []SubidRange {
	var ranges []SubidRange
	for _, line := range splitLines(text) {
		if shouldSkip(line) {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			continue
		}
		owner := fields[0]
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		r, ok := newSubidRange(owner, start, count)
		if !ok {
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}

// ParseKeyValue splits each non-comment, non-blank line at the first '='.
// The left side is the key; it must be non-empty or the line is dropped.
// The right side is the value verbatim and may itself contain '='. Later
// keys override earlier ones, matching shell-style env file semantics.
func ParseKeyValue(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range splitLines(text) {
		if shouldSkip(line) {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue // no '=', or key is empty
		}
		key := line[:idx]
		value := line[idx+1:]
		out[key] = value
	}
	return out
}

// splitLines splits on any of \n, trimming a trailing \r so CRLF text (not
// unheard of on a host whose /etc files were edited from Windows tooling)
// parses the same as LF text.
func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// shouldSkip reports whether a line is blank or a comment once left-trimmed.
func shouldSkip(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

// UIDSet is the set of UIDs currently present in a parsed passwd database.
type UIDSet map[int]struct{}

// NewUIDSet builds a UIDSet from a slice of UIDs, as returned by
// ParsePasswdUIDs.
func NewUIDSet(uids []int) UIDSet {
	set := make(UIDSet, len(uids))
	for _, u := range uids {
		set[u] = struct{}{}
	}
	return set
}

// Contains reports whether uid is present in the set.
func (s UIDSet) Contains(uid int) bool {
	_, ok := s[uid]
	return ok
}
