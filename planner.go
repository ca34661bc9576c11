package sftpsync

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// mtimeTolerance absorbs clock and filesystem timestamp precision
// differences when comparing modification times across hosts.
const mtimeTolerance = 1000 * time.Millisecond

// ChangeReason tags why a plan entry needs action.
type ChangeReason string

const (
	// ReasonNew marks a file absent on the remote side.
	ReasonNew ChangeReason = "new"
	// ReasonSizeMismatch marks a file whose sizes differ.
	ReasonSizeMismatch ChangeReason = "size_mismatch"
	// ReasonMtimeNewer marks a file whose modification times diverge
	// beyond tolerance with equal sizes.
	ReasonMtimeNewer ChangeReason = "mtime_newer"
	// ReasonDeletedLocally marks a remote file with no local
	// counterpart, proposed for deletion.
	ReasonDeletedLocally ChangeReason = "deleted_locally"
)

// PlanEntry is one file the plan wants transferred or deleted.
type PlanEntry struct {
	File   FileInfo
	Reason ChangeReason
}

// SyncPlan partitions the compared path set into three disjoint sets.
// Every compared file path lands in exactly one of them.
type SyncPlan struct {
	ToUpload  []PlanEntry
	ToDelete  []PlanEntry
	Unchanged []FileInfo
}

// UploadBytes returns the total size of planned uploads.
func (p *SyncPlan) UploadBytes() int64 {
	var total int64
	for _, e := range p.ToUpload {
		total += e.File.Size
	}
	return total
}

// Empty reports whether the plan proposes no work.
func (p *SyncPlan) Empty() bool {
	return len(p.ToUpload) == 0 && len(p.ToDelete) == 0
}

// Plan computes a sync plan from two tree snapshots. It is a pure
// function of its inputs: no I/O, deterministic output ordering.
// Directories are carried along for structure but only files are
// planned; deletions are proposed only when opts.DeleteRemote is set.
func Plan(local, remote *Snapshot, opts SyncOptions) *SyncPlan {
	excl := newExcluder(opts.Exclude)
	plan := &SyncPlan{}

	for _, rel := range sortedPaths(local.Files) {
		lf := local.Files[rel]
		if lf.IsDir || excl.matches(rel) {
			continue
		}

		rf, ok := remote.Files[rel]
		if !ok || rf.IsDir {
			plan.ToUpload = append(plan.ToUpload, PlanEntry{File: lf, Reason: ReasonNew})
			continue
		}

		if isModified(lf, rf) {
			reason := ReasonMtimeNewer
			if lf.Size != rf.Size {
				reason = ReasonSizeMismatch
			}
			plan.ToUpload = append(plan.ToUpload, PlanEntry{File: lf, Reason: reason})
			continue
		}

		plan.Unchanged = append(plan.Unchanged, lf)
	}

	if opts.DeleteRemote {
		for _, rel := range sortedPaths(remote.Files) {
			rf := remote.Files[rel]
			if rf.IsDir || excl.matches(rel) {
				continue
			}
			if lf, ok := local.Files[rel]; ok && !lf.IsDir {
				continue
			}
			plan.ToDelete = append(plan.ToDelete, PlanEntry{File: rf, Reason: ReasonDeletedLocally})
		}
	}

	return plan
}

// isModified reports whether two entries for the same path differ. Any
// size difference is sufficient; with equal sizes, modification times
// within mtimeTolerance of each other count as equal.
func isModified(local, remote FileInfo) bool {
	if local.Size != remote.Size {
		return true
	}

	delta := local.ModTime.Sub(remote.ModTime)
	if delta < 0 {
		delta = -delta
	}
	return delta > mtimeTolerance
}

// excluder matches relative paths against the configured exclusion
// patterns. Each pattern is tried as a regular expression; patterns
// that fail to compile degrade to substring matching.
type excluder struct {
	regexps    []*regexp.Regexp
	substrings []string
}

func newExcluder(patterns []string) *excluder {
	e := &excluder{}
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			e.substrings = append(e.substrings, pat)
			continue
		}
		e.regexps = append(e.regexps, re)
	}
	return e
}

func (e *excluder) matches(rel string) bool {
	for _, re := range e.regexps {
		if re.MatchString(rel) {
			return true
		}
	}
	for _, sub := range e.substrings {
		if strings.Contains(rel, sub) {
			return true
		}
	}
	return false
}

func sortedPaths(files map[string]FileInfo) []string {
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}
