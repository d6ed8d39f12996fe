package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/KengoTobita/oiduna/internal/ir"
)

// appliedGracePeriod keeps applied changes visible in the pending listing
// long enough for clients to observe the transition.
const appliedGracePeriod = time.Second

// ChangeKind names what a pending change mutates.
type ChangeKind string

const (
	ChangeEnvironment ChangeKind = "environment"
	ChangeTrack       ChangeKind = "track"
	ChangeSession     ChangeKind = "session"
	ChangeScene       ChangeKind = "scene"
)

// PendingChange is one deferred mutation waiting for its musical boundary.
// The apply closure runs on the engine goroutine when the boundary arrives.
type PendingChange struct {
	ID          string
	Kind        ChangeKind
	Timing      ir.ApplyTiming
	TrackIDs    []string
	SceneName   string
	SubmittedAt time.Time

	apply func(*RuntimeState)

	// seq changes wait for a full wrap: they fire at step 0 only after the
	// cursor has been seen away from 0, so a change submitted at step 0
	// waits one loop instead of firing immediately.
	passedNonZero bool
}

// ChangeInfo is the wire view of a pending or recently applied change.
type ChangeInfo struct {
	ID          string         `json:"id"`
	Kind        ChangeKind     `json:"kind"`
	Timing      ir.ApplyTiming `json:"timing"`
	TrackIDs    []string       `json:"track_ids,omitempty"`
	SceneName   string         `json:"scene_name,omitempty"`
	Status      string         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

type appliedRecord struct {
	info      ChangeInfo
	appliedAt time.Time
}

// ApplyScheduler queues boundary-scheduled changes and releases them in
// submission order when their boundary step arrives. It lives on the engine
// goroutine and needs no locking.
type ApplyScheduler struct {
	pending []*PendingChange
	applied []appliedRecord
}

// NewApplyScheduler returns an empty scheduler.
func NewApplyScheduler() *ApplyScheduler {
	return &ApplyScheduler{}
}

// Schedule queues a change and returns its generated id.
func (a *ApplyScheduler) Schedule(kind ChangeKind, timing ir.ApplyTiming, apply func(*RuntimeState)) *PendingChange {
	pc := &PendingChange{
		ID:          uuid.New().String(),
		Kind:        kind,
		Timing:      timing,
		SubmittedAt: time.Now(),
		apply:       apply,
	}
	a.pending = append(a.pending, pc)
	return pc
}

// NoteStep records cursor movement so seq changes know a wrap completed.
func (a *ApplyScheduler) NoteStep(step int) {
	if step == 0 {
		return
	}
	for _, pc := range a.pending {
		if pc.Timing == ir.ApplySeq {
			pc.passedNonZero = true
		}
	}
}

// boundaryHit reports whether the change fires at this step.
func boundaryHit(pc *PendingChange, step int) bool {
	switch pc.Timing {
	case ir.ApplyNow:
		return true
	case ir.ApplyBeat:
		return step%ir.StepsPerBeat == 0
	case ir.ApplyBar:
		return step%ir.StepsPerBar == 0
	case ir.ApplySeq:
		return step == 0 && pc.passedNonZero
	}
	return false
}

// TakeDue removes and returns every change whose boundary hits at step, in
// submission order, recording each as applied.
func (a *ApplyScheduler) TakeDue(step int, now time.Time) []*PendingChange {
	if len(a.pending) == 0 {
		return nil
	}
	var due []*PendingChange
	remaining := a.pending[:0]
	for _, pc := range a.pending {
		if boundaryHit(pc, step) {
			due = append(due, pc)
			info := changeInfo(pc, "applied")
			a.applied = append(a.applied, appliedRecord{info: info, appliedAt: now})
		} else {
			remaining = append(remaining, pc)
		}
	}
	a.pending = remaining
	return due
}

// Cancel removes a pending change by id. False when unknown or already
// applied.
func (a *ApplyScheduler) Cancel(id string) bool {
	for i, pc := range a.pending {
		if pc.ID == id {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return true
		}
	}
	return false
}

// CancelAll removes every pending change and returns how many were dropped.
func (a *ApplyScheduler) CancelAll() int {
	n := len(a.pending)
	a.pending = nil
	return n
}

// HasPending reports whether any change is waiting for a boundary.
func (a *ApplyScheduler) HasPending() bool { return len(a.pending) > 0 }

// Pending lists queued changes plus those applied within the grace period.
func (a *ApplyScheduler) Pending(now time.Time) []ChangeInfo {
	a.pruneApplied(now)
	infos := make([]ChangeInfo, 0, len(a.pending)+len(a.applied))
	for _, pc := range a.pending {
		infos = append(infos, changeInfo(pc, "pending"))
	}
	for _, rec := range a.applied {
		infos = append(infos, rec.info)
	}
	return infos
}

func (a *ApplyScheduler) pruneApplied(now time.Time) {
	cutoff := now.Add(-appliedGracePeriod)
	kept := a.applied[:0]
	for _, rec := range a.applied {
		if rec.appliedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	a.applied = kept
}

func changeInfo(pc *PendingChange, status string) ChangeInfo {
	return ChangeInfo{
		ID:          pc.ID,
		Kind:        pc.Kind,
		Timing:      pc.Timing,
		TrackIDs:    pc.TrackIDs,
		SceneName:   pc.SceneName,
		Status:      status,
		SubmittedAt: pc.SubmittedAt,
	}
}
