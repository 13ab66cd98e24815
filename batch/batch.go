// Package batch implements the batch job orchestration engine: the FIFO
// queue with its single-running-batch invariant, the lifecycle state
// machine, per-batch progress counters, and the executor that drains a
// running batch through the proxy pool.
package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyscan-io/storyscan/errors"
)

// Status represents the lifecycle state of a batch
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusPaused, StatusDone:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// queued -> running -> done, running <-> paused. Deletion is allowed from
// any non-running state and is handled by the queue, not as a status.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusPaused || next == StatusDone
	case StatusPaused:
		return next == StatusRunning
	case StatusDone:
		return false
	default:
		return false
	}
}

// Batch is one submitted set of profile checks. Mutated only by the queue
// and executor, never directly by callers.
type Batch struct {
	ID        string `json:"id"`
	NicheID   string `json:"niche_id"`
	// ProfileIDs in insertion order; insertion order is check order
	ProfileIDs []string `json:"profile_ids"`
	Status     Status   `json:"status"`
	// QueuePosition is >= 1 while queued, 0 while running, null otherwise
	QueuePosition *int `json:"queue_position"`

	TotalProfiles     int `json:"total_profiles"`
	CompletedProfiles int `json:"completed_profiles"`
	SuccessfulChecks  int `json:"successful_checks"`
	FailedChecks      int `json:"failed_checks"`

	// ProfilesWithStories collects usernames flagged positive during this run
	ProfilesWithStories []string `json:"profiles_with_stories"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewBatch creates a queued batch at the given queue position.
// Fails with a validation error if profileIDs is empty.
func NewBatch(profileIDs []string, nicheID string, position int) (*Batch, error) {
	if len(profileIDs) == 0 {
		return nil, errors.NewValidationError("batch must contain at least one profile")
	}

	now := time.Now()
	pos := position
	return &Batch{
		ID:                  uuid.NewString(),
		NicheID:             nicheID,
		ProfileIDs:          append([]string(nil), profileIDs...),
		Status:              StatusQueued,
		QueuePosition:       &pos,
		TotalProfiles:       len(profileIDs),
		ProfilesWithStories: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// markRunning promotes the batch into the running slot (position 0).
func (b *Batch) markRunning() {
	now := time.Now()
	b.Status = StatusRunning
	zero := 0
	b.QueuePosition = &zero
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.UpdatedAt = now
}

// markPaused parks the batch outside the active queue.
func (b *Batch) markPaused() {
	b.Status = StatusPaused
	b.QueuePosition = nil
	b.UpdatedAt = time.Now()
}

// markDone completes the batch and stamps CompletedAt.
func (b *Batch) markDone() {
	now := time.Now()
	b.Status = StatusDone
	b.QueuePosition = nil
	b.CompletedAt = &now
	b.UpdatedAt = now
}

// recordSuccess counts one successfully checked profile. Counters satisfy
// CompletedProfiles == SuccessfulChecks + FailedChecks at all times.
func (b *Batch) recordSuccess(profileID string, hasStory bool) {
	b.CompletedProfiles++
	b.SuccessfulChecks++
	if hasStory {
		b.ProfilesWithStories = append(b.ProfilesWithStories, profileID)
	}
	b.UpdatedAt = time.Now()
}

// recordFailure counts one terminally failed profile check.
func (b *Batch) recordFailure() {
	b.CompletedProfiles++
	b.FailedChecks++
	b.UpdatedAt = time.Now()
}

// finished reports whether every profile has been checked.
func (b *Batch) finished() bool {
	return b.CompletedProfiles >= b.TotalProfiles
}

// clone returns a deep copy so callers never alias queue-owned slices.
func (b *Batch) clone() *Batch {
	cp := *b
	cp.ProfileIDs = append([]string(nil), b.ProfileIDs...)
	cp.ProfilesWithStories = append([]string(nil), b.ProfilesWithStories...)
	if b.QueuePosition != nil {
		pos := *b.QueuePosition
		cp.QueuePosition = &pos
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		cp.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
