// Package job holds the durable job model and the per-kind workers that
// drain the queue.
//
// A job references an ordered list of segments through its work-items; the
// work-item list — not the global segment rows — is what tells a worker
// which segments of this job still need doing after a restart or resume.
// Work-items are persisted as a single JSON blob per job row and mutated by
// read-modify-write under the row lock, which keeps claim and progress
// updates atomic.
package job

import (
	"time"
)

// Kind separates the two queues. Each kind has exactly one worker.
type Kind string

const (
	// KindSynthesis jobs turn segment text into audio.
	KindSynthesis Kind = "synthesis"

	// KindAnalysis jobs score previously produced audio.
	KindAnalysis Kind = "analysis"
)

// IsValid reports whether k names a known job kind.
func (k Kind) IsValid() bool {
	return k == KindSynthesis || k == KindAnalysis
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// ItemStatus is the per-work-item completion flag inside a job. It is
// deliberately binary: an item is either still owed or it has been dealt
// with (success, skip, or permanent failure alike).
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
)

// WorkItem is one `{segment_id, job_status}` record of a job's ordered list.
type WorkItem struct {
	SegmentID string     `json:"id"`
	Status    ItemStatus `json:"jobStatus"`
}

// Trigger records why a job was created. It is carried on job.created
// events so the UI can distinguish user actions from auto-chaining.
type Trigger string

const (
	TriggerUser                Trigger = "user"
	TriggerAutoAnalyze         Trigger = "auto_analyze"
	TriggerAutoRegenerate      Trigger = "auto_regenerate"
	TriggerAutoRegenerateBatch Trigger = "auto_regenerate_batch"
)

// Job is one unit of queued work over an ordered set of segments.
type Job struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	ChapterID string `json:"chapterId"`

	Status Status `json:"status"`

	// EngineID and ModelName select the variant the worker must use. Empty
	// means "the default variant of the matching engine kind at dispatch
	// time".
	EngineID  string `json:"engineId,omitempty"`
	ModelName string `json:"modelName,omitempty"`

	// Items is the ordered work-item list, the source of truth for resume.
	Items []WorkItem `json:"items"`

	// TotalSegments is frozen at creation and survives resume, so progress
	// displays keep their original denominator.
	TotalSegments     int `json:"totalSegments"`
	ProcessedSegments int `json:"processedSegments"`
	FailedSegments    int `json:"failedSegments"`

	// CurrentSegmentID is the segment the worker is on, for live progress.
	CurrentSegmentID string `json:"currentSegmentId,omitempty"`

	Trigger Trigger `json:"trigger,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// PendingItems returns the work-items still owed, in order.
func (j *Job) PendingItems() []WorkItem {
	var out []WorkItem
	for _, it := range j.Items {
		if it.Status == ItemPending {
			out = append(out, it)
		}
	}
	return out
}

// SegmentIDs returns the segment IDs of all work-items, in order.
func (j *Job) SegmentIDs() []string {
	ids := make([]string, len(j.Items))
	for i, it := range j.Items {
		ids[i] = it.SegmentID
	}
	return ids
}
