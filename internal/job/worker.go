package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/observe"
)

// pollInterval is the queue poll period when no work is available.
const pollInterval = time.Second

// Queue is the slice of the job repository the worker consumes. Satisfied by
// *store.Jobs.
type Queue interface {
	ClaimNextPending(ctx context.Context, kind Kind) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	MarkSegmentCompleted(ctx context.Context, jobID, segmentID string) error
	MarkSegmentFailed(ctx context.Context, jobID, segmentID string) error
	UpdateProgress(ctx context.Context, jobID string, processed, failed *int, currentSegmentID *string) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, msg string) error
	MarkCancelled(ctx context.Context, jobID string) error
}

// SegmentStore is the slice of the segment repository the worker consumes.
// Satisfied by *store.Segments.
type SegmentStore interface {
	Get(ctx context.Context, id string) (*Segment, error)
	SetStatus(ctx context.Context, id string, status SegmentStatus) error
	ResetToPending(ctx context.Context, ids []string) error
}

// Events is the slice of the event bus the worker publishes on.
type Events interface {
	Broadcast(eventType string, data map[string]any, channel string)
}

// Processor performs the kind-specific work for one segment. A returned
// error fails only that segment; the job carries on.
type Processor interface {
	Process(ctx context.Context, j *Job, seg *Segment) error
}

// ErrSegmentNotFound lets a processor signal that its subject vanished; the
// worker skips with completion bookkeeping instead of counting a failure.
type skipError struct{ reason string }

func (e *skipError) Error() string { return "job: segment skipped: " + e.reason }

// Skip returns an error that makes the worker count the segment as dealt
// with rather than failed.
func Skip(reason string) error { return &skipError{reason: reason} }

// CompletionFunc runs after a job reaches a terminal state. Used by the
// auto-chain policies.
type CompletionFunc func(ctx context.Context, j *Job)

// Worker drains one kind's queue. One worker per kind; segments within a
// job are processed strictly in work-item order.
type Worker struct {
	kind     Kind
	queue    Queue
	segments SegmentStore
	proc     Processor
	events   Events

	onDone []CompletionFunc
}

// NewWorker creates a worker for one job kind.
func NewWorker(kind Kind, queue Queue, segments SegmentStore, proc Processor, events Events) *Worker {
	return &Worker{kind: kind, queue: queue, segments: segments, proc: proc, events: events}
}

// OnCompletion registers a hook invoked after every terminal job, in
// registration order. Must be called before Run.
func (w *Worker) OnCompletion(fn CompletionFunc) {
	w.onDone = append(w.onDone, fn)
}

// Run polls and processes jobs until ctx ends. A panic or error inside one
// job fails that job and the loop continues; the worker itself only exits
// with the context.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("job worker started", "kind", w.kind)
	for {
		j, err := w.queue.ClaimNextPending(ctx, w.kind)
		if err != nil {
			slog.Error("claim failed", "kind", w.kind, "error", err)
		} else if j != nil {
			observe.DefaultMetrics().JobQueued(ctx, string(w.kind), -1)
			w.runJob(ctx, j)
			continue // drain without sleeping while work is queued
		}
		select {
		case <-ctx.Done():
			slog.Info("job worker stopped", "kind", w.kind)
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// runJob executes one claimed job to a terminal state.
func (w *Worker) runJob(ctx context.Context, j *Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "kind", w.kind, "job_id", j.ID, "panic", r)
			msg := fmt.Sprintf("internal error: %v", r)
			if err := w.queue.MarkFailed(context.WithoutCancel(ctx), j.ID, msg); err != nil {
				slog.Error("mark panicked job failed", "job_id", j.ID, "error", err)
			}
			w.publish("job.failed", map[string]any{"jobId": j.ID, "error": msg})
			observe.DefaultMetrics().RecordJobFinished(ctx, string(w.kind), "failed")
		}
	}()

	slog.Info("job started", "kind", w.kind, "job_id", j.ID,
		"segments", len(j.Items), "trigger", j.Trigger)
	w.publish("job.started", map[string]any{
		"jobId": j.ID, "kind": string(j.Kind), "chapterId": j.ChapterID,
		"totalSegments": j.TotalSegments, "trigger": string(j.Trigger),
	})

	for _, item := range j.PendingItems() {
		if cancelled := w.checkCancelled(ctx, j); cancelled {
			return
		}
		w.runSegment(ctx, j, item.SegmentID)
	}

	w.finish(ctx, j.ID)
}

// checkCancelled re-reads the job and, when a cancellation was requested,
// resets the untouched segments and finalises the job as cancelled.
func (w *Worker) checkCancelled(ctx context.Context, j *Job) bool {
	fresh, err := w.queue.Get(ctx, j.ID)
	if err != nil {
		slog.Warn("re-read during cancellation check failed", "job_id", j.ID, "error", err)
		return false
	}
	if fresh.Status != StatusCancelling {
		return false
	}

	var remaining []string
	for _, it := range fresh.PendingItems() {
		remaining = append(remaining, it.SegmentID)
	}
	if err := w.segments.ResetToPending(ctx, remaining); err != nil {
		slog.Error("reset segments on cancel failed", "job_id", j.ID, "error", err)
	}
	if err := w.queue.MarkCancelled(ctx, j.ID); err != nil {
		slog.Error("mark cancelled failed", "job_id", j.ID, "error", err)
		return true
	}
	slog.Info("job cancelled", "kind", w.kind, "job_id", j.ID)
	w.publish("job.cancelled", map[string]any{"jobId": j.ID})
	observe.DefaultMetrics().RecordJobFinished(ctx, string(w.kind), "cancelled")
	w.completionHooks(ctx, j.ID)
	return true
}

// runSegment processes one work-item and records the outcome. Segment-level
// failures never abort the job.
func (w *Worker) runSegment(ctx context.Context, j *Job, segmentID string) {
	if err := w.queue.UpdateProgress(ctx, j.ID, nil, nil, &segmentID); err != nil {
		slog.Warn("update current segment failed", "job_id", j.ID, "error", err)
	}

	seg, err := w.segments.Get(ctx, segmentID)
	if err != nil {
		// Deleted since the job was created: dealt with, not failed.
		slog.Warn("segment vanished, skipping", "job_id", j.ID, "segment_id", segmentID)
		w.markDone(ctx, j.ID, segmentID)
		return
	}
	if seg.Frozen {
		slog.Debug("segment frozen, skipping", "job_id", j.ID, "segment_id", segmentID)
		w.markDone(ctx, j.ID, segmentID)
		return
	}

	if err := w.segments.SetStatus(ctx, segmentID, SegmentProcessing); err != nil {
		slog.Warn("set segment processing failed", "segment_id", segmentID, "error", err)
	}
	w.publish("segment.started", map[string]any{"jobId": j.ID, "segmentId": segmentID})

	start := time.Now()
	err = w.proc.Process(ctx, j, seg)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		w.markDone(ctx, j.ID, segmentID)
		observe.DefaultMetrics().RecordSegment(ctx, string(w.kind), "completed", elapsed)
		w.publish("segment.completed", map[string]any{"jobId": j.ID, "segmentId": segmentID})

	default:
		if _, skip := err.(*skipError); skip {
			slog.Info("segment skipped", "job_id", j.ID, "segment_id", segmentID, "reason", err)
			w.markDone(ctx, j.ID, segmentID)
			observe.DefaultMetrics().RecordSegment(ctx, string(w.kind), "skipped", elapsed)
			return
		}
		slog.Error("segment failed", "kind", w.kind, "job_id", j.ID,
			"segment_id", segmentID, "error", err)
		if serr := w.segments.SetStatus(ctx, segmentID, SegmentFailed); serr != nil {
			slog.Warn("set segment failed status failed", "segment_id", segmentID, "error", serr)
		}
		if merr := w.queue.MarkSegmentFailed(ctx, j.ID, segmentID); merr != nil {
			slog.Error("record segment failure failed", "job_id", j.ID, "error", merr)
		}
		observe.DefaultMetrics().RecordSegment(ctx, string(w.kind), "failed", elapsed)
		w.publish("segment.failed", map[string]any{
			"jobId": j.ID, "segmentId": segmentID, "error": err.Error(),
		})
	}

	w.progressEvent(ctx, j.ID)
}

func (w *Worker) markDone(ctx context.Context, jobID, segmentID string) {
	if err := w.queue.MarkSegmentCompleted(ctx, jobID, segmentID); err != nil {
		slog.Error("record segment completion failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) progressEvent(ctx context.Context, jobID string) {
	j, err := w.queue.Get(ctx, jobID)
	if err != nil {
		return
	}
	w.publish("job.progress", map[string]any{
		"jobId":             j.ID,
		"processedSegments": j.ProcessedSegments,
		"failedSegments":    j.FailedSegments,
		"totalSegments":     j.TotalSegments,
		"currentSegmentId":  j.CurrentSegmentID,
	})
}

// finish reads the final counters and settles the job: completed only when
// every segment succeeded, otherwise failed with the partial-failure
// summary message.
func (w *Worker) finish(ctx context.Context, jobID string) {
	j, err := w.queue.Get(ctx, jobID)
	if err != nil {
		slog.Error("re-read for terminal state failed", "job_id", jobID, "error", err)
		return
	}
	if j.Status.Terminal() {
		return // cancellation raced the last segment
	}

	if j.FailedSegments == 0 && j.ProcessedSegments == j.TotalSegments {
		if err := w.queue.MarkCompleted(ctx, jobID); err != nil {
			slog.Error("mark completed failed", "job_id", jobID, "error", err)
			return
		}
		slog.Info("job completed", "kind", w.kind, "job_id", jobID, "segments", j.TotalSegments)
		observe.DefaultMetrics().RecordJobFinished(ctx, string(w.kind), "completed")
		w.publish("job.completed", map[string]any{
			"jobId": j.ID, "processedSegments": j.ProcessedSegments, "totalSegments": j.TotalSegments,
		})
	} else {
		msg := PartialFailureMessage(j.ProcessedSegments, j.FailedSegments, j.TotalSegments)
		if err := w.queue.MarkFailed(ctx, jobID, msg); err != nil {
			slog.Error("mark failed failed", "job_id", jobID, "error", err)
			return
		}
		slog.Warn("job finished with failures", "kind", w.kind, "job_id", jobID,
			"processed", j.ProcessedSegments, "failed", j.FailedSegments, "total", j.TotalSegments)
		observe.DefaultMetrics().RecordJobFinished(ctx, string(w.kind), "failed")
		w.publish("job.failed", map[string]any{
			"jobId": j.ID, "error": msg,
			"processedSegments": j.ProcessedSegments, "failedSegments": j.FailedSegments,
			"totalSegments": j.TotalSegments,
		})
	}

	w.completionHooks(ctx, jobID)
}

func (w *Worker) completionHooks(ctx context.Context, jobID string) {
	j, err := w.queue.Get(ctx, jobID)
	if err != nil {
		return
	}
	for _, fn := range w.onDone {
		fn(ctx, j)
	}
}

func (w *Worker) publish(eventType string, data map[string]any) {
	if w.events == nil {
		return
	}
	w.events.Broadcast(eventType, data, bus.ChannelJobs)
}

// PartialFailureMessage is the terminal error message of a job where some
// segments failed. The frontend parses it, so the format is part of the
// contract.
func PartialFailureMessage(processed, failed, total int) string {
	return fmt.Sprintf("[JOB_PARTIAL_FAILURE]processed:%d;failed:%d;total:%d", processed, failed, total)
}
