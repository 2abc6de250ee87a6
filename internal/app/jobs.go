package app

import (
	"context"
	"fmt"
	"time"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/job"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/store"
)

// JobQueue is the job persistence the service needs. Satisfied by
// *store.Jobs.
type JobQueue interface {
	Create(ctx context.Context, kind job.Kind, chapterID, engineID, modelName string, segmentIDs []string, trigger job.Trigger) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f store.JobFilter) ([]*job.Job, error)
	Cancel(ctx context.Context, id string) error
	RequestCancellation(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (*job.Job, error)
	DeleteWithCleanup(ctx context.Context, id string) error
}

// SegmentQueue is the segment access the service needs. Satisfied by
// *store.Segments.
type SegmentQueue interface {
	Get(ctx context.Context, id string) (*job.Segment, error)
	SetQueued(ctx context.Context, ids []string) error
	ResetToPending(ctx context.Context, ids []string) error
}

var (
	_ JobQueue     = (*store.Jobs)(nil)
	_ SegmentQueue = (*store.Segments)(nil)
)

// JobService is the API-facing surface of the job queue.
type JobService struct {
	jobs     JobQueue
	segments SegmentQueue
	events   job.Events
}

// NewJobService wires the job queue surface.
func NewJobService(jobs JobQueue, segments SegmentQueue, events job.Events) *JobService {
	return &JobService{jobs: jobs, segments: segments, events: events}
}

// Create enqueues a job over the given segments and flips them to queued.
func (s *JobService) Create(ctx context.Context, kind job.Kind, chapterID, engineID, modelName string, segmentIDs []string, trigger job.Trigger) (*job.Job, error) {
	// Every referenced segment must exist now; vanishing later is handled
	// by the worker, but a job over nothing is a caller bug.
	for _, id := range segmentIDs {
		if _, err := s.segments.Get(ctx, id); err != nil {
			return nil, fmt.Errorf("app: segment %q: %w", id, err)
		}
	}
	j, err := s.jobs.Create(ctx, kind, chapterID, engineID, modelName, segmentIDs, trigger)
	if err != nil {
		return nil, err
	}
	if kind == job.KindSynthesis {
		if err := s.segments.SetQueued(ctx, segmentIDs); err != nil {
			return nil, err
		}
	}
	observe.DefaultMetrics().JobQueued(ctx, string(kind), 1)
	s.publish("job.created", map[string]any{
		"jobId": j.ID, "kind": string(j.Kind), "chapterId": j.ChapterID,
		"totalSegments": j.TotalSegments, "trigger": string(j.Trigger),
	})
	return j, nil
}

// Get loads one job.
func (s *JobService) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.jobs.Get(ctx, id)
}

// List returns jobs matching the filter.
func (s *JobService) List(ctx context.Context, f store.JobFilter) ([]*job.Job, error) {
	return s.jobs.List(ctx, f)
}

// Cancel stops a job: a pending one goes straight to cancelled with its
// segments released, a running one is flagged for the worker to wind down
// at the next segment boundary.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusPending:
		if err := s.jobs.Cancel(ctx, id); err != nil {
			return err
		}
		if err := s.segments.ResetToPending(ctx, j.SegmentIDs()); err != nil {
			return err
		}
		s.publish("job.cancelled", map[string]any{"jobId": id})
		return nil
	case job.StatusRunning:
		return s.jobs.RequestCancellation(ctx, id)
	case job.StatusCancelling:
		return nil // already winding down
	default:
		return fmt.Errorf("app: job %q is %s, cannot cancel", id, j.Status)
	}
}

// Resume re-queues a cancelled job's remaining work.
func (s *JobService) Resume(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.jobs.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Kind == job.KindSynthesis {
		if err := s.segments.SetQueued(ctx, j.SegmentIDs()); err != nil {
			return nil, err
		}
	}
	observe.DefaultMetrics().JobQueued(ctx, string(j.Kind), 1)
	s.publish("job.resumed", map[string]any{
		"jobId":             j.ID,
		"remainingSegments": len(j.PendingItems()),
		"totalSegments":     j.TotalSegments,
		"resumedAt":         time.Now().UTC().Format(time.RFC3339),
	})
	return j, nil
}

// Delete removes a job, releasing any segments it still holds queued.
func (s *JobService) Delete(ctx context.Context, id string) error {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == job.StatusRunning || j.Status == job.StatusCancelling {
		return fmt.Errorf("app: job %q is %s, cancel it first", id, j.Status)
	}
	if err := s.jobs.DeleteWithCleanup(ctx, id); err != nil {
		return err
	}
	s.publish("job.deleted", map[string]any{"jobId": id})
	return nil
}

func (s *JobService) publish(eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(eventType, data, bus.ChannelJobs)
}
