package job

import (
	"context"
	"log/slog"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/quality"
)

// ChainPolicy answers the settings questions the auto-chains ask. Backed by
// the settings service at wiring time; resolved per decision so edits apply
// immediately.
type ChainPolicy interface {
	AutoAnalyzeSegment(ctx context.Context) bool
	AutoAnalyzeChapter(ctx context.Context) bool

	// RegenerateMode is one of "disabled", "bundled", "per-segment".
	RegenerateMode(ctx context.Context) string

	MaxRegenerateAttempts(ctx context.Context) int
}

// JobCreator enqueues follow-up jobs. Satisfied by *store.Jobs.
type JobCreator interface {
	Create(ctx context.Context, kind Kind, chapterID, engineID, modelName string, segmentIDs []string, trigger Trigger) (*Job, error)
}

// ChainSegments is the segment access the chains need. Satisfied by
// *store.Segments.
type ChainSegments interface {
	Get(ctx context.Context, id string) (*Segment, error)
	IncrementRegenerateAttempts(ctx context.Context, id string) (int, error)
}

// AnalysisReader reads stored verdicts. Satisfied by *store.Analysis.
type AnalysisReader interface {
	Get(ctx context.Context, segmentID string) (*quality.Result, error)
}

// Chainer implements the two auto-chain policies: synthesis completion can
// enqueue an analysis job, and analysis completion can enqueue corrective
// synthesis for defect segments. The chains talk only through the queue —
// workers never call each other.
type Chainer struct {
	policy   ChainPolicy
	jobs     JobCreator
	segments ChainSegments
	analysis AnalysisReader
	events   Events
}

// NewChainer wires the auto-chain policies.
func NewChainer(policy ChainPolicy, jobs JobCreator, segments ChainSegments, analysis AnalysisReader, events Events) *Chainer {
	return &Chainer{policy: policy, jobs: jobs, segments: segments, analysis: analysis, events: events}
}

// AfterSynthesis is registered as the synthesis worker's completion hook. A
// finished synthesis job with at least one produced segment enqueues an
// analysis job over that job's own segments. Single-segment jobs are gated
// by the per-segment setting, multi-segment jobs by the per-chapter one.
func (c *Chainer) AfterSynthesis(ctx context.Context, j *Job) {
	if j.Kind != KindSynthesis || j.Status == StatusCancelled {
		return
	}
	if j.ProcessedSegments == 0 {
		return
	}

	var enabled bool
	if len(j.Items) == 1 {
		enabled = c.policy.AutoAnalyzeSegment(ctx)
	} else {
		enabled = c.policy.AutoAnalyzeChapter(ctx)
	}
	if !enabled {
		return
	}

	// The analysis covers exactly the work-items this job dealt with and
	// that came out with audio, never the rest of the chapter.
	var candidates []string
	for _, it := range j.Items {
		if it.Status != ItemCompleted {
			continue
		}
		s, err := c.segments.Get(ctx, it.SegmentID)
		if err != nil {
			continue
		}
		if analysable(s) {
			candidates = append(candidates, s.ID)
		}
	}
	if len(candidates) == 0 {
		return
	}

	created, err := c.jobs.Create(ctx, KindAnalysis, j.ChapterID, "", "", candidates, TriggerAutoAnalyze)
	if err != nil {
		slog.Error("auto-analyze: create job failed", "source_job_id", j.ID, "error", err)
		return
	}
	slog.Info("auto-analyze job created", "job_id", created.ID,
		"source_job_id", j.ID, "segments", len(candidates))
	c.publish("quality.job.created", map[string]any{
		"jobId": created.ID, "sourceJobId": j.ID, "totalSegments": len(candidates),
	}, bus.ChannelQuality)
}

// AfterAnalysis is registered as the analysis worker's completion hook. It
// enqueues corrective synthesis for defect segments, either one job per
// segment or one bundled job, bounded by the per-segment attempt cap.
func (c *Chainer) AfterAnalysis(ctx context.Context, j *Job) {
	if j.Kind != KindAnalysis || j.Status == StatusCancelled {
		return
	}
	mode := c.policy.RegenerateMode(ctx)
	if mode != "bundled" && mode != "per-segment" {
		return
	}
	maxAttempts := c.policy.MaxRegenerateAttempts(ctx)

	var defects []string
	for _, id := range j.SegmentIDs() {
		r, err := c.analysis.Get(ctx, id)
		if err != nil || r.Status != quality.StatusDefect {
			continue
		}
		s, err := c.segments.Get(ctx, id)
		if err != nil || s.Frozen {
			continue
		}
		// Cap checked before the increment so a segment gets exactly
		// maxAttempts corrective runs, never maxAttempts+1.
		if s.RegenerateAttempts >= maxAttempts {
			slog.Info("defect segment at regenerate cap, leaving as-is",
				"segment_id", id, "attempts", s.RegenerateAttempts)
			continue
		}
		if _, err := c.segments.IncrementRegenerateAttempts(ctx, id); err != nil {
			slog.Error("bump regenerate attempts failed", "segment_id", id, "error", err)
			continue
		}
		defects = append(defects, id)
	}
	if len(defects) == 0 {
		return
	}

	if mode == "bundled" {
		c.createRegenerate(ctx, j, defects, TriggerAutoRegenerateBatch)
		return
	}
	for _, id := range defects {
		c.createRegenerate(ctx, j, []string{id}, TriggerAutoRegenerate)
	}
}

func (c *Chainer) createRegenerate(ctx context.Context, source *Job, segmentIDs []string, trigger Trigger) {
	created, err := c.jobs.Create(ctx, KindSynthesis, source.ChapterID, "", "", segmentIDs, trigger)
	if err != nil {
		slog.Error("auto-regenerate: create job failed", "source_job_id", source.ID, "error", err)
		return
	}
	slog.Info("auto-regenerate job created", "job_id", created.ID,
		"source_job_id", source.ID, "segments", len(segmentIDs), "trigger", trigger)
	c.publish("job.created", map[string]any{
		"jobId": created.ID, "kind": string(KindSynthesis),
		"trigger": string(trigger), "totalSegments": len(segmentIDs),
	}, bus.ChannelJobs)
}

func (c *Chainer) publish(eventType string, data map[string]any, channel string) {
	if c.events == nil {
		return
	}
	c.events.Broadcast(eventType, data, channel)
}

// analysable segments have audio to inspect and are not frozen.
func analysable(s *Segment) bool {
	return !s.Frozen && s.AudioRef != "" && s.Kind != SegmentDivider
}
