package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voxweave/voxweave/internal/quality"
)

// fixedPolicy answers the chain questions with constants.
type fixedPolicy struct {
	segment, chapter string // "" disables; any value enables
	mode             string
	maxAttempts      int
}

func (p fixedPolicy) AutoAnalyzeSegment(context.Context) bool  { return p.segment != "" }
func (p fixedPolicy) AutoAnalyzeChapter(context.Context) bool  { return p.chapter != "" }
func (p fixedPolicy) RegenerateMode(context.Context) string    { return p.mode }
func (p fixedPolicy) MaxRegenerateAttempts(context.Context) int { return p.maxAttempts }

// creatorSpy records Create calls and fabricates jobs.
type creatorSpy struct {
	mu    sync.Mutex
	calls []createdJob
	err   error
}

type createdJob struct {
	kind       Kind
	chapterID  string
	segmentIDs []string
	trigger    Trigger
}

func (c *creatorSpy) Create(_ context.Context, kind Kind, chapterID, _, _ string, segmentIDs []string, trigger Trigger) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.calls = append(c.calls, createdJob{kind: kind, chapterID: chapterID, segmentIDs: segmentIDs, trigger: trigger})
	return &Job{ID: "created", Kind: kind, ChapterID: chapterID}, nil
}

// chainSegs is an in-memory ChainSegments.
type chainSegs struct {
	segments map[string]*Segment
}

func (s *chainSegs) Get(_ context.Context, id string) (*Segment, error) {
	seg, ok := s.segments[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *seg
	return &cp, nil
}

func (s *chainSegs) IncrementRegenerateAttempts(_ context.Context, id string) (int, error) {
	seg, ok := s.segments[id]
	if !ok {
		return 0, errors.New("not found")
	}
	seg.RegenerateAttempts++
	return seg.RegenerateAttempts, nil
}

// verdicts is a canned AnalysisReader.
type verdicts map[string]quality.OverallStatus

func (v verdicts) Get(_ context.Context, segmentID string) (*quality.Result, error) {
	status, ok := v[segmentID]
	if !ok {
		return nil, errors.New("no verdict")
	}
	return &quality.Result{SegmentID: segmentID, Status: status}, nil
}

func synthSegment(id, chapterID, audioRef string) *Segment {
	return &Segment{ID: id, ChapterID: chapterID, Kind: SegmentStandard, AudioRef: audioRef}
}

func doneJob(kind Kind, chapterID string, processed int, segmentIDs ...string) *Job {
	j := testJob("src", segmentIDs...)
	j.Kind = kind
	j.ChapterID = chapterID
	j.Status = StatusCompleted
	j.ProcessedSegments = processed
	for i := range j.Items {
		j.Items[i].Status = ItemCompleted
	}
	return j
}

func TestAfterSynthesis_SingleSegmentJobUsesSegmentFlag(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
	}}
	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{segment: "on"}, creator, segs, verdicts{}, &eventRecorder{})

	c.AfterSynthesis(context.Background(), doneJob(KindSynthesis, "ch1", 1, "s1"))

	if len(creator.calls) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(creator.calls))
	}
	call := creator.calls[0]
	if call.kind != KindAnalysis || call.trigger != TriggerAutoAnalyze {
		t.Errorf("call = %+v", call)
	}
	if len(call.segmentIDs) != 1 || call.segmentIDs[0] != "s1" {
		t.Errorf("segmentIDs = %v, want [s1]", call.segmentIDs)
	}
}

func TestAfterSynthesis_MultiSegmentJobUsesChapterFlag(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
		"s2": synthSegment("s2", "ch1", ""), // nothing produced, not analysable
		"s3": synthSegment("s3", "ch1", "audio/s3.wav"),
		"s9": synthSegment("s9", "ch1", "audio/s9.wav"), // same chapter, not in the job
	}}
	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{chapter: "on"}, creator, segs, verdicts{}, &eventRecorder{})

	c.AfterSynthesis(context.Background(), doneJob(KindSynthesis, "ch1", 3, "s1", "s2", "s3"))

	if len(creator.calls) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(creator.calls))
	}
	got := creator.calls[0].segmentIDs
	if len(got) != 2 || got[0] != "s1" || got[1] != "s3" {
		t.Errorf("segmentIDs = %v, want [s1 s3]", got)
	}
}

func TestAfterSynthesis_FlagSelectionByJobSize(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
		"s2": synthSegment("s2", "ch1", "audio/s2.wav"),
	}}

	t.Run("chapter flag does not cover single-segment jobs", func(t *testing.T) {
		creator := &creatorSpy{}
		c := NewChainer(fixedPolicy{chapter: "on"}, creator, segs, verdicts{}, nil)
		c.AfterSynthesis(context.Background(), doneJob(KindSynthesis, "ch1", 1, "s1"))
		if len(creator.calls) != 0 {
			t.Errorf("Create calls = %d, want 0", len(creator.calls))
		}
	})

	t.Run("segment flag does not cover multi-segment jobs", func(t *testing.T) {
		creator := &creatorSpy{}
		c := NewChainer(fixedPolicy{segment: "on"}, creator, segs, verdicts{}, nil)
		c.AfterSynthesis(context.Background(), doneJob(KindSynthesis, "ch1", 2, "s1", "s2"))
		if len(creator.calls) != 0 {
			t.Errorf("Create calls = %d, want 0", len(creator.calls))
		}
	})
}

func TestAfterSynthesis_SkipsUnfinishedWorkItems(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
		"s2": synthSegment("s2", "ch1", "audio/s2.wav"),
	}}
	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{chapter: "on"}, creator, segs, verdicts{}, nil)

	j := doneJob(KindSynthesis, "ch1", 1, "s1", "s2")
	j.Items[1].Status = ItemPending

	c.AfterSynthesis(context.Background(), j)

	if len(creator.calls) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(creator.calls))
	}
	got := creator.calls[0].segmentIDs
	if len(got) != 1 || got[0] != "s1" {
		t.Errorf("segmentIDs = %v, want [s1]", got)
	}
}

func TestAfterSynthesis_Guards(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
	}}

	tests := []struct {
		name   string
		policy fixedPolicy
		job    *Job
	}{
		{"chains disabled", fixedPolicy{}, doneJob(KindSynthesis, "ch1", 1, "s1")},
		{"wrong kind", fixedPolicy{segment: "on"}, doneJob(KindAnalysis, "ch1", 1, "s1")},
		{"cancelled", fixedPolicy{segment: "on"}, func() *Job {
			j := doneJob(KindSynthesis, "ch1", 1, "s1")
			j.Status = StatusCancelled
			return j
		}()},
		{"nothing produced", fixedPolicy{segment: "on"}, doneJob(KindSynthesis, "ch1", 0, "s1")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			creator := &creatorSpy{}
			c := NewChainer(tc.policy, creator, segs, verdicts{}, nil)
			c.AfterSynthesis(context.Background(), tc.job)
			if len(creator.calls) != 0 {
				t.Errorf("Create calls = %d, want 0", len(creator.calls))
			}
		})
	}
}

func TestAfterSynthesis_SkipsFrozenAndDividers(t *testing.T) {
	frozen := synthSegment("s1", "ch1", "audio/s1.wav")
	frozen.Frozen = true
	divider := synthSegment("s2", "ch1", "audio/s2.wav")
	divider.Kind = SegmentDivider
	segs := &chainSegs{segments: map[string]*Segment{"s1": frozen, "s2": divider}}

	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{chapter: "on"}, creator, segs, verdicts{}, nil)
	c.AfterSynthesis(context.Background(), doneJob(KindSynthesis, "ch1", 2, "s1", "s2"))

	if len(creator.calls) != 0 {
		t.Errorf("Create calls = %d, want 0 (no analysable segments)", len(creator.calls))
	}
}

func TestAfterAnalysis_BundledRegeneration(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
		"s2": synthSegment("s2", "ch1", "audio/s2.wav"),
		"s3": synthSegment("s3", "ch1", "audio/s3.wav"),
	}}
	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{mode: "bundled", maxAttempts: 5}, creator, segs,
		verdicts{"s1": quality.StatusDefect, "s2": quality.StatusPerfect, "s3": quality.StatusDefect},
		&eventRecorder{})

	c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 3, "s1", "s2", "s3"))

	if len(creator.calls) != 1 {
		t.Fatalf("Create calls = %d, want 1 bundled job", len(creator.calls))
	}
	call := creator.calls[0]
	if call.kind != KindSynthesis || call.trigger != TriggerAutoRegenerateBatch {
		t.Errorf("call = %+v", call)
	}
	if len(call.segmentIDs) != 2 {
		t.Errorf("segmentIDs = %v, want the two defects", call.segmentIDs)
	}
}

func TestAfterAnalysis_PerSegmentRegeneration(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
		"s2": synthSegment("s2", "ch1", "audio/s2.wav"),
	}}
	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{mode: "per-segment", maxAttempts: 5}, creator, segs,
		verdicts{"s1": quality.StatusDefect, "s2": quality.StatusDefect}, nil)

	c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 2, "s1", "s2"))

	if len(creator.calls) != 2 {
		t.Fatalf("Create calls = %d, want one per defect", len(creator.calls))
	}
	for _, call := range creator.calls {
		if call.trigger != TriggerAutoRegenerate || len(call.segmentIDs) != 1 {
			t.Errorf("call = %+v", call)
		}
	}
}

func TestAfterAnalysis_AttemptCapIsCheckedBeforeIncrement(t *testing.T) {
	atCap := synthSegment("s1", "ch1", "audio/s1.wav")
	atCap.RegenerateAttempts = 2
	segs := &chainSegs{segments: map[string]*Segment{"s1": atCap}}

	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{mode: "bundled", maxAttempts: 2}, creator, segs,
		verdicts{"s1": quality.StatusDefect}, nil)

	c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 1, "s1"))

	if len(creator.calls) != 0 {
		t.Errorf("Create calls = %d, want 0 (segment at cap)", len(creator.calls))
	}
	if segs.segments["s1"].RegenerateAttempts != 2 {
		t.Errorf("attempts = %d, want unchanged 2", segs.segments["s1"].RegenerateAttempts)
	}
}

func TestAfterAnalysis_IncrementsAttemptsBelowCap(t *testing.T) {
	seg := synthSegment("s1", "ch1", "audio/s1.wav")
	seg.RegenerateAttempts = 1
	segs := &chainSegs{segments: map[string]*Segment{"s1": seg}}

	creator := &creatorSpy{}
	c := NewChainer(fixedPolicy{mode: "bundled", maxAttempts: 2}, creator, segs,
		verdicts{"s1": quality.StatusDefect}, nil)

	c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 1, "s1"))

	if len(creator.calls) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(creator.calls))
	}
	if segs.segments["s1"].RegenerateAttempts != 2 {
		t.Errorf("attempts = %d, want 2", segs.segments["s1"].RegenerateAttempts)
	}
}

func TestAfterAnalysis_DisabledAndNonDefects(t *testing.T) {
	segs := &chainSegs{segments: map[string]*Segment{
		"s1": synthSegment("s1", "ch1", "audio/s1.wav"),
	}}

	t.Run("mode disabled", func(t *testing.T) {
		creator := &creatorSpy{}
		c := NewChainer(fixedPolicy{mode: "disabled", maxAttempts: 5}, creator, segs,
			verdicts{"s1": quality.StatusDefect}, nil)
		c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 1, "s1"))
		if len(creator.calls) != 0 {
			t.Errorf("Create calls = %d, want 0", len(creator.calls))
		}
	})

	t.Run("warning is not regenerated", func(t *testing.T) {
		creator := &creatorSpy{}
		c := NewChainer(fixedPolicy{mode: "bundled", maxAttempts: 5}, creator, segs,
			verdicts{"s1": quality.StatusWarning}, nil)
		c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 1, "s1"))
		if len(creator.calls) != 0 {
			t.Errorf("Create calls = %d, want 0", len(creator.calls))
		}
	})

	t.Run("frozen defect left alone", func(t *testing.T) {
		frozen := synthSegment("s2", "ch1", "audio/s2.wav")
		frozen.Frozen = true
		fsegs := &chainSegs{segments: map[string]*Segment{"s2": frozen}}
		creator := &creatorSpy{}
		c := NewChainer(fixedPolicy{mode: "bundled", maxAttempts: 5}, creator, fsegs,
			verdicts{"s2": quality.StatusDefect}, nil)
		c.AfterAnalysis(context.Background(), doneJob(KindAnalysis, "ch1", 1, "s2"))
		if len(creator.calls) != 0 {
			t.Errorf("Create calls = %d, want 0", len(creator.calls))
		}
	})
}
