package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/client"
	"github.com/voxweave/voxweave/internal/quality"
)

// AnalysisSink persists segment verdicts. Satisfied by *store.Analysis.
type AnalysisSink interface {
	Upsert(ctx context.Context, r *quality.Result) error
}

// AnalysisProcessor scores one segment's produced audio: a transcription
// engine re-transcribes it and the transcript is compared against the
// expected text.
type AnalysisProcessor struct {
	engines    EngineProvider
	segments   SegmentFinisher
	audio      AudioStore
	sink       AnalysisSink
	events     Events
	retry      client.RetryPolicy
	thresholds func() quality.Thresholds
}

var _ Processor = (*AnalysisProcessor)(nil)

// NewAnalysisProcessor wires the analysis pipeline. thresholds is consulted
// per segment so settings edits apply without a restart; nil uses the
// defaults.
func NewAnalysisProcessor(engines EngineProvider, segments SegmentFinisher, audio AudioStore, sink AnalysisSink, events Events, thresholds func() quality.Thresholds) *AnalysisProcessor {
	if thresholds == nil {
		thresholds = quality.DefaultThresholds
	}
	return &AnalysisProcessor{
		engines:    engines,
		segments:   segments,
		audio:      audio,
		sink:       sink,
		events:     events,
		retry:      client.DefaultRetryPolicy(),
		thresholds: thresholds,
	}
}

// transcriptionResponse is the body a transcription engine returns from
// POST /generate.
type transcriptionResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// Process analyses one segment.
func (p *AnalysisProcessor) Process(ctx context.Context, j *Job, seg *Segment) error {
	if seg.Kind == SegmentDivider {
		return Skip("divider segments carry no speech")
	}
	if seg.AudioRef == "" {
		return Skip("no audio to analyse")
	}

	v, err := p.engines.Resolve(ctx, j.EngineID, engine.KindTranscription)
	if err != nil {
		return err
	}
	c, err := p.engines.EnsureReady(ctx, v, j.ModelName)
	if err != nil {
		return err
	}

	// Engines open the audio themselves; the request carries the path, not
	// the bytes.
	payload := map[string]any{
		"audioPath":    p.audio.Path(seg.AudioRef),
		"language":     seg.TTS.Language,
		"expectedText": seg.Text,
	}
	if j.ModelName != "" {
		payload["modelName"] = j.ModelName
	}
	body, err := p.retry.Do(ctx, p.engines.Restart, func(ctx context.Context) ([]byte, error) {
		p.engines.Touch()
		return c.Generate(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("job: transcribe segment %q on %q: %w", seg.ID, v.ID, err)
	}
	p.engines.Touch()

	var tr transcriptionResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("job: decode transcription for segment %q: %w", seg.ID, err)
	}

	t := p.thresholds()
	score := quality.TextSimilarity(seg.Text, tr.Transcript)
	subs := []quality.SubResult{{
		EngineKind: string(engine.KindTranscription),
		EngineName: v.Base,
		Score:      score,
		Status:     t.StatusFor(score),
		Details: map[string]any{
			"transcript": tr.Transcript,
			"confidence": tr.Confidence,
		},
	}}
	overall, status := quality.Combine(subs)

	result := &quality.Result{
		SegmentID:  seg.ID,
		Score:      overall,
		Status:     status,
		SubResults: subs,
		CreatedAt:  time.Now(),
	}
	if err := p.sink.Upsert(ctx, result); err != nil {
		return err
	}

	// Analysis inspects the audio; it never alters the segment itself, so
	// the status goes back to completed.
	if err := p.segments.SetStatus(ctx, seg.ID, SegmentCompleted); err != nil {
		return err
	}

	if p.events != nil {
		p.events.Broadcast("quality.segment.analyzed", map[string]any{
			"jobId":     j.ID,
			"segmentId": seg.ID,
			"score":     overall,
			"status":    string(status),
		}, bus.ChannelQuality)
	}
	return nil
}
