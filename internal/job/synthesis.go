package job

import (
	"context"
	"fmt"

	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/client"
)

// EngineProvider is how processors get a ready engine. Satisfied by the
// dispatch service wrapping the engine managers.
type EngineProvider interface {
	// Resolve maps an engine ID (or "" for the kind's default) to its
	// variant definition.
	Resolve(ctx context.Context, engineID string, kind engine.Kind) (*engine.Variant, error)

	// EnsureReady makes the variant the running engine with the model
	// loaded and returns its client.
	EnsureReady(ctx context.Context, v *engine.Variant, model string) (*client.Client, error)

	// Restart relaunches the running engine. Plugged into the retry loop.
	Restart(ctx context.Context) error

	// Touch pushes the running engine's auto-stop deadline out.
	Touch()
}

// SegmentFinisher records a processor's per-segment outcome. Satisfied by
// *store.Segments.
type SegmentFinisher interface {
	CompleteWithAudio(ctx context.Context, id, audioRef string) error
	SetStatus(ctx context.Context, id string, status SegmentStatus) error
}

// AudioStore persists and retrieves produced audio artifacts by reference.
// Path resolves a reference to an absolute location that engines sharing the
// filesystem can open directly.
type AudioStore interface {
	Write(ctx context.Context, segmentID string, wav []byte) (ref string, err error)
	Path(ref string) string
}

// SynthesisProcessor turns one segment's text into audio through a synthesis
// engine.
type SynthesisProcessor struct {
	engines  EngineProvider
	segments SegmentFinisher
	audio    AudioStore
	retry    client.RetryPolicy
}

var _ Processor = (*SynthesisProcessor)(nil)

// NewSynthesisProcessor wires the synthesis pipeline.
func NewSynthesisProcessor(engines EngineProvider, segments SegmentFinisher, audio AudioStore) *SynthesisProcessor {
	return &SynthesisProcessor{
		engines:  engines,
		segments: segments,
		audio:    audio,
		retry:    client.DefaultRetryPolicy(),
	}
}

// Process synthesises one segment. Validation failures surface before any
// engine traffic so an over-long segment cannot trigger a pointless engine
// start.
func (p *SynthesisProcessor) Process(ctx context.Context, j *Job, seg *Segment) error {
	// Dividers become a configured pause at export time; there is nothing
	// to synthesise.
	if seg.Kind == SegmentDivider {
		if err := p.segments.CompleteWithAudio(ctx, seg.ID, seg.AudioRef); err != nil {
			return err
		}
		return nil
	}

	engineID := seg.TTS.EngineID
	if engineID == "" {
		engineID = j.EngineID
	}
	model := seg.TTS.ModelName
	if model == "" {
		model = j.ModelName
	}

	v, err := p.engines.Resolve(ctx, engineID, engine.KindSynthesis)
	if err != nil {
		return err
	}

	lang := seg.TTS.Language
	if lang == "" {
		lang = v.DefaultLanguage
	}
	if err := validateInput(v, lang, seg.Text); err != nil {
		return err
	}

	c, err := p.engines.EnsureReady(ctx, v, model)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"text":     seg.Text,
		"language": lang,
	}
	if model != "" {
		payload["engineModelName"] = model
	}
	if seg.TTS.SpeakerWav != "" {
		payload["speakerWav"] = seg.TTS.SpeakerWav
	}
	for k, val := range v.Parameters {
		payload[k] = val
	}

	wav, err := p.retry.Do(ctx, p.engines.Restart, func(ctx context.Context) ([]byte, error) {
		p.engines.Touch()
		return c.Generate(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("job: synthesise segment %q on %q: %w", seg.ID, v.ID, err)
	}
	p.engines.Touch()

	ref, err := p.audio.Write(ctx, seg.ID, wav)
	if err != nil {
		return fmt.Errorf("job: store audio for segment %q: %w", seg.ID, err)
	}
	if err := p.segments.CompleteWithAudio(ctx, seg.ID, ref); err != nil {
		return err
	}
	return nil
}

// validateInput enforces the variant's length constraints against the
// segment text, per-language overrides included.
func validateInput(v *engine.Variant, lang, text string) error {
	n := len([]rune(text))
	if min := v.Constraints.MinInputLength; min > 0 && n < min {
		return fmt.Errorf("job: segment text too short for %q: %d < %d", v.ID, n, min)
	}
	if max := v.Constraints.MaxLengthFor(lang); max > 0 && n > max {
		return fmt.Errorf("job: segment text too long for %q (%s): %d > %d", v.ID, lang, n, max)
	}
	if !v.SupportsLanguage(lang) {
		return fmt.Errorf("job: %q does not support language %q", v.ID, lang)
	}
	return nil
}
