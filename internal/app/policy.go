package app

import (
	"context"
	"log/slog"

	"github.com/voxweave/voxweave/internal/quality"
	"github.com/voxweave/voxweave/internal/settings"
)

// chainPolicy adapts the settings service to the auto-chain policy
// questions. Every answer is resolved live so settings edits take effect on
// the next decision, and a settings read failure degrades to the safe
// answer (chain off) rather than blocking job completion.
type chainPolicy struct {
	svc *settings.Service
}

func (p *chainPolicy) AutoAnalyzeSegment(ctx context.Context) bool {
	return p.boolOr(ctx, settings.KeyAutoAnalyzeSegment, false)
}

func (p *chainPolicy) AutoAnalyzeChapter(ctx context.Context) bool {
	return p.boolOr(ctx, settings.KeyAutoAnalyzeChapter, false)
}

func (p *chainPolicy) RegenerateMode(ctx context.Context) string {
	v, err := p.svc.String(ctx, settings.KeyAutoRegenerateDefects)
	if err != nil {
		slog.Warn("settings read failed, auto-regenerate off", "error", err)
		return settings.RegenerateDisabled
	}
	return v
}

func (p *chainPolicy) MaxRegenerateAttempts(ctx context.Context) int {
	v, err := p.svc.Int(ctx, settings.KeyMaxRegenerateAttempts)
	if err != nil || v <= 0 {
		return 5
	}
	return v
}

func (p *chainPolicy) boolOr(ctx context.Context, key string, def bool) bool {
	v, err := p.svc.Bool(ctx, key)
	if err != nil {
		slog.Warn("settings read failed, using default", "key", key, "default", def, "error", err)
		return def
	}
	return v
}

// thresholdsFunc resolves the quality thresholds from settings per call.
func thresholdsFunc(svc *settings.Service) func() quality.Thresholds {
	return func() quality.Thresholds {
		t := quality.DefaultThresholds()
		ctx := context.Background()
		if w, err := svc.Int(ctx, settings.KeyQualityWarningScore); err == nil && w > 0 {
			t.Warning = float64(w)
		}
		if d, err := svc.Int(ctx, settings.KeyQualityDefectScore); err == nil && d > 0 {
			t.Defect = float64(d)
		}
		return t
	}
}
