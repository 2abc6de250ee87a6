package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	engine "github.com/voxweave/voxweave/internal/engine/enginecore"
)

// pullStallTimeout aborts a pull when no progress arrives for this long.
// Registry hangs otherwise leave the install stuck at a frozen percentage
// forever.
const pullStallTimeout = 60 * time.Second

// ErrPullCancelled is returned when a pull was cancelled by the user.
var ErrPullCancelled = errors.New("runner: image pull cancelled")

// PullProgressFunc receives install progress for one variant. Percent is
// monotonically non-decreasing, 0..100; status is a short phase label
// ("downloading", "extracting", "done").
type PullProgressFunc func(variantID string, percent int, status string)

// Puller downloads engine images with byte-accurate progress reporting.
// At most one pull per variant runs at a time; a second Pull for the same
// variant fails immediately.
type Puller struct {
	api      dockerAPI
	progress PullProgressFunc
	stall    time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewPuller creates a puller over the given Docker runner's daemon.
func NewPuller(d *Docker, progress PullProgressFunc) *Puller {
	if progress == nil {
		progress = func(string, int, string) {}
	}
	return &Puller{
		api:      d.api,
		progress: progress,
		stall:    pullStallTimeout,
		active:   make(map[string]context.CancelFunc),
	}
}

// Cancel aborts the in-flight pull for a variant, if any.
func (p *Puller) Cancel(variantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.active[variantID]
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether a pull is in flight for the variant.
func (p *Puller) Active(variantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[variantID]
	return ok
}

// Pull downloads the variant's image, reporting progress as a percentage of
// total compressed layer bytes. It blocks until the image is fully pulled,
// the context ends, the pull is cancelled, or progress stalls.
func (p *Puller) Pull(ctx context.Context, v *engine.Variant) error {
	ref := v.Launch.ImageRef()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.register(v.ID, cancel); err != nil {
		return err
	}
	defer p.unregister(v.ID)

	total := p.totalBytes(ctx, ref)

	rc, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("runner: pull %q: %w", ref, err)
	}
	defer rc.Close()

	if err := p.track(ctx, v.ID, rc, total); err != nil {
		if ctx.Err() != nil {
			slog.Info("image pull cancelled", "variant", v.ID, "image", ref)
			return ErrPullCancelled
		}
		return fmt.Errorf("runner: pull %q: %w", ref, err)
	}

	p.progress(v.ID, 100, "done")
	slog.Info("image pulled", "variant", v.ID, "image", ref)
	return nil
}

func (p *Puller) register(variantID string, cancel context.CancelFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[variantID]; busy {
		return fmt.Errorf("runner: pull already in flight for %q", variantID)
	}
	p.active[variantID] = cancel
	return nil
}

func (p *Puller) unregister(variantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, variantID)
}

// totalBytes asks the registry for the manifest's compressed layer total.
// Zero means unknown; progress then falls back to layer-count based
// estimation.
func (p *Puller) totalBytes(ctx context.Context, ref string) int64 {
	info, err := p.api.DistributionInspect(ctx, ref, "")
	if err != nil {
		slog.Debug("distribution inspect failed, using coarse pull progress", "image", ref, "error", err)
		return 0
	}
	var total int64
	total += info.Descriptor.Size
	return total
}

// track consumes the daemon's pull event stream and reports percent
// progress. The reported percentage never decreases even though individual
// layer counters reset between the download and extract phases.
func (p *Puller) track(ctx context.Context, variantID string, rc io.Reader, manifestTotal int64) error {
	var (
		layerCurrent = make(map[string]int64)
		layerTotal   = make(map[string]int64)
		best         int
		lastStatus   string
	)

	stall := time.NewTimer(p.stall)
	defer stall.Stop()

	lines := make(chan jsonmessage.JSONMessage)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		dec := json.NewDecoder(rc)
		for {
			var msg jsonmessage.JSONMessage
			if err := dec.Decode(&msg); err != nil {
				if !errors.Is(err, io.EOF) {
					errs <- err
				}
				return
			}
			select {
			case lines <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			return fmt.Errorf("no progress for %s, aborting", p.stall)
		case err := <-errs:
			return fmt.Errorf("decode pull stream: %w", err)
		case msg, ok := <-lines:
			if !ok {
				return nil
			}
			// Any frame from the daemon counts as progress. The percent can
			// plateau legitimately (extracting, unknown totals), so stalls
			// are judged on stream activity, not on the number moving.
			stall.Reset(p.stall)
			if msg.Error != nil {
				return fmt.Errorf("daemon: %s", msg.Error.Message)
			}
			if msg.ID != "" && msg.Progress != nil && msg.Status == "Downloading" {
				layerCurrent[msg.ID] = msg.Progress.Current
				if msg.Progress.Total > 0 {
					layerTotal[msg.ID] = msg.Progress.Total
				}
			}

			pct := percent(layerCurrent, layerTotal, manifestTotal)
			status := phase(msg.Status)
			if pct > best || status != lastStatus {
				if pct > best {
					best = pct
				}
				lastStatus = status
				p.progress(variantID, best, status)
			}
		}
	}
}

// percent computes downloaded bytes over the best-known total, capped at 99
// so only a completed pull reports 100.
func percent(current, perLayer map[string]int64, manifestTotal int64) int {
	var done, total int64
	for _, c := range current {
		done += c
	}
	if manifestTotal > 0 {
		total = manifestTotal
	} else {
		for _, t := range perLayer {
			total += t
		}
	}
	if total == 0 {
		return 0
	}
	pct := int(done * 100 / total)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func phase(status string) string {
	switch status {
	case "Downloading", "Pulling fs layer", "Waiting":
		return "downloading"
	case "Extracting", "Verifying Checksum", "Download complete":
		return "extracting"
	default:
		return "downloading"
	}
}
