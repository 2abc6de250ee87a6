package job

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/client"
	"github.com/voxweave/voxweave/internal/quality"
)

// sinkSpy records upserted verdicts.
type sinkSpy struct {
	results []*quality.Result
}

func (s *sinkSpy) Upsert(_ context.Context, r *quality.Result) error {
	s.results = append(s.results, r)
	return nil
}

func sttVariant() *engine.Variant {
	return &engine.Variant{
		ID:   "whisper:local",
		Base: "whisper",
		Host: "local",
		Kind: engine.KindTranscription,
	}
}

func newAnalysisTest(t *testing.T, handler http.Handler) (*AnalysisProcessor, *memAudio, *sinkSpy, *eventRecorder, *finisherSpy) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	provider := &fakeProvider{variant: sttVariant(), client: c}
	audio := newMemAudio()
	sink := &sinkSpy{}
	rec := &eventRecorder{}
	finisher := newFinisherSpy()
	p := NewAnalysisProcessor(provider, finisher, audio, sink, rec, nil)
	return p, audio, sink, rec, finisher
}

func transcriptHandler(t *testing.T, transcript, wantPath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if wantPath != "" {
			if got, _ := payload["audioPath"].(string); got != wantPath {
				t.Errorf("audioPath = %q, want %q", got, wantPath)
			}
			if _, ok := payload["expectedText"].(string); !ok {
				t.Error("payload is missing expectedText")
			}
		}
		if _, ok := payload["audioData"]; ok {
			t.Error("payload carries inline audio; engines read the file by path")
		}
		json.NewEncoder(w).Encode(map[string]any{"transcript": transcript, "confidence": 0.97})
	})
}

func TestAnalysis_PerfectMatchScoresPerfect(t *testing.T) {
	p, audio, sink, rec, finisher := newAnalysisTest(t, transcriptHandler(t, "good evening everyone", "/audio/s1.wav"))
	audio.files["s1.wav"] = []byte("RIFFxxxxWAVE")

	seg := standardSegment("s1")
	seg.Text = "good evening everyone"
	seg.AudioRef = "s1.wav"
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(sink.results) != 1 {
		t.Fatalf("results = %d, want 1", len(sink.results))
	}
	r := sink.results[0]
	if r.SegmentID != "s1" || r.Score != 100 || r.Status != quality.StatusPerfect {
		t.Errorf("result = %+v", r)
	}
	if len(r.SubResults) != 1 || r.SubResults[0].EngineName != "whisper" {
		t.Errorf("subResults = %+v", r.SubResults)
	}
	if finisher.statuses["s1"] != SegmentCompleted {
		t.Errorf("segment status = %q, want completed", finisher.statuses["s1"])
	}
	if !rec.has("quality.segment.analyzed") {
		t.Error("missing quality.segment.analyzed event")
	}
}

func TestAnalysis_GarbledTranscriptScoresDefect(t *testing.T) {
	p, audio, sink, _, _ := newAnalysisTest(t, transcriptHandler(t, "zzz qqq xxx vvv", ""))
	audio.files["s1.wav"] = []byte("wav")

	seg := standardSegment("s1")
	seg.Text = "good evening everyone, welcome to the show"
	seg.AudioRef = "s1.wav"
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(sink.results) != 1 {
		t.Fatalf("results = %d, want 1", len(sink.results))
	}
	if sink.results[0].Status != quality.StatusDefect {
		t.Errorf("status = %q (score %.1f), want defect",
			sink.results[0].Status, sink.results[0].Score)
	}
}

func TestAnalysis_CustomThresholdsApply(t *testing.T) {
	// A transcript that is close but not identical.
	p, audio, sink, _, _ := newAnalysisTest(t, transcriptHandler(t, "good evening everyone", ""))
	// Swap in thresholds so strict a near-perfect match still warns.
	p.thresholds = func() quality.Thresholds {
		return quality.Thresholds{Warning: 101, Defect: 0}
	}
	audio.files["s1.wav"] = []byte("wav")

	seg := standardSegment("s1")
	seg.Text = "good evening everybody"
	seg.AudioRef = "s1.wav"
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if sink.results[0].Status != quality.StatusWarning {
		t.Errorf("status = %q, want warning under strict thresholds", sink.results[0].Status)
	}
}

func TestAnalysis_SkipsSegmentsWithoutAudio(t *testing.T) {
	p, _, sink, _, _ := newAnalysisTest(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("engine called for a segment without audio")
	}))

	seg := standardSegment("s1")
	err := p.Process(context.Background(), testJob("j1", "s1"), seg)
	if _, ok := err.(*skipError); !ok {
		t.Fatalf("err = %v, want skip", err)
	}
	if len(sink.results) != 0 {
		t.Error("verdict recorded for skipped segment")
	}
}

func TestAnalysis_SkipsDividers(t *testing.T) {
	p, audio, _, _, _ := newAnalysisTest(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("engine called for a divider")
	}))
	audio.files["s1.wav"] = []byte("wav")

	seg := standardSegment("s1")
	seg.Kind = SegmentDivider
	seg.AudioRef = "s1.wav"
	err := p.Process(context.Background(), testJob("j1", "s1"), seg)
	if _, ok := err.(*skipError); !ok {
		t.Fatalf("err = %v, want skip", err)
	}
}

func TestAnalysis_EngineRejectionFailsSegment(t *testing.T) {
	// The engine opens the audio by path; a reference with no backing file
	// comes back as a client error and must fail the segment.
	p, _, sink, _, _ := newAnalysisTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"audio file not found"}`, http.StatusBadRequest)
	}))

	seg := standardSegment("s1")
	seg.AudioRef = "gone.wav"
	err := p.Process(context.Background(), testJob("j1", "s1"), seg)
	if err == nil {
		t.Fatal("engine rejection did not fail")
	}
	if _, ok := err.(*skipError); ok {
		t.Error("engine rejection must fail, not skip; the reference claims audio exists")
	}
	if len(sink.results) != 0 {
		t.Error("verdict recorded for failed segment")
	}
}
