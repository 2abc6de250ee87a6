package job

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/client"
)

// fakeProvider hands out a client against an httptest engine server.
type fakeProvider struct {
	variant    *engine.Variant
	client     *client.Client
	resolveErr error
	ensureErr  error

	resolved bool
	ensured  bool
	restarts int
	touches  int
}

func (p *fakeProvider) Resolve(_ context.Context, _ string, _ engine.Kind) (*engine.Variant, error) {
	p.resolved = true
	if p.resolveErr != nil {
		return nil, p.resolveErr
	}
	return p.variant, nil
}

func (p *fakeProvider) EnsureReady(_ context.Context, _ *engine.Variant, _ string) (*client.Client, error) {
	p.ensured = true
	if p.ensureErr != nil {
		return nil, p.ensureErr
	}
	return p.client, nil
}

func (p *fakeProvider) Restart(context.Context) error { p.restarts++; return nil }
func (p *fakeProvider) Touch()                        { p.touches++ }

// finisherSpy records segment completions.
type finisherSpy struct {
	completed map[string]string // segment ID -> audio ref
	statuses  map[string]SegmentStatus
}

func newFinisherSpy() *finisherSpy {
	return &finisherSpy{completed: map[string]string{}, statuses: map[string]SegmentStatus{}}
}

func (f *finisherSpy) CompleteWithAudio(_ context.Context, id, audioRef string) error {
	f.completed[id] = audioRef
	return nil
}

func (f *finisherSpy) SetStatus(_ context.Context, id string, status SegmentStatus) error {
	f.statuses[id] = status
	return nil
}

// memAudio is an in-memory AudioStore.
type memAudio struct {
	files map[string][]byte
}

func newMemAudio() *memAudio { return &memAudio{files: map[string][]byte{}} }

func (m *memAudio) Write(_ context.Context, segmentID string, wav []byte) (string, error) {
	ref := segmentID + ".wav"
	m.files[ref] = wav
	return ref, nil
}

func (m *memAudio) Path(ref string) string {
	return "/audio/" + ref
}

func synthVariant() *engine.Variant {
	return &engine.Variant{
		ID:              "xtts:local",
		Base:            "xtts",
		Host:            "local",
		Kind:            engine.KindSynthesis,
		DefaultLanguage: "en",
		Languages:       []string{"en", "de"},
		Constraints:     engine.Constraints{MaxInputLength: 500},
	}
}

func newSynthTest(t *testing.T, handler http.Handler, v *engine.Variant) (*SynthesisProcessor, *fakeProvider, *finisherSpy, *memAudio) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	provider := &fakeProvider{variant: v, client: c}
	finisher := newFinisherSpy()
	audio := newMemAudio()
	return NewSynthesisProcessor(provider, finisher, audio), provider, finisher, audio
}

func TestSynthesis_ProducesAndStoresAudio(t *testing.T) {
	wav := []byte("RIFFxxxxWAVE")
	var gotPayload map[string]any
	p, provider, finisher, audio := newSynthTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write(wav)
	}), synthVariant())

	seg := standardSegment("s1")
	seg.Text = "good evening"
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if ref := finisher.completed["s1"]; ref != "s1.wav" {
		t.Errorf("completed ref = %q, want s1.wav", ref)
	}
	if string(audio.files["s1.wav"]) != string(wav) {
		t.Error("stored audio does not match engine output")
	}
	if gotPayload["text"] != "good evening" || gotPayload["language"] != "en" {
		t.Errorf("payload = %v", gotPayload)
	}
	if provider.touches == 0 {
		t.Error("auto-stop deadline never touched")
	}
}

func TestSynthesis_ForwardsModelSpeakerAndParameters(t *testing.T) {
	v := synthVariant()
	v.Parameters = map[string]any{"temperature": 0.7}
	var gotPayload map[string]any
	p, _, _, _ := newSynthTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte("wav"))
	}), v)

	seg := standardSegment("s1")
	seg.TTS.ModelName = "tts-large"
	seg.TTS.SpeakerWav = "narrator.wav"
	seg.TTS.Language = "de"
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if gotPayload["engineModelName"] != "tts-large" {
		t.Errorf("engineModelName = %v", gotPayload["engineModelName"])
	}
	if gotPayload["speakerWav"] != "narrator.wav" {
		t.Errorf("speakerWav = %v", gotPayload["speakerWav"])
	}
	if gotPayload["language"] != "de" {
		t.Errorf("language = %v", gotPayload["language"])
	}
	if gotPayload["temperature"] != 0.7 {
		t.Errorf("temperature = %v", gotPayload["temperature"])
	}
}

func TestSynthesis_DividerCompletesWithoutEngineTraffic(t *testing.T) {
	p, provider, finisher, _ := newSynthTest(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("engine called for a divider")
	}), synthVariant())

	seg := standardSegment("s1")
	seg.Kind = SegmentDivider
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if provider.resolved {
		t.Error("variant resolved for a divider")
	}
	if _, ok := finisher.completed["s1"]; !ok {
		t.Error("divider not completed")
	}
}

func TestSynthesis_ValidationRunsBeforeEngineStart(t *testing.T) {
	v := synthVariant()
	v.Constraints.MaxInputLength = 5
	p, provider, _, _ := newSynthTest(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("wav"))
	}), v)

	seg := standardSegment("s1")
	seg.Text = "definitely longer than five characters"
	err := p.Process(context.Background(), testJob("j1", "s1"), seg)
	if err == nil {
		t.Fatal("over-long text accepted")
	}
	if provider.ensured {
		t.Error("engine was started for invalid input")
	}
}

func TestSynthesis_RejectsUnsupportedLanguage(t *testing.T) {
	p, _, _, _ := newSynthTest(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("wav"))
	}), synthVariant())

	seg := standardSegment("s1")
	seg.TTS.Language = "fr"
	if err := p.Process(context.Background(), testJob("j1", "s1"), seg); err == nil {
		t.Fatal("unsupported language accepted")
	}
}

func TestSynthesis_SegmentOverridesWinOverJob(t *testing.T) {
	var gotPayload map[string]any
	p, _, _, _ := newSynthTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte("wav"))
	}), synthVariant())

	j := testJob("j1", "s1")
	j.ModelName = "job-model"
	seg := standardSegment("s1")
	seg.TTS.ModelName = "segment-model"
	if err := p.Process(context.Background(), j, seg); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if gotPayload["engineModelName"] != "segment-model" {
		t.Errorf("engineModelName = %v, want the segment override", gotPayload["engineModelName"])
	}
}
