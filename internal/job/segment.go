package job

import "time"

// SegmentStatus is the global lifecycle of a segment, independent of any
// particular job. A segment can appear in many historical jobs; only the
// newest job's work-item list decides what still runs.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentQueued     SegmentStatus = "queued"
	SegmentProcessing SegmentStatus = "processing"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// SegmentKind distinguishes narrated text from structural dividers, which
// produce a configured pause instead of synthesised speech.
type SegmentKind string

const (
	SegmentStandard SegmentKind = "standard"
	SegmentDivider  SegmentKind = "divider"
)

// TTSParams are the per-segment synthesis knobs.
type TTSParams struct {
	EngineID   string  `json:"engineId,omitempty"`
	ModelName  string  `json:"modelName,omitempty"`
	Language   string  `json:"language,omitempty"`
	SpeakerWav string  `json:"speakerWav,omitempty"`
	PauseAfter float64 `json:"pauseAfter,omitempty"` // seconds
}

// Segment is one piece of a chapter.
type Segment struct {
	ID        string `json:"id"`
	ChapterID string `json:"chapterId"`
	Position  int    `json:"position"`

	Text string      `json:"text"`
	Kind SegmentKind `json:"kind"`

	Status SegmentStatus `json:"status"`

	// AudioRef points at the produced audio artifact, empty until the first
	// successful synthesis.
	AudioRef string `json:"audioRef,omitempty"`

	// Frozen segments are immune to regeneration and analysis. Workers skip
	// them with completion bookkeeping rather than failing the job.
	Frozen bool `json:"frozen"`

	// RegenerateAttempts counts corrective re-syntheses triggered by the
	// analysis auto-chain. Capped by the maxRegenerateAttempts setting.
	RegenerateAttempts int `json:"regenerateAttempts"`

	TTS TTSParams `json:"tts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
