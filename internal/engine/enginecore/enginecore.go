// Package enginecore holds the plain value types describing engine
// variants (Variant, Kind, Constraints, Capabilities, Launch). It is a
// leaf package so that both internal/engine (which drives runners) and
// internal/runner (which launches variants) can share these types without
// an import cycle. internal/engine re-exports every name here via type
// aliases, so the rest of the tree keeps using the engine package.
package enginecore

import (
	"time"
)

// Kind classifies what an engine variant produces.
type Kind string

const (
	// KindSynthesis marks text-to-speech engines (text in, WAV out).
	KindSynthesis Kind = "synthesis"

	// KindTranscription marks speech-to-text engines used for quality
	// verification (audio in, transcript + score out).
	KindTranscription Kind = "transcription"

	// KindAnalysis marks signal-level audio analysis engines (audio in,
	// defect report out).
	KindAnalysis Kind = "analysis"

	// KindText marks text-processing engines (normalisation, phonetics).
	KindText Kind = "text"
)

// IsValid reports whether k is one of the known engine kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindSynthesis, KindTranscription, KindAnalysis, KindText:
		return true
	}
	return false
}

// Source records where a variant's definition came from.
type Source string

const (
	// SourceBundled variants ship with the application.
	SourceBundled Source = "bundled"

	// SourceCatalog variants come from the downloadable engine catalog.
	SourceCatalog Source = "catalog"

	// SourceUser variants were installed manually by the user.
	SourceUser Source = "user"
)

// Capabilities declares what a variant's server supports. These come from
// the variant's manifest on disk, never from the database.
type Capabilities struct {
	// ModelHotswap means a different model can be loaded via POST /load
	// without restarting the server process. Engines without it are
	// stopped and restarted on every model change.
	ModelHotswap bool `yaml:"model_hotswap" json:"modelHotswap"`

	// VoiceCloning means the engine accepts a speaker reference WAV.
	VoiceCloning bool `yaml:"voice_cloning" json:"voiceCloning"`

	// Streaming means the engine can stream audio chunks. Unused by the
	// batch workers but surfaced to the UI.
	Streaming bool `yaml:"streaming" json:"streaming"`
}

// LanguageConstraint overrides input limits for a single language.
type LanguageConstraint struct {
	MaxInputLength int `yaml:"max_input_length" json:"maxInputLength"`
}

// Constraints bounds what a variant accepts. Input length is measured in
// characters of segment text.
type Constraints struct {
	MinInputLength int `yaml:"min_input_length" json:"minInputLength"`
	MaxInputLength int `yaml:"max_input_length" json:"maxInputLength"`

	// Languages maps a language code to per-language overrides. A language
	// missing from the map falls back to MaxInputLength.
	Languages map[string]LanguageConstraint `yaml:"languages" json:"languages,omitempty"`

	SampleRate  int    `yaml:"sample_rate" json:"sampleRate"`
	AudioFormat string `yaml:"audio_format" json:"audioFormat"`
}

// MaxLengthFor returns the effective maximum input length for lang, falling
// back to the variant-wide limit. Zero means unlimited.
func (c Constraints) MaxLengthFor(lang string) int {
	if lc, ok := c.Languages[lang]; ok && lc.MaxInputLength > 0 {
		return lc.MaxInputLength
	}
	return c.MaxInputLength
}

// Launch describes how to start a variant's server.
type Launch struct {
	// Binary is the path of the entry executable for subprocess variants.
	Binary string `yaml:"binary" json:"binary,omitempty"`

	// Image and Tag name the container image for Docker variants.
	Image string `yaml:"image" json:"image,omitempty"`
	Tag   string `yaml:"tag" json:"tag,omitempty"`

	// Host selects the runner: "local" for a subprocess, "docker" for the
	// local daemon, "docker:<name>" for a remote Docker host over SSH.
	Host string `yaml:"host" json:"host"`
}

// ImageRef returns "image:tag", defaulting the tag to "latest".
func (l Launch) ImageRef() string {
	tag := l.Tag
	if tag == "" {
		tag = "latest"
	}
	return l.Image + ":" + tag
}

// Variant is one concrete engine deployment. Disk and catalog manifests are
// the source of truth for Capabilities, Constraints, and Launch; the
// database is the source of truth for the Enabled/Default/KeepWarm flags
// and Parameters.
type Variant struct {
	// ID is "<base>:<host>", unique across all kinds.
	ID   string `json:"id"`
	Base string `json:"base"`
	Host string `json:"host"`

	Kind   Kind   `json:"kind"`
	Source Source `json:"source"`

	Installed bool `json:"installed"`
	Enabled   bool `json:"enabled"`
	Default   bool `json:"default"`
	KeepWarm  bool `json:"keepWarm"`

	DefaultLanguage string   `json:"defaultLanguage,omitempty"`
	Languages       []string `json:"languages,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
	Constraints  Constraints  `json:"constraints"`
	Launch       Launch       `json:"launch"`

	// Parameters are user-tunable engine options persisted in the database
	// and forwarded verbatim on /generate calls.
	Parameters map[string]any `json:"parameters,omitempty"`

	// ConfigHash fingerprints the on-disk manifest so discovery can detect
	// metadata changes without diffing every field.
	ConfigHash string `json:"configHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SupportsLanguage reports whether lang is in the variant's language set.
// An empty set means the variant is language-agnostic.
func (v *Variant) SupportsLanguage(lang string) bool {
	if len(v.Languages) == 0 {
		return true
	}
	for _, l := range v.Languages {
		if l == lang {
			return true
		}
	}
	return false
}
