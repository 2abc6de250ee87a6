// Package engine models inference engine variants and owns their runtime
// lifecycle.
//
// A variant is one concrete deployment of an engine — the same base engine
// installed locally and on a remote Docker host counts as two variants. The
// variant ID is "<base>:<host>", e.g. "xtts:local" or "xtts:docker:remote-a".
//
// The package splits into three layers:
//
//   - this file: plain value types shared by the store, the managers, and
//     the workers (Variant, Model, Kind, Constraints, Capabilities). The
//     variant value types live in the enginecore leaf subpackage — shared
//     with internal/runner without an import cycle — and are re-exported
//     here as type aliases;
//   - ports.go: the process-wide port registry shared by all managers;
//   - manager.go / autostop.go: the per-kind [Manager] that starts, stops,
//     health-checks, and model-loads engines on demand.
//
// Engines themselves are opaque HTTP servers; the core only speaks the
// contract implemented by the client subpackage.
package engine

import (
	"fmt"
	"strings"

	"github.com/voxweave/voxweave/internal/engine/enginecore"
)

// Kind classifies what an engine variant produces.
type Kind = enginecore.Kind

const (
	// KindSynthesis marks text-to-speech engines (text in, WAV out).
	KindSynthesis = enginecore.KindSynthesis

	// KindTranscription marks speech-to-text engines used for quality
	// verification (audio in, transcript + score out).
	KindTranscription = enginecore.KindTranscription

	// KindAnalysis marks signal-level audio analysis engines (audio in,
	// defect report out).
	KindAnalysis = enginecore.KindAnalysis

	// KindText marks text-processing engines (normalisation, phonetics).
	KindText = enginecore.KindText
)

// Source records where a variant's definition came from.
type Source = enginecore.Source

const (
	// SourceBundled variants ship with the application.
	SourceBundled = enginecore.SourceBundled

	// SourceCatalog variants come from the downloadable engine catalog.
	SourceCatalog = enginecore.SourceCatalog

	// SourceUser variants were installed manually by the user.
	SourceUser = enginecore.SourceUser
)

// Capabilities declares what a variant's server supports. These come from
// the variant's manifest on disk, never from the database.
type Capabilities = enginecore.Capabilities

// LanguageConstraint overrides input limits for a single language.
type LanguageConstraint = enginecore.LanguageConstraint

// Constraints bounds what a variant accepts. Input length is measured in
// characters of segment text.
type Constraints = enginecore.Constraints

// Launch describes how to start a variant's server.
type Launch = enginecore.Launch

// Variant is one concrete engine deployment. Disk and catalog manifests are
// the source of truth for Capabilities, Constraints, and Launch; the
// database is the source of truth for the Enabled/Default/KeepWarm flags
// and Parameters.
type Variant = enginecore.Variant

// VariantID joins a base engine name and a host identifier.
func VariantID(base, host string) string {
	return base + ":" + host
}

// SplitVariantID splits "<base>:<host>" back into its parts. The host may
// itself contain colons ("xtts:docker:remote-a" has host "docker:remote-a").
func SplitVariantID(id string) (base, host string, err error) {
	base, host, ok := strings.Cut(id, ":")
	if !ok || base == "" || host == "" {
		return "", "", fmt.Errorf("engine: malformed variant id %q", id)
	}
	return base, host, nil
}

// Model is a named weights/configuration bundle selectable within a variant.
type Model struct {
	VariantID   string   `json:"variantId"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	Default     bool     `json:"default"`
}

// RunState is the runtime lifecycle state of a variant as reported by its
// manager.
type RunState string

const (
	RunStateStopped  RunState = "stopped"
	RunStateStarting RunState = "starting"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
)

// StopReason explains why a running engine was shut down. It is carried on
// engine.stopped events.
type StopReason string

const (
	StopReasonManual     StopReason = "manual"
	StopReasonInactivity StopReason = "inactivity"
	StopReasonError      StopReason = "error"
)
