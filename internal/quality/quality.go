// Package quality turns raw engine analysis output into per-segment verdicts.
//
// Two engine families feed it: transcription engines, whose output is
// compared against the segment's expected text, and signal-level analysis
// engines, which score the audio directly. Each engine contributes a
// SubResult; the segment's overall verdict is the worst sub-result.
package quality

import (
	"strings"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
)

// OverallStatus is a segment's quality verdict.
type OverallStatus string

const (
	// StatusPerfect means every engine scored at or above the warning
	// threshold.
	StatusPerfect OverallStatus = "perfect"

	// StatusWarning means at least one engine scored below the warning
	// threshold but none below the defect threshold.
	StatusWarning OverallStatus = "warning"

	// StatusDefect means at least one engine scored below the defect
	// threshold. Defect segments are eligible for auto-regeneration.
	StatusDefect OverallStatus = "defect"
)

// worse orders statuses by severity.
func worse(a, b OverallStatus) OverallStatus {
	rank := map[OverallStatus]int{StatusPerfect: 0, StatusWarning: 1, StatusDefect: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Thresholds map a 0–100 score onto a status. Scores at or above Warning
// are perfect; scores below Defect are defects; the band in between warns.
type Thresholds struct {
	Warning float64 `json:"warning"`
	Defect  float64 `json:"defect"`
}

// DefaultThresholds are used when the settings repository has no override.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 90, Defect: 70}
}

// StatusFor classifies score under t.
func (t Thresholds) StatusFor(score float64) OverallStatus {
	switch {
	case score < t.Defect:
		return StatusDefect
	case score < t.Warning:
		return StatusWarning
	default:
		return StatusPerfect
	}
}

// SubResult is one engine's contribution to a segment verdict.
type SubResult struct {
	EngineKind string         `json:"engineKind"`
	EngineName string         `json:"engineName"`
	Score      float64        `json:"score"`
	Status     OverallStatus  `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
}

// Result is the stored per-segment analysis record.
type Result struct {
	SegmentID  string        `json:"segmentId"`
	Score      float64       `json:"score"`
	Status     OverallStatus `json:"status"`
	SubResults []SubResult   `json:"subResults"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Combine folds sub-results into an overall verdict: the score is the
// minimum sub-score and the status is the worst sub-status. An empty slice
// yields a perfect score of 100 so that "no engine objected" reads as clean.
func Combine(subs []SubResult) (float64, OverallStatus) {
	score := 100.0
	status := StatusPerfect
	for _, s := range subs {
		if s.Score < score {
			score = s.Score
		}
		status = worse(status, s.Status)
	}
	return score, status
}

// TextSimilarity scores how closely a transcription matches the expected
// segment text, as a percentage. Both sides are normalised (lowercased,
// punctuation stripped, whitespace collapsed) before comparison so that
// cosmetic transcription differences do not read as synthesis defects.
//
// The score is a normalised Levenshtein similarity: identical texts score
// 100, completely disjoint texts approach 0. Words the transcriber replaced
// with a homophone are not penalised.
func TextSimilarity(expected, actual string) float64 {
	e := normalise(expected)
	a := normalise(actual)
	if e == "" && a == "" {
		return 100
	}
	if e == "" || a == "" {
		return 0
	}
	a = forgiveHomophones(e, a)
	dist := matchr.Levenshtein(e, a)
	longest := max(len([]rune(e)), len([]rune(a)))
	sim := 1 - float64(dist)/float64(longest)
	if sim < 0 {
		sim = 0
	}
	return sim * 100
}

// forgiveHomophones rewrites words of actual that sound identical to the
// expected word in the same position. A swapped homophone is the
// transcriber mishearing, not the synthesis misspeaking. Only equal-length
// word sequences are aligned; insertions and deletions stay penalised.
func forgiveHomophones(expected, actual string) string {
	ew := strings.Fields(expected)
	aw := strings.Fields(actual)
	if len(ew) != len(aw) {
		return actual
	}
	for i, w := range aw {
		if w != ew[i] && PhoneticMatch(ew[i], w) {
			aw[i] = ew[i]
		}
	}
	return strings.Join(aw, " ")
}

// PhoneticMatch reports whether two words sound alike under Double
// Metaphone. Used to forgive homophone substitutions ("there"/"their") in
// transcription comparison.
func PhoneticMatch(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	if ap == "" && bp == "" {
		return false
	}
	return ap == bp || (as != "" && as == bs) || ap == bs || as == bp
}

// normalise lowercases s, drops everything except letters, digits, and
// spaces, and collapses runs of whitespace.
func normalise(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
