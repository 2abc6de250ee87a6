// Package settings is the read-through cache over persisted application
// settings.
//
// Settings are addressed by dotted keys ("jobs.autoAnalyzeSegment",
// "engines.inactivityTimeoutMinutes"): the first part names the category —
// one JSON document per category in the store — and the rest navigates into
// the document. A key nobody ever wrote resolves to its compiled-in default,
// and the default is persisted on first read so the stored document always
// shows the complete effective configuration.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/voxweave/voxweave/internal/store"
)

// Regeneration policy values for jobs.autoRegenerateDefects.
const (
	RegenerateDisabled   = "disabled"
	RegenerateBundled    = "bundled"
	RegeneratePerSegment = "per-segment"
)

// Well-known setting keys.
const (
	KeyAutoAnalyzeSegment     = "jobs.autoAnalyzeSegment"
	KeyAutoAnalyzeChapter     = "jobs.autoAnalyzeChapter"
	KeyAutoRegenerateDefects  = "jobs.autoRegenerateDefects"
	KeyMaxRegenerateAttempts  = "jobs.maxRegenerateAttempts"
	KeyInactivityTimeoutMins  = "engines.inactivityTimeoutMinutes"
	KeyQualityWarningScore    = "quality.warningThreshold"
	KeyQualityDefectScore     = "quality.defectThreshold"
)

// defaults is the compiled-in value for every known key. Unknown keys have
// no default and resolve to ErrUnknownKey.
var defaults = map[string]any{
	KeyAutoAnalyzeSegment:    false,
	KeyAutoAnalyzeChapter:    false,
	KeyAutoRegenerateDefects: RegenerateDisabled,
	KeyMaxRegenerateAttempts: float64(5),
	KeyInactivityTimeoutMins: float64(5),
	KeyQualityWarningScore:   float64(90),
	KeyQualityDefectScore:    float64(70),
}

// ErrUnknownKey is returned for keys with neither a stored value nor a
// default.
var ErrUnknownKey = errors.New("settings: unknown key")

// ChangeFunc is notified after a successful write with the category and full
// dotted key that changed.
type ChangeFunc func(category, key string)

// Service resolves and mutates settings. Safe for concurrent use.
type Service struct {
	repo *store.Settings

	mu    sync.Mutex
	cache map[string]map[string]any

	subMu sync.Mutex
	subs  []ChangeFunc
}

// New creates the settings service over its repository.
func New(repo *store.Settings) *Service {
	return &Service{
		repo:  repo,
		cache: make(map[string]map[string]any),
	}
}

// OnChange registers a callback invoked after every successful Set.
func (s *Service) OnChange(fn ChangeFunc) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

// Get resolves a dotted key to its effective value. A missing value falls
// back to the compiled-in default, which is persisted so subsequent reads
// and the settings UI see it.
func (s *Service) Get(ctx context.Context, key string) (any, error) {
	category, path, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	doc, err := s.document(ctx, category)
	if err != nil {
		return nil, err
	}
	if v, ok := navigate(doc, path); ok {
		return v, nil
	}

	def, ok := defaults[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err := s.Set(ctx, key, def); err != nil {
		return nil, fmt.Errorf("settings: persist default for %q: %w", key, err)
	}
	return def, nil
}

// Bool resolves a boolean setting.
func (s *Service) Bool(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("settings: %q is %T, want bool", key, v)
	}
	return b, nil
}

// Int resolves a numeric setting. JSON numbers decode as float64; fractions
// are truncated.
func (s *Service) Int(ctx context.Context, key string) (int, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("settings: %q is %T, want number", key, v)
}

// String resolves a string setting.
func (s *Service) String(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("settings: %q is %T, want string", key, v)
	}
	return str, nil
}

// Set writes a dotted key, persists the updated category document, refreshes
// the cache, and notifies change subscribers.
func (s *Service) Set(ctx context.Context, key string, value any) error {
	category, path, err := splitKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.documentLocked(ctx, category)
	if err != nil {
		return err
	}
	assign(doc, path, value)

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("settings: marshal category %q: %w", category, err)
	}
	if err := s.repo.Set(ctx, category, raw); err != nil {
		return err
	}
	s.cache[category] = doc

	s.notify(category, key)
	return nil
}

// Category returns a copy of the full document for one category, with every
// defaulted key of that category filled in.
func (s *Service) Category(ctx context.Context, category string) (map[string]any, error) {
	for key := range defaults {
		if strings.HasPrefix(key, category+".") {
			if _, err := s.Get(ctx, key); err != nil {
				return nil, err
			}
		}
	}
	doc, err := s.document(ctx, category)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

func (s *Service) notify(category, key string) {
	s.subMu.Lock()
	subs := append([]ChangeFunc(nil), s.subs...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(category, key)
	}
}

func (s *Service) document(ctx context.Context, category string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentLocked(ctx, category)
}

func (s *Service) documentLocked(ctx context.Context, category string) (map[string]any, error) {
	if doc, ok := s.cache[category]; ok {
		return doc, nil
	}
	raw, err := s.repo.Get(ctx, category)
	if errors.Is(err, store.ErrNotFound) {
		doc := make(map[string]any)
		s.cache[category] = doc
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("settings: decode category %q: %w", category, err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	s.cache[category] = doc
	return doc, nil
}

func splitKey(key string) (category string, path []string, err error) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 || parts[0] == "" {
		return "", nil, fmt.Errorf("settings: malformed key %q", key)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "", nil, fmt.Errorf("settings: malformed key %q", key)
		}
	}
	return parts[0], parts[1:], nil
}

// navigate walks a dotted path through nested objects.
func navigate(doc map[string]any, path []string) (any, bool) {
	cur := any(doc)
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign writes value at the dotted path, creating intermediate objects. A
// non-object in the way is replaced.
func assign(doc map[string]any, path []string, value any) {
	cur := doc
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}
