// Package discovery turns on-disk engine manifests into variant definitions.
//
// Each installed engine lives in its own directory under the engines root
// with an engine.yaml manifest describing what it is and how to launch it.
// Discovery scans those manifests, fingerprints them, and merges the result
// with the database: the manifest is the source of truth for capabilities,
// constraints, and launch configuration, while the database owns the user
// flags (enabled, default, keep-warm) and tuned parameters.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxweave/voxweave/internal/engine"
)

// ManifestName is the file every engine directory must contain.
const ManifestName = "engine.yaml"

// Manifest is the on-disk description of one base engine. Hosts lists where
// the engine can run; one variant is produced per host.
type Manifest struct {
	Name   string        `yaml:"name"`
	Kind   engine.Kind   `yaml:"kind"`
	Source engine.Source `yaml:"source"`

	DefaultLanguage string   `yaml:"default_language"`
	Languages       []string `yaml:"languages"`

	Capabilities engine.Capabilities `yaml:"capabilities"`
	Constraints  engine.Constraints  `yaml:"constraints"`
	Launch       engine.Launch       `yaml:"launch"`

	// Hosts overrides where variants are created. Empty defaults to
	// "local" for binary engines and "docker" for image engines.
	Hosts []string `yaml:"hosts"`
}

func (m *Manifest) validate(path string) error {
	if m.Name == "" {
		return fmt.Errorf("discovery: %s: missing name", path)
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("discovery: %s: invalid kind %q", path, m.Kind)
	}
	if m.Launch.Binary == "" && m.Launch.Image == "" {
		return fmt.Errorf("discovery: %s: neither binary nor image set", path)
	}
	return nil
}

func (m *Manifest) hosts() []string {
	if len(m.Hosts) > 0 {
		return m.Hosts
	}
	if m.Launch.Image != "" {
		return []string{"docker"}
	}
	return []string{"local"}
}

// Scanner reads engine manifests from a directory tree.
type Scanner struct {
	root string

	// extraHosts are remote Docker hosts from the config; manifests that
	// run on "docker" also get a variant per remote host.
	extraHosts []string
}

// NewScanner creates a scanner over the engines root directory. extraHosts
// names the configured remote Docker hosts.
func NewScanner(root string, extraHosts []string) *Scanner {
	return &Scanner{root: root, extraHosts: extraHosts}
}

// Scan walks the engines root and returns one variant per manifest host. A
// directory with a broken manifest is logged and skipped, never fatal: one
// bad engine must not hide the rest.
func (s *Scanner) Scan() ([]*engine.Variant, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("discovery: read engines root %q: %w", s.root, err)
	}

	var variants []*engine.Variant
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.root, e.Name(), ManifestName)
		vs, err := s.load(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skipping engine with broken manifest", "path", path, "error", err)
			}
			continue
		}
		variants = append(variants, vs...)
	}
	return variants, nil
}

// load parses one manifest into its variants.
func (s *Scanner) load(path string) ([]*engine.Variant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := m.validate(path); err != nil {
		return nil, err
	}

	hash := ConfigHash(raw)
	now := time.Now()

	var variants []*engine.Variant
	for _, host := range s.expandHosts(m.hosts()) {
		launch := m.Launch
		launch.Host = host
		variants = append(variants, &engine.Variant{
			ID:              engine.VariantID(m.Name, host),
			Base:            m.Name,
			Host:            host,
			Kind:            m.Kind,
			Source:          sourceOrDefault(m.Source),
			Installed:       true,
			DefaultLanguage: m.DefaultLanguage,
			Languages:       m.Languages,
			Capabilities:    m.Capabilities,
			Constraints:     m.Constraints,
			Launch:          launch,
			ConfigHash:      hash,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return variants, nil
}

// expandHosts adds one variant per configured remote Docker host for every
// manifest that runs on the local daemon.
func (s *Scanner) expandHosts(hosts []string) []string {
	out := append([]string(nil), hosts...)
	for _, h := range hosts {
		if h != "docker" {
			continue
		}
		for _, remote := range s.extraHosts {
			out = append(out, "docker:"+remote)
		}
	}
	return out
}

func sourceOrDefault(s engine.Source) engine.Source {
	if s == "" {
		return engine.SourceUser
	}
	return s
}

// ConfigHash fingerprints raw manifest bytes. Stored with the variant so a
// rescan can tell changed manifests from untouched ones.
func ConfigHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// ModelCache memoises discovered model lists per variant, keyed by the
// variant's config hash so a manifest change invalidates the entry. Saves a
// full engine start when the UI re-opens the model picker.
type ModelCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]modelEntry
}

type modelEntry struct {
	hash    string
	models  []engine.Model
	fetched time.Time
}

// NewModelCache creates a cache whose entries expire after ttl.
func NewModelCache(ttl time.Duration) *ModelCache {
	return &ModelCache{ttl: ttl, entries: make(map[string]modelEntry)}
}

// Get returns the cached model list for the variant, or false when the entry
// is missing, expired, or from a different manifest revision.
func (c *ModelCache) Get(variantID, configHash string) ([]engine.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[variantID]
	if !ok || e.hash != configHash || time.Since(e.fetched) > c.ttl {
		return nil, false
	}
	return e.models, true
}

// Put stores a freshly discovered model list.
func (c *ModelCache) Put(variantID, configHash string, models []engine.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[variantID] = modelEntry{hash: configHash, models: models, fetched: time.Now()}
}

// Invalidate drops the variant's entry.
func (c *ModelCache) Invalidate(variantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, variantID)
}
