package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// ScriptManifest declares the scripted handlers CoreFlow registers at startup.
type ScriptManifest struct {
	Handlers []ScriptSpec `yaml:"handlers"`
}

// ScriptSpec binds one JavaScript file to a channel and event types.
type ScriptSpec struct {
	ID             string         `yaml:"id" json:"id"`
	Module         string         `yaml:"module" json:"module"`
	Channel        string         `yaml:"channel" json:"channel"`
	EventTypes     []string       `yaml:"eventTypes" json:"eventTypes"`
	File           string         `yaml:"file" json:"file"`
	Timeout        time.Duration  `yaml:"timeout" json:"timeout"`
	MaxConcurrency int            `yaml:"maxConcurrency" json:"maxConcurrency"`
	Config         map[string]any `yaml:"config" json:"config"`
}

func (s *ScriptSpec) normalize() {
	s.ID = strings.TrimSpace(s.ID)
	s.Module = strings.TrimSpace(s.Module)
	s.Channel = string(schema.NormalizeChannel(s.Channel))
	s.File = strings.TrimSpace(s.File)
	if s.Config == nil {
		s.Config = make(map[string]any)
	}
	seen := make(map[string]struct{}, len(s.EventTypes))
	types := make([]string, 0, len(s.EventTypes))
	for _, raw := range s.EventTypes {
		t := strings.ToUpper(strings.TrimSpace(raw))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	sort.Strings(types)
	s.EventTypes = types
}

func (s ScriptSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id required")
	}
	if s.File == "" {
		return fmt.Errorf("file required")
	}
	if err := validateChannelName(s.Channel); err != nil {
		return err
	}
	for _, t := range s.EventTypes {
		if err := schema.EventType(t).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Path resolves the script file relative to dir.
func (s ScriptSpec) Path(dir string) string {
	if filepath.IsAbs(s.File) {
		return s.File
	}
	return filepath.Join(dir, s.File)
}

// LoadScriptManifest reads and validates the manifest at path.
func LoadScriptManifest(path string) (ScriptManifest, error) {
	raw, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return ScriptManifest{}, fmt.Errorf("read script manifest: %w", err)
	}
	var manifest ScriptManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return ScriptManifest{}, fmt.Errorf("unmarshal script manifest: %w", err)
	}
	if err := manifest.Normalize(); err != nil {
		return ScriptManifest{}, err
	}
	return manifest, nil
}

// Normalize canonicalises every spec and rejects invalid or duplicate entries.
func (m *ScriptManifest) Normalize() error {
	seen := make(map[string]struct{}, len(m.Handlers))
	for i := range m.Handlers {
		spec := &m.Handlers[i]
		spec.normalize()
		if err := spec.validate(); err != nil {
			return fmt.Errorf("handlers[%d]: %w", i, err)
		}
		if _, ok := seen[spec.ID]; ok {
			return fmt.Errorf("handlers[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	return nil
}
