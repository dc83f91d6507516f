// Package skills is the skill definition store: YAML definitions under
// .darwin/skills/, the module variant registry under .darwin/modules/, and
// the compiler that assembles runnable skill markdown from both.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"darwin/internal/logging"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a skill definition file does not exist.
var ErrNotFound = errors.New("skill not found")

// Definition is one skill's on-disk definition. The mutation controller
// only ever touches Modules, Version and FitnessHistory; everything else is
// authored by hand.
type Definition struct {
	Name           string            `yaml:"-"`
	Description    string            `yaml:"description,omitempty"`
	Version        string            `yaml:"version,omitempty"`
	Modules        map[string]string `yaml:"modules,omitempty"`
	CorePrompt     string            `yaml:"core_prompt,omitempty"`
	FitnessHistory []HistoryEntry    `yaml:"fitness_history,omitempty"`
	LastCompiled   string            `yaml:"last_compiled,omitempty"`
}

// HistoryEntry records one mutation applied to a skill definition.
type HistoryEntry struct {
	Timestamp string  `yaml:"timestamp"`
	Mutation  string  `yaml:"mutation"`
	Fitness   float64 `yaml:"fitness,omitempty"`
}

// Store reads and writes skill definitions in a single directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a Store rooted at <dataDir>/skills.
func NewStore(dataDir string) *Store {
	return &Store{
		dir: filepath.Join(dataDir, "skills"),
		now: time.Now,
	}
}

// Dir returns the skills directory.
func (s *Store) Dir() string {
	return s.dir
}

// List returns the names of all defined skills, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read skills dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads one skill definition. Returns ErrNotFound for a missing file.
func (s *Store) Load(name string) (*Definition, error) {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read skill %s: %w", name, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse skill %s: %w", name, err)
	}
	def.Name = name
	return &def, nil
}

// Save writes a skill definition.
func (s *Store) Save(def *Definition) error {
	if def.Name == "" {
		return errors.New("skill name required")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create skills dir: %w", err)
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal skill %s: %w", def.Name, err)
	}
	if err := os.WriteFile(s.path(def.Name), data, 0644); err != nil {
		return fmt.Errorf("failed to write skill %s: %w", def.Name, err)
	}
	return nil
}

// ModuleVersions returns the module slot to version mapping declared by a
// skill. An absent skill or a definition without a modules header yields an
// empty map, never an error: the tracker must not fail a host event over a
// missing collaborator file.
func (s *Store) ModuleVersions(name string) (map[string]string, error) {
	def, err := s.Load(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]string{}, nil
		}
		logging.Registry("module lookup degraded for %s: %v", name, err)
		return map[string]string{}, nil
	}
	if def.Modules == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(def.Modules))
	for slot, version := range def.Modules {
		out[slot] = version
	}
	return out, nil
}

// SetModuleVersion updates one module slot, bumps the patch version and
// appends a fitness history entry. It returns the previous version of the
// slot ("" if the slot was absent).
func (s *Store) SetModuleVersion(name, slot, version string, fitness float64) (string, error) {
	def, err := s.Load(name)
	if err != nil {
		return "", err
	}

	if def.Modules == nil {
		def.Modules = make(map[string]string)
	}
	prev := def.Modules[slot]
	def.Modules[slot] = version
	def.Version = bumpPatch(def.Version)

	from := prev
	if from == "" {
		from = "none"
	}
	def.FitnessHistory = append(def.FitnessHistory, HistoryEntry{
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Mutation:  fmt.Sprintf("%s: %s -> %s", slot, from, version),
		Fitness:   fitness,
	})

	if err := s.Save(def); err != nil {
		return "", err
	}

	logging.Registry("skill %s: %s %s -> %s (version %s)", name, slot, from, version, def.Version)
	return prev, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// bumpPatch increments the last component of an x.y.z version. Anything
// unparseable resets to 1.0.1 rather than failing a mutation over cosmetics.
func bumpPatch(version string) string {
	if version == "" {
		version = "1.0.0"
	}
	parts := strings.Split(version, ".")
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "1.0.1"
	}
	parts[len(parts)-1] = strconv.Itoa(n + 1)
	return strings.Join(parts, ".")
}
