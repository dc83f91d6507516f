package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"darwin/internal/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Variant is one version of a module slot in the registry.
type Variant struct {
	Prompt      string `yaml:"prompt"`
	Description string `yaml:"description,omitempty"`
}

// Registry is the module variant registry: slot -> version -> variant.
type Registry struct {
	Modules map[string]map[string]Variant `yaml:"modules"`
}

// LoadRegistry reads the registry YAML. A missing file is a valid empty
// registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Registry{Modules: map[string]map[string]Variant{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if reg.Modules == nil {
		reg.Modules = map[string]map[string]Variant{}
	}
	return &reg, nil
}

// Variants returns all known versions for a slot in stable version order
// (v2 before v10).
func (r *Registry) Variants(slot string) []string {
	versions := make([]string, 0, len(r.Modules[slot]))
	for v := range r.Modules[slot] {
		versions = append(versions, v)
	}
	sortVersions(versions)
	return versions
}

// Prompt returns the prompt text for a slot version, "" if unknown.
func (r *Registry) Prompt(slot, version string) string {
	return r.Modules[slot][version].Prompt
}

// Slots returns all module slot names, sorted.
func (r *Registry) Slots() []string {
	slots := make([]string, 0, len(r.Modules))
	for s := range r.Modules {
		slots = append(slots, s)
	}
	sort.Strings(slots)
	return slots
}

// sortVersions orders vN tags numerically, falling back to lexical order
// for anything that is not a vN tag.
func sortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		ni, iok := versionNum(versions[i])
		nj, jok := versionNum(versions[j])
		if iok && jok {
			if ni != nj {
				return ni < nj
			}
		}
		return versions[i] < versions[j]
	})
}

func versionNum(v string) (int, bool) {
	if !strings.HasPrefix(v, "v") {
		return 0, false
	}
	n, err := strconv.Atoi(v[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// RegistryCache caches the parsed registry and invalidates it when the file
// changes on disk, so a long-lived process picks up externally registered
// variants without restarting.
type RegistryCache struct {
	mu      sync.Mutex
	path    string
	cached  *Registry
	stale   bool
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewRegistryCache returns a cache for <dataDir>/modules/registry.yaml.
func NewRegistryCache(dataDir string) *RegistryCache {
	return &RegistryCache{
		path:  filepath.Join(dataDir, "modules", "registry.yaml"),
		stale: true,
	}
}

// Path returns the registry file path.
func (c *RegistryCache) Path() string {
	return c.path
}

// Get returns the current registry, reloading from disk if the cache is
// stale. Short-lived commands never need Watch; the first Get loads.
func (c *RegistryCache) Get() (*Registry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && !c.stale {
		return c.cached, nil
	}

	reg, err := LoadRegistry(c.path)
	if err != nil {
		return nil, err
	}
	c.cached = reg
	c.stale = false
	logging.RegistryDebug("registry loaded: %d slots", len(reg.Modules))
	return reg, nil
}

// Invalidate forces the next Get to reload.
func (c *RegistryCache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Watch starts invalidating the cache on filesystem changes to the registry
// file. Non-blocking; Stop to shut down.
func (c *RegistryCache) Watch(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		c.mu.Unlock()
		return fmt.Errorf("failed to create modules dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		c.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	c.watcher = watcher
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

func (c *RegistryCache) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(c.path) {
				continue
			}
			logging.RegistryDebug("registry changed on disk (%s), invalidating cache", event.Op)
			c.Invalidate()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logging.Registry("registry watcher error: %v", err)
		}
	}
}

// Stop shuts the watcher down and waits for the goroutine to exit.
func (c *RegistryCache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()
	<-done
}
