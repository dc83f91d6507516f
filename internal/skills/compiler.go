package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"darwin/internal/logging"

	"gopkg.in/yaml.v3"
)

// slotOrder is the canonical assembly order for well-known module slots.
// Slots outside this list are appended afterwards in sorted order.
var slotOrder = []string{"input", "research", "structure", "output", "workflow", "validation"}

// CompiledMeta is the YAML frontmatter header of a compiled skill file.
type CompiledMeta struct {
	Description   string            `yaml:"description,omitempty"`
	DarwinVersion string            `yaml:"darwin_version"`
	DarwinModules map[string]string `yaml:"darwin_modules,omitempty"`
}

// Compiler assembles runnable skill markdown from a definition and the
// module registry.
type Compiler struct {
	store    *Store
	registry *RegistryCache
	outDir   string
	now      func() time.Time
}

// NewCompiler returns a Compiler writing to <dataDir>/compiled.
func NewCompiler(store *Store, registry *RegistryCache, dataDir string) *Compiler {
	return &Compiler{
		store:    store,
		registry: registry,
		outDir:   filepath.Join(dataDir, "compiled"),
		now:      time.Now,
	}
}

// Compile assembles one skill and records last_compiled in its definition.
// Returns the output path.
func (c *Compiler) Compile(name string) (string, error) {
	def, err := c.store.Load(name)
	if err != nil {
		return "", err
	}
	reg, err := c.registry.Get()
	if err != nil {
		return "", err
	}

	meta := CompiledMeta{
		Description:   def.Description,
		DarwinVersion: def.Version,
		DarwinModules: def.Modules,
	}
	header, err := yaml.Marshal(&meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frontmatter for %s: %w", name, err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(def.CorePrompt))
	b.WriteString("\n")

	for _, slot := range compiledSlots(def.Modules) {
		prompt := reg.Prompt(slot, def.Modules[slot])
		if prompt == "" {
			logging.Compile("skill %s: no registry prompt for %s %s, slot skipped", name, slot, def.Modules[slot])
			continue
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(prompt))
		b.WriteString("\n")
	}

	if err := os.MkdirAll(c.outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create compiled dir: %w", err)
	}
	outPath := filepath.Join(c.outDir, name+".md")
	if err := os.WriteFile(outPath, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", outPath, err)
	}

	def.LastCompiled = c.now().UTC().Format(time.RFC3339)
	if err := c.store.Save(def); err != nil {
		return "", err
	}

	logging.Compile("compiled %s -> %s (modules %v)", name, outPath, def.Modules)
	return outPath, nil
}

// CompileAll compiles every defined skill, continuing past per-skill
// failures and returning the first error at the end.
func (c *Compiler) CompileAll() error {
	names, err := c.store.List()
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range names {
		if _, err := c.Compile(name); err != nil {
			logging.Compile("compile failed for %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ParseCompiled splits a compiled skill file into its frontmatter header
// and body.
func ParseCompiled(path string) (CompiledMeta, string, error) {
	var meta CompiledMeta

	data, err := os.ReadFile(path)
	if err != nil {
		return meta, "", fmt.Errorf("failed to read compiled skill: %w", err)
	}

	fm, body, ok := splitFrontmatter(string(data))
	if !ok {
		return meta, "", fmt.Errorf("compiled skill %s has no frontmatter", path)
	}
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return meta, "", fmt.Errorf("invalid frontmatter in %s: %w", path, err)
	}
	return meta, body, nil
}

// splitFrontmatter splits "---\n<yaml>\n---\n<body>". Returns ok=false when
// the document does not start with a frontmatter fence.
func splitFrontmatter(content string) (fm, body string, ok bool) {
	if !strings.HasPrefix(content, "---\n") {
		return "", "", false
	}
	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", false
	}
	fm = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, body, true
}

func compiledSlots(modules map[string]string) []string {
	seen := make(map[string]bool, len(modules))
	var out []string
	for _, slot := range slotOrder {
		if _, ok := modules[slot]; ok {
			out = append(out, slot)
			seen[slot] = true
		}
	}
	var extra []string
	for slot := range modules {
		if !seen[slot] {
			extra = append(extra, slot)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
