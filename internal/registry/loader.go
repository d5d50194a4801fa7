// Package registry builds the supervised model list from configuration and
// from a directory of GGUF files.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelvisor/internal/artifact"
	"modelvisor/internal/common/fsutil"
	"modelvisor/internal/config"
	"modelvisor/internal/manager"
)

// LoadDir scans a directory for *.gguf files and returns one model per file.
// The ID is the filename without its extension (e.g. "llama-3.1-8b-q4_k_m")
// and the artifact is a file:// reference to the absolute path.
func LoadDir(dir string) ([]manager.ModelSpec, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []manager.ModelSpec
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		id := name[:len(name)-len(".gguf")]
		if id == "" {
			continue
		}
		models = append(models, manager.ModelSpec{
			ID:          id,
			ArtifactRef: artifact.SchemeFile + "://" + filepath.ToSlash(filepath.Join(abs, name)),
		})
	}
	return models, nil
}

// FromConfig converts configured entries to model specs.
func FromConfig(entries []config.ModelEntry) []manager.ModelSpec {
	out := make([]manager.ModelSpec, 0, len(entries))
	for _, e := range entries {
		var env []string
		for k, v := range e.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		out = append(out, manager.ModelSpec{
			ID:          strings.TrimSpace(e.ID),
			ArtifactRef: strings.TrimSpace(e.Artifact),
			Args:        append([]string(nil), e.Args...),
			Env:         env,
		})
	}
	return out
}

// Build returns the configured models plus any discovered in cfg.ModelsDir.
// A configured model shadows a discovered one with the same ID.
func Build(cfg config.Config) ([]manager.ModelSpec, error) {
	models := FromConfig(cfg.Models)
	if strings.TrimSpace(cfg.ModelsDir) == "" {
		return models, nil
	}
	found, err := LoadDir(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		seen[m.ID] = true
	}
	for _, m := range found {
		if !seen[m.ID] {
			models = append(models, m)
		}
	}
	return models, nil
}
