// Package platform drives AI coding platforms through their configured
// workflows and picks the best platform for a set of requirements.
package platform

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/promptrelay/internal/models"
)

//go:embed definitions/*.toml
var builtinDefinitions embed.FS

const builtinPath = "definitions/platforms.toml"

// definitionFile is the on-disk layout; one file may declare several platforms
type definitionFile struct {
	Platforms []models.PlatformConfig `toml:"platforms" yaml:"platforms"`
}

// LoadDefinitions reads platform definitions from dir (*.toml, *.yaml, *.yml,
// files in name order, platforms in declaration order). The built-in set is
// used when dir is empty, missing or holds no definitions. When enabled is
// non-empty only the named platforms are kept, in their declared order.
func LoadDefinitions(dir string, enabled []string, logger arbor.ILogger) ([]models.PlatformConfig, error) {
	var platforms []models.PlatformConfig

	if dir != "" {
		loaded, err := loadDir(dir)
		if err != nil {
			return nil, err
		}
		platforms = loaded
	}

	if len(platforms) == 0 {
		data, err := builtinDefinitions.ReadFile(builtinPath)
		if err != nil {
			return nil, fmt.Errorf("read built-in platform definitions: %w", err)
		}
		builtin, err := parseDefinitions(builtinPath, data)
		if err != nil {
			return nil, err
		}
		platforms = builtin
		if logger != nil {
			logger.Debug().Str("dir", dir).Int("count", len(platforms)).Msg("Using built-in platform definitions")
		}
	}

	if err := validateDefinitions(platforms); err != nil {
		return nil, err
	}

	if len(enabled) > 0 {
		platforms = filterEnabled(platforms, enabled)
		if len(platforms) == 0 {
			return nil, fmt.Errorf("none of the enabled platforms %v are defined", enabled)
		}
	}

	return platforms, nil
}

func loadDir(dir string) ([]models.PlatformConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read platform definitions dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".toml", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var platforms []models.PlatformConfig
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		parsed, err := parseDefinitions(path, data)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, parsed...)
	}
	return platforms, nil
}

func parseDefinitions(path string, data []byte) ([]models.PlatformConfig, error) {
	var file definitionFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return file.Platforms, nil
}

func validateDefinitions(platforms []models.PlatformConfig) error {
	validate := validator.New()
	seen := make(map[string]bool, len(platforms))
	for i := range platforms {
		p := &platforms[i]
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("platform %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("platform %q defined more than once", p.Name)
		}
		seen[p.Name] = true
		if _, ok := p.Workflows[models.WorkflowSubmitPrompt]; !ok {
			return fmt.Errorf("platform %q has no %s workflow", p.Name, models.WorkflowSubmitPrompt)
		}
		if p.Capabilities.Forking {
			if _, ok := p.Workflows[models.WorkflowForkProject]; !ok {
				return fmt.Errorf("platform %q supports forking but has no %s workflow", p.Name, models.WorkflowForkProject)
			}
		}
	}
	return nil
}

func filterEnabled(platforms []models.PlatformConfig, enabled []string) []models.PlatformConfig {
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[strings.TrimSpace(name)] = true
	}
	out := platforms[:0:0]
	for _, p := range platforms {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out
}
