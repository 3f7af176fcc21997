package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAll recursively scans directories for *.yaml and *.yml catalog files and
// returns every module definition found, in file order.
func LoadAll(directories []string) ([]ModuleDefinition, error) {
	var defs []ModuleDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			mods, err := LoadFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, mods...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile parses a single catalog file.
func LoadFile(path string) ([]ModuleDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i := range f.Modules {
		f.Modules[i].SourceFile = path
	}
	return f.Modules, nil
}
