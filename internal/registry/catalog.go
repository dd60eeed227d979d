package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"engined/internal/common/fsutil"
)

// Model is a model file found in the data folder.
type Model struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Catalog maps model ids to weight files.
type Catalog struct {
	byID map[string]Model
}

// NewCatalog indexes models by id. Later duplicates win.
func NewCatalog(models []Model) *Catalog {
	c := &Catalog{byID: make(map[string]Model, len(models))}
	for _, m := range models {
		c.byID[m.ID] = m
	}
	return c
}

// Path returns the weight file of id.
func (c *Catalog) Path(id string) (string, bool) {
	if c == nil {
		return "", false
	}
	m, ok := c.byID[id]
	return m.Path, ok
}

// Models lists the catalog sorted by id.
func (c *Catalog) Models() []Model {
	if c == nil {
		return nil
	}
	out := make([]Model, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScanModels finds *.gguf weights under dir. A top-level file is known by its
// name without extension; a directory holding a gguf file is known by the
// directory name. A missing dir yields an empty list.
func ScanModels(dir string) ([]Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []Model
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			if isGGUF(name) {
				models = append(models, Model{ID: strings.TrimSuffix(name, filepath.Ext(name)), Path: filepath.Join(abs, name)})
			}
			continue
		}
		if p, ok := firstGGUF(filepath.Join(abs, name)); ok {
			models = append(models, Model{ID: name, Path: p})
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func firstGGUF(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && isGGUF(e.Name()) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

func isGGUF(name string) bool { return strings.HasSuffix(strings.ToLower(name), ".gguf") }

