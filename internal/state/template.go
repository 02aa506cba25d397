// Package state holds the operator-managed task templates that jobs fire on
// a schedule.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/agentfs/internal/types"
)

// Template is a named task prompt spawned as a fresh agent each time its
// schedule fires.
type Template struct {
	Name     string         `json:"name"`
	Prompt   string         `json:"prompt"`
	Schedule string         `json:"schedule,omitempty"`
	Priority types.Priority `json:"priority"`
	Origin   types.Origin   `json:"origin,omitempty"`
	Enabled  bool           `json:"enabled"`
}

// Validate reports a template that can never be spawned.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Prompt == "" {
		return fmt.Errorf("template %s: prompt is required", t.Name)
	}
	return nil
}

// TemplateStore is a JSON-file-backed store for templates.
type TemplateStore struct {
	path string
	mu   sync.RWMutex
}

func NewTemplateStore(path string) *TemplateStore {
	return &TemplateStore{path: path}
}

// Path returns the file path used by this store.
func (s *TemplateStore) Path() string {
	return s.path
}

// List returns all templates. Returns an empty slice if the file doesn't exist.
func (s *TemplateStore) List() ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates, err := s.load()
	if err != nil {
		return nil, err
	}
	if templates == nil {
		return []*Template{}, nil
	}
	return templates, nil
}

// Get finds a template by name.
func (s *TemplateStore) Get(name string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, tpl := range templates {
		if tpl.Name == name {
			return tpl, nil
		}
	}
	return nil, fmt.Errorf("template %s: %w", name, types.ErrNotFound)
}

// Add appends a template. Names are unique.
func (s *TemplateStore) Add(tpl *Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	templates, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range templates {
		if existing.Name == tpl.Name {
			return fmt.Errorf("template already exists: %s", tpl.Name)
		}
	}
	return s.save(append(templates, tpl))
}

// Remove deletes a template by name.
func (s *TemplateStore) Remove(name string) error {
	return s.modify(name, func(templates []*Template, i int) []*Template {
		return append(templates[:i], templates[i+1:]...)
	})
}

// SetEnabled toggles the enabled flag for a template.
func (s *TemplateStore) SetEnabled(name string, enabled bool) error {
	return s.modify(name, func(templates []*Template, i int) []*Template {
		templates[i].Enabled = enabled
		return templates
	})
}

func (s *TemplateStore) modify(name string, fn func([]*Template, int) []*Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	templates, err := s.load()
	if err != nil {
		return err
	}
	for i, tpl := range templates {
		if tpl.Name == name {
			return s.save(fn(templates, i))
		}
	}
	return fmt.Errorf("template %s: %w", name, types.ErrNotFound)
}

// load returns nil if the file doesn't exist.
func (s *TemplateStore) load() ([]*Template, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var templates []*Template
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("unmarshal templates: %w", err)
	}
	return templates, nil
}

// save writes the list atomically (temp file + rename).
func (s *TemplateStore) save(templates []*Template) error {
	if templates == nil {
		templates = []*Template{}
	}
	data, err := json.MarshalIndent(templates, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal templates: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp templates file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp templates file: %w", err)
	}
	return nil
}
