package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nyaruka/gocommon/jsonx"

	"github.com/heraldhq/herald/utils"
)

// a learned template needs to beat this to be offered as a mapping layer
const templateMinScore = 0.4

// BindingTemplate is a column mapping remembered from a previous import, so files from
// the same source map the same way every time even when their headers would confuse the
// pattern layers.
type BindingTemplate struct {
	Name       string           `json:"name"`
	Headers    []string         `json:"headers"`
	Columns    map[Field]string `json:"columns"`
	UseCount   int              `json:"use_count"`
	Successes  int              `json:"successes"`
	CreatedOn  time.Time        `json:"created_on"`
	LastUsedOn time.Time        `json:"last_used_on,omitempty"`
}

// TemplateStore persists learned bindings as a JSON file, written atomically on every
// change the same way quota snapshots are.
type TemplateStore struct {
	path string

	mu        sync.Mutex
	templates map[string]*BindingTemplate
}

type templateFile struct {
	Timestamp time.Time                   `json:"timestamp"`
	Templates map[string]*BindingTemplate `json:"templates"`
}

// NewTemplateStore loads the store at path, starting empty if the file doesn't exist
// yet.
func NewTemplateStore(path string) (*TemplateStore, error) {
	s := &TemplateStore{path: path, templates: make(map[string]*BindingTemplate)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading binding templates: %w", err)
	}

	file := &templateFile{}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("error parsing binding templates in %s: %w", path, err)
	}
	if file.Templates != nil {
		s.templates = file.Templates
	}
	return s, nil
}

// Match returns the stored template that best fits the given headers, or nil if none
// scores well enough. The score combines how many of the template's headers reappear,
// how often mappings from it went on to succeed, and how proven the template is.
func (s *TemplateStore) Match(headers []string) (*BindingTemplate, float64) {
	normalized := make(map[string]bool, len(headers))
	for _, h := range headers {
		if n := normalizeHeader(h); n != "" {
			normalized[n] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *BindingTemplate
	bestScore := 0.0

	for _, tpl := range s.templates {
		if len(tpl.Headers) == 0 {
			continue
		}
		common := 0
		for _, h := range tpl.Headers {
			if normalized[h] {
				common++
			}
		}

		overlap := float64(common) / float64(len(tpl.Headers))
		successRate := float64(tpl.Successes+1) / float64(tpl.UseCount+2)
		usage := 0.6 + 0.1*float64(tpl.UseCount)
		if usage > 1 {
			usage = 1
		}

		score := overlap * successRate * usage
		if score > bestScore || (score == bestScore && best != nil && tpl.Name < best.Name) {
			best = tpl
			bestScore = score
		}
	}

	if best == nil || bestScore < templateMinScore {
		return nil, 0
	}
	return best, bestScore
}

// Learn records the columns a binding settled on under the given name, replacing any
// template already stored there but keeping its usage history.
func (s *TemplateStore) Learn(name string, headers []string, binding *FieldBinding) error {
	columns := make(map[Field]string, len(binding.Bindings))
	for field, b := range binding.Bindings {
		columns[field] = b.Column
	}

	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		if n := normalizeHeader(h); n != "" {
			normalized = append(normalized, n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tpl := s.templates[name]
	if tpl == nil {
		tpl = &BindingTemplate{Name: name, CreatedOn: time.Now()}
		s.templates[name] = tpl
	}
	tpl.Headers = normalized
	tpl.Columns = columns

	return s.saveLocked()
}

// RecordUse bumps a template's usage stats after an import that relied on it, marking
// whether the import completed successfully.
func (s *TemplateStore) RecordUse(name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl := s.templates[name]
	if tpl == nil {
		return fmt.Errorf("no binding template named '%s'", name)
	}

	tpl.UseCount++
	tpl.LastUsedOn = time.Now()
	if success {
		tpl.Successes++
	}
	return s.saveLocked()
}

// Templates returns the stored templates, for status reporting.
func (s *TemplateStore) Templates() []*BindingTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*BindingTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		all = append(all, tpl)
	}
	return all
}

func (s *TemplateStore) saveLocked() error {
	file := &templateFile{Timestamp: time.Now(), Templates: s.templates}
	return utils.WriteAtomic(s.path, jsonx.MustMarshal(file))
}
