package templates

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/utils"
	"github.com/nyaruka/gocommon/jsonx"
	"golang.org/x/exp/maps"
)

// the lifecycle states provider events and poller statuses map to
var eventStatuses = map[string]TemplateStatus{
	"approved": StatusApproved,
	"rejected": StatusRejected,
	"disabled": StatusDisabled,
	"paused":   StatusPaused,
	"pending":  StatusPending,
}

type registryFile struct {
	Timestamp time.Time                    `json:"timestamp"`
	Templates map[string]*WhatsAppTemplate `json:"templates"`
}

// Registry is the local store of WhatsApp templates, persisted as a single JSON file
// which is rewritten atomically on every change.
type Registry struct {
	path string

	mu        sync.Mutex
	templates map[string]*WhatsAppTemplate
}

// NewRegistry loads the registry at the given path, starting empty if the file doesn't
// exist yet.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, templates: make(map[string]*WhatsAppTemplate)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("error reading template registry: %w", err)
	}

	file := &registryFile{}
	if err := jsonx.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("error parsing template registry %s: %w", path, err)
	}
	if file.Templates != nil {
		r.templates = file.Templates
	}
	return r, nil
}

// Create validates and adds a new template in the draft state
func (r *Registry) Create(tpl *WhatsAppTemplate) error {
	if err := tpl.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[tpl.Name]; exists {
		return fmt.Errorf("template '%s' already exists", tpl.Name)
	}

	tpl.Status = StatusDraft
	tpl.CreatedOn = time.Now()
	r.templates[tpl.Name] = tpl
	return r.saveLocked()
}

// Get returns a copy of the named template, nil if it doesn't exist
func (r *Registry) Get(name string) *WhatsAppTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl := r.templates[name]
	if tpl == nil {
		return nil
	}
	cpy := *tpl
	return &cpy
}

// List returns copies of all templates ordered by name
func (r *Registry) List() []*WhatsAppTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := maps.Keys(r.templates)
	sort.Strings(names) // so listing order is deterministic

	all := make([]*WhatsAppTemplate, 0, len(names))
	for _, name := range names {
		cpy := *r.templates[name]
		all = append(all, &cpy)
	}
	return all
}

// Sendable returns the named template if it's approved for sending, nil otherwise
func (r *Registry) Sendable(name string) *WhatsAppTemplate {
	tpl := r.Get(name)
	if tpl == nil || !tpl.Sendable() {
		return nil
	}
	return tpl
}

// Submit sends the named template to the provider for review. Only draft and rejected
// templates can be submitted, and they're revalidated first.
func (r *Registry) Submit(ctx context.Context, name string, sub Submitter, clog *herald.ChannelLog) error {
	r.mu.Lock()
	tpl := r.templates[name]
	if tpl == nil {
		r.mu.Unlock()
		return fmt.Errorf("no template named '%s'", name)
	}
	if tpl.Status != StatusDraft && tpl.Status != StatusRejected {
		r.mu.Unlock()
		return fmt.Errorf("template '%s' is %s, only draft and rejected templates can be submitted", name, tpl.Status)
	}
	if err := tpl.Validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	submitted := *tpl
	r.mu.Unlock()

	// provider call happens outside our lock
	providerID, err := sub.SubmitTemplate(ctx, &submitted, clog)
	if err != nil {
		return fmt.Errorf("error submitting template '%s': %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tpl.Status = StatusPending
	tpl.SubmittedOn = &now
	tpl.ProviderID = providerID
	tpl.RejectionReason = ""
	return r.saveLocked()
}

// Delete removes the named template. Templates the provider has seen can't be deleted
// so their review history isn't lost.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl := r.templates[name]
	if tpl == nil {
		return fmt.Errorf("no template named '%s'", name)
	}
	if !tpl.Deletable() {
		return fmt.Errorf("template '%s' is %s and can't be deleted", name, tpl.Status)
	}
	delete(r.templates, name)
	return r.saveLocked()
}

// ApplyProviderEvent applies a webhook reported status change, returning whether it
// named a template we track. The provider is authoritative for submitted templates so
// no transition checks are made.
func (r *Registry) ApplyProviderEvent(name, language, event, reason string) (bool, error) {
	status, known := eventStatuses[strings.ToLower(event)]
	if !known {
		return false, fmt.Errorf("unknown template event '%s'", event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tpl := r.templates[name]
	if tpl == nil || (language != "" && tpl.Language != language) {
		return false, nil
	}

	if !r.applyStatusLocked(tpl, status, reason) {
		return true, nil
	}
	return true, r.saveLocked()
}

// SyncFromProvider reconciles our templates against the provider's listing, returning
// how many changed.
func (r *Registry) SyncFromProvider(statuses []*ProviderStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, ps := range statuses {
		tpl := r.templates[ps.Name]
		if tpl == nil || (ps.Language != "" && tpl.Language != ps.Language) {
			continue
		}
		status, known := eventStatuses[strings.ToLower(ps.Status)]
		if !known {
			continue
		}
		if tpl.ProviderID == "" && ps.ID != "" {
			tpl.ProviderID = ps.ID
		}
		if r.applyStatusLocked(tpl, status, ps.Reason) {
			changed++
		}
	}

	if changed == 0 {
		return 0, nil
	}
	return changed, r.saveLocked()
}

// RecordUsage bumps the usage counters of the named template after a send
func (r *Registry) RecordUsage(name string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl := r.templates[name]
	if tpl == nil {
		return fmt.Errorf("no template named '%s'", name)
	}
	if success {
		tpl.Usage.Sent++
	} else {
		tpl.Usage.Failed++
	}
	now := time.Now()
	tpl.Usage.LastUsedOn = &now
	return r.saveLocked()
}

// Preview renders the named template with the given parameter values
func (r *Registry) Preview(name string, params map[string]string) (*Preview, error) {
	tpl := r.Get(name)
	if tpl == nil {
		return nil, fmt.Errorf("no template named '%s'", name)
	}
	return tpl.Preview(params), nil
}

func (r *Registry) applyStatusLocked(tpl *WhatsAppTemplate, status TemplateStatus, reason string) bool {
	if tpl.Status == status && tpl.RejectionReason == reason {
		return false
	}

	now := time.Now()
	tpl.Status = status
	switch status {
	case StatusApproved:
		if tpl.ApprovedOn == nil {
			tpl.ApprovedOn = &now
		}
		tpl.RejectionReason = ""
	case StatusRejected:
		if tpl.RejectedOn == nil {
			tpl.RejectedOn = &now
		}
		tpl.RejectionReason = reason
	}
	return true
}

func (r *Registry) saveLocked() error {
	file := &registryFile{Timestamp: time.Now(), Templates: r.templates}
	if err := utils.WriteAtomic(r.path, jsonx.MustMarshal(file)); err != nil {
		return fmt.Errorf("error writing template registry: %w", err)
	}
	return nil
}
