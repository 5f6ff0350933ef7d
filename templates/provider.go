package templates

import (
	"context"

	"github.com/heraldhq/herald"
)

// ProviderStatus is the provider's view of one of our templates, as returned by its
// template listing endpoint.
type ProviderStatus struct {
	ID       string
	Name     string
	Language string
	Status   string
	Reason   string
}

// Submitter submits a template to the provider for review. The WhatsApp API adapter
// implements this, the interface keeps the registry from depending on it.
type Submitter interface {
	Channel() *herald.Channel
	RedactValues() []string

	// SubmitTemplate submits the given template for review, returning the id the
	// provider assigned it
	SubmitTemplate(ctx context.Context, tpl *WhatsAppTemplate, clog *herald.ChannelLog) (string, error)
}

// StatusFetcher reads the provider's current view of our submitted templates, used by
// the poller. The WhatsApp API adapter implements this too.
type StatusFetcher interface {
	Channel() *herald.Channel
	RedactValues() []string

	// FetchTemplateStatuses returns the review status of every template the provider
	// knows under our business account
	FetchTemplateStatuses(ctx context.Context, clog *herald.ChannelLog) ([]*ProviderStatus, error)
}
