package templates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TemplateStatus is where a template is in the provider's review lifecycle
type TemplateStatus string

const (
	StatusDraft    TemplateStatus = "draft"
	StatusPending  TemplateStatus = "pending"
	StatusApproved TemplateStatus = "approved"
	StatusRejected TemplateStatus = "rejected"
	StatusDisabled TemplateStatus = "disabled"
	StatusPaused   TemplateStatus = "paused"
)

// the component types the provider accepts
const (
	ComponentTypeHeader  = "header"
	ComponentTypeBody    = "body"
	ComponentTypeFooter  = "footer"
	ComponentTypeButtons = "buttons"
)

// see https://developers.facebook.com/docs/whatsapp/business-management-api/message-templates
var templateCategories = map[string]bool{"MARKETING": true, "UTILITY": true, "AUTHENTICATION": true}
var headerFormats = map[string]bool{"text": true, "image": true, "video": true, "document": true}
var paramTypes = map[string]bool{"text": true, "currency": true, "date_time": true}
var buttonTypes = map[string]bool{"quick_reply": true, "url": true, "phone_number": true}

var nameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)
var placeholderRegex = regexp.MustCompile(`\{\{(\d+)\}\}`)

// Param is a declared parameter of a template component, filled in at send time
type Param struct {
	Type    string `json:"type"`
	Example string `json:"example,omitempty"`
}

// Button is a single button in a buttons component
type Button struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	URL         string `json:"url,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Component is one typed part of a template. Header, body and footer carry text with
// numbered {{i}} placeholders, buttons carry the button definitions.
type Component struct {
	Type    string    `json:"type"`
	Format  string    `json:"format,omitempty"`
	Text    string    `json:"text,omitempty"`
	Params  []*Param  `json:"params,omitempty"`
	Buttons []*Button `json:"buttons,omitempty"`
}

// UsageStats counts sends made with a template
type UsageStats struct {
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	LastUsedOn *time.Time `json:"last_used_on,omitempty"`
}

// WhatsAppTemplate is a message template tracked through the provider's review
// lifecycle. Only approved templates can be sent.
type WhatsAppTemplate struct {
	Name       string       `json:"name"`
	Language   string       `json:"language"`
	Category   string       `json:"category"`
	Components []*Component `json:"components"`

	Status          TemplateStatus `json:"status"`
	ProviderID      string         `json:"provider_id,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`

	CreatedOn   time.Time  `json:"created_on"`
	SubmittedOn *time.Time `json:"submitted_on,omitempty"`
	ApprovedOn  *time.Time `json:"approved_on,omitempty"`
	RejectedOn  *time.Time `json:"rejected_on,omitempty"`

	Usage UsageStats `json:"usage"`
}

// Validate checks this template against the provider's structural rules, returning the
// first problem found.
func (t *WhatsAppTemplate) Validate() error {
	if !nameRegex.MatchString(t.Name) {
		return fmt.Errorf("template name must be lowercase letters, digits and underscores")
	}
	if !IsSupportedLanguage(t.Language) {
		return fmt.Errorf("'%s' is not a supported template language", t.Language)
	}
	if !templateCategories[t.Category] {
		return fmt.Errorf("'%s' is not a valid template category", t.Category)
	}

	counts := make(map[string]int, 4)
	for _, comp := range t.Components {
		counts[comp.Type]++
		if err := comp.validate(); err != nil {
			return err
		}
	}

	if counts[ComponentTypeBody] != 1 {
		return fmt.Errorf("template must have exactly one body component")
	}
	if counts[ComponentTypeHeader] > 1 || counts[ComponentTypeFooter] > 1 || counts[ComponentTypeButtons] > 1 {
		return fmt.Errorf("template can have at most one header, footer and buttons component")
	}
	return nil
}

func (c *Component) validate() error {
	switch c.Type {
	case ComponentTypeBody:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("body component requires text")
		}
	case ComponentTypeHeader:
		if c.Format != "" && !headerFormats[c.Format] {
			return fmt.Errorf("'%s' is not a valid header format", c.Format)
		}
		if (c.Format == "" || c.Format == "text") && strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("text header component requires text")
		}
	case ComponentTypeFooter:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("footer component requires text")
		}
		if len(c.Params) > 0 {
			return fmt.Errorf("footer components can't take parameters")
		}
	case ComponentTypeButtons:
		if len(c.Buttons) == 0 {
			return fmt.Errorf("buttons component requires at least one button")
		}
		for _, b := range c.Buttons {
			if !buttonTypes[b.Type] {
				return fmt.Errorf("'%s' is not a valid button type", b.Type)
			}
			if strings.TrimSpace(b.Text) == "" {
				return fmt.Errorf("buttons require text")
			}
		}
		if len(c.Params) > 0 {
			return fmt.Errorf("buttons components can't take parameters")
		}
	default:
		return fmt.Errorf("'%s' is not a valid component type", c.Type)
	}

	for _, p := range c.Params {
		if !paramTypes[p.Type] {
			return fmt.Errorf("'%s' is not a valid parameter type", p.Type)
		}
	}

	// the text must reference each declared parameter exactly once, as {{1}}..{{N}}
	indices := placeholderIndices(c.Text)
	if len(indices) != len(c.Params) {
		return fmt.Errorf("%s component has %d placeholders but %d parameters", c.Type, len(indices), len(c.Params))
	}
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		seen[idx] = true
	}
	for i := 1; i <= len(c.Params); i++ {
		if !seen[i] {
			return fmt.Errorf("%s component is missing placeholder {{%d}}", c.Type, i)
		}
	}
	return nil
}

func placeholderIndices(text string) []int {
	matches := placeholderRegex.FindAllStringSubmatch(text, -1)
	indices := make([]int, len(matches))
	for i, m := range matches {
		indices[i], _ = strconv.Atoi(m[1])
	}
	return indices
}

// BodyComponent returns this template's body component, nil if it doesn't have one
func (t *WhatsAppTemplate) BodyComponent() *Component {
	for _, comp := range t.Components {
		if comp.Type == ComponentTypeBody {
			return comp
		}
	}
	return nil
}

// Sendable returns whether this template can go out on the provider API
func (t *WhatsAppTemplate) Sendable() bool {
	return t.Status == StatusApproved
}

// Deletable returns whether this template can be removed from the registry. Templates
// the provider has seen stay around so their history isn't lost.
func (t *WhatsAppTemplate) Deletable() bool {
	return t.Status == StatusDraft || t.Status == StatusRejected
}

// Preview is a template rendered with parameter values for display
type Preview struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body"`
	Footer string `json:"footer,omitempty"`
}

// Preview renders this template's text components, substituting each {{i}} placeholder
// with params["param_i"], or a bracketed type placeholder when no value is given.
func (t *WhatsAppTemplate) Preview(params map[string]string) *Preview {
	p := &Preview{}
	for _, comp := range t.Components {
		switch comp.Type {
		case ComponentTypeHeader:
			p.Header = comp.substitute(params)
		case ComponentTypeBody:
			p.Body = comp.substitute(params)
		case ComponentTypeFooter:
			p.Footer = comp.substitute(params)
		}
	}
	return p
}

func (c *Component) substitute(params map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(c.Text, func(m string) string {
		idx, _ := strconv.Atoi(placeholderRegex.FindStringSubmatch(m)[1])
		if val := params[fmt.Sprintf("param_%d", idx)]; val != "" {
			return val
		}
		if idx >= 1 && idx <= len(c.Params) {
			return "[" + c.Params[idx-1].Type + "]"
		}
		return "[text]"
	})
}
