package herald

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// Template is a bundle of channel keyed bodies plus the set of variables they reference.
// The mail channel gets a subject and body, the WhatsApp channels share a single body.
type Template struct {
	Name         string        `json:"name"`
	Label        string        `json:"label,omitempty"`
	Channels     []ChannelType `json:"channels"`
	EmailSubject string        `json:"email_subject,omitempty"`
	EmailBody    string        `json:"email_body,omitempty"`
	WhatsAppBody string        `json:"whatsapp_body,omitempty"`
	Variables    []string      `json:"variables"`

	// provider template binding, set when WhatsApp API sends should go out as an
	// approved provider template instead of free-form text. Param variables are
	// recipient variables feeding {{1}}..{{n}} in order.
	WATemplateName string   `json:"wa_template_name,omitempty"`
	WATemplateLang string   `json:"wa_template_lang,omitempty"`
	WAParamVars    []string `json:"wa_param_vars,omitempty"`
}

// ChannelEnabled returns whether this template can produce a body for the given channel type
func (t *Template) ChannelEnabled(ct ChannelType) bool {
	return slices.Contains(t.Channels, ct)
}

// BodyForChannel returns the subject and body this template produces for the given
// channel type. Subject is empty for non-mail channels.
func (t *Template) BodyForChannel(ct ChannelType) (string, string) {
	switch ct {
	case ChannelTypeMailSink:
		return t.EmailSubject, t.EmailBody
	case ChannelTypeWhatsAppAPI, ChannelTypeWhatsAppWeb:
		return "", t.WhatsAppBody
	}
	return "", ""
}

// EnabledBodies returns the bodies of all enabled channels, used when checking that
// declared variables actually appear somewhere.
func (t *Template) EnabledBodies() []string {
	bodies := make([]string, 0, 2)
	if t.ChannelEnabled(ChannelTypeMailSink) {
		bodies = append(bodies, t.EmailBody)
	}
	if t.ChannelEnabled(ChannelTypeWhatsAppAPI) || t.ChannelEnabled(ChannelTypeWhatsAppWeb) {
		bodies = append(bodies, t.WhatsAppBody)
	}
	return bodies
}

type templatesFile struct {
	Templates []*Template `json:"templates"`
}

// ReadTemplates reads the message templates available to batches from the JSON file at
// path. A missing file just means no templates yet.
func ReadTemplates(path string) ([]*Template, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading templates file: %w", err)
	}

	file := &templatesFile{}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("error parsing templates in %s: %w", path, err)
	}

	for i, tpl := range file.Templates {
		if tpl.Name == "" {
			return nil, fmt.Errorf("template %d in %s is missing a name", i+1, path)
		}
	}
	return file.Templates, nil
}
