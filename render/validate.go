package render

import (
	"fmt"
	"slices"
	"strings"

	"github.com/heraldhq/herald"
)

// ValidationError is a template problem that would make a batch send wrong, found
// before any messages go out
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateTemplate checks a template and its split options are sendable: every enabled
// channel has a body, declared variables match the placeholders the bodies actually
// use, and split options are complete. A batch with validation errors never dispatches.
func ValidateTemplate(tpl *herald.Template, opts Options) []*ValidationError {
	errs := make([]*ValidationError, 0)

	if len(tpl.Channels) == 0 {
		errs = append(errs, &ValidationError{Field: "channels", Message: "template enables no channels"})
	}

	texts := make([]string, 0, 3)
	if tpl.ChannelEnabled(herald.ChannelTypeMailSink) {
		if strings.TrimSpace(tpl.EmailBody) == "" {
			errs = append(errs, &ValidationError{Field: "email_body", Message: "body is empty"})
		}
		texts = append(texts, tpl.EmailSubject, tpl.EmailBody)
	}
	if tpl.ChannelEnabled(herald.ChannelTypeWhatsAppAPI) || tpl.ChannelEnabled(herald.ChannelTypeWhatsAppWeb) {
		if strings.TrimSpace(tpl.WhatsAppBody) == "" {
			errs = append(errs, &ValidationError{Field: "whatsapp_body", Message: "body is empty"})
		}
		texts = append(texts, tpl.WhatsAppBody)
	}

	used := DetectVariables(texts...)
	for _, v := range used {
		if !slices.Contains(tpl.Variables, v) {
			errs = append(errs, &ValidationError{Field: "variables", Message: fmt.Sprintf("{%s} is used but not declared", v)})
		}
	}
	for _, v := range tpl.Variables {
		if !slices.Contains(used, v) {
			errs = append(errs, &ValidationError{Field: "variables", Message: fmt.Sprintf("%s is declared but never used", v)})
		}
	}

	if opts.Strategy != SplitNone {
		switch opts.Strategy {
		case SplitParagraph, SplitSentence:
		case SplitDelimiter:
			if opts.Delimiter == "" {
				errs = append(errs, &ValidationError{Field: "delimiter", Message: "required for custom_delimiter splitting"})
			}
		case SplitCharLimit:
			if opts.CharLimit < 1 {
				errs = append(errs, &ValidationError{Field: "char_limit", Message: "must be positive"})
			}
		default:
			errs = append(errs, &ValidationError{Field: "split_strategy", Message: fmt.Sprintf("unknown strategy %s", opts.Strategy)})
		}

		if opts.PartDelay < MinPartDelay {
			errs = append(errs, &ValidationError{Field: "part_delay", Message: "must be at least 0.1 seconds"})
		}
	}

	return errs
}
