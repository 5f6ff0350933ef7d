package render

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/heraldhq/herald"
)

// placeholders are single brace, {name}, and follow identifier rules so prose with
// stray braces doesn't get mangled
var placeholderRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// provider templates use numbered double brace placeholders, {{1}}, {{2}} ..
var paramRegex = regexp.MustCompile(`\{\{(\d+)\}\}`)

// DetectVariables returns the distinct placeholder names across the passed in texts, in
// order of first appearance
func DetectVariables(texts ...string) []string {
	seen := make(map[string]bool)
	vars := make([]string, 0, 4)
	for _, text := range texts {
		for _, m := range placeholderRegex.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				vars = append(vars, m[1])
			}
		}
	}
	return vars
}

// Substitute replaces placeholders in text with the recipient's values. Placeholders the
// recipient has no value for render as empty strings and are returned as missing so the
// caller can log them.
func Substitute(text string, rec *herald.Recipient) (string, []string) {
	var missing []string
	rendered := placeholderRegex.ReplaceAllStringFunc(text, func(m string) string {
		key := m[1 : len(m)-1]
		value, found := rec.Variable(key)
		if !found {
			missing = append(missing, key)
			return ""
		}
		return value
	})
	return rendered, missing
}

// Message renders the template for one recipient on one channel. The channel picks which
// body is used and whether splitting applies, missing variables render empty and are
// logged at info.
func Message(channel *herald.Channel, tpl *herald.Template, rec *herald.Recipient, opts Options) (*herald.Msg, error) {
	ct := channel.ChannelType()
	if !tpl.ChannelEnabled(ct) {
		return nil, fmt.Errorf("template %s has no body for channel type %s", tpl.Name, ct)
	}

	subject, body := tpl.BodyForChannel(ct)
	subject, missingSubject := Substitute(subject, rec)
	body, missingBody := Substitute(body, rec)

	for _, v := range append(missingSubject, missingBody...) {
		slog.Info("recipient missing template variable", "comp", "render", "template", tpl.Name, "variable", v, "row", rec.RowNumber)
	}

	msg := herald.NewMsg(channel, rec, subject, body)
	msg.TemplateName = tpl.Name

	// templates bound to an approved provider template go out as one templated send
	// on the API channel, with recipient variables feeding the numbered params
	if ct == herald.ChannelTypeWhatsAppAPI && tpl.WATemplateName != "" {
		msg.WATemplateName = tpl.WATemplateName
		msg.WATemplateLang = tpl.WATemplateLang
		if msg.WATemplateLang == "" {
			msg.WATemplateLang = "en"
		}
		msg.WAParams = make([]string, len(tpl.WAParamVars))
		for i, v := range tpl.WAParamVars {
			value, found := rec.Variable(v)
			if !found {
				slog.Info("recipient missing template variable", "comp", "render", "template", tpl.Name, "variable", v, "row", rec.RowNumber)
			}
			msg.WAParams[i] = value
		}
		return msg, nil
	}

	if opts.Strategy != SplitNone && (ct == herald.ChannelTypeWhatsAppAPI || ct == herald.ChannelTypeWhatsAppWeb) {
		msg.Parts = Split(body, opts)
		msg.PartDelay = opts.PartDelay
	}

	return msg, nil
}

// EstimatedDuration returns how long a split sequence will take to send, which is just
// the sum of the delays between parts
func EstimatedDuration(parts int, delay time.Duration) time.Duration {
	if parts <= 1 {
		return 0
	}
	return time.Duration(parts-1) * delay
}

// ParamCount returns how many numbered parameters a provider template text takes,
// erroring if the numbering isn't exactly 1..N
func ParamCount(text string) (int, error) {
	seen := make(map[int]bool)
	max := 0
	for _, m := range paramRegex.FindAllStringSubmatch(text, -1) {
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 1 {
			return 0, fmt.Errorf("invalid parameter placeholder %s", m[0])
		}
		seen[i] = true
		if i > max {
			max = i
		}
	}
	if len(seen) != max {
		return 0, fmt.Errorf("parameter placeholders must be numbered 1..%d with no gaps", max)
	}
	return max, nil
}

// SubstituteParams replaces numbered placeholders with the given values, {{1}} taking
// params[0] and so on. Placeholders beyond the params given are left as is.
func SubstituteParams(text string, params []string) string {
	return paramRegex.ReplaceAllStringFunc(text, func(m string) string {
		i, err := strconv.Atoi(m[2 : len(m)-2])
		if err != nil || i < 1 || i > len(params) {
			return m
		}
		return params[i-1]
	})
}
