package validate

import (
	"context"
	"strings"
	"time"

	"github.com/heraldhq/herald"
	cache "github.com/patrickmn/go-cache"
)

// Severity grades how bad an issue is. Only errors make a recipient invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one finding against one field of a recipient
type Issue struct {
	Field      string   `json:"field"`
	Value      string   `json:"value"`
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
	Rule       string   `json:"rule"`
}

// Report is everything we found about one recipient. Checking never fails, bad data
// becomes issues and Valid false.
type Report struct {
	Issues       []*Issue `json:"issues"`
	Valid        bool     `json:"valid"`
	QualityScore int      `json:"quality_score"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

func (r *Report) add(i *Issue) { r.Issues = append(r.Issues, i) }

// Errors returns only the error severity issues
func (r *Report) Errors() []*Issue {
	errs := []*Issue{}
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			errs = append(errs, i)
		}
	}
	return errs
}

// how long MX lookups are remembered
const mxCacheTTL = time.Hour

// values that scream "this isn't real data" in any field
var placeholderTokens = []string{"test", "example", "sample", "placeholder", "dummy", "asdf", "qwerty", "xxx", "n/a", "none", "null"}

// Checker validates recipients before they are rendered and sent. One checker is
// shared across a batch, its MX cache keeps repeat domains cheap.
type Checker struct {
	country string
	checkMX bool

	resolver mxResolver
	mx       *cache.Cache
}

// NewChecker creates a checker parsing phones against the given default country,
// optionally verifying email domains have MX records
func NewChecker(country string, checkMX bool) *Checker {
	return &Checker{
		country:  country,
		checkMX:  checkMX,
		resolver: defaultResolver,
		mx:       cache.New(mxCacheTTL, 2*mxCacheTTL),
	}
}

// Check validates one recipient for the given channels. Channels decide which address
// fields are required, everything present gets checked either way.
func (c *Checker) Check(ctx context.Context, rec *herald.Recipient, channels []herald.ChannelType) *Report {
	report := &Report{Issues: []*Issue{}}

	needsEmail := hasChannel(channels, herald.ChannelTypeMailSink)
	needsPhone := hasChannel(channels, herald.ChannelTypeWhatsAppAPI) || hasChannel(channels, herald.ChannelTypeWhatsAppWeb)

	c.checkEmail(ctx, report, rec.Email, needsEmail)
	c.checkPhone(report, rec.Phone, needsPhone)
	c.checkName(report, rec.Name)
	c.checkCompany(report, rec.Company)
	c.checkCrossField(report, rec)

	report.Valid = len(report.Errors()) == 0
	report.QualityScore = qualityScore(report, rec)
	report.Suggestions = suggestions(report)

	return report
}

func hasChannel(channels []herald.ChannelType, t herald.ChannelType) bool {
	for _, ch := range channels {
		if ch == t {
			return true
		}
	}
	return false
}

// qualityScore is 100 minus 20 per error, 10 per warning, 2 per info, plus up to 10
// for filled in fields, clamped to [0, 100]
func qualityScore(report *Report, rec *herald.Recipient) int {
	score := 100
	for _, i := range report.Issues {
		switch i.Severity {
		case SeverityError:
			score -= 20
		case SeverityWarning:
			score -= 10
		case SeverityInfo:
			score -= 2
		}
	}

	filled := 0
	for _, v := range []string{rec.Name, rec.Company, rec.Email, rec.Phone} {
		if strings.TrimSpace(v) != "" {
			filled++
		}
	}
	score += (10 * filled) / 4

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// suggestions collects up to 5 distinct improvement suggestions from the issues
func suggestions(report *Report) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, i := range report.Issues {
		if i.Suggestion == "" || seen[i.Suggestion] {
			continue
		}
		seen[i.Suggestion] = true
		out = append(out, i.Suggestion)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// checkCrossField looks for inconsistencies between fields
func (c *Checker) checkCrossField(report *Report, rec *herald.Recipient) {
	// an email that shares nothing with the name is often someone else's
	if rec.Email != "" && rec.Name != "" {
		at := strings.IndexByte(rec.Email, '@')
		if at > 0 && !sharesToken(strings.ToLower(rec.Email[:at]), strings.ToLower(rec.Name)) {
			report.add(&Issue{
				Field:    "email",
				Value:    rec.Email,
				Severity: SeverityWarning,
				Category: "cross_field",
				Message:  "email address doesn't resemble the recipient's name",
				Rule:     "cross_email_name",
			})
		}
	}

	fields := map[string]string{"name": rec.Name, "company": rec.Company, "email": rec.Email}
	for field, value := range fields {
		if value == "" {
			continue
		}
		if tok := placeholderIn(value); tok != "" {
			report.add(&Issue{
				Field:    field,
				Value:    value,
				Severity: SeverityWarning,
				Category: "placeholder",
				Message:  "looks like placeholder data",
				Rule:     "placeholder_value",
			})
		}
	}
}

// placeholderIn returns the placeholder token the value contains, if any. Tokens only
// match whole words so names like Testerman pass.
func placeholderIn(value string) string {
	lower := strings.ToLower(value)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	for _, tok := range placeholderTokens {
		if lower == tok {
			return tok
		}
		for _, w := range words {
			if w == tok {
				return tok
			}
		}
	}
	return ""
}

// sharesToken returns whether any 3+ character substring of a name token appears in
// the email local part
func sharesToken(local, name string) bool {
	for _, tok := range strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == '.' || r == '-' || r == '\'' }) {
		if len(tok) < 3 {
			continue
		}
		for i := 0; i+3 <= len(tok); i++ {
			if strings.Contains(local, tok[i:i+3]) {
				return true
			}
		}
	}
	return false
}
