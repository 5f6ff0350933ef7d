package validate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var legalSuffixes = map[string]bool{
	"inc": true, "llc": true, "ltd": true, "corp": true, "co": true, "gmbh": true,
	"plc": true, "sa": true, "ag": true, "bv": true, "srl": true, "pty": true,
}

func (c *Checker) checkName(report *Report, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}

	if n := utf8.RuneCountInString(name); n < 2 || n > 100 {
		report.add(&Issue{Field: "name", Value: name, Severity: SeverityError, Category: "length", Message: "must be between 2 and 100 characters", Rule: "name_length"})
		return
	}

	if purelyNumeric(name) {
		report.add(&Issue{Field: "name", Value: name, Severity: SeverityWarning, Category: "pattern", Message: "name is just numbers", Rule: "name_suspicious"})
		return
	}

	for _, r := range name {
		if unicode.IsLetter(r) || r == ' ' || r == '-' || r == '\'' || r == '.' {
			continue
		}
		report.add(&Issue{Field: "name", Value: name, Severity: SeverityError, Category: "format", Message: "contains characters that don't belong in a name", Rule: "name_charset"})
		return
	}

	lower, upper := strings.ToLower(name), strings.ToUpper(name)
	if name == upper && lower != upper {
		report.add(&Issue{
			Field:      "name",
			Value:      name,
			Severity:   SeverityWarning,
			Category:   "case",
			Message:    "name is all capitals",
			Suggestion: properCase(name),
			Rule:       "name_case",
		})
	} else if name == lower && lower != upper {
		report.add(&Issue{
			Field:      "name",
			Value:      name,
			Severity:   SeverityWarning,
			Category:   "case",
			Message:    "name is all lowercase",
			Suggestion: properCase(name),
			Rule:       "name_case",
		})
	}
}

func (c *Checker) checkCompany(report *Report, company string) {
	company = strings.TrimSpace(company)
	if company == "" {
		return
	}

	if n := utf8.RuneCountInString(company); n < 2 || n > 200 {
		report.add(&Issue{Field: "company", Value: company, Severity: SeverityWarning, Category: "length", Message: "must be between 2 and 200 characters", Rule: "company_length"})
		return
	}

	if purelyNumeric(company) {
		report.add(&Issue{Field: "company", Value: company, Severity: SeverityWarning, Category: "pattern", Message: "company is just numbers", Rule: "company_suspicious"})
		return
	}

	words := strings.Fields(company)
	if len(words) == 1 && !legalSuffixes[strings.ToLower(strings.Trim(words[0], ".,"))] {
		report.add(&Issue{Field: "company", Value: company, Severity: SeverityInfo, Category: "business", Message: "single word with no legal suffix, may be incomplete", Rule: "company_legal_suffix"})
	}
}

func properCase(s string) string {
	return cases.Title(language.English).String(strings.ToLower(s))
}

func purelyNumeric(s string) bool {
	has := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			has = true
			continue
		}
		if r == ' ' || r == '-' || r == '.' {
			continue
		}
		return false
	}
	return has
}
