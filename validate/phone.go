package validate

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

func (c *Checker) checkPhone(report *Report, phone string, required bool) {
	if strings.TrimSpace(phone) == "" {
		if required {
			report.add(&Issue{Field: "phone", Severity: SeverityError, Category: "missing", Message: "phone number is required", Rule: "phone_required"})
		}
		return
	}

	digits := strings.Map(func(r rune) rune {
		switch r {
		case '+', '(', ')', '-', ' ':
			return -1
		}
		return r
	}, phone)

	for _, r := range digits {
		if r < '0' || r > '9' {
			report.add(&Issue{Field: "phone", Value: phone, Severity: SeverityError, Category: "format", Message: "contains characters that aren't digits", Rule: "phone_format"})
			return
		}
	}

	if len(digits) < 8 || len(digits) > 15 {
		report.add(&Issue{Field: "phone", Value: phone, Severity: SeverityError, Category: "length", Message: "must have between 8 and 15 digits", Rule: "phone_length"})
		return
	}

	if allSameDigit(digits) {
		report.add(&Issue{Field: "phone", Value: phone, Severity: SeverityError, Category: "pattern", Message: "single repeated digit", Rule: "phone_repeated_digits"})
		return
	}
	if isSequential(digits) {
		report.add(&Issue{Field: "phone", Value: phone, Severity: SeverityError, Category: "pattern", Message: "sequential digits", Rule: "phone_sequential_digits"})
		return
	}

	parsed, err := phonenumbers.Parse(phone, c.country)
	if err != nil {
		report.add(&Issue{Field: "phone", Value: phone, Severity: SeverityWarning, Category: "format", Message: "couldn't be parsed as a phone number", Rule: "phone_parse"})
		return
	}
	if !phonenumbers.IsValidNumber(parsed) {
		report.add(&Issue{Field: "phone", Value: phone, Severity: SeverityWarning, Category: "format", Message: fmt.Sprintf("not a valid number for %s", c.country), Rule: "phone_parse"})
		return
	}

	if formatted := phonenumbers.Format(parsed, phonenumbers.INTERNATIONAL); formatted != phone {
		report.add(&Issue{
			Field:      "phone",
			Value:      phone,
			Severity:   SeverityInfo,
			Category:   "format",
			Message:    "not in international format",
			Suggestion: formatted,
			Rule:       "phone_intl_format",
		})
	}
}

func allSameDigit(digits string) bool {
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return false
		}
	}
	return len(digits) > 0
}

// isSequential returns whether the digits are one unbroken ascending or descending
// run like 12345678, the sort of thing people type to get past a form
func isSequential(digits string) bool {
	if len(digits) < 4 {
		return false
	}
	asc, desc := true, true
	for i := 1; i < len(digits); i++ {
		step := int(digits[i]) - int(digits[i-1])
		if step != 1 {
			asc = false
		}
		if step != -1 {
			desc = false
		}
	}
	return asc || desc
}
