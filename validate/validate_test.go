package validate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mailOnly = []herald.ChannelType{herald.ChannelTypeMailSink}
var waOnly = []herald.ChannelType{herald.ChannelTypeWhatsAppAPI}

func hasRule(report *validate.Report, rule string) bool {
	for _, i := range report.Issues {
		if i.Rule == rule {
			return true
		}
	}
	return false
}

func issueByRule(report *validate.Report, rule string) *validate.Issue {
	for _, i := range report.Issues {
		if i.Rule == rule {
			return i
		}
	}
	return nil
}

func TestCheckCleanRecipient(t *testing.T) {
	c := validate.NewChecker("US", false)

	report := c.Check(context.Background(), &herald.Recipient{
		Name:    "John Doe",
		Company: "Acme Inc",
		Email:   "john.doe@acme.com",
		Phone:   "+1 206-779-1234",
	}, mailOnly)

	assert.True(t, report.Valid)
	assert.Equal(t, 100, report.QualityScore)
	assert.Len(t, report.Errors(), 0)
}

func TestCheckEmail(t *testing.T) {
	c := validate.NewChecker("US", false)
	ctx := context.Background()

	tcs := []struct {
		email string
		valid bool
		rule  string
	}{
		{"", false, "email_required"},
		{"not-an-email", false, "email_format"},
		{"john doe@acme.com", false, "email_format"},
		{"john..doe@acme.com", false, "email_local_dots"},
		{".johndoe@acme.com", false, "email_local_dots"},
		{strings.Repeat("a", 64) + "@acme.com", true, ""},
		{strings.Repeat("a", 65) + "@acme.com", false, "email_local_length"},
		{"sarah@gmail.con", true, "email_domain_typo"},
		{"kate@gmaill.com", true, "email_domain_typo"},
		{"bob@mail.com", true, ""},
		{"jane@yopmail.com", true, "email_disposable"},
		{"support@acme.com", true, "email_role_based"},
	}

	for _, tc := range tcs {
		report := c.Check(ctx, &herald.Recipient{Email: tc.email}, mailOnly)

		assert.Equal(t, tc.valid, report.Valid, "valid mismatch for %s", tc.email)
		if tc.rule != "" {
			assert.True(t, hasRule(report, tc.rule), "expected %s for %s", tc.rule, tc.email)
		} else {
			assert.Len(t, report.Issues, 0, "expected no issues for %s", tc.email)
		}
	}

	// typo suggestions carry the corrected address
	report := c.Check(ctx, &herald.Recipient{Email: "sarah@gmail.con"}, mailOnly)
	issue := issueByRule(report, "email_domain_typo")
	require.NotNil(t, issue)
	assert.Equal(t, "sarah@gmail.com", issue.Suggestion)
	assert.Contains(t, report.Suggestions, "sarah@gmail.com")
}

func TestCheckPhone(t *testing.T) {
	c := validate.NewChecker("US", false)
	ctx := context.Background()

	tcs := []struct {
		phone string
		valid bool
		rule  string
	}{
		{"", false, "phone_required"},
		{"+1 (206) 779-1234", true, ""},
		{"555-HELP", false, "phone_format"},
		{"1234567", false, "phone_length"},
		{"1234567890123456", false, "phone_length"},
		{"20677912", true, "phone_parse"}, // 8 digits is long enough, just not parseable
		{"11111111", false, "phone_repeated_digits"},
		{"12345678", false, "phone_sequential_digits"},
		{"98765432", false, "phone_sequential_digits"},
	}

	for _, tc := range tcs {
		report := c.Check(ctx, &herald.Recipient{Phone: tc.phone}, waOnly)

		assert.Equal(t, tc.valid, report.Valid, "valid mismatch for %q", tc.phone)
		if tc.rule != "" {
			assert.True(t, hasRule(report, tc.rule), "expected %s for %q", tc.rule, tc.phone)
		}
	}

	// national format numbers get an international format suggestion
	report := c.Check(ctx, &herald.Recipient{Phone: "2067791234"}, waOnly)
	assert.True(t, report.Valid)
	issue := issueByRule(report, "phone_intl_format")
	require.NotNil(t, issue)
	assert.Equal(t, validate.SeverityInfo, issue.Severity)
	assert.NotEqual(t, "", issue.Suggestion)
}

func TestCheckNameAndCompany(t *testing.T) {
	c := validate.NewChecker("US", false)
	ctx := context.Background()

	report := c.Check(ctx, &herald.Recipient{Name: "JOHN DOE", Email: "john@acme.com"}, mailOnly)
	issue := issueByRule(report, "name_case")
	require.NotNil(t, issue)
	assert.Equal(t, "John Doe", issue.Suggestion)
	assert.True(t, report.Valid)

	report = c.Check(ctx, &herald.Recipient{Name: "J", Email: "j@acme.com"}, mailOnly)
	assert.False(t, report.Valid)
	assert.True(t, hasRule(report, "name_length"))

	report = c.Check(ctx, &herald.Recipient{Name: "John123", Email: "john@acme.com"}, mailOnly)
	assert.False(t, report.Valid)
	assert.True(t, hasRule(report, "name_charset"))

	report = c.Check(ctx, &herald.Recipient{Name: "12345", Email: "rob@acme.com"}, mailOnly)
	assert.True(t, report.Valid)
	assert.True(t, hasRule(report, "name_suspicious"))

	report = c.Check(ctx, &herald.Recipient{Name: "Mary O'Neil-Smith", Email: "mary.oneil@acme.com"}, mailOnly)
	assert.True(t, report.Valid)
	assert.False(t, hasRule(report, "name_charset"))

	report = c.Check(ctx, &herald.Recipient{Name: "Ann Lee", Company: "Initech", Email: "ann.lee@initech.com"}, mailOnly)
	issue = issueByRule(report, "company_legal_suffix")
	require.NotNil(t, issue)
	assert.Equal(t, validate.SeverityInfo, issue.Severity)

	report = c.Check(ctx, &herald.Recipient{Name: "Ann Lee", Company: "Initech LLC", Email: "ann.lee@initech.com"}, mailOnly)
	assert.False(t, hasRule(report, "company_legal_suffix"))
}

func TestCheckCrossField(t *testing.T) {
	c := validate.NewChecker("US", false)
	ctx := context.Background()

	report := c.Check(ctx, &herald.Recipient{Name: "John Doe", Email: "zzqqxx@acme.com"}, mailOnly)
	assert.True(t, hasRule(report, "cross_email_name"))

	report = c.Check(ctx, &herald.Recipient{Name: "John Doe", Email: "jdoe@acme.com"}, mailOnly)
	assert.False(t, hasRule(report, "cross_email_name"))

	report = c.Check(ctx, &herald.Recipient{Name: "Test User", Email: "tuser@acme.com"}, mailOnly)
	assert.True(t, hasRule(report, "placeholder_value"))
}

func TestQualityScore(t *testing.T) {
	c := validate.NewChecker("US", false)
	ctx := context.Background()

	// one warning, two of four fields filled: 100 - 10 + 5
	report := c.Check(ctx, &herald.Recipient{Name: "JOHN DOE", Email: "john.doe@acme.com"}, mailOnly)
	assert.True(t, report.Valid)
	assert.Equal(t, 95, report.QualityScore)

	// empty recipient on a mail batch: one error, no completeness bonus
	report = c.Check(ctx, &herald.Recipient{}, mailOnly)
	assert.False(t, report.Valid)
	assert.Equal(t, 80, report.QualityScore)

	// scores never go below zero
	report = c.Check(ctx, &herald.Recipient{Name: "X", Email: "bad", Phone: "123"}, []herald.ChannelType{herald.ChannelTypeMailSink, herald.ChannelTypeWhatsAppAPI})
	assert.False(t, report.Valid)
	assert.GreaterOrEqual(t, report.QualityScore, 0)
}
