package validate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	cache "github.com/patrickmn/go-cache"
)

// how long we give a DNS server to answer an MX query
const mxTimeout = 3 * time.Second

type mxResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

var defaultResolver mxResolver = net.DefaultResolver

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)

// common fat-fingerings of the big providers
var domainTypos = map[string]string{
	"gmail.con":   "gmail.com",
	"gmail.co":    "gmail.com",
	"gmai.com":    "gmail.com",
	"gmial.com":   "gmail.com",
	"gamil.com":   "gmail.com",
	"hotmail.con": "hotmail.com",
	"hotmai.com":  "hotmail.com",
	"hotmal.com":  "hotmail.com",
	"yahoo.con":   "yahoo.com",
	"yaho.com":    "yahoo.com",
	"yahooo.com":  "yahoo.com",
	"outlok.com":  "outlook.com",
	"outloo.com":  "outlook.com",
	"iclod.com":   "icloud.com",
}

// providers worth a levenshtein pass when the typo table misses
var knownDomains = []string{"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "icloud.com", "aol.com", "protonmail.com"}

// real domains that sit one edit away from a big provider and must never be "fixed"
var notTypos = map[string]bool{"mail.com": true, "ymail.com": true, "gmx.com": true}

var disposableDomains = map[string]bool{
	"mailinator.com": true, "guerrillamail.com": true, "10minutemail.com": true,
	"tempmail.com": true, "throwaway.email": true, "yopmail.com": true,
	"trashmail.com": true, "getnada.com": true,
}

var roleLocals = map[string]bool{
	"admin": true, "administrator": true, "info": true, "support": true, "sales": true,
	"contact": true, "office": true, "billing": true, "noreply": true, "no-reply": true,
	"postmaster": true, "webmaster": true, "marketing": true, "hello": true,
}

func (c *Checker) checkEmail(ctx context.Context, report *Report, email string, required bool) {
	if strings.TrimSpace(email) == "" {
		if required {
			report.add(&Issue{Field: "email", Severity: SeverityError, Category: "missing", Message: "email address is required", Rule: "email_required"})
		}
		return
	}

	if !emailRegex.MatchString(email) {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityError, Category: "format", Message: "not a valid email address", Rule: "email_format"})
		return
	}

	at := strings.LastIndexByte(email, '@')
	local, domain := email[:at], strings.ToLower(email[at+1:])

	if len(local) > 64 {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityError, Category: "length", Message: "local part is longer than 64 characters", Rule: "email_local_length"})
	}
	if badDots(local) {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityError, Category: "format", Message: "local part has leading, trailing or consecutive dots", Rule: "email_local_dots"})
	}
	if len(domain) > 255 {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityError, Category: "length", Message: "domain is longer than 255 characters", Rule: "email_domain_length"})
	}
	if badDots(domain) {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityError, Category: "format", Message: "domain has leading, trailing or consecutive dots", Rule: "email_domain_dots"})
	}

	if fixed := fixDomain(domain); fixed != "" {
		report.add(&Issue{
			Field:      "email",
			Value:      email,
			Severity:   SeverityWarning,
			Category:   "typo",
			Message:    fmt.Sprintf("domain looks like a typo of %s", fixed),
			Suggestion: local + "@" + fixed,
			Rule:       "email_domain_typo",
		})
	}

	if disposableDomains[domain] {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityWarning, Category: "business", Message: "disposable email domain", Rule: "email_disposable"})
	}
	if roleLocals[strings.ToLower(local)] {
		report.add(&Issue{Field: "email", Value: email, Severity: SeverityWarning, Category: "business", Message: "role-based address, may not reach a person", Rule: "email_role_based"})
	}

	if c.checkMX {
		has, err := c.lookupMX(ctx, domain)
		if err != nil {
			report.add(&Issue{Field: "email", Value: email, Severity: SeverityWarning, Category: "dns", Message: "couldn't verify the domain accepts mail", Rule: "email_mx"})
		} else if !has {
			report.add(&Issue{Field: "email", Value: email, Severity: SeverityWarning, Category: "dns", Message: "domain has no MX records", Rule: "email_mx"})
		}
	}
}

func badDots(s string) bool {
	return strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..")
}

// fixDomain returns the corrected domain when the given one is a known or near typo
// of a common provider, empty otherwise
func fixDomain(domain string) string {
	if fixed, ok := domainTypos[domain]; ok {
		return fixed
	}
	if notTypos[domain] {
		return ""
	}
	for _, known := range knownDomains {
		if domain != known && levenshtein.ComputeDistance(domain, known) == 1 {
			return known
		}
	}
	return ""
}

// lookupMX returns whether the domain has MX records, caching answers so repeat
// domains across a batch cost one query
func (c *Checker) lookupMX(ctx context.Context, domain string) (bool, error) {
	if cached, found := c.mx.Get(domain); found {
		return cached.(bool), nil
	}

	ctx, cancel := context.WithTimeout(ctx, mxTimeout)
	defer cancel()

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			c.mx.Set(domain, false, cache.DefaultExpiration)
			return false, nil
		}
		return false, err
	}

	has := len(records) > 0
	c.mx.Set(domain, has, cache.DefaultExpiration)
	return has, nil
}
