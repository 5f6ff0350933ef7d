package herald

import (
	"strings"
)

// Recipient is a single person we can send to. Name, company, email and phone are the
// canonical fields mapped from whatever columns the source file had, extra columns are
// kept as variables so templates can reference them.
type Recipient struct {
	Name    string            `json:"name"`
	Company string            `json:"company,omitempty"`
	Email   string            `json:"email,omitempty"`
	Phone   string            `json:"phone,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`

	// RowNumber is the 1-based row in the source file this recipient came from, zero if
	// the recipient wasn't loaded from a file
	RowNumber int `json:"row_number,omitempty"`
}

// Variable returns the value for a template variable, checking the canonical fields
// before the extra columns.
func (r *Recipient) Variable(key string) (string, bool) {
	switch strings.ToLower(key) {
	case "name":
		return r.Name, true
	case "company":
		return r.Company, true
	case "email":
		return r.Email, true
	case "phone":
		return r.Phone, true
	}
	v, found := r.Extra[key]
	return v, found
}

// AddressForChannel returns the address we would send to on the given channel type,
// empty if the recipient has no usable address for it.
func (r *Recipient) AddressForChannel(t ChannelType) string {
	switch t {
	case ChannelTypeMailSink:
		return r.Email
	case ChannelTypeWhatsAppAPI, ChannelTypeWhatsAppWeb:
		return r.Phone
	}
	return ""
}

// PhoneDigits returns the phone number with formatting characters stripped, keeping a
// leading + if present.
func (r *Recipient) PhoneDigits() string {
	return CleanPhone(r.Phone)
}

// CleanPhone strips spaces, dashes, dots and parentheses from a phone number, keeping
// digits and a leading +.
func CleanPhone(phone string) string {
	var b strings.Builder
	for i, ch := range phone {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		} else if ch == '+' && i == 0 {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
