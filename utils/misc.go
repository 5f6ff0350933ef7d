package utils

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	validator "gopkg.in/go-playground/validator.v9"
)

var validate = validator.New()

// Validate validates the passed in struct using our shared validator instance
func Validate(obj any) error {
	return validate.Struct(obj)
}

// SignHMAC256 signs value with HMAC256 using the passed in private key
func SignHMAC256(privateKey string, value string) string {
	hash := hmac.New(sha256.New, []byte(privateKey))
	hash.Write([]byte(value))

	signedParams := hex.EncodeToString(hash.Sum(nil))
	return signedParams
}

// VerifyHMAC256 checks a hex encoded HMAC256 signature in constant time
func VerifyHMAC256(privateKey string, value []byte, signature string) bool {
	hash := hmac.New(sha256.New, []byte(privateKey))
	hash.Write(value)

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(hash.Sum(nil), expected)
}

// SecretEqual compares two secrets in a way that isn't sensitive to timing
func SecretEqual(secret, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) == 1
}

// JoinNonEmpty takes a vararg of strings and return the join of all the non-empty strings with a delimiter between them
func JoinNonEmpty(delim string, strings ...string) string {
	var buf bytes.Buffer
	for _, s := range strings {
		if s != "" {
			if buf.Len() > 0 {
				buf.WriteString(delim)
			}
			buf.WriteString(s)
		}
	}
	return buf.String()
}

// DecodeUTF8 is a lenient decode which drops invalid byte sequences instead of erroring
func DecodeUTF8(bytes []byte) string {
	s := string(bytes)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		s = string(v)
	}
	return s
}

var invalidChars = regexp.MustCompile("([\u0000-\u0008]|[\u000B-\u000C]|[\u000E-\u001F])")

// CleanString removes any control characters from the passed in string
func CleanString(s string) string {
	cleaned := invalidChars.ReplaceAllString(s, "")

	// check whether this is valid UTF8
	if !utf8.ValidString(cleaned) || strings.Contains(cleaned, "\x00") {
		v := make([]rune, 0, len(cleaned))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}

			if r != 0 {
				v = append(v, r)
			}
		}
		cleaned = string(v)
	}

	return cleaned
}
