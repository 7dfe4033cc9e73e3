// Package sanitize turns raw sensitive payloads into irreversible digests and
// masked previews before any sink sees them.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// PreviewRunes caps the masked preview length.
const PreviewRunes = 200

// fingerprintHexLen truncates the credential hash: wide enough that
// collisions are irrelevant at audit volumes, short enough to read as a
// fingerprint rather than a recoverable digest.
const fingerprintHexLen = 16

// Digest returns the sha256 hex digest of raw content, for correlation and
// dedup without storing the text. Empty input yields an empty digest.
func Digest(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a truncated one-way hash of credential material.
// Deterministic and unsalted: the same credential always yields the same
// fingerprint so occurrences can be correlated across records.
func Fingerprint(credential string) string {
	if credential == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:fingerprintHexLen]
}

// Masker replaces common PII patterns in preview text. Rules run in order,
// most specific first, so an 18-digit national id is not half-eaten by the
// phone rule.
type Masker struct {
	rules []maskRule
}

type maskRule struct {
	name string
	re   *regexp.Regexp
}

func NewMasker() *Masker {
	return &Masker{
		rules: []maskRule{
			// 18-digit national id numbers (last position may be X)
			{"national_id", regexp.MustCompile(`\b\d{17}[0-9Xx]\b`)},

			// Email addresses
			{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},

			// Mobile numbers, with or without country prefix
			{"phone", regexp.MustCompile(`(\+?86[- ]?)?\b1[3-9]\d{9}\b`)},

			// International phone numbers in E.164 form
			{"phone_intl", regexp.MustCompile(`\+[1-9]\d{7,14}\b`)},
		},
	}
}

// Mask replaces every PII match with a named placeholder.
func (m *Masker) Mask(s string) string {
	for _, r := range m.rules {
		s = r.re.ReplaceAllString(s, "<"+r.name+">")
	}
	return s
}

// Preview derives the masked preview of raw content: NFC-normalize, mask PII,
// then cut to PreviewRunes. Masking runs before the cut so an expansion can
// never push raw content past it.
func (m *Masker) Preview(raw string) string {
	s := m.Mask(norm.NFC.String(raw))
	runes := []rune(s)
	if len(runes) > PreviewRunes {
		return string(runes[:PreviewRunes])
	}
	return s
}
