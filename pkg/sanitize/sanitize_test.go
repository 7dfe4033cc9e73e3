package sanitize

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houyuxi012/auditplane/pkg/record"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("sk-secret-token-1")
	b := Fingerprint("sk-secret-token-1")
	c := Fingerprint("sk-secret-token-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)

	// The fingerprint never contains the raw value.
	assert.NotContains(t, a, "secret")
	assert.Empty(t, Fingerprint(""))
}

func TestDigest(t *testing.T) {
	assert.Len(t, Digest("prompt text"), 64)
	assert.Equal(t, Digest("same"), Digest("same"))
	assert.NotEqual(t, Digest("one"), Digest("two"))
	assert.Empty(t, Digest(""))
}

func TestMaskerPatterns(t *testing.T) {
	m := NewMasker()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			"email",
			"contact zhang.wei@example.com please",
			"contact <email> please",
		},
		{
			"mobile number",
			"call 13812345678 now",
			"call <phone> now",
		},
		{
			"national id",
			"id is 11010519900101123X ok",
			"id is <national_id> ok",
		},
		{
			"e164 phone",
			"reach me at +442071838750",
			"reach me at <phone_intl>",
		},
		{
			"clean text untouched",
			"nothing sensitive here",
			"nothing sensitive here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.Mask(tt.input))
		})
	}
}

func TestPreviewCapsLength(t *testing.T) {
	m := NewMasker()
	long := strings.Repeat("好", PreviewRunes*2)
	preview := m.Preview(long)
	assert.Equal(t, PreviewRunes, len([]rune(preview)))
}

type captureSink struct {
	last *record.Record
}

func (c *captureSink) Emit(ctx context.Context, rec *record.Record) error {
	c.last = rec
	return nil
}

func (c *captureSink) Close(ctx context.Context) error { return nil }

func TestWriterDerivesAndScrubs(t *testing.T) {
	capture := &captureSink{}
	w := NewWriter(capture)

	in := &Interaction{
		Record: record.Record{
			Action:   "CHAT",
			Status:   record.StatusSuccess,
			Provider: "openai",
			Model:    "gpt-4o",
			UserID:   "u1",
		},
		RawPrompt:     "my email is a@b.com and my plan is secret",
		RawOutput:     "assistant output",
		RawCredential: "sk-live-key",
	}

	require.NoError(t, w.Record(context.Background(), in))
	require.NotNil(t, capture.last)

	rec := capture.last
	assert.Equal(t, record.DomainAI, rec.Domain)
	assert.Equal(t, Digest("my email is a@b.com and my plan is secret"), rec.PromptHash)
	assert.Equal(t, Digest("assistant output"), rec.OutputHash)
	assert.Equal(t, Fingerprint("sk-live-key"), rec.CredentialFingerprint)

	// Preview is masked, never verbatim.
	assert.Contains(t, rec.Preview, "<email>")
	assert.NotContains(t, rec.Preview, "a@b.com")

	// Raws are discarded after derivation.
	assert.Empty(t, in.RawPrompt)
	assert.Empty(t, in.RawOutput)
	assert.Empty(t, in.RawCredential)
}
