package record

import (
	"fmt"
	"strings"
	"time"
)

// Audit domains. Every record belongs to exactly one.
const (
	DomainBusiness = "BUSINESS"
	DomainIAM      = "IAM"
	DomainSystem   = "SYSTEM"
	DomainAI       = "AI"
	DomainAccess   = "ACCESS"
)

// Record outcome.
const (
	StatusSuccess = "SUCCESS"
	StatusFail    = "FAIL"
)

// Provenance marks which backend(s) contributed a merged read-side record.
type Provenance string

const (
	ProvenancePrimary Provenance = "primary"
	ProvenanceStream  Provenance = "stream"
	ProvenanceBoth    Provenance = "primary+stream"
)

// Record is the canonical structured unit written and read throughout the
// pipeline. Optional groups (actor, target, AI, HTTP access) stay zero-valued
// when they do not apply. Extra is a bounded escape hatch for provider-specific
// scalars; it must never carry raw sensitive content.
type Record struct {
	TraceID       string    `json:"trace_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level,omitempty"`
	Domain        string    `json:"domain"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	SourceSubtype string    `json:"source_subtype,omitempty"`

	// Actor
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	IP       string `json:"ip,omitempty"`

	// Target
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Detail     string `json:"detail,omitempty"`

	// AI interaction fields
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	TokensIn   int      `json:"tokens_in,omitempty"`
	TokensOut  int      `json:"tokens_out,omitempty"`
	LatencyMS  int64    `json:"latency_ms,omitempty"`
	PolicyHits []string `json:"policy_hits,omitempty"`

	// HTTP access fields
	Path       string `json:"path,omitempty"`
	Method     string `json:"method,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`

	// Derived sensitive-content fields, populated exclusively by the sanitize
	// writer. Irreversible; the raw values are discarded before emission.
	PromptHash            string `json:"prompt_hash,omitempty"`
	OutputHash            string `json:"output_hash,omitempty"`
	CredentialFingerprint string `json:"credential_fingerprint,omitempty"`
	Preview               string `json:"preview,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// MaxExtraKeys bounds the escape-hatch map on a single record.
const MaxExtraKeys = 16

// Validate checks the fields every sink requires.
func (r *Record) Validate() error {
	if r.Domain == "" {
		return fmt.Errorf("record: missing domain")
	}
	if r.Action == "" {
		return fmt.Errorf("record: missing action")
	}
	switch r.Status {
	case StatusSuccess, StatusFail:
	default:
		return fmt.Errorf("record: invalid status %q", r.Status)
	}
	if len(r.Extra) > MaxExtraKeys {
		return fmt.Errorf("record: extra map exceeds %d keys", MaxExtraKeys)
	}
	return nil
}

// Merged is the ephemeral read-side union of a primary row and/or a stream
// entry. It is never persisted.
type Merged struct {
	Record
	EventID      string     `json:"event_id,omitempty"`
	Provenance   Provenance `json:"provenance"`
	NormalizedTS int64      `json:"normalized_ts"`
}

// MergeKey builds the dedup key used when reconciling the two backends.
// A trace-scoped key correlates by request so legitimate duplicate actions in
// different requests survive the merge; records without a trace id fall back to
// a minute-bucketed composite of the identifying fields.
func MergeKey(r *Record, tsMillis int64) string {
	if r.TraceID != "" {
		return strings.Join([]string{"trace", r.TraceID, r.Action, r.TargetType, r.TargetID}, ":")
	}
	minute := tsMillis / 60000
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", minute, r.UserID, r.Action, r.TargetType, r.TargetID, r.Status)
}
