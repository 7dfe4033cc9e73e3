package sanitize

import (
	"context"

	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/sink"
)

// Interaction is one raw AI-assistant exchange as handed over by the
// assistant boundary. The Raw fields exist only inside this struct; the
// writer derives hashes and a preview from them and discards them before
// anything is emitted.
type Interaction struct {
	Record        record.Record
	RawPrompt     string
	RawOutput     string
	RawCredential string
}

// Writer is the sensitive-audit specialization of the write path: it
// transforms raw payloads into irreversible derived fields and then emits
// through the underlying sink.
type Writer struct {
	sink   sink.Sink
	masker *Masker
}

func NewWriter(s sink.Sink) *Writer {
	return &Writer{sink: s, masker: NewMasker()}
}

// Record derives the irreversible fields, scrubs the raws and emits. The
// returned error carries only the primary write outcome, per the composite
// sink contract. On return in.Record holds the derived form that was emitted.
func (w *Writer) Record(ctx context.Context, in *Interaction) error {
	rec := in.Record
	rec.Domain = record.DomainAI

	rec.PromptHash = Digest(in.RawPrompt)
	rec.OutputHash = Digest(in.RawOutput)
	rec.CredentialFingerprint = Fingerprint(in.RawCredential)
	rec.Preview = w.masker.Preview(in.RawPrompt)

	// Drop the raw material before emission; no sink may ever observe it.
	in.RawPrompt = ""
	in.RawOutput = ""
	in.RawCredential = ""
	in.Record = rec

	return w.sink.Emit(ctx, &rec)
}
