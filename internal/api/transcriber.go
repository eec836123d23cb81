package api

import "context"

// Transcriber converts uploaded audio to text for /upload-voice (spec §6.1).
// The actual speech-to-text provider is out of scope (§2.3 supplemented
// features); NewStubTranscriber is the zero-configuration default that keeps
// the endpoint usable without one wired in.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}

type stubTranscriber struct{}

// NewStubTranscriber returns a Transcriber that always reports an empty
// transcript, grounded on the same "skip silently when unconfigured"
// contract a real STT proxy integration would follow.
func NewStubTranscriber() Transcriber {
	return stubTranscriber{}
}

func (stubTranscriber) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	return "", nil
}
