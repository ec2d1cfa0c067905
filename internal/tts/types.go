package tts

import (
	"context"

	goaudio "github.com/go-audio/audio"
)

// Voice is a resolved voice profile: the directory holding its reference
// samples. The random voice has no directory and no samples.
type Voice struct {
	ID      string
	Dir     string
	Samples []string
}

// Request asks the engine for Candidates renderings of Text.
type Request struct {
	Text       string
	Emotion    string
	Voice      Voice
	Candidates int
}

// Style selects the voice profile and delivery for a synthesis run.
type Style struct {
	Voice       string
	Emotion     string
	SearchPaths []string
}

// Candidate is one synthesized rendering persisted to Path.
type Candidate struct {
	Audio *goaudio.IntBuffer
	Path  string
}

// Engine is the inference backend. Implementations are not required to be
// reentrant; callers serialize access.
type Engine interface {
	LoadVoice(ctx context.Context, voiceID string, searchPaths []string) (Voice, error)
	Synthesize(ctx context.Context, req Request) ([]*goaudio.IntBuffer, error)
	ReleaseCache(ctx context.Context) error
	SampleRate() int
	Close() error
}
