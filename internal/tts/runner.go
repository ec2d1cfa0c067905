package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/C25Ronaldo/voice-pick-bot/internal/audio"
)

// Runner performs one engine invocation and persists its candidates.
type Runner struct {
	engine Engine
	logger *slog.Logger
}

func NewRunner(engine Engine, logger *slog.Logger) *Runner {
	return &Runner{engine: engine, logger: logger.With(slog.String("component", "tts-runner"))}
}

// RunClip synthesizes text once with the requested candidate count and
// writes candidate i to <destStem>_<i>.wav. Candidates come back in
// generation order; a single candidate is still returned as a slice.
func (r *Runner) RunClip(ctx context.Context, destStem, text string, style Style, candidates int) ([]Candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if candidates < 1 {
		return nil, fmt.Errorf("candidate count must be >= 1, got %d", candidates)
	}
	voice, err := r.engine.LoadVoice(ctx, style.Voice, style.SearchPaths)
	if err != nil {
		return nil, err
	}

	buffers, err := r.engine.Synthesize(ctx, Request{
		Text:       text,
		Emotion:    style.Emotion,
		Voice:      voice,
		Candidates: candidates,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &InferenceError{Err: err}
	}
	if len(buffers) != candidates {
		return nil, &InferenceError{Err: fmt.Errorf("engine returned %d candidates, want %d", len(buffers), candidates)}
	}

	result := make([]Candidate, 0, len(buffers))
	for i, buf := range buffers {
		if buf == nil {
			return nil, &InferenceError{Err: fmt.Errorf("engine returned empty candidate %d", i)}
		}
		if buf.Format != nil && buf.Format.SampleRate == 0 {
			buf.Format.SampleRate = r.engine.SampleRate()
		}
		path := fmt.Sprintf("%s_%d.wav", destStem, i)
		if err := audio.WriteFile(path, buf); err != nil {
			return nil, fmt.Errorf("persist candidate %d: %w", i, err)
		}
		result = append(result, Candidate{Audio: buf, Path: path})
	}
	r.logger.Debug("clip synthesized",
		slog.String("stem", destStem),
		slog.Int("candidates", len(result)),
		slog.Duration("audio", audio.Duration(result[0].Audio)))
	return result, nil
}
