package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/C25Ronaldo/voice-pick-bot/internal/audio"
	"github.com/C25Ronaldo/voice-pick-bot/internal/segment"
)

// ClipRunner is the per-clip synthesis step; *Runner satisfies it.
type ClipRunner interface {
	RunClip(ctx context.Context, destStem, text string, style Style, candidates int) ([]Candidate, error)
}

// Orchestrator synthesizes long text clip by clip and stitches the result.
type Orchestrator struct {
	runner    ClipRunner
	segmenter *segment.Segmenter
	engine    Engine
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewOrchestrator(runner ClipRunner, segmenter *segment.Segmenter, engine Engine, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runner:    runner,
		segmenter: segmenter,
		engine:    engine,
		logger:    logger.With(slog.String("component", "tts-orchestrator")),
		tracer:    otel.Tracer("github.com/C25Ronaldo/voice-pick-bot/tts"),
	}
}

// Synthesize renders text into one WAV at finalPath. Clips are synthesized
// in reading order with one candidate each; the first failing clip aborts
// the run and nothing is written to finalPath. The accelerator cache is
// released exactly once per call whatever the outcome.
func (o *Orchestrator) Synthesize(ctx context.Context, finalPath, text string, style Style) (err error) {
	ctx, span := o.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.voice", style.Voice),
		attribute.Int("tts.text_runes", len([]rune(text))),
	))
	defer span.End()
	defer o.releaseCache(ctx)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	start := time.Now()
	stem := strings.TrimSuffix(finalPath, ".wav")
	var buffers []*goaudio.IntBuffer
	for clip := range o.segmenter.Clips(text) {
		index := len(buffers)
		candidates, err := o.runner.RunClip(ctx, fmt.Sprintf("%s_%d", stem, index), clip, style, 1)
		if err != nil {
			return fmt.Errorf("clip %d: %w", index, err)
		}
		buffers = append(buffers, candidates[0].Audio)
	}
	span.SetAttributes(attribute.Int("tts.clips", len(buffers)))
	if len(buffers) == 0 {
		return ErrEmptyText
	}

	combined, err := audio.Concat(buffers...)
	if err != nil {
		return fmt.Errorf("concatenate clips: %w", err)
	}
	if err := audio.WriteFile(finalPath, combined); err != nil {
		return err
	}
	o.logger.Info("synthesis complete",
		slog.String("path", finalPath),
		slog.Int("clips", len(buffers)),
		slog.Duration("audio", audio.Duration(combined)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (o *Orchestrator) releaseCache(ctx context.Context) {
	if o.engine == nil {
		return
	}
	// the job context may already be cancelled; the release must still run
	if err := o.engine.ReleaseCache(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("failed to release accelerator cache", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
