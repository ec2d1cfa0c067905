package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/C25Ronaldo/voice-pick-bot/internal/tts"
	"github.com/C25Ronaldo/voice-pick-bot/internal/worker"
)

// Synthesizer renders text into a single WAV at finalPath; *tts.Orchestrator
// satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, finalPath, text string, style tts.Style) error
}

type Options struct {
	Executor    *worker.Executor
	Synthesizer Synthesizer
	Dispatcher  Dispatcher
	Deliverer   Deliverer
	Reporter    Reporter
	// Recorder is optional.
	Recorder  Recorder
	VoicesDir string
	Logger    *slog.Logger
}

// Bridge hands jobs to the inference worker and routes each outcome back
// through the requester's Dispatcher.
type Bridge struct {
	executor   *worker.Executor
	synth      Synthesizer
	dispatcher Dispatcher
	deliverer  Deliverer
	reporter   Reporter
	recorder   Recorder
	voicesDir  string
	logger     *slog.Logger

	meter     metric.Meter
	submitted metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewBridge(opts Options) (*Bridge, error) {
	switch {
	case opts.Executor == nil:
		return nil, errors.New("jobs: executor is required")
	case opts.Synthesizer == nil:
		return nil, errors.New("jobs: synthesizer is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("jobs: dispatcher is required")
	case opts.Deliverer == nil || opts.Reporter == nil:
		return nil, errors.New("jobs: deliverer and reporter are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		executor:   opts.Executor,
		synth:      opts.Synthesizer,
		dispatcher: opts.Dispatcher,
		deliverer:  opts.Deliverer,
		reporter:   opts.Reporter,
		recorder:   opts.Recorder,
		voicesDir:  opts.VoicesDir,
		logger:     logger.With(slog.String("component", "jobs")),
		meter:      otel.Meter("github.com/C25Ronaldo/voice-pick-bot/internal/jobs"),
	}
	if err := b.initMetrics(); err != nil {
		b.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return b, nil
}

// Submit queues job on the inference worker and returns immediately. Once
// the job finishes, its artifacts are delivered (or the failure reported)
// on the Dispatcher, and every file under the job's output stem is removed.
// The returned future settles when synthesis ends, before delivery.
func (b *Bridge) Submit(job Job) *worker.Future[Result] {
	if job.Samples < 1 {
		job.Samples = 1
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	ctx := context.Background()
	b.record(ctx, job, EventSubmitted, "")
	if b.submitted != nil {
		b.submitted.Add(ctx, 1)
	}

	fut := worker.Submit(b.executor, func(ctx context.Context) (Result, error) {
		return b.run(ctx, job)
	})
	fut.OnComplete(func(res worker.Result[Result]) {
		if err := b.dispatcher.Post(func() { b.finish(job, res) }); err != nil {
			b.abandon(job, err)
		}
	})
	return fut
}

func (b *Bridge) run(ctx context.Context, job Job) (Result, error) {
	b.record(ctx, job, EventStarted, "")
	logger := b.logger.With(slog.String("job_id", job.ID.String()), slog.String("user_id", job.UserID))
	logger.Info("job started",
		slog.Int("samples", job.Samples),
		slog.Duration("queued", time.Since(job.SubmittedAt)))

	if err := os.MkdirAll(filepath.Dir(job.OutputStem), 0o755); err != nil {
		return Result{}, fmt.Errorf("create results dir: %w", err)
	}
	style := tts.Style{
		Voice:       job.Voice,
		Emotion:     job.Emotion,
		SearchPaths: tts.SearchPaths(b.voicesDir, job.UserID),
	}
	paths := job.SamplePaths()
	for i, path := range paths {
		if err := b.synth.Synthesize(ctx, path, job.Text, style); err != nil {
			if len(paths) > 1 {
				err = fmt.Errorf("sample %d: %w", i, err)
			}
			return Result{}, err
		}
	}
	return Result{Paths: paths}, nil
}

// finish runs on the Dispatcher.
func (b *Bridge) finish(job Job, res worker.Result[Result]) {
	ctx := context.Background()
	logger := b.logger.With(slog.String("job_id", job.ID.String()), slog.String("user_id", job.UserID))
	defer b.purge(logger, job)

	if res.Err != nil {
		b.fail(ctx, logger, job, res.Err)
		return
	}
	b.record(ctx, job, EventCompleted, fmt.Sprintf("%d sample(s)", len(res.Value.Paths)))
	for i, path := range res.Value.Paths {
		if err := b.deliverer.Deliver(ctx, Delivery{Job: job, Sample: i, Path: path}); err != nil {
			b.fail(ctx, logger, job, fmt.Errorf("deliver sample %d: %w", i, err))
			return
		}
		b.record(ctx, job, EventDelivered, filepath.Base(path))
	}
	if b.succeeded != nil {
		b.succeeded.Add(ctx, 1)
	}
	b.observeLatency(ctx, job, "ok")
	logger.Info("job delivered", slog.Int("samples", len(res.Value.Paths)))
}

// abandon handles a job whose completion could not be posted: nothing is
// delivered or reported, but the job is recorded as failed and purged.
func (b *Bridge) abandon(job Job, cause error) {
	ctx := context.Background()
	logger := b.logger.With(slog.String("job_id", job.ID.String()), slog.String("user_id", job.UserID))
	logger.Warn("completion not delivered", slogError(cause))
	b.record(ctx, job, EventFailed, "completion dropped: "+cause.Error())
	if b.failed != nil {
		b.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "dropped")))
	}
	b.purge(logger, job)
}

func (b *Bridge) fail(ctx context.Context, logger *slog.Logger, job Job, cause error) {
	err := &DeliveryError{JobID: job.ID, Err: cause}
	logger.Error("job failed", slogError(err))
	b.record(ctx, job, EventFailed, cause.Error())
	if b.failed != nil {
		b.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failureReason(cause))))
	}
	b.observeLatency(ctx, job, "error")
	b.reporter.Report(ctx, job, err)
}

// purge removes <stem>.wav and every <stem>_* file: clip candidates,
// per-clip finals and sample finals.
func (b *Bridge) purge(logger *slog.Logger, job Job) {
	if job.OutputStem == "" {
		return
	}
	dir, base := filepath.Split(job.OutputStem)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to purge results", slogError(err))
		}
		return
	}
	var errs []error
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (name != base+".wav" && !strings.HasPrefix(name, base+"_")) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to purge results", slogError(err))
	}
	logger.Debug("results purged", slog.Int("files", removed))
}

func (b *Bridge) record(ctx context.Context, job Job, kind, detail string) {
	if b.recorder == nil {
		return
	}
	evt := TimelineEvent{JobID: job.ID, UserID: job.UserID, Type: kind, Detail: detail, At: time.Now().UTC()}
	if err := b.recorder.Record(ctx, evt); err != nil {
		b.logger.Warn("failed to record job event",
			slog.String("job_id", job.ID.String()),
			slog.String("event", kind),
			slogError(err))
	}
}

func (b *Bridge) initMetrics() error {
	var err error
	if b.submitted, err = b.meter.Int64Counter("voicepick.jobs.submitted",
		metric.WithDescription("Synthesis jobs accepted")); err != nil {
		return err
	}
	if b.succeeded, err = b.meter.Int64Counter("voicepick.jobs.succeeded",
		metric.WithDescription("Synthesis jobs delivered")); err != nil {
		return err
	}
	if b.failed, err = b.meter.Int64Counter("voicepick.jobs.failed",
		metric.WithDescription("Synthesis jobs reported as failed")); err != nil {
		return err
	}
	if b.latency, err = b.meter.Float64Histogram("voicepick.jobs.latency",
		metric.WithDescription("Time from submission to delivery or report"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) observeLatency(ctx context.Context, job Job, outcome string) {
	if b.latency == nil {
		return
	}
	b.latency.Record(ctx, time.Since(job.SubmittedAt).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func failureReason(err error) string {
	var inference *tts.InferenceError
	switch {
	case errors.Is(err, tts.ErrVoiceNotFound):
		return "voice_not_found"
	case errors.As(err, &inference):
		return "inference"
	case errors.Is(err, tts.ErrEmptyText):
		return "empty_text"
	case errors.Is(err, worker.ErrClosed):
		return "shutdown"
	default:
		return "other"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
