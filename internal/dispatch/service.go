package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/C25Ronaldo/voice-pick-bot/internal/bus"
	"github.com/C25Ronaldo/voice-pick-bot/internal/jobs"
	"github.com/C25Ronaldo/voice-pick-bot/internal/protocol"
	"github.com/C25Ronaldo/voice-pick-bot/internal/tts"
	"github.com/C25Ronaldo/voice-pick-bot/internal/worker"
)

// Submitter queues jobs; *jobs.Bridge satisfies it.
type Submitter interface {
	Submit(job jobs.Job) *worker.Future[jobs.Result]
}

// Backlog reports how many units wait ahead of a new job.
type Backlog interface {
	Pending() int
}

type Options struct {
	ResultsDir string
	MaxChars   int
	MaxSamples int
	Backlog    Backlog
	Logger     *slog.Logger
}

// Service turns synthesis requests from the bus into bridge jobs.
type Service struct {
	bus       *bus.Client
	submitter Submitter
	publisher *Publisher
	opts      Options
	logger    *slog.Logger
	sub       *nats.Subscription
	clock     func() time.Time
}

var (
	errEmptyText      = errors.New("text is empty")
	errTextTooLong    = errors.New("text is too long")
	errBadSampleCount = errors.New("sample count out of range")
	errMissingUser    = errors.New("user id is required")
	errBadUser        = errors.New("user id is not a valid name")
)

func NewService(ctx context.Context, client *bus.Client, submitter Submitter, publisher *Publisher, opts Options) (*Service, error) {
	if client == nil || submitter == nil || publisher == nil {
		return nil, errors.New("dispatch: bus, submitter and publisher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		bus:       client,
		submitter: submitter,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(slog.String("component", "dispatch")),
		clock:     time.Now,
	}

	sub, err := client.Conn().Subscribe(protocol.SubjectJobRequest, s.handleRequest)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectJobRequest, err)
	}
	s.sub = sub
	if err := client.Conn().FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	s.logger.Info("dispatch service subscribed", slog.String("subject", protocol.SubjectJobRequest))
	return s, nil
}

// Close stops taking new requests. Queued jobs keep running.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid synthesis request payload", slogError(err))
		return
	}
	logger := s.logger.With(slog.String("request_id", req.RequestID), slog.String("user_id", req.UserID))

	if err := s.validate(&req); err != nil {
		logger.Warn("rejecting synthesis request", slogError(err))
		s.publisher.fail(req.RequestID, req.UserID, req.ChatID, req.MessageID)
		return
	}

	now := s.clock()
	stem, err := jobs.OutputStem(s.opts.ResultsDir, req.UserID, now)
	if err != nil {
		logger.Error("failed to derive output path", slogError(err))
		s.publisher.fail(req.RequestID, req.UserID, req.ChatID, req.MessageID)
		return
	}
	job := jobs.Job{
		ID:          uuid.New(),
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		UserName:    req.UserName,
		ChatID:      req.ChatID,
		MessageID:   req.MessageID,
		Text:        req.Text,
		Voice:       req.Voice,
		Emotion:     req.Emotion,
		Samples:     req.Samples,
		OutputStem:  stem,
		SubmittedAt: now,
	}

	position := 0
	if s.opts.Backlog != nil {
		position = s.opts.Backlog.Pending()
	}
	s.submitter.Submit(job)
	logger.Info("synthesis job queued",
		slog.String("job_id", job.ID.String()),
		slog.String("voice", job.Voice),
		slog.Int("samples", job.Samples),
		slog.Int("position", position))

	ack := protocol.SynthesisAccepted{RequestID: req.RequestID, JobID: job.ID.String(), Position: position}
	if err := s.bus.PublishJSON(protocol.SubjectJobAccepted, ack); err != nil {
		logger.Warn("failed to publish acceptance", slogError(err))
	}
	if msg.Reply != "" {
		data, _ := json.Marshal(ack)
		if err := msg.Respond(data); err != nil {
			logger.Warn("failed to answer request", slogError(err))
		}
	}
}

func (s *Service) validate(req *protocol.SynthesisRequest) error {
	req.Text = strings.TrimSpace(req.Text)
	req.Voice = strings.TrimSpace(req.Voice)
	if req.UserID == "" {
		return errMissingUser
	}
	if !tts.ValidUserID(req.UserID) {
		return fmt.Errorf("%w: %q", errBadUser, req.UserID)
	}
	if req.Text == "" {
		return errEmptyText
	}
	if s.opts.MaxChars > 0 && utf8.RuneCountInString(req.Text) > s.opts.MaxChars {
		return fmt.Errorf("%w: %d runes, limit %d", errTextTooLong, utf8.RuneCountInString(req.Text), s.opts.MaxChars)
	}
	if req.Samples == 0 {
		req.Samples = 1
	}
	if req.Samples < 1 || (s.opts.MaxSamples > 0 && req.Samples > s.opts.MaxSamples) {
		return fmt.Errorf("%w: %d", errBadSampleCount, req.Samples)
	}
	if req.Voice == "" {
		req.Voice = tts.RandomVoice
	}
	return nil
}
