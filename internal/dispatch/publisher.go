package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/C25Ronaldo/voice-pick-bot/internal/jobs"
	"github.com/C25Ronaldo/voice-pick-bot/internal/protocol"
)

// Bus is the publishing side of the bus client.
type Bus interface {
	PublishJSON(subject string, v any) error
}

// Publisher sends job outcomes back to the chat front-end. It is the
// Deliverer and Reporter of the jobs bridge.
type Publisher struct {
	bus          Bus
	captionChars int
	logger       *slog.Logger
	clock        func() time.Time
}

var (
	_ jobs.Deliverer = (*Publisher)(nil)
	_ jobs.Reporter  = (*Publisher)(nil)
)

func NewPublisher(bus Bus, captionChars int, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:          bus,
		captionChars: captionChars,
		logger:       logger.With(slog.String("component", "dispatch-publisher")),
		clock:        time.Now,
	}
}

// Deliver publishes one finished sample with the job text as caption.
func (p *Publisher) Deliver(_ context.Context, d jobs.Delivery) error {
	wav, err := os.ReadFile(d.Path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	reply := protocol.VoiceReply{
		RequestID: requestID(d.Job),
		UserID:    d.Job.UserID,
		ChatID:    d.Job.ChatID,
		MessageID: d.Job.MessageID,
		Sample:    d.Sample,
		Caption:   Caption(d.Job.Text, p.captionChars),
		WAV:       wav,
	}
	return p.bus.PublishJSON(protocol.SubjectJobVoice, reply)
}

// Report publishes the generic failure notice; the cause stays in the logs.
func (p *Publisher) Report(_ context.Context, job jobs.Job, err error) {
	p.logger.Warn("reporting failed job",
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", job.UserID),
		slogError(err))
	p.fail(requestID(job), job.UserID, job.ChatID, job.MessageID)
}

func (p *Publisher) fail(requestID, userID string, chatID, messageID int64) {
	failure := protocol.SynthesisFailure{
		RequestID: requestID,
		UserID:    userID,
		ChatID:    chatID,
		MessageID: messageID,
		Notice:    protocol.FailureNotice,
		Timestamp: p.clock().UTC(),
	}
	if err := p.bus.PublishJSON(protocol.SubjectJobFailed, failure); err != nil {
		p.logger.Error("failed to publish failure notice", slogError(err))
	}
}

// Caption shortens text to at most limit runes, marking the cut with "...".
func Caption(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

// requestID falls back to the job id when the front-end sent none.
func requestID(job jobs.Job) string {
	if job.RequestID != "" {
		return job.RequestID
	}
	return job.ID.String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
