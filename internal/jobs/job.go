package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is everything needed to run one synthesis request and route its
// result back to the requester. It is passed by value across goroutines.
type Job struct {
	ID          uuid.UUID
	RequestID   string
	UserID      string
	UserName    string
	ChatID      int64
	MessageID   int64
	Text        string
	Voice       string
	Emotion     string
	Samples     int
	OutputStem  string
	SubmittedAt time.Time
}

// SamplePaths lists the final artifact of every sample: <stem>.wav for a
// single sample, <stem>_<i>.wav otherwise.
func (j Job) SamplePaths() []string {
	if j.Samples <= 1 {
		return []string{j.OutputStem + ".wav"}
	}
	paths := make([]string, j.Samples)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s_%d.wav", j.OutputStem, i)
	}
	return paths
}

// Result lists the delivered artifacts in sample order.
type Result struct {
	Paths []string
}

// Delivery is one artifact handed to a Deliverer.
type Delivery struct {
	Job    Job
	Sample int
	Path   string
}

// Dispatcher is the requester's concurrency context. Completion handling
// is posted to it and never runs on the inference worker. Post returns an
// error when fn will not run.
type Dispatcher interface {
	Post(fn func()) error
}

// Deliverer sends a finished artifact to the requester.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Reporter tells the requester that a job failed.
type Reporter interface {
	Report(ctx context.Context, job Job, err error)
}

// Timeline event types.
const (
	EventSubmitted = "submitted"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDelivered = "delivered"
)

// TimelineEvent is one step of a job's lifecycle.
type TimelineEvent struct {
	JobID  uuid.UUID
	UserID string
	Type   string
	Detail string
	At     time.Time
}

// Recorder persists job timeline events.
type Recorder interface {
	Record(ctx context.Context, evt TimelineEvent) error
}

// OutputStem derives a collision-free absolute stem for a job's artifacts
// under resultsDir.
func OutputStem(resultsDir, userID string, now time.Time) (string, error) {
	name := fmt.Sprintf("%s_%d", sanitize(userID), now.UnixNano())
	return filepath.Abs(filepath.Join(resultsDir, name))
}

func sanitize(id string) string {
	if id == "" {
		return "anon"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
}
