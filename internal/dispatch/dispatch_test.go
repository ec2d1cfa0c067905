package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/C25Ronaldo/voice-pick-bot/internal/audio"
	"github.com/C25Ronaldo/voice-pick-bot/internal/bus"
	"github.com/C25Ronaldo/voice-pick-bot/internal/config"
	"github.com/C25Ronaldo/voice-pick-bot/internal/jobs"
	"github.com/C25Ronaldo/voice-pick-bot/internal/natsserver"
	"github.com/C25Ronaldo/voice-pick-bot/internal/protocol"
	"github.com/C25Ronaldo/voice-pick-bot/internal/segment"
	"github.com/C25Ronaldo/voice-pick-bot/internal/tts"
	"github.com/C25Ronaldo/voice-pick-bot/internal/worker"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type capturedBus struct {
	subjects []string
	payloads []any
	err      error
}

func (b *capturedBus) PublishJSON(subject string, v any) error {
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, v)
	return b.err
}

func TestCaption(t *testing.T) {
	cases := []struct {
		text  string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer than ten", 10, "this is lo..."},
		{"héllo wörld", 5, "héllo..."},
		{"unbounded", 0, "unbounded"},
	}
	for _, tc := range cases {
		if got := Caption(tc.text, tc.limit); got != tc.want {
			t.Fatalf("Caption(%q, %d) = %q, want %q", tc.text, tc.limit, got, tc.want)
		}
	}
}

func TestPublisherDeliverSendsWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u_1.wav")
	if err := audio.WriteFile(path, audio.NewBuffer(24000, []int{1, 2, 3, 4})); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	b := &capturedBus{}
	p := NewPublisher(b, 4, newLogger())
	job := jobs.Job{ID: uuid.New(), RequestID: "req-1", UserID: "1001", ChatID: 9, MessageID: 3, Text: "Hello world"}

	if err := p.Deliver(context.Background(), jobs.Delivery{Job: job, Sample: 1, Path: path}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(b.subjects) != 1 || b.subjects[0] != protocol.SubjectJobVoice {
		t.Fatalf("unexpected publishes %v", b.subjects)
	}
	reply := b.payloads[0].(protocol.VoiceReply)
	if reply.RequestID != "req-1" || reply.ChatID != 9 || reply.MessageID != 3 || reply.Sample != 1 {
		t.Fatalf("unexpected reply routing %+v", reply)
	}
	if reply.Caption != "Hell..." {
		t.Fatalf("unexpected caption %q", reply.Caption)
	}
	want, _ := os.ReadFile(path)
	if !bytes.Equal(reply.WAV, want) {
		t.Fatal("reply does not carry the artifact bytes")
	}
}

func TestPublisherDeliverMissingFile(t *testing.T) {
	p := NewPublisher(&capturedBus{}, 10, newLogger())
	err := p.Deliver(context.Background(), jobs.Delivery{Job: jobs.Job{ID: uuid.New()}, Path: filepath.Join(t.TempDir(), "gone.wav")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestPublisherReportUsesGenericNotice(t *testing.T) {
	b := &capturedBus{}
	p := NewPublisher(b, 10, newLogger())
	job := jobs.Job{ID: uuid.New(), UserID: "1001", ChatID: 9, MessageID: 3}
	p.Report(context.Background(), job, &jobs.DeliveryError{JobID: job.ID, Err: errors.New("cuda out of memory")})

	if len(b.subjects) != 1 || b.subjects[0] != protocol.SubjectJobFailed {
		t.Fatalf("unexpected publishes %v", b.subjects)
	}
	failure := b.payloads[0].(protocol.SynthesisFailure)
	if failure.Notice != protocol.FailureNotice {
		t.Fatalf("internal error leaked into notice: %q", failure.Notice)
	}
	if failure.RequestID != job.ID.String() || failure.ChatID != 9 {
		t.Fatalf("unexpected failure routing %+v", failure)
	}
}

type recordingSubmitter struct {
	jobs []jobs.Job
}

func (r *recordingSubmitter) Submit(job jobs.Job) *worker.Future[jobs.Result] {
	r.jobs = append(r.jobs, job)
	return nil
}

func TestValidate(t *testing.T) {
	s := &Service{opts: Options{MaxChars: 10, MaxSamples: 3}}
	cases := []struct {
		name string
		req  protocol.SynthesisRequest
		want error
	}{
		{"ok", protocol.SynthesisRequest{UserID: "u", Text: "hi"}, nil},
		{"missing user", protocol.SynthesisRequest{Text: "hi"}, errMissingUser},
		{"traversing user", protocol.SynthesisRequest{UserID: "../../private", Text: "hi"}, errBadUser},
		{"dot user", protocol.SynthesisRequest{UserID: "..", Text: "hi"}, errBadUser},
		{"blank text", protocol.SynthesisRequest{UserID: "u", Text: "   "}, errEmptyText},
		{"too long", protocol.SynthesisRequest{UserID: "u", Text: "eleven runes"}, errTextTooLong},
		{"too many samples", protocol.SynthesisRequest{UserID: "u", Text: "hi", Samples: 4}, errBadSampleCount},
		{"negative samples", protocol.SynthesisRequest{UserID: "u", Text: "hi", Samples: -1}, errBadSampleCount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			err := s.validate(&req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if err == nil && (req.Samples != 1 || req.Voice != tts.RandomVoice) {
				t.Fatalf("defaults not applied: %+v", req)
			}
		})
	}
}

// startBus runs an embedded server and returns a connected client.
func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "voicepick-test",
		config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceRejectsInvalidRequest(t *testing.T) {
	client := startBus(t)
	submitter := &recordingSubmitter{}
	svc, err := NewService(context.Background(), client, submitter, NewPublisher(client, 100, newLogger()),
		Options{ResultsDir: t.TempDir(), MaxChars: 5, MaxSamples: 1, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	failures, err := client.Conn().SubscribeSync(protocol.SubjectJobFailed)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectJobRequest, protocol.SynthesisRequest{
		RequestID: "req-9", UserID: "1001", ChatID: 5, Text: "far too long for the limit",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := failures.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected failure reply: %v", err)
	}
	var failure protocol.SynthesisFailure
	if err := json.Unmarshal(msg.Data, &failure); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failure.RequestID != "req-9" || failure.Notice != protocol.FailureNotice {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if len(submitter.jobs) != 0 {
		t.Fatal("invalid request reached the bridge")
	}
}

func TestServiceEndToEnd(t *testing.T) {
	client := startBus(t)
	resultsDir := t.TempDir()

	engine := tts.NewMockSynth(24000)
	orch := tts.NewOrchestrator(tts.NewRunner(engine, newLogger()), segment.New(60), engine, newLogger())
	exec := worker.New("inference", newLogger())
	exec.Start(context.Background())
	loop := jobs.NewLoop(newLogger())
	loop.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Close(ctx)
		_ = loop.Close(ctx)
	})

	publisher := NewPublisher(client, 12, newLogger())
	bridge, err := jobs.NewBridge(jobs.Options{
		Executor:    exec,
		Synthesizer: orch,
		Dispatcher:  loop,
		Deliverer:   publisher,
		Reporter:    publisher,
		VoicesDir:   t.TempDir(),
		Logger:      newLogger(),
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	svc, err := NewService(context.Background(), client, bridge, publisher,
		Options{ResultsDir: resultsDir, MaxChars: 1000, MaxSamples: 3, Backlog: exec, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	voices, err := client.Conn().SubscribeSync(protocol.SubjectJobVoice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	text := "Hello there. This sentence is long enough to be split into more than one clip."
	msg, err := client.Conn().Request(protocol.SubjectJobRequest, mustJSON(t, protocol.SynthesisRequest{
		RequestID: "req-1", UserID: "1001", ChatID: 77, MessageID: 12, Text: text, Samples: 2,
	}), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var ack protocol.SynthesisAccepted
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.RequestID != "req-1" || ack.JobID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	for sample := 0; sample < 2; sample++ {
		m, err := voices.NextMsg(10 * time.Second)
		if err != nil {
			t.Fatalf("sample %d not delivered: %v", sample, err)
		}
		var reply protocol.VoiceReply
		if err := json.Unmarshal(m.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.Sample != sample || reply.ChatID != 77 || reply.MessageID != 12 {
			t.Fatalf("unexpected reply routing %+v", reply)
		}
		if reply.Caption != "Hello there...." {
			t.Fatalf("unexpected caption %q", reply.Caption)
		}
		if !wav.NewDecoder(bytes.NewReader(reply.WAV)).IsValidFile() {
			t.Fatalf("sample %d is not a valid wav", sample)
		}
	}

	// purge runs right after the last delivery on the same loop
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := os.ReadDir(resultsDir)
		if err != nil {
			t.Fatalf("read results: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("results not purged: %d files left", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
