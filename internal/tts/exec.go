package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/mattn/go-shellwords"

	"github.com/C25Ronaldo/voice-pick-bot/internal/audio"
)

const maxResponseLine = 64 << 20

// execSynth drives a long-lived inference process that keeps the model
// loaded. Requests and responses are single JSON lines on stdin/stdout.
type execSynth struct {
	cmd        []string
	sampleRate int

	mu      sync.Mutex
	proc    *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
}

type execRequest struct {
	Op           string   `json:"op"`
	Text         string   `json:"text,omitempty"`
	Emotion      string   `json:"emotion,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	VoiceSamples []string `json:"voice_samples,omitempty"`
	Candidates   int      `json:"candidates,omitempty"`
	SampleRate   int      `json:"sample_rate,omitempty"`
}

type execResponse struct {
	Candidates []string `json:"candidates"`
	Error      string   `json:"error"`
}

const (
	opSynthesize   = "synthesize"
	opReleaseCache = "release_cache"
)

func NewExecSynth(command string, sampleRate int) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) LoadVoice(_ context.Context, voiceID string, searchPaths []string) (Voice, error) {
	return FindVoice(voiceID, searchPaths)
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]*goaudio.IntBuffer, error) {
	resp, err := e.roundTrip(ctx, execRequest{
		Op:           opSynthesize,
		Text:         req.Text,
		Emotion:      req.Emotion,
		Voice:        req.Voice.ID,
		VoiceSamples: req.Voice.Samples,
		Candidates:   req.Candidates,
		SampleRate:   e.sampleRate,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*goaudio.IntBuffer, 0, len(resp.Candidates))
	for i, encoded := range resp.Candidates {
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode candidate %d: %w", i, err)
		}
		buf, err := audio.FromPCM16LE(pcm, e.sampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		out = append(out, buf)
	}
	return out, nil
}

func (e *execSynth) ReleaseCache(ctx context.Context) error {
	e.mu.Lock()
	running := e.proc != nil
	e.mu.Unlock()
	if !running {
		return nil
	}
	_, err := e.roundTrip(ctx, execRequest{Op: opReleaseCache})
	return err
}

func (e *execSynth) SampleRate() int { return e.sampleRate }

func (e *execSynth) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *execSynth) roundTrip(ctx context.Context, req execRequest) (execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.startLocked(); err != nil {
		return execResponse{}, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, err
	}
	if _, err := e.stdin.Write(append(data, '\n')); err != nil {
		e.stopLocked()
		return execResponse{}, fmt.Errorf("write tts request: %w", err)
	}

	type lineResult struct {
		line []byte
		err  error
	}
	scanner := e.scanner
	done := make(chan lineResult, 1)
	go func() {
		if scanner.Scan() {
			done <- lineResult{line: append([]byte(nil), scanner.Bytes()...)}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		done <- lineResult{err: err}
	}()

	var res lineResult
	select {
	case <-ctx.Done():
		// the process is mid-response; restart it on the next call
		e.stopLocked()
		return execResponse{}, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		e.stopLocked()
		return execResponse{}, fmt.Errorf("read tts response: %w", res.err)
	}
	var resp execResponse
	if err := json.Unmarshal(res.line, &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode tts response: %w", err)
	}
	if resp.Error != "" {
		return execResponse{}, errors.New(resp.Error)
	}
	return resp, nil
}

func (e *execSynth) startLocked() error {
	if e.proc != nil {
		return nil
	}
	cmd := exec.Command(e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
	e.proc = cmd
	e.stdin = stdin
	e.scanner = scanner
	return nil
}

func (e *execSynth) stopLocked() error {
	if e.proc == nil {
		return nil
	}
	_ = e.stdin.Close()
	_ = e.proc.Process.Kill()
	err := e.proc.Wait()
	e.proc, e.stdin, e.scanner = nil, nil, nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
