package tts

import (
	"context"
	"math"
	"sync/atomic"
	"time"
	"unicode/utf8"

	goaudio "github.com/go-audio/audio"

	"github.com/C25Ronaldo/voice-pick-bot/internal/audio"
)

// mockSynth renders a quiet tone whose length grows with the text, so the
// whole pipeline can run without a model.
type mockSynth struct {
	sampleRate int
	perRune    time.Duration
	releases   atomic.Int64
}

func NewMockSynth(sampleRate int) Engine {
	return &mockSynth{sampleRate: sampleRate, perRune: 20 * time.Millisecond}
}

func (m *mockSynth) LoadVoice(_ context.Context, voiceID string, searchPaths []string) (Voice, error) {
	return FindVoice(voiceID, searchPaths)
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]*goaudio.IntBuffer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	n := int(time.Duration(utf8.RuneCountInString(req.Text)) * m.perRune * time.Duration(m.sampleRate) / time.Second)
	out := make([]*goaudio.IntBuffer, 0, req.Candidates)
	for c := 0; c < req.Candidates; c++ {
		freq := 220.0 * float64(c+1)
		samples := make([]int, n)
		for i := range samples {
			samples[i] = int(2000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		}
		out = append(out, audio.NewBuffer(m.sampleRate, samples))
	}
	return out, nil
}

func (m *mockSynth) ReleaseCache(context.Context) error {
	m.releases.Add(1)
	return nil
}

func (m *mockSynth) SampleRate() int { return m.sampleRate }

func (m *mockSynth) Close() error { return nil }
