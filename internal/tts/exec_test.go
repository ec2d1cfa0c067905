package tts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// The script answers every request line with two candidates of PCM16LE
// samples [1, 2] and [3, 4] (base64 "AQACAA==" and "AwAEAA==").
const fakeInferenceScript = `while read -r line; do
  case "$line" in
    *release_cache*) echo '{"candidates":[]}' ;;
    *) echo '{"candidates":["AQACAA==","AwAEAA=="]}' ;;
  esac
done`

func TestExecSynthRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "infer.sh")
	if err := os.WriteFile(script, []byte(fakeInferenceScript), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	engine, err := NewExecSynth("sh "+script, 24000)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	ctx := context.Background()
	for round := 0; round < 2; round++ {
		bufs, err := engine.Synthesize(ctx, Request{Text: "hi", Voice: Voice{ID: RandomVoice}, Candidates: 2})
		if err != nil {
			t.Fatalf("round %d synthesize: %v", round, err)
		}
		if len(bufs) != 2 {
			t.Fatalf("expected 2 candidates, got %d", len(bufs))
		}
		if bufs[0].Data[0] != 1 || bufs[0].Data[1] != 2 || bufs[1].Data[0] != 3 {
			t.Fatalf("unexpected samples %v %v", bufs[0].Data, bufs[1].Data)
		}
		if bufs[0].Format.SampleRate != 24000 {
			t.Fatalf("unexpected sample rate %d", bufs[0].Format.SampleRate)
		}
	}
	if err := engine.ReleaseCache(ctx); err != nil {
		t.Fatalf("release cache: %v", err)
	}
}

func TestExecSynthReportsDeadProcess(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	engine, err := NewExecSynth("true", 24000)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	if _, err := engine.Synthesize(context.Background(), Request{Text: "hi", Candidates: 1}); err == nil {
		t.Fatal("expected error when the inference process exits")
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 24000); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecReleaseCacheWithoutProcess(t *testing.T) {
	engine, err := NewExecSynth("never-started", 24000)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if err := engine.ReleaseCache(context.Background()); err != nil {
		t.Fatalf("release before start should be a no-op, got %v", err)
	}
}
