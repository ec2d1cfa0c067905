package segment

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const scenario = "Hello. This is a test sentence that is quite long and keeps going past the limit to force a split here."

func TestShortTextIsSingleClip(t *testing.T) {
	texts := []string{
		"Hello there.",
		"No terminator at all",
		"Dr. Smith went to Washington. He said hi!",
		scenario,
	}
	s := New(DefaultMaxLength)
	for _, text := range texts {
		clips := s.Split(text)
		if len(clips) != 1 || clips[0] != text {
			t.Fatalf("Split(%q) = %q, want single identical clip", text, clips)
		}
	}
}

func TestScenarioForcesTwoClips(t *testing.T) {
	s := New(100)
	clips := s.Split(scenario)
	if len(clips) != 2 {
		t.Fatalf("expected 2 clips, got %d: %q", len(clips), clips)
	}
	if clips[0] != "Hello." {
		t.Fatalf("unexpected first clip %q", clips[0])
	}
	if got := strings.Join(clips, " "); got != scenario {
		t.Fatalf("clips do not reconstruct input:\n got %q\nwant %q", got, scenario)
	}
}

func TestClipsRespectBoundAndReconstruct(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 12) +
		"This sentence, which rambles on, and on; keeps adding clauses: one after another, until it is far too long for any single clip to hold."
	for _, limit := range []int{40, 64, 100, 300} {
		s := New(limit)
		clips := s.Split(text)
		for i, clip := range clips {
			if n := utf8.RuneCountInString(clip); n > limit {
				t.Fatalf("limit %d: clip %d has %d runes: %q", limit, i, n, clip)
			}
		}
		if got, want := strings.Join(clips, " "), Normalize(text); got != want {
			t.Fatalf("limit %d: reconstruction mismatch:\n got %q\nwant %q", limit, got, want)
		}
	}
}

func TestAdjacentShortSentencesAreMerged(t *testing.T) {
	s := New(30)
	clips := s.Split("One. Two. Three. Four. Five. Six. Seven. Eight.")
	want := []string{"One. Two. Three. Four. Five.", "Six. Seven. Eight."}
	if len(clips) != len(want) {
		t.Fatalf("got %q, want %q", clips, want)
	}
	for i := range want {
		if clips[i] != want[i] {
			t.Fatalf("clip %d = %q, want %q", i, clips[i], want[i])
		}
	}
}

func TestSentencesAreNotSplitWhenTheyFit(t *testing.T) {
	s := New(50)
	text := "A short first sentence here. A second sentence that is also short."
	clips := s.Split(text)
	if len(clips) != 2 {
		t.Fatalf("expected each sentence in its own clip, got %q", clips)
	}
	if clips[0] != "A short first sentence here." {
		t.Fatalf("first sentence was cut: %q", clips[0])
	}
}

func TestOversizedSentenceSplitsAtClauses(t *testing.T) {
	s := New(40)
	clips := s.Split("First clause is here, second clause is here, third clause is here.")
	want := []string{"First clause is here,", "second clause is here,", "third clause is here."}
	if len(clips) != len(want) {
		t.Fatalf("got %q, want %q", clips, want)
	}
	for i := range want {
		if clips[i] != want[i] {
			t.Fatalf("clip %d = %q, want %q", i, clips[i], want[i])
		}
	}
}

func TestNormalization(t *testing.T) {
	s := New(DefaultMaxLength)
	clips := s.Split("  “Quoted”   text\n\n\nwith\tgaps.  ")
	if len(clips) != 1 || clips[0] != `"Quoted" text with gaps.` {
		t.Fatalf("unexpected normalized clips %q", clips)
	}
}

func TestQuotedTerminatorsDoNotSplit(t *testing.T) {
	got := sentences(`She said "wait. stop" and left. Then "Go!" he replied.`)
	want := []string{`She said "wait. stop" and left.`, `Then "Go!"`, `he replied.`}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPunctuationOnlyDropped(t *testing.T) {
	s := New(DefaultMaxLength)
	if clips := s.Split(" ... !! "); len(clips) != 0 {
		t.Fatalf("expected no clips, got %q", clips)
	}
	if clips := s.Split(""); len(clips) != 0 {
		t.Fatalf("expected no clips for empty text, got %q", clips)
	}
}

func TestClipsIsLazy(t *testing.T) {
	s := New(20)
	count := 0
	for range s.Clips("Alpha beta. Gamma delta. Epsilon zeta. Eta theta. Iota kappa.") {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected to stop after 2 clips, got %d", count)
	}
}

func TestDeterministic(t *testing.T) {
	s := New(64)
	text := strings.Repeat("Determinism matters, always. ", 10)
	first := s.Split(text)
	second := s.Split(text)
	if strings.Join(first, "|") != strings.Join(second, "|") {
		t.Fatal("split is not deterministic")
	}
}

func TestOrdinaryWordsEndSentences(t *testing.T) {
	s := New(16)
	clips := s.Split("I said no. You said yes.")
	want := []string{"I said no.", "You said yes."}
	if len(clips) != len(want) {
		t.Fatalf("got %q, want %q", clips, want)
	}
	for i := range want {
		if clips[i] != want[i] {
			t.Fatalf("clip %d = %q, want %q", i, clips[i], want[i])
		}
	}
}

func TestAbbreviationBoundaries(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Dr. Smith arrived. He sat.", []string{"Dr. Smith arrived.", "He sat."}},
		{"See fig. 2 for details. Then stop.", []string{"See fig. 2 for details.", "Then stop."}},
		{"Apples, pears, etc. are fruit. Rocks are not.", []string{"Apples, pears, etc. are fruit.", "Rocks are not."}},
		{"They said no. Then they left.", []string{"They said no.", "Then they left."}},
		{"We met at the co. Then we went home.", []string{"We met at the co.", "Then we went home."}},
	}
	for _, tt := range tests {
		got := sentences(tt.text)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Fatalf("sentences(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestOversizedClauseFillsOpenClip(t *testing.T) {
	s := New(20)
	clips := s.Split("Ok, aaaa bbbb cccc dddd eeee ffff.")
	want := []string{"Ok, aaaa bbbb cccc", "dddd eeee ffff."}
	if len(clips) != len(want) {
		t.Fatalf("got %q, want %q", clips, want)
	}
	for i := range want {
		if clips[i] != want[i] {
			t.Fatalf("clip %d = %q, want %q", i, clips[i], want[i])
		}
	}
}

func TestOverlongWordIsChunked(t *testing.T) {
	s := New(8)
	clips := s.Split("Hi " + strings.Repeat("x", 20) + " end.")
	want := []string{"Hi", "xxxxxxxx", "xxxxxxxx", "xxxx", "end."}
	if strings.Join(clips, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", clips, want)
	}
}
