package main

import (
	"math"
	"testing"
)

func TestCountSentences(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"One sentence.", 1},
		{"One. Two. Three.", 3},
		{"Really?! That ends one sentence.", 2},
		{"No terminator at all", 0},
		{"Wait... then another.", 2}, // the ellipsis run counts once
	}
	for _, tt := range tests {
		if got := countSentences(tt.text); got != tt.want {
			t.Errorf("countSentences(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCountSyllables(t *testing.T) {
	tests := []struct {
		word string
		want int
	}{
		{"cat", 1},
		{"hello", 2},
		{"beautiful", 3},
		{"cake", 1},   // trailing silent e
		{"table", 2},  // -le keeps its syllable
		{"rhythm", 1}, // y as vowel
		{"a", 1},
		{"...", 1}, // punctuation-only words count as one
		{"don't", 1},
	}
	for _, tt := range tests {
		if got := countSyllables(tt.word); got != tt.want {
			t.Errorf("countSyllables(%q) = %d, want %d", tt.word, got, tt.want)
		}
	}
}

func TestAnalyzeReadabilityEmpty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		got := AnalyzeReadability(text)
		if got != (ReadabilityMetrics{}) {
			t.Errorf("AnalyzeReadability(%q) = %+v, want zero metrics", text, got)
		}
	}
}

func TestAnalyzeReadability(t *testing.T) {
	// "The cat sat." -> 3 words, 1 sentence, 3 syllables
	got := AnalyzeReadability("The cat sat.")
	if got.WordCount != 3 {
		t.Errorf("WordCount = %d, want 3", got.WordCount)
	}
	if got.SentenceCount != 1 {
		t.Errorf("SentenceCount = %d, want 1", got.SentenceCount)
	}
	if got.SyllableCount != 3 {
		t.Errorf("SyllableCount = %d, want 3", got.SyllableCount)
	}

	wantEase := 206.835 - 1.015*3 - 84.6*1
	if math.Abs(got.FleschReadingEase-wantEase) > 0.001 {
		t.Errorf("FleschReadingEase = %f, want %f", got.FleschReadingEase, wantEase)
	}
	wantGrade := 0.39*3 + 11.8*1 - 15.59
	if math.Abs(got.FleschKincaidGrade-wantGrade) > 0.001 {
		t.Errorf("FleschKincaidGrade = %f, want %f", got.FleschKincaidGrade, wantGrade)
	}
}

func TestAnalyzeReadabilityNoTerminator(t *testing.T) {
	// text without terminators is treated as one sentence
	got := AnalyzeReadability("headline without punctuation")
	if got.SentenceCount != 1 {
		t.Errorf("SentenceCount = %d, want 1", got.SentenceCount)
	}
}
