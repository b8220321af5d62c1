package main

import (
	"strings"
	"unicode"
)

// ReadabilityMetrics holds the computed text statistics for an article
type ReadabilityMetrics struct {
	WordCount           int     `json:"word_count"`
	SentenceCount       int     `json:"sentence_count"`
	SyllableCount       int     `json:"syllable_count"`
	AvgWordsPerSentence float64 `json:"avg_words_per_sentence"`
	FleschReadingEase   float64 `json:"flesch_reading_ease"`
	FleschKincaidGrade  float64 `json:"flesch_kincaid_grade"`
}

// AnalyzeReadability computes word, sentence and syllable counts plus the
// Flesch reading ease and Flesch-Kincaid grade level for the given text.
// Empty or whitespace-only text yields all zeros.
func AnalyzeReadability(text string) ReadabilityMetrics {
	words := strings.Fields(text)
	wordCount := len(words)
	if wordCount == 0 {
		return ReadabilityMetrics{}
	}

	sentenceCount := countSentences(text)
	if sentenceCount == 0 {
		sentenceCount = 1
	}

	syllableCount := 0
	for _, word := range words {
		syllableCount += countSyllables(word)
	}

	wordsPerSentence := float64(wordCount) / float64(sentenceCount)
	syllablesPerWord := float64(syllableCount) / float64(wordCount)

	return ReadabilityMetrics{
		WordCount:           wordCount,
		SentenceCount:       sentenceCount,
		SyllableCount:       syllableCount,
		AvgWordsPerSentence: wordsPerSentence,
		FleschReadingEase:   206.835 - 1.015*wordsPerSentence - 84.6*syllablesPerWord,
		FleschKincaidGrade:  0.39*wordsPerSentence + 11.8*syllablesPerWord - 15.59,
	}
}

// countSentences counts terminator runs so "What?!" is one sentence
func countSentences(text string) int {
	count := 0
	inTerminator := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inTerminator {
				count++
				inTerminator = true
			}
		default:
			inTerminator = false
		}
	}
	return count
}

// countSyllables approximates syllables by counting vowel groups, dropping
// a trailing silent e. Every word counts as at least one syllable.
func countSyllables(word string) int {
	word = strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r)
	}))
	if word == "" {
		return 1
	}

	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := isVowel(r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}

	if strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "le") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}
