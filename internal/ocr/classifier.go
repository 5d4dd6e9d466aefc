// Package ocr decides whether a photo shows a genuine bingo table by
// looking for campaign keywords in the recognized text.
package ocr

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/model"
)

var DefaultKeywords = []string{"BINGO", "AMIGO", "PRIME", "PELICANO", "PELICANOTV", "VIERNES", "8PM", "8 PM"}

type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (client.Recognition, error)
}

type KeywordClassifier struct {
	recognizer  Recognizer
	keywords    []string
	minKeywords int
}

func NewKeywordClassifier(r Recognizer, keywords []string, minKeywords int) *KeywordClassifier {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	if minKeywords < 1 {
		minKeywords = 1
	}
	return &KeywordClassifier{recognizer: r, keywords: keywords, minKeywords: minKeywords}
}

func (c *KeywordClassifier) Classify(ctx context.Context, image []byte) (model.Classification, error) {
	if len(image) == 0 {
		return model.Classification{}, fmt.Errorf("empty image")
	}
	rec, err := c.recognizer.Recognize(ctx, image)
	if err != nil {
		return model.Classification{}, fmt.Errorf("recognize: %w", err)
	}

	res := c.Evaluate(rec.Text)
	res.OCRConfidence = rec.Confidence
	return res, nil
}

// Evaluate scores already recognized text. Confidence is the share of
// keywords found.
func (c *KeywordClassifier) Evaluate(text string) model.Classification {
	norm := normalize(text)

	var matched, missing []string
	for _, kw := range c.keywords {
		if strings.Contains(norm, kw) {
			matched = append(matched, kw)
		} else {
			missing = append(missing, kw)
		}
	}

	return model.Classification{
		IsValidDocument: len(matched) >= c.minKeywords,
		Confidence:      float64(len(matched)) / float64(len(c.keywords)),
		MatchedKeywords: matched,
		MissingKeywords: missing,
		Text:            norm,
	}
}

// normalize uppercases, turns punctuation into spaces and collapses runs
// of whitespace.
func normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return unicode.ToUpper(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
