package model

import (
	"fmt"
	"strings"
	"time"
)

// Table is a numbered bingo card. Pool tables are seeded with
// Delivered=false; manually registered ones arrive delivered.
type Table struct {
	ID                 int64     `db:"id"`
	Code               string    `db:"code"`
	FileName           string    `db:"file_name"`
	FileURL            *string   `db:"file_url"`
	Delivered          bool      `db:"delivered"`
	ManualRegistration bool      `db:"manual_registration"`
	OCRValidated       bool      `db:"ocr_validated"`
	OCRConfidence      *float64  `db:"ocr_confidence"`
	OCRKeywords        *string   `db:"ocr_keywords"`
	CreatedAt          time.Time `db:"created_at"`
}

// TableCode renders the canonical "{start}_{end}" range code with both
// bounds zero-padded to five digits.
func TableCode(start, end int) string {
	return fmt.Sprintf("%05d_%05d", start, end)
}

// Keywords splits the stored comma separated OCR keyword list.
func (t *Table) Keywords() []string {
	if t.OCRKeywords == nil || *t.OCRKeywords == "" {
		return nil
	}
	return strings.Split(*t.OCRKeywords, ",")
}

type TableStats struct {
	Total     int `db:"total"`
	Delivered int `db:"delivered"`
	Available int `db:"available"`
}

// Classification is the verdict of the document classifier for a photo of
// a physical table.
type Classification struct {
	IsValidDocument bool
	Confidence      float64
	MatchedKeywords []string
	MissingKeywords []string
	OCRConfidence   float64
	Text            string
}
