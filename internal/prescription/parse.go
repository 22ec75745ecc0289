package prescription

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ayush/pharmabot/backend/internal/models"
)

// fenceRe matches markdown code fences around a JSON reply.
var fenceRe = regexp.MustCompile("```json\\s*|\\s*```")

// ParseResult is the outcome of extracting JSON from model text. Data is set
// only when Status is models.StructuredOK; Err only when it is
// models.StructuredParseFailed.
type ParseResult struct {
	Status models.StructuredStatus
	Data   json.RawMessage
	Err    error
}

// ParseStructured strips code fences from text and keeps what is left if it is
// valid JSON. Any JSON value is kept; whether it has the dispensing shape is
// the schema check's concern. It never fails; a bad payload is reported in the
// result.
func ParseStructured(text string) ParseResult {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
	if cleaned == "" || cleaned == "null" {
		return ParseResult{Status: models.StructuredEmpty}
	}

	raw := []byte(cleaned)
	if !json.Valid(raw) {
		return ParseResult{Status: models.StructuredParseFailed, Err: errors.New("structured data is not valid JSON")}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ParseResult{Status: models.StructuredParseFailed, Err: err}
	}
	return ParseResult{Status: models.StructuredOK, Data: buf.Bytes()}
}
