package models

import (
	"time"

	"github.com/goccy/go-json"
)

// StructuredStatus records what happened when the model text was parsed.
type StructuredStatus string

const (
	// StructuredOK means the text held valid JSON, stored in StructuredData.
	StructuredOK StructuredStatus = "ok"
	// StructuredParseFailed means the text was not valid JSON.
	StructuredParseFailed StructuredStatus = "parse_failed"
	// StructuredEmpty means the model returned no data (empty text or null).
	StructuredEmpty StructuredStatus = "empty"
)

// Prescription is a single analysed upload, stored in the prescriptions table.
type Prescription struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"-"`
	Filename         string           `json:"filename"`
	Analysis         string           `json:"analysis"`
	StructuredData   json.RawMessage  `json:"structured_data"`
	StructuredStatus StructuredStatus `json:"structured_status"`
	ImageKey         string           `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
}

// HasStructuredData reports whether there is a non-empty structured payload.
// Empty objects and arrays, "", 0, false and null count as absent.
func (p *Prescription) HasStructuredData() bool {
	if len(p.StructuredData) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(p.StructuredData, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	case string:
		return t != ""
	case float64:
		return t != 0
	case bool:
		return t
	default:
		return false
	}
}

// StructuredResponse is the body of GET /prescriptions/{id}/structured.
type StructuredResponse struct {
	PrescriptionID int64           `json:"prescription_id"`
	Filename       string          `json:"filename"`
	CreatedAt      time.Time       `json:"created_at"`
	Data           json.RawMessage `json:"data"`
}
