package models

import "time"

// RunOutcome classifies an analysis attempt in the journal.
type RunOutcome string

const (
	RunOK            RunOutcome = "ok"
	RunParseFailed   RunOutcome = "parse_failed"
	RunEmpty         RunOutcome = "empty"
	RunUpstreamError RunOutcome = "upstream_error"
	RunPersistError  RunOutcome = "persist_error"
)

// AnalysisRun is one vision call as recorded in the Mongo journal.
type AnalysisRun struct {
	UserID             int64      `json:"user_id"              bson:"user_id"`
	Filename           string     `json:"filename"             bson:"filename"`
	ContentType        string     `json:"content_type"         bson:"content_type"`
	Model              string     `json:"model"                bson:"model"`
	Outcome            RunOutcome `json:"outcome"              bson:"outcome"`
	RawText            string     `json:"raw_text"             bson:"raw_text"`
	Error              string     `json:"error,omitempty"      bson:"error,omitempty"`
	SchemaViolations   []string   `json:"schema_violations"    bson:"schema_violations"`
	QuantityMismatches []string   `json:"quantity_mismatches"  bson:"quantity_mismatches"`
	PrescriptionID     int64      `json:"prescription_id"      bson:"prescription_id"`
	DurationMS         int64      `json:"duration_ms"          bson:"duration_ms"`
	CreatedAt          time.Time  `json:"created_at"           bson:"created_at"`
}
